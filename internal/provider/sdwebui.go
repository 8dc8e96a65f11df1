package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/annel0/tileforge/internal/imageio"
	"github.com/annel0/tileforge/internal/logging"
)

// SDWebUIProvider бекенд Stable Diffusion WebUI (AUTOMATIC1111 API).
// Поддерживает обе операции: txt2img и img2img с маской (inpaint).
// Адрес берётся из конфига либо из ENV TILEFORGE_SDWEBUI_URL; пустой
// адрес означает отсутствие креденшелов.
type SDWebUIProvider struct {
	baseURL string
	client  *http.Client
}

// NewSDWebUIProvider создаёт бекенд. url может быть пустым — тогда
// провайдер регистрируется как недоступный.
func NewSDWebUIProvider(url string) *SDWebUIProvider {
	if url == "" {
		url = os.Getenv("TILEFORGE_SDWEBUI_URL")
	}
	return &SDWebUIProvider{
		baseURL: url,
		client:  &http.Client{},
	}
}

func (p *SDWebUIProvider) Name() string { return "sdwebui" }

func (p *SDWebUIProvider) Supports(op Capability) bool {
	return op == CapTextToImage || op == CapInpaint
}

func (p *SDWebUIProvider) Available() bool { return p.baseURL != "" }

// txt2imgRequest тело запроса /sdapi/v1/txt2img.
type txt2imgRequest struct {
	Prompt   string  `json:"prompt"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Steps    int     `json:"steps"`
	CFGScale float64 `json:"cfg_scale"`
	Seed     int64   `json:"seed"`
}

// img2imgRequest тело запроса /sdapi/v1/img2img (inpaint-режим).
type img2imgRequest struct {
	InitImages        []string `json:"init_images"`
	Mask              string   `json:"mask"`
	Prompt            string   `json:"prompt"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	Steps             int      `json:"steps"`
	CFGScale          float64  `json:"cfg_scale"`
	Seed              int64    `json:"seed"`
	DenoisingStrength float64  `json:"denoising_strength"`
	InpaintingFill    int      `json:"inpainting_fill"`
	InpaintFullRes    bool     `json:"inpaint_full_res"`
}

// generationResponse общий формат ответа WebUI: массив base64-PNG.
type generationResponse struct {
	Images []string `json:"images"`
}

// TextToImage генерирует сцену через /sdapi/v1/txt2img.
func (p *SDWebUIProvider) TextToImage(ctx context.Context, req TextToImageRequest) (Result, error) {
	start := time.Now()

	body := txt2imgRequest{
		Prompt:   req.Prompt,
		Width:    req.Width,
		Height:   req.Height,
		Steps:    req.Steps,
		CFGScale: req.CFGScale,
		Seed:     req.Seed,
	}

	png, err := p.call(ctx, "/sdapi/v1/txt2img", body)
	if err != nil {
		return p.failure(req.Seed, start, err), err
	}

	if err := imageio.SaveBytes(req.OutputPath, png); err != nil {
		return p.failure(req.Seed, start, err), err
	}

	return Result{
		ArtifactPath:   req.OutputPath,
		Seed:           req.Seed,
		GenerationTime: time.Since(start),
		Provider:       p.Name(),
		Success:        true,
	}, nil
}

// Inpaint перегенерирует область маски через /sdapi/v1/img2img.
// База и маска читаются с диска и передаются как base64.
func (p *SDWebUIProvider) Inpaint(ctx context.Context, req InpaintRequest) (Result, error) {
	start := time.Now()

	baseB64, err := fileToBase64(req.BasePath)
	if err != nil {
		return p.failure(req.Seed, start, err), err
	}
	maskB64, err := fileToBase64(req.MaskPath)
	if err != nil {
		return p.failure(req.Seed, start, err), err
	}

	body := img2imgRequest{
		InitImages:        []string{baseB64},
		Mask:              maskB64,
		Prompt:            req.Prompt,
		Width:             req.Width,
		Height:            req.Height,
		Steps:             req.Steps,
		CFGScale:          req.CFGScale,
		Seed:              req.Seed,
		DenoisingStrength: 0.75,
		InpaintingFill:    1, // original — сохраняем содержимое под маской как основу
		InpaintFullRes:    false,
	}

	png, err := p.call(ctx, "/sdapi/v1/img2img", body)
	if err != nil {
		return p.failure(req.Seed, start, err), err
	}

	if err := imageio.SaveBytes(req.OutputPath, png); err != nil {
		return p.failure(req.Seed, start, err), err
	}

	return Result{
		ArtifactPath:   req.OutputPath,
		Seed:           req.Seed,
		GenerationTime: time.Since(start),
		Provider:       p.Name(),
		Success:        true,
	}, nil
}

// call выполняет POST и возвращает декодированный PNG первого изображения.
// Таймаут приходит через контекст; просроченный вызов — обычная ошибка
// провайдера, частичный артефакт не записывается.
func (p *SDWebUIProvider) call(ctx context.Context, endpoint string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации запроса: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса к SD WebUI: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("SD WebUI вернул статус %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var gen generationResponse
	if err := json.Unmarshal(raw, &gen); err != nil {
		return nil, fmt.Errorf("некорректный ответ SD WebUI: %w", err)
	}
	if len(gen.Images) == 0 {
		return nil, fmt.Errorf("SD WebUI вернул пустой список изображений")
	}

	png, err := base64.StdEncoding.DecodeString(gen.Images[0])
	if err != nil {
		return nil, fmt.Errorf("ошибка декодирования base64 изображения: %w", err)
	}

	logging.Debug("SD WebUI %s: получено %d байт PNG", endpoint, len(png))
	return png, nil
}

func (p *SDWebUIProvider) failure(seed int64, start time.Time, err error) Result {
	return Result{
		Seed:           seed,
		GenerationTime: time.Since(start),
		Provider:       p.Name(),
		Success:        false,
		Error:          err.Error(),
	}
}

func fileToBase64(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
