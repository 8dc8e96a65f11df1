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
)

// OpenAIProvider бекенд Images API. Умеет только text_to_image:
// inpaint с произвольной маской в нужном нам виде API не даёт, поэтому
// возможность не декларируется и реестр никогда не направит сюда
// inpaint-запрос.
//
// API не принимает сид — детерминированность по сиду этот бекенд не
// гарантирует. Сид всё равно входит в контентный ключ, так что кеш
// остаётся корректным: один и тот же запрос повторно не выполняется.
type OpenAIProvider struct {
	apiKey string
	model  string
	client *http.Client
}

const openAIImagesURL = "https://api.openai.com/v1/images/generations"

// NewOpenAIProvider читает ключ из ENV OPENAI_API_KEY.
func NewOpenAIProvider(model string) *OpenAIProvider {
	if model == "" {
		model = "dall-e-3"
	}
	return &OpenAIProvider{
		apiKey: os.Getenv("OPENAI_API_KEY"),
		model:  model,
		client: &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Supports(op Capability) bool {
	return op == CapTextToImage
}

func (p *OpenAIProvider) Available() bool { return p.apiKey != "" }

type openAIRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type openAIResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// TextToImage генерирует изображение через Images API.
func (p *OpenAIProvider) TextToImage(ctx context.Context, req TextToImageRequest) (Result, error) {
	start := time.Now()

	body := openAIRequest{
		Model:          p.model,
		Prompt:         req.Prompt,
		N:              1,
		Size:           fmt.Sprintf("%dx%d", req.Width, req.Height),
		ResponseFormat: "b64_json",
	}
	payload, err := json.Marshal(&body)
	if err != nil {
		return p.failure(req.Seed, start, err), err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIImagesURL, bytes.NewReader(payload))
	if err != nil {
		return p.failure(req.Seed, start, err), err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("ошибка запроса к OpenAI: %w", err)
		return p.failure(req.Seed, start, err), err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.failure(req.Seed, start, err), err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		err = fmt.Errorf("некорректный ответ OpenAI: %w", err)
		return p.failure(req.Seed, start, err), err
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != nil {
		msg := "неизвестная ошибка"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		err = fmt.Errorf("OpenAI вернул статус %d: %s", resp.StatusCode, msg)
		return p.failure(req.Seed, start, err), err
	}
	if len(parsed.Data) == 0 {
		err = fmt.Errorf("OpenAI вернул пустой список изображений")
		return p.failure(req.Seed, start, err), err
	}

	png, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		err = fmt.Errorf("ошибка декодирования base64 изображения: %w", err)
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

// Inpaint не поддерживается; возможность не декларируется, вызов сюда —
// ошибка программиста, а не повод для fallback-логики.
func (p *OpenAIProvider) Inpaint(ctx context.Context, req InpaintRequest) (Result, error) {
	return Result{Provider: p.Name(), Seed: req.Seed, Error: ErrUnsupported.Error()}, ErrUnsupported
}

func (p *OpenAIProvider) failure(seed int64, start time.Time, err error) Result {
	return Result{
		Seed:           seed,
		GenerationTime: time.Since(start),
		Provider:       p.Name(),
		Success:        false,
		Error:          err.Error(),
	}
}
