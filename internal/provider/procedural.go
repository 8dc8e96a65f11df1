package provider

import (
	"context"
	"crypto/sha256"
	"image"
	"image/color"
	"time"

	"github.com/aquilax/go-perlin"

	"github.com/annel0/tileforge/internal/imageio"
)

// ProceduralProvider локальный детерминированный бекенд: рендерит тайлы
// шумом Перлина без обращений к сети. Один и тот же (промпт, сид, размер)
// всегда даёт одни и те же байты — на этом свойстве держатся проверки
// согласованности quality-гейта. Используется и как последний fallback,
// когда внешние бекенды недоступны.
type ProceduralProvider struct{}

// NewProceduralProvider создаёт локальный бекенд. Креденшелы не нужны.
func NewProceduralProvider() *ProceduralProvider {
	return &ProceduralProvider{}
}

func (p *ProceduralProvider) Name() string { return "procedural" }

func (p *ProceduralProvider) Supports(op Capability) bool {
	return op == CapTextToImage || op == CapInpaint
}

func (p *ProceduralProvider) Available() bool { return true }

// Параметры шума: сглаживание, частота, число октав.
const (
	noiseAlpha   = 2.0
	noiseBeta    = 2.0
	noiseOctaves = int32(3)
	noiseScale   = 0.035
)

// TextToImage рендерит детерминированный тайл по промпту и сиду.
func (p *ProceduralProvider) TextToImage(ctx context.Context, req TextToImageRequest) (Result, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return p.failure(req.Seed, start, err), err
	}

	img := renderNoise(req.Prompt, req.Seed, req.Width, req.Height)
	if err := imageio.SavePNG(req.OutputPath, img); err != nil {
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

// Inpaint перерисовывает шумом только белые пиксели маски; остальная
// часть базового изображения копируется без изменений.
func (p *ProceduralProvider) Inpaint(ctx context.Context, req InpaintRequest) (Result, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return p.failure(req.Seed, start, err), err
	}

	base, err := imageio.LoadPNG(req.BasePath)
	if err != nil {
		return p.failure(req.Seed, start, err), err
	}
	mask, err := imageio.LoadPNG(req.MaskPath)
	if err != nil {
		return p.failure(req.Seed, start, err), err
	}

	bounds := base.Bounds()
	patch := renderNoise(req.Prompt, req.Seed, bounds.Dx(), bounds.Dy())

	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r, _, _, _ := mask.At(mask.Bounds().Min.X+x, mask.Bounds().Min.Y+y).RGBA()
			if r > 0x7fff {
				out.Set(x, y, patch.At(x, y))
			} else {
				out.Set(x, y, base.At(bounds.Min.X+x, bounds.Min.Y+y))
			}
		}
	}

	if err := imageio.SavePNG(req.OutputPath, out); err != nil {
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

// renderNoise строит изображение: высотная карта шума Перлина,
// раскрашенная палитрой, выведенной из промпта. Генератор шума создаётся
// на каждый вызов — никакого разделяемого изменяемого состояния.
func renderNoise(prompt string, seed int64, width, height int) *image.RGBA {
	gen := perlin.NewPerlin(noiseAlpha, noiseBeta, noiseOctaves, seed)
	palette := paletteFromPrompt(prompt)

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// Нормируем шум из [-1,1] в [0,1)
			n := (gen.Noise2D(float64(x)*noiseScale, float64(y)*noiseScale) + 1.0) / 2.0
			if n < 0 {
				n = 0
			}
			if n >= 1 {
				n = 0.9999
			}
			img.SetRGBA(x, y, palette[int(n*float64(len(palette)))])
		}
	}
	return img
}

// paletteFromPrompt детерминированно выводит палитру из хеша промпта:
// разные промпты дают визуально различимые тайлы (их различает
// state-differentiation проверка), одинаковые — идентичные.
func paletteFromPrompt(prompt string) []color.RGBA {
	sum := sha256.Sum256([]byte(prompt))

	palette := make([]color.RGBA, 6)
	for i := range palette {
		base := sum[i*3 : i*3+3]
		// Каждая следующая ступень светлее — читается как карта высот
		shade := uint8(i * 24)
		palette[i] = color.RGBA{
			R: base[0]/2 + shade,
			G: base[1]/2 + shade,
			B: base[2]/2 + shade,
			A: 255,
		}
	}
	return palette
}

func (p *ProceduralProvider) failure(seed int64, start time.Time, err error) Result {
	return Result{
		Seed:           seed,
		GenerationTime: time.Since(start),
		Provider:       p.Name(),
		Success:        false,
		Error:          err.Error(),
	}
}
