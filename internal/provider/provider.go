// Package provider абстрагирует внешние бекенды генерации изображений.
// Каждый бекенд явно декларирует набор поддерживаемых операций; реестр
// фильтрует бекенды по возможностям и наличию креденшелов до вызова,
// поэтому «нет доступного провайдера» и «провайдер вернул ошибку» —
// различимые классы ошибок.
package provider

import (
	"context"
	"time"
)

// Capability операция генерации, которую может поддерживать бекенд.
type Capability string

const (
	CapTextToImage Capability = "text_to_image"
	CapInpaint     Capability = "inpaint"
)

// TextToImageRequest параметры генерации сцены с нуля.
type TextToImageRequest struct {
	Prompt     string
	Width      int
	Height     int
	Seed       int64
	Steps      int
	CFGScale   float64
	OutputPath string // Куда записать PNG-артефакт
}

// InpaintRequest параметры частичной перегенерации по маске.
type InpaintRequest struct {
	BasePath   string // Путь к базовому изображению
	MaskPath   string // Путь к маске (белое — редактируемое)
	Prompt     string
	Width      int
	Height     int
	Seed       int64
	Steps      int
	CFGScale   float64
	OutputPath string
}

// Result итог одного вызова провайдера. Записывается в статистику прогона
// всегда, в том числе при ошибке.
type Result struct {
	ArtifactPath   string        `json:"artifact_path"`
	Seed           int64         `json:"seed"`
	GenerationTime time.Duration `json:"generation_time"`
	Provider       string        `json:"provider"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
}

// Provider единый интерфейс бекенда генерации.
// Неудачный вызов не оставляет артефакта: файл появляется только при
// успехе (атомарная запись), поэтому кеш никогда не ссылается на мусор.
type Provider interface {
	// Name возвращает имя бекенда (используется в контентном ключе).
	Name() string

	// Supports сообщает, реализует ли бекенд операцию.
	Supports(op Capability) bool

	// Available сообщает, настроены ли креденшелы бекенда.
	// Недоступный бекенд молча выпадает из списка приоритетов.
	Available() bool

	// TextToImage генерирует изображение по промпту.
	TextToImage(ctx context.Context, req TextToImageRequest) (Result, error)

	// Inpaint перегенерирует замаскированную область базового изображения.
	Inpaint(ctx context.Context, req InpaintRequest) (Result, error)
}
