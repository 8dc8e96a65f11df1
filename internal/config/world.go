package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Имена интерактивных состояний виджета.
const (
	StateIdle  = "idle"
	StateHover = "hover"
	StateClick = "click"
)

// Режимы описания региона для inpaint-маски.
const (
	RegionModeCells = "cells"
	RegionModeFull  = "full"
)

// WorldConfig корневая структура описания мира.
// Дерево неизменяемо после загрузки: пайплайн только читает его.
type WorldConfig struct {
	WorldName string  `json:"world_name"`
	BaseSeed  int64   `json:"base_seed"`
	Style     Style   `json:"style"`
	Floors    []Floor `json:"floors"`
}

// Style содержит общие визуальные параметры мира.
type Style struct {
	TileSize int      `json:"tile_size"` // Размер ячейки сетки в пикселях
	GridW    int      `json:"grid_w"`    // Ширина канваса локации в ячейках по умолчанию
	GridH    int      `json:"grid_h"`    // Высота канваса локации в ячейках по умолчанию
	Palette  []string `json:"palette"`   // Цвета палитры в формате #RRGGBB
}

// Floor представляет этаж мира.
type Floor struct {
	ID         string     `json:"id"`
	SeedOffset int64      `json:"seed_offset"`
	Locations  []Location `json:"locations"`
}

// Location представляет одну локацию (комнату) на этаже.
type Location struct {
	ID                string   `json:"id"`
	SeedOffset        int64    `json:"seed_offset"`
	DescriptionPrompt string   `json:"description_prompt"`
	Bounds            Bounds   `json:"bounds"`
	Widgets           []Widget `json:"widgets"`
}

// Bounds размер локации в ячейках сетки.
type Bounds struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Widget интерактивный элемент локации.
type Widget struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	PromptBase string             `json:"prompt_base"`
	Grid       GridPlacement      `json:"grid"`
	States     []InteractionState `json:"states"`
}

// GridPlacement положение виджета в ячейках сетки локации.
type GridPlacement struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// InteractionState визуальный вариант виджета (idle/hover/click).
type InteractionState struct {
	State  string `json:"state"`
	Prompt string `json:"prompt"`
	Region Region `json:"region"`
}

// Region описывает редактируемую область канваса для состояния.
type Region struct {
	Mode  string   `json:"mode"`            // "cells" или "full"
	Cells [][2]int `json:"cells,omitempty"` // Список ячеек [x,y] для режима "cells"
}

// LoadWorld читает и валидирует описание мира из JSON-файла.
// Нарушение любого инварианта — фатальная ошибка до начала генерации.
func LoadWorld(path string) (*WorldConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла мира %s: %w", path, err)
	}

	var world WorldConfig
	if err := json.Unmarshal(data, &world); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла мира %s: %w", path, err)
	}

	if errs := world.Validate(); len(errs) > 0 {
		return nil, &ValidationError{Violations: errs}
	}

	return &world, nil
}

// ValidationError собирает все нарушения инвариантов описания мира.
// Возвращается единым списком, а не по одному нарушению за запуск.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("описание мира не прошло валидацию (%d нарушений): %v",
		len(e.Violations), e.Violations)
}

// Validate проверяет все инварианты дерева и возвращает полный список нарушений.
func (w *WorldConfig) Validate() []string {
	var errs []string

	if w.WorldName == "" {
		errs = append(errs, "world_name не задан")
	}
	if w.Style.TileSize <= 0 {
		errs = append(errs, "style.tile_size должен быть положительным")
	}

	seenFloors := make(map[string]bool)
	for fi, floor := range w.Floors {
		if floor.ID == "" {
			errs = append(errs, fmt.Sprintf("floors[%d]: пустой id", fi))
		} else if seenFloors[floor.ID] {
			errs = append(errs, fmt.Sprintf("floors[%d]: дублирующийся id %q", fi, floor.ID))
		}
		seenFloors[floor.ID] = true

		seenLocs := make(map[string]bool)
		for li, loc := range floor.Locations {
			prefix := fmt.Sprintf("floor %q location[%d]", floor.ID, li)
			if loc.ID == "" {
				errs = append(errs, prefix+": пустой id")
			} else if seenLocs[loc.ID] {
				errs = append(errs, fmt.Sprintf("%s: дублирующийся id %q", prefix, loc.ID))
			}
			seenLocs[loc.ID] = true

			if loc.Bounds.Cols <= 0 || loc.Bounds.Rows <= 0 {
				errs = append(errs, fmt.Sprintf("%s: некорректные bounds %dx%d",
					prefix, loc.Bounds.Cols, loc.Bounds.Rows))
				continue
			}

			errs = append(errs, validateWidgets(&loc, prefix)...)
		}
	}

	return errs
}

// validateWidgets проверяет инварианты виджетов локации:
// наличие idle-состояния, известный режим региона, ячейки в пределах bounds.
func validateWidgets(loc *Location, prefix string) []string {
	var errs []string

	seenWidgets := make(map[string]bool)
	for wi, widget := range loc.Widgets {
		wPrefix := fmt.Sprintf("%s widget %q", prefix, widget.ID)
		if widget.ID == "" {
			wPrefix = fmt.Sprintf("%s widget[%d]", prefix, wi)
			errs = append(errs, wPrefix+": пустой id")
		} else if seenWidgets[widget.ID] {
			errs = append(errs, wPrefix+": дублирующийся id")
		}
		seenWidgets[widget.ID] = true

		g := widget.Grid
		if g.X < 0 || g.Y < 0 || g.W <= 0 || g.H <= 0 ||
			g.X+g.W > loc.Bounds.Cols || g.Y+g.H > loc.Bounds.Rows {
			errs = append(errs, fmt.Sprintf("%s: размещение (%d,%d %dx%d) выходит за bounds %dx%d",
				wPrefix, g.X, g.Y, g.W, g.H, loc.Bounds.Cols, loc.Bounds.Rows))
		}

		hasIdle := false
		for _, st := range widget.States {
			if st.State == StateIdle {
				hasIdle = true
			}

			switch st.Region.Mode {
			case RegionModeFull:
				// Ячейки игнорируются
			case RegionModeCells:
				if len(st.Region.Cells) == 0 {
					errs = append(errs, fmt.Sprintf("%s state %q: режим cells без списка ячеек", wPrefix, st.State))
				}
				for _, cell := range st.Region.Cells {
					if cell[0] < 0 || cell[0] >= loc.Bounds.Cols ||
						cell[1] < 0 || cell[1] >= loc.Bounds.Rows {
						errs = append(errs, fmt.Sprintf("%s state %q: ячейка [%d,%d] вне bounds %dx%d",
							wPrefix, st.State, cell[0], cell[1], loc.Bounds.Cols, loc.Bounds.Rows))
					}
				}
			default:
				errs = append(errs, fmt.Sprintf("%s state %q: неизвестный режим региона %q",
					wPrefix, st.State, st.Region.Mode))
			}
		}

		if !hasIdle {
			errs = append(errs, wPrefix+": отсутствует обязательное состояние idle")
		}
	}

	return errs
}

// CanvasSize возвращает размер канваса локации в пикселях.
func (w *WorldConfig) CanvasSize(loc *Location) (int, int) {
	return loc.Bounds.Cols * w.Style.TileSize, loc.Bounds.Rows * w.Style.TileSize
}

// LocationCount возвращает общее число локаций во всех этажах.
func (w *WorldConfig) LocationCount() int {
	n := 0
	for _, f := range w.Floors {
		n += len(f.Locations)
	}
	return n
}
