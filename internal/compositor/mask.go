// Package compositor строит inpaint-маски по описанию региона и
// накладывает сгенерированные оверлеи на базовую сцену. Ключевой инвариант:
// пиксели вне ограничивающего прямоугольника маски в результате композиции
// бит-в-бит совпадают с базовым изображением.
package compositor

import (
	"fmt"
	"image"
	"image/color"
)

// Mask бинарная маска канваса: 255 — редактируемая область (foreground),
// 0 — сохраняемая (background).
type Mask struct {
	gray *image.Gray
	full bool // Маска покрывает весь канвас
}

// MaskFromCells строит маску, в которой каждая перечисленная ячейка сетки
// [x,y] целиком редактируема. Ячейки вне канваса — ошибка композиции,
// фатальная для конкретного виджета/состояния, но не для прогона.
func MaskFromCells(cells [][2]int, tileSize, canvasW, canvasH int) (*Mask, error) {
	if len(cells) == 0 {
		return nil, fmt.Errorf("пустой список ячеек маски")
	}
	if tileSize <= 0 {
		return nil, fmt.Errorf("некорректный размер ячейки: %d", tileSize)
	}

	gray := image.NewGray(image.Rect(0, 0, canvasW, canvasH))

	for _, cell := range cells {
		x0 := cell[0] * tileSize
		y0 := cell[1] * tileSize
		x1 := x0 + tileSize
		y1 := y0 + tileSize

		if x0 < 0 || y0 < 0 || x1 > canvasW || y1 > canvasH {
			return nil, fmt.Errorf("ячейка [%d,%d] выходит за канвас %dx%d (tile=%d)",
				cell[0], cell[1], canvasW, canvasH, tileSize)
		}

		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				gray.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	return &Mask{gray: gray}, nil
}

// MaskFromFull строит маску, покрывающую весь канвас.
func MaskFromFull(width, height int) *Mask {
	gray := image.NewGray(image.Rect(0, 0, width, height))
	for i := range gray.Pix {
		gray.Pix[i] = 255
	}
	return &Mask{gray: gray, full: true}
}

// Image возвращает маску как изображение (для передачи inpaint-провайдеру).
func (m *Mask) Image() image.Image {
	return m.gray
}

// IsFull сообщает, покрывает ли маска весь канвас.
func (m *Mask) IsFull() bool {
	return m.full
}

// ForegroundArea возвращает число редактируемых пикселей.
func (m *Mask) ForegroundArea() int {
	area := 0
	for _, p := range m.gray.Pix {
		if p != 0 {
			area++
		}
	}
	return area
}

// BoundingBox возвращает минимальный прямоугольник, покрывающий все
// редактируемые пиксели. Для пустой маски — нулевой прямоугольник.
func (m *Mask) BoundingBox() image.Rectangle {
	if m.full {
		return m.gray.Bounds()
	}

	b := m.gray.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X, b.Min.Y
	found := false

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if m.gray.GrayAt(x, y).Y != 0 {
				found = true
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}

	if !found {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// Foreground сообщает, редактируем ли пиксель (x, y).
func (m *Mask) Foreground(x, y int) bool {
	return m.gray.GrayAt(x, y).Y != 0
}
