package compositor

import (
	"fmt"
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// Compose накладывает оверлей на базовое изображение по маске.
//
// Полная маска: оверлей целиком заменяет базу; размер результата равен
// размеру базы (оверлей при необходимости масштабируется).
//
// Ячеечная маска: оверлей вклеивается в ограничивающий прямоугольник маски.
// Если оверлей того же размера, что и база (inpaint-провайдеры возвращают
// весь канвас), берутся его пиксели в тех же координатах; иначе оверлей
// масштабируется под прямоугольник. Пиксели вне прямоугольника всегда
// копируются из базы без изменений.
func Compose(base, overlay image.Image, mask *Mask) (*image.RGBA, error) {
	if mask == nil {
		return nil, fmt.Errorf("маска не задана")
	}

	baseBounds := base.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, baseBounds.Dx(), baseBounds.Dy()))

	if mask.IsFull() {
		// Полная замена: масштабируем оверлей под размер базы
		if overlay.Bounds().Dx() == out.Bounds().Dx() && overlay.Bounds().Dy() == out.Bounds().Dy() {
			draw.Draw(out, out.Bounds(), overlay, overlay.Bounds().Min, draw.Src)
		} else {
			// Пиксель-арт масштабируем без сглаживания
			xdraw.NearestNeighbor.Scale(out, out.Bounds(), overlay, overlay.Bounds(), draw.Src, nil)
		}
		return out, nil
	}

	bbox := mask.BoundingBox()
	if bbox.Empty() {
		return nil, fmt.Errorf("маска без редактируемых пикселей")
	}
	if !bbox.In(image.Rect(0, 0, baseBounds.Dx(), baseBounds.Dy())) {
		return nil, fmt.Errorf("прямоугольник маски %v выходит за границы базы %v", bbox, baseBounds)
	}

	// Сначала копия базы целиком
	draw.Draw(out, out.Bounds(), base, baseBounds.Min, draw.Src)

	ovBounds := overlay.Bounds()
	sameSize := ovBounds.Dx() == baseBounds.Dx() && ovBounds.Dy() == baseBounds.Dy()

	var patch image.Image
	if sameSize {
		patch = overlay
	} else {
		// Оверлей размером с прямоугольник (или иной) — приводим к bbox
		scaled := image.NewRGBA(bbox)
		xdraw.NearestNeighbor.Scale(scaled, bbox, overlay, ovBounds, draw.Src, nil)
		patch = scaled
	}

	// Вклеиваем только редактируемые пиксели внутри прямоугольника:
	// непокрытые маской пиксели внутри bbox тоже остаются базовыми
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		for x := bbox.Min.X; x < bbox.Max.X; x++ {
			if !mask.Foreground(x, y) {
				continue
			}
			var sx, sy int
			if sameSize {
				sx = ovBounds.Min.X + x
				sy = ovBounds.Min.Y + y
			} else {
				sx = x
				sy = y
			}
			out.Set(x, y, patch.At(sx, sy))
		}
	}

	return out, nil
}
