// Package quality реализует пост-фактум аудит сгенерированных тайлов:
// согласованность с предыдущим прогоном и визуальную различимость
// интерактивных состояний. Гейт только читает артефакты и формирует отчёт;
// он никогда не прерывает и не чинит генерацию.
package quality

import (
	"image"
	"math"
	"math/rand"
)

// Сид генератора дополнительных точек фиксирован: одни и те же координаты
// сэмплируются в каждом прогоне, иначе сравнение с архивом бессмысленно.
const samplerSeed = 0x7f4a7c15

const (
	gridStep     = 16 // Шаг регулярной сетки сэмплов в пикселях
	extraSamples = 64 // Дополнительные псевдослучайные точки
)

// SamplePoints возвращает детерминированный набор координат: регулярная
// сетка плюс фиксированное число псевдослучайных точек.
func SamplePoints(width, height int) []image.Point {
	var points []image.Point

	for y := gridStep / 2; y < height; y += gridStep {
		for x := gridStep / 2; x < width; x += gridStep {
			points = append(points, image.Pt(x, y))
		}
	}

	rng := rand.New(rand.NewSource(samplerSeed))
	for i := 0; i < extraSamples; i++ {
		points = append(points, image.Pt(rng.Intn(width), rng.Intn(height)))
	}

	return points
}

// SampleRGB снимает RGB-тройки в указанных точках; формат совпадает с
// history.Record.Samples, поэтому вектора сравнимы между прогонами.
func SampleRGB(img image.Image, points []image.Point) []byte {
	out := make([]byte, 0, len(points)*3)
	min := img.Bounds().Min
	for _, pt := range points {
		r, g, b, _ := img.At(min.X+pt.X, min.Y+pt.Y).RGBA()
		out = append(out, byte(r>>8), byte(g>>8), byte(b>>8))
	}
	return out
}

// rgbDistance евклидово расстояние между двумя RGB-тройками.
func rgbDistance(a, b []byte) float64 {
	dr := float64(a[0]) - float64(b[0])
	dg := float64(a[1]) - float64(b[1])
	db := float64(a[2]) - float64(b[2])
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

// pairDistances возвращает попиксельные расстояния двух векторов сэмплов.
// Вектора должны быть одной длины; лишний хвост игнорируется.
func pairDistances(a, b []byte) []float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	n -= n % 3

	distances := make([]float64, 0, n/3)
	for i := 0; i+3 <= n; i += 3 {
		distances = append(distances, rgbDistance(a[i:i+3], b[i:i+3]))
	}
	return distances
}
