package quality

import (
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"testing"

	"github.com/annel0/tileforge/internal/history"
	"github.com/annel0/tileforge/internal/imageio"
)

// splitImage рисует canvas 256x256: верхние topRows пикселей — цветом top,
// остальное — цветом bottom.
func splitImage(top, bottom color.RGBA, topRows int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		c := bottom
		if y < topRows {
			c = top
		}
		for x := 0; x < 256; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func saveTile(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := imageio.SavePNG(path, img); err != nil {
		t.Fatalf("Не удалось сохранить тайл %s: %v", name, err)
	}
	return path
}

func TestDifferentiationPasses(t *testing.T) {
	dir := t.TempDir()

	// Состояния различаются в верхних 87.5% канваса и совпадают внизу:
	// различимость ~87%, связность ~12% — в допустимом окне
	base := color.RGBA{30, 30, 30, 255}
	idle := splitImage(color.RGBA{200, 40, 40, 255}, base, 224)
	hover := splitImage(color.RGBA{40, 200, 40, 255}, base, 224)
	click := splitImage(color.RGBA{40, 40, 200, 255}, base, 224)

	tiles := map[string]string{
		"idle":  saveTile(t, dir, "idle.png", idle),
		"hover": saveTile(t, dir, "hover.png", hover),
		"click": saveTile(t, dir, "click.png", click),
	}

	gate := NewGate(nil, "run-test")
	report, err := gate.CheckLocation("lobby", tiles)
	if err != nil {
		t.Fatalf("CheckLocation вернул ошибку: %v", err)
	}

	if !report.Passed {
		t.Fatalf("Гейт должен был пройти, причины: %v", report.Reasons)
	}
	for pair, d := range report.Differentiation {
		if d < DifferentiationMinimum {
			t.Errorf("Пара %s: различимость %.1f%% ниже порога", pair, d)
		}
	}
	if report.Cohesion < CohesionFloor {
		t.Errorf("Связность %.1f%% ниже порога", report.Cohesion)
	}
}

func TestNearIdenticalStatesFailWithReason(t *testing.T) {
	dir := t.TempDir()

	// idle и hover намеренно почти одинаковы
	idle := splitImage(color.RGBA{100, 100, 100, 255}, color.RGBA{90, 90, 90, 255}, 128)
	hover := splitImage(color.RGBA{102, 100, 100, 255}, color.RGBA{90, 90, 92, 255}, 128)
	click := splitImage(color.RGBA{200, 30, 30, 255}, color.RGBA{30, 30, 30, 255}, 224)

	tiles := map[string]string{
		"idle":  saveTile(t, dir, "idle.png", idle),
		"hover": saveTile(t, dir, "hover.png", hover),
		"click": saveTile(t, dir, "click.png", click),
	}

	gate := NewGate(nil, "run-test")
	report, err := gate.CheckLocation("lobby", tiles)
	if err != nil {
		t.Fatal(err)
	}

	if report.Passed {
		t.Fatal("Гейт обязан провалить почти одинаковые состояния")
	}

	found := false
	for _, reason := range report.Reasons {
		if strings.Contains(reason, "idle/hover") {
			found = true
		}
	}
	if !found {
		t.Errorf("Ожидалась причина про пару idle/hover, получено: %v", report.Reasons)
	}
}

func TestMissingIdleTileFails(t *testing.T) {
	dir := t.TempDir()
	hover := splitImage(color.RGBA{1, 2, 3, 255}, color.RGBA{4, 5, 6, 255}, 128)

	gate := NewGate(nil, "run-test")
	report, err := gate.CheckLocation("lobby", map[string]string{
		"hover": saveTile(t, dir, "hover.png", hover),
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Passed {
		t.Error("Частично сгенерированная локация должна проваливать гейт")
	}
}

func TestConsistencyAgainstArchive(t *testing.T) {
	dir := t.TempDir()

	archive, err := history.Open(filepath.Join(dir, "history"))
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()

	base := color.RGBA{30, 30, 30, 255}
	idle := splitImage(color.RGBA{200, 40, 40, 255}, base, 224)
	hover := splitImage(color.RGBA{40, 200, 40, 255}, base, 224)
	click := splitImage(color.RGBA{40, 40, 200, 255}, base, 224)

	tiles := map[string]string{
		"idle":  saveTile(t, dir, "idle.png", idle),
		"hover": saveTile(t, dir, "hover.png", hover),
		"click": saveTile(t, dir, "click.png", click),
	}

	gate := NewGate(archive, "run-1")
	if err := gate.ArchiveTiles("lobby", tiles); err != nil {
		t.Fatalf("ArchiveTiles вернул ошибку: %v", err)
	}

	// Второй «прогон» с теми же тайлами: согласованность 100%
	gate2 := NewGate(archive, "run-2")
	report, err := gate2.CheckLocation("lobby", tiles)
	if err != nil {
		t.Fatal(err)
	}
	if report.Consistency != 100 {
		t.Errorf("Идентичный тайл должен давать согласованность 100%%, получено %.1f", report.Consistency)
	}
	if !report.Passed {
		t.Errorf("Гейт провалился на идентичном прогоне: %v", report.Reasons)
	}
}

func TestConsistencyDetectsDrift(t *testing.T) {
	dir := t.TempDir()

	archive, err := history.Open(filepath.Join(dir, "history"))
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()

	base := color.RGBA{30, 30, 30, 255}
	idle := splitImage(color.RGBA{200, 40, 40, 255}, base, 224)
	hover := splitImage(color.RGBA{40, 200, 40, 255}, base, 224)
	click := splitImage(color.RGBA{40, 40, 200, 255}, base, 224)

	tiles := map[string]string{
		"idle":  saveTile(t, dir, "idle.png", idle),
		"hover": saveTile(t, dir, "hover.png", hover),
		"click": saveTile(t, dir, "click.png", click),
	}

	gate := NewGate(archive, "run-1")
	if err := gate.ArchiveTiles("lobby", tiles); err != nil {
		t.Fatal(err)
	}

	// «Уехавший» повторный прогон: верхняя восьмая часть перекрашена
	drifted := splitImage(color.RGBA{10, 220, 220, 255}, color.RGBA{200, 40, 40, 255}, 32)
	for y := 224; y < 256; y++ {
		for x := 0; x < 256; x++ {
			drifted.SetRGBA(x, y, base)
		}
	}
	tiles["idle"] = saveTile(t, dir, "idle2.png", drifted)

	report, err := NewGate(archive, "run-2").CheckLocation("lobby", tiles)
	if err != nil {
		t.Fatal(err)
	}
	if report.Consistency >= ConsistencyThreshold {
		t.Errorf("Дрейф не обнаружен: согласованность %.1f%%", report.Consistency)
	}
	if report.Passed {
		t.Error("Гейт должен проваливаться при дрейфе между прогонами")
	}
}

func TestSamplePointsDeterministic(t *testing.T) {
	a := SamplePoints(256, 256)
	b := SamplePoints(256, 256)

	if len(a) != len(b) {
		t.Fatalf("Число точек нестабильно: %d != %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Точка %d различается между вызовами: %v != %v", i, a[i], b[i])
		}
	}
}
