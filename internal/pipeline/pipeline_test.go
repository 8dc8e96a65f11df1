package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/annel0/tileforge/internal/cache"
	"github.com/annel0/tileforge/internal/config"
	"github.com/annel0/tileforge/internal/imageio"
	"github.com/annel0/tileforge/internal/provider"
)

// stubProvider пишет одноцветный PNG и считает вызовы.
type stubProvider struct {
	calls    int64
	failSubs []string // Отказывать, если OutputPath содержит подстроку
}

func (s *stubProvider) Name() string                         { return "stub" }
func (s *stubProvider) Supports(op provider.Capability) bool { return true }
func (s *stubProvider) Available() bool                      { return true }

func (s *stubProvider) Calls() int64 { return atomic.LoadInt64(&s.calls) }

func (s *stubProvider) render(outPath string, w, h int, seed int64) (provider.Result, error) {
	atomic.AddInt64(&s.calls, 1)
	for _, sub := range s.failSubs {
		if strings.Contains(outPath, sub) {
			return provider.Result{Provider: "stub", Error: "отказ по сценарию теста"},
				fmt.Errorf("отказ по сценарию теста")
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: uint8(seed), G: uint8(seed >> 8), B: uint8(seed >> 16), A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	if err := imageio.SavePNG(outPath, img); err != nil {
		return provider.Result{}, err
	}
	return provider.Result{ArtifactPath: outPath, Seed: seed, Provider: "stub", Success: true}, nil
}

func (s *stubProvider) TextToImage(ctx context.Context, req provider.TextToImageRequest) (provider.Result, error) {
	return s.render(req.OutputPath, req.Width, req.Height, req.Seed)
}

func (s *stubProvider) Inpaint(ctx context.Context, req provider.InpaintRequest) (provider.Result, error) {
	return s.render(req.OutputPath, req.Width, req.Height, req.Seed)
}

func testWorld() *config.WorldConfig {
	return &config.WorldConfig{
		WorldName: "test_world",
		BaseSeed:  42,
		Style:     config.Style{TileSize: 16, GridW: 4, GridH: 4},
		Floors: []config.Floor{{
			ID:         "floor_1",
			SeedOffset: 100,
			Locations: []config.Location{{
				ID:                "lobby",
				SeedOffset:        1,
				DescriptionPrompt: "просторный холл",
				Bounds:            config.Bounds{Cols: 4, Rows: 4},
				Widgets: []config.Widget{{
					ID:         "door",
					Type:       "door",
					PromptBase: "деревянная дверь",
					Grid:       config.GridPlacement{X: 1, Y: 1, W: 1, H: 2},
					States: []config.InteractionState{
						{State: config.StateIdle, Prompt: "закрыта",
							Region: config.Region{Mode: config.RegionModeCells, Cells: [][2]int{{1, 1}, {1, 2}}}},
						{State: config.StateHover, Prompt: "подсвечена",
							Region: config.Region{Mode: config.RegionModeCells, Cells: [][2]int{{1, 1}, {1, 2}}}},
					},
				}},
			}},
		}},
	}
}

func testConfig(outDir string) *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.BatchSize = 2
	cfg.Pipeline.Steps = 5
	cfg.Pipeline.CFGScale = 7.0
	cfg.Pipeline.TimeoutSeconds = 30
	cfg.Pipeline.OutputDir = outDir
	cfg.Providers.Priority = []string{"stub"}
	return cfg
}

func newTestOrchestrator(t *testing.T, outDir string, cc *cache.ContentCache, stub *stubProvider) *Orchestrator {
	t.Helper()
	reg := provider.NewRegistry([]string{"stub"})
	reg.Register(stub)
	return NewOrchestrator(testWorld(), testConfig(outDir), cc, reg, nil, outDir)
}

// hangingProvider висит до отмены контекста, имитируя недоступный бекенд.
type hangingProvider struct {
	calls int64
}

func (h *hangingProvider) Name() string                         { return "slow" }
func (h *hangingProvider) Supports(op provider.Capability) bool { return true }
func (h *hangingProvider) Available() bool                      { return true }

func (h *hangingProvider) TextToImage(ctx context.Context, req provider.TextToImageRequest) (provider.Result, error) {
	atomic.AddInt64(&h.calls, 1)
	<-ctx.Done()
	return provider.Result{Provider: "slow", Error: ctx.Err().Error()}, ctx.Err()
}

func (h *hangingProvider) Inpaint(ctx context.Context, req provider.InpaintRequest) (provider.Result, error) {
	atomic.AddInt64(&h.calls, 1)
	<-ctx.Done()
	return provider.Result{Provider: "slow", Error: ctx.Err().Error()}, ctx.Err()
}

func TestTimedOutProviderFallsBackToNext(t *testing.T) {
	dir := t.TempDir()
	cc := cache.New(cache.NewFileIndex(filepath.Join(dir, "index.json")))
	slow := &hangingProvider{}
	stub := &stubProvider{}

	world := testWorld()
	world.Floors[0].Locations[0].Widgets = nil // Только базовая сцена

	cfg := testConfig(dir)
	cfg.Pipeline.TimeoutSeconds = 1
	cfg.Providers.Priority = []string{"slow", "stub"}

	reg := provider.NewRegistry([]string{"slow", "stub"})
	reg.Register(slow)
	reg.Register(stub)

	report, err := NewOrchestrator(world, cfg, cc, reg, nil, dir).Run(context.Background())
	if err != nil {
		t.Fatalf("прогон завершился ошибкой: %v", err)
	}

	loc := report.Locations[0]
	if !loc.Success {
		t.Fatalf("таймаут первого провайдера должен уводить запрос к следующему, ошибки: %v", loc.Errors)
	}
	if atomic.LoadInt64(&slow.calls) != 1 {
		t.Errorf("ожидалась 1 попытка зависшего провайдера, получено %d", atomic.LoadInt64(&slow.calls))
	}
	if stub.Calls() != 1 {
		t.Errorf("ожидался 1 вызов резервного провайдера, получено %d", stub.Calls())
	}
	if _, ok := loc.Tiles["idle"]; !ok {
		t.Error("idle-плитка должна быть построена резервным провайдером")
	}
}

func TestRunGeneratesAllArtifacts(t *testing.T) {
	dir := t.TempDir()
	cc := cache.New(cache.NewFileIndex(filepath.Join(dir, "index.json")))
	stub := &stubProvider{}

	report, err := newTestOrchestrator(t, dir, cc, stub).Run(context.Background())
	if err != nil {
		t.Fatalf("прогон завершился ошибкой: %v", err)
	}

	if len(report.Locations) != 1 {
		t.Fatalf("ожидалась 1 локация, получено %d", len(report.Locations))
	}
	loc := report.Locations[0]
	if !loc.Success {
		t.Fatalf("локация должна быть успешной, ошибки: %v", loc.Errors)
	}

	// База + 2 оверлея
	if stub.Calls() != 3 {
		t.Errorf("ожидалось 3 вызова провайдера, получено %d", stub.Calls())
	}
	for _, state := range []string{"idle", "hover"} {
		path, ok := loc.Tiles[state]
		if !ok {
			t.Fatalf("нет плитки состояния %s", state)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("плитка %s не записана: %v", state, err)
		}
	}
	if _, err := os.Stat(loc.ManifestPath); err != nil {
		t.Errorf("манифест не записан: %v", err)
	}
	if report.Stats.Generated != 3 || report.Stats.Errors != 0 {
		t.Errorf("неверная статистика: %+v", report.Stats)
	}
}

func TestSecondRunServedFromCache(t *testing.T) {
	dir := t.TempDir()
	cc := cache.New(cache.NewFileIndex(filepath.Join(dir, "index.json")))
	stub := &stubProvider{}

	if _, err := newTestOrchestrator(t, dir, cc, stub).Run(context.Background()); err != nil {
		t.Fatalf("первый прогон: %v", err)
	}
	first := stub.Calls()

	report, err := newTestOrchestrator(t, dir, cc, stub).Run(context.Background())
	if err != nil {
		t.Fatalf("второй прогон: %v", err)
	}

	if stub.Calls() != first {
		t.Errorf("повторный прогон обратился к провайдеру: %d вызовов вместо %d",
			stub.Calls(), first)
	}
	if report.Stats.CacheHits != 3 {
		t.Errorf("ожидалось 3 попадания в кеш, получено %d", report.Stats.CacheHits)
	}
	if !report.Locations[0].Success {
		t.Errorf("повторный прогон не должен падать: %v", report.Locations[0].Errors)
	}
}

func TestOverlayFailureIsolated(t *testing.T) {
	dir := t.TempDir()
	cc := cache.New(cache.NewFileIndex(filepath.Join(dir, "index.json")))
	stub := &stubProvider{failSubs: []string{"door_hover"}}

	report, err := newTestOrchestrator(t, dir, cc, stub).Run(context.Background())
	if err != nil {
		t.Fatalf("прогон завершился ошибкой: %v", err)
	}

	loc := report.Locations[0]
	if loc.Success {
		t.Error("локация с упавшим оверлеем не должна считаться успешной")
	}
	// Сбой hover-оверлея не трогает idle
	if _, ok := loc.Tiles["idle"]; !ok {
		t.Error("idle-плитка должна быть построена несмотря на сбой hover")
	}
	if loc.ManifestPath == "" {
		t.Fatal("манифест должен быть записан при частичном сбое")
	}

	data, err := os.ReadFile(loc.ManifestPath)
	if err != nil {
		t.Fatalf("ошибка чтения манифеста: %v", err)
	}
	var m TileManifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("ошибка разбора манифеста: %v", err)
	}
	if len(m.Errors) == 0 {
		t.Error("манифест должен содержать список ошибок")
	}
	found := false
	for _, e := range m.Errors {
		if strings.Contains(e, "door/hover") {
			found = true
		}
	}
	if !found {
		t.Errorf("в ошибках манифеста нет упавшей единицы: %v", m.Errors)
	}
}

func TestCacheEntryWithMissingFileIsError(t *testing.T) {
	dir := t.TempDir()
	cc := cache.New(cache.NewFileIndex(filepath.Join(dir, "index.json")))
	stub := &stubProvider{}

	if _, err := newTestOrchestrator(t, dir, cc, stub).Run(context.Background()); err != nil {
		t.Fatalf("первый прогон: %v", err)
	}

	// Артефакты пропали, записи кеша остались
	if err := os.RemoveAll(filepath.Join(dir, "base")); err != nil {
		t.Fatalf("ошибка удаления артефактов: %v", err)
	}

	report, err := newTestOrchestrator(t, dir, cc, stub).Run(context.Background())
	if err != nil {
		t.Fatalf("второй прогон: %v", err)
	}

	loc := report.Locations[0]
	if loc.Success {
		t.Error("пропавший артефакт при попадании в кеш должен быть ошибкой, а не тихим промахом")
	}
	foundBase := false
	for _, e := range loc.Errors {
		if strings.Contains(e, "base") {
			foundBase = true
		}
	}
	if !foundBase {
		t.Errorf("ожидалась ошибка базовой сцены: %v", loc.Errors)
	}

	// Отклонённое попадание не должно числиться ни в статистике прогона,
	// ни во внутренних счётчиках кеша
	if report.Stats.CacheHits != 0 {
		t.Errorf("отклонённое попадание попало в статистику прогона: %d", report.Stats.CacheHits)
	}
	if hits := cc.GetMetrics().Hits; hits != 0 {
		t.Errorf("отклонённое попадание осталось в счётчике кеша: Hits=%d", hits)
	}
}

func TestManifestListsWidgetStates(t *testing.T) {
	dir := t.TempDir()
	cc := cache.New(cache.NewFileIndex(filepath.Join(dir, "index.json")))
	stub := &stubProvider{}

	report, err := newTestOrchestrator(t, dir, cc, stub).Run(context.Background())
	if err != nil {
		t.Fatalf("прогон завершился ошибкой: %v", err)
	}

	data, err := os.ReadFile(report.Locations[0].ManifestPath)
	if err != nil {
		t.Fatalf("ошибка чтения манифеста: %v", err)
	}
	var m TileManifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("ошибка разбора манифеста: %v", err)
	}

	if m.LocationID != "lobby" {
		t.Errorf("неверный location_id: %s", m.LocationID)
	}
	if len(m.Widgets) != 1 || m.Widgets[0].ID != "door" {
		t.Fatalf("неверный список виджетов: %+v", m.Widgets)
	}
	if len(m.Widgets[0].States) != 2 {
		t.Errorf("ожидалось 2 состояния виджета, получено %d", len(m.Widgets[0].States))
	}
	for _, sa := range m.Widgets[0].States {
		if _, err := os.Stat(sa.OverlayPath); err != nil {
			t.Errorf("оверлей %s/%s не записан: %v", m.Widgets[0].ID, sa.State, err)
		}
	}
}
