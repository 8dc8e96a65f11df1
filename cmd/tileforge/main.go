package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/annel0/tileforge/internal/cache"
	"github.com/annel0/tileforge/internal/config"
	"github.com/annel0/tileforge/internal/eventbus"
	"github.com/annel0/tileforge/internal/history"
	"github.com/annel0/tileforge/internal/logging"
	"github.com/annel0/tileforge/internal/observability"
	"github.com/annel0/tileforge/internal/pipeline"
	"github.com/annel0/tileforge/internal/provider"
	"github.com/annel0/tileforge/internal/quality"
)

// Коды завершения: 0 — все обязательные состояния построены (возможны
// частичные пропуски оверлеев, они видны в манифестах), 1 — локация без
// единой плитки состояния или провал контроля качества, 2 — невалидная
// конфигурация или описание мира.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	worldPath := flag.String("world", "world.json", "Путь к JSON-описанию мира")
	outDir := flag.String("out", "", "Директория артефактов (по умолчанию из конфигурации)")
	providers := flag.String("providers", "", "Приоритет провайдеров через запятую (переопределяет конфигурацию)")
	batchSize := flag.Int("batch-size", 0, "Число локаций, обрабатываемых конкурентно")
	configPath := flag.String("config", "", "Путь к YAML-конфигурации")
	skipQuality := flag.Bool("skip-quality", false, "Пропустить статистический контроль качества")
	invalidate := flag.String("invalidate", "", "Идентификаторы локаций через запятую для инвалидации кеша")
	flag.Parse()

	if err := logging.InitDefaultLogger("tileforge"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	logging.Info("🎨 Запуск tileforge...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка загрузки конфигурации: %v", err)
		return exitConfig
	}
	applyFlags(cfg, *providers, *batchSize)

	world, err := config.LoadWorld(*worldPath)
	if err != nil {
		if verr, ok := err.(*config.ValidationError); ok {
			logging.Error("❌ Описание мира не прошло валидацию:")
			for _, v := range verr.Violations {
				logging.Error("   • %s", v)
			}
		} else {
			logging.Error("❌ Ошибка загрузки мира: %v", err)
		}
		return exitConfig
	}
	logging.Info("🗺️ Мир %s: %d этажей, %d локаций",
		world.WorldName, len(world.Floors), world.LocationCount())

	ctx, cancel := signalContext()
	defer cancel()

	// Трассировка опциональна: без коллектора просто продолжаем
	shutdownTracing, err := observability.InitTelemetry(ctx, "tileforge")
	if err != nil {
		logging.Warn("Трассировка недоступна: %v", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	cc, closeIndex, err := openCache(cfg)
	if err != nil {
		logging.Error("❌ Ошибка открытия кеша: %v", err)
		return exitConfig
	}
	defer closeIndex()
	cc.Load()

	if *invalidate != "" {
		for _, locID := range strings.Split(*invalidate, ",") {
			locID = strings.TrimSpace(locID)
			n := cc.InvalidateLocation(locID)
			logging.Info("🗑️ Инвалидировано %d записей кеша локации %s", n, locID)
		}
	}

	bus := openBus(cfg)
	defer bus.Close()
	if err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("Слушатель событий не запущен: %v", err)
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		logging.Error("❌ %v", err)
		return exitConfig
	}

	out := *outDir
	if out == "" {
		out = cfg.Pipeline.GetOutputDir()
	}

	orch := pipeline.NewOrchestrator(world, cfg, cc, reg, bus, out)

	exporter := pipeline.NewMetricsExporter(orch.Stats())
	exporter.Start(cfg.Metrics.GetMetricsPort())
	defer exporter.Stop()

	report, err := orch.Run(ctx)
	if err != nil {
		logging.Error("❌ Прогон прерван: %v", err)
		persistCache(cc)
		return exitFailed
	}

	gateReports, gateFailed := runQualityGate(cfg, orch.RunID(), report, *skipQuality)

	if err := writeSummary(out, report, gateReports); err != nil {
		logging.Error("❌ Ошибка записи отчёта: %v", err)
	}
	persistCache(cc)

	return exitStatus(report, gateFailed)
}

// exitStatus выбирает код завершения прогона. Ненулевой код — только когда
// локация осталась вообще без плиток состояний либо провален контроль
// качества; частичные пропуски оверлеев фиксируются в манифестах и
// статистике, но сами по себе прогон не роняют.
func exitStatus(report *pipeline.RunReport, gateFailed bool) int {
	fullyFailed := 0
	for _, loc := range report.Locations {
		if len(loc.Tiles) == 0 {
			fullyFailed++
		}
	}

	if fullyFailed > 0 || gateFailed {
		logging.Warn("Прогон завершён с ошибками: %d локаций без плиток, контроль качества пройден: %v",
			fullyFailed, !gateFailed)
		return exitFailed
	}
	if report.Stats.Errors > 0 {
		logging.Warn("Прогон завершён с %d пропусками, все обязательные состояния построены (детали в манифестах)",
			report.Stats.Errors)
		return exitOK
	}
	logging.Info("✅ Все локации построены успешно")
	return exitOK
}

// applyFlags накладывает флаги CLI поверх конфигурации.
func applyFlags(cfg *config.Config, providers string, batchSize int) {
	if providers != "" {
		var priority []string
		for _, p := range strings.Split(providers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				priority = append(priority, p)
			}
		}
		cfg.Providers.Priority = priority
	}
	if batchSize > 0 {
		cfg.Pipeline.BatchSize = batchSize
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logging.Info("🛑 Получен сигнал %v, останавливаем прогон...", sig)
		cancel()
	}()
	return ctx, cancel
}

// openCache открывает контентный кеш с file- или redis-индексом.
func openCache(cfg *config.Config) (*cache.ContentCache, func(), error) {
	switch cfg.Cache.Backend {
	case "redis":
		idx, err := cache.NewRedisIndex(cfg.Cache.RedisURL, cfg.Cache.RedisDB, cfg.Cache.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return cache.New(idx), func() { _ = idx.Close() }, nil
	case "", "file":
		idx := cache.NewFileIndex(cfg.Cache.GetIndexPath())
		return cache.New(idx), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("неизвестный бекенд кеша: %s", cfg.Cache.Backend)
	}
}

// openBus подключает JetStream, если задан URL, иначе in-memory шину.
func openBus(cfg *config.Config) eventbus.EventBus {
	if cfg.EventBus.URL != "" {
		bus, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream)
		if err == nil {
			return bus
		}
		logging.Warn("JetStream недоступен (%v), используем in-memory шину", err)
	}
	return eventbus.NewMemoryBus(256)
}

// buildRegistry регистрирует провайдеров из списка приоритетов.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	priority := cfg.Providers.Priority
	if len(priority) == 0 {
		priority = []string{"procedural"}
	}

	reg := provider.NewRegistry(priority)
	for _, name := range priority {
		switch name {
		case "sdwebui":
			reg.Register(provider.NewSDWebUIProvider(cfg.Providers.SDWebUI.URL))
		case "openai":
			reg.Register(provider.NewOpenAIProvider(cfg.Providers.OpenAI.Model))
		case "procedural":
			reg.Register(provider.NewProceduralProvider())
		default:
			return nil, fmt.Errorf("неизвестный провайдер в приоритетах: %s", name)
		}
	}
	return reg, nil
}

// runQualityGate проверяет плитки каждой локации и архивирует эталоны
// успешных. Возвращает отчёты и признак провала хотя бы одной локации.
func runQualityGate(cfg *config.Config, runID string, report *pipeline.RunReport, skip bool) ([]*quality.Report, bool) {
	if skip {
		logging.Info("Контроль качества пропущен (-skip-quality)")
		return nil, false
	}

	var archive *history.Archive
	if cfg.History.Enabled {
		var err error
		archive, err = history.Open(cfg.History.Path)
		if err != nil {
			logging.Warn("Архив прогонов недоступен, сверка консистентности отключена: %v", err)
		} else {
			defer archive.Close()
		}
	}

	gate := quality.NewGate(archive, runID)
	var reports []*quality.Report
	failed := false

	for _, loc := range report.Locations {
		if !loc.Success {
			continue // Локация уже провалена генерацией
		}

		rep, err := gate.CheckLocation(loc.LocationID, loc.Tiles)
		if err != nil {
			logging.Error("❌ Контроль качества %s: %v", loc.LocationID, err)
			failed = true
			continue
		}
		reports = append(reports, rep)

		if !rep.Passed {
			failed = true
			logging.Warn("Локация %s не прошла контроль качества: %v",
				loc.LocationID, rep.Reasons)
			continue
		}

		if archive != nil {
			if err := gate.ArchiveTiles(loc.LocationID, loc.Tiles); err != nil {
				logging.Warn("Эталон локации %s не заархивирован: %v", loc.LocationID, err)
			}
		}
	}
	return reports, failed
}

type runSummary struct {
	*pipeline.RunReport
	Quality []*quality.Report `json:"quality,omitempty"`
}

func writeSummary(outDir string, report *pipeline.RunReport, gateReports []*quality.Report) error {
	summary := runSummary{RunReport: report, Quality: gateReports}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации отчёта: %w", err)
	}

	path := filepath.Join(outDir, "summary.json")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("ошибка создания директории отчёта: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("ошибка записи отчёта: %w", err)
	}
	logging.Info("💾 Отчёт прогона: %s", path)
	return nil
}

func persistCache(cc *cache.ContentCache) {
	if err := cc.Persist(); err != nil {
		logging.Error("❌ Ошибка сохранения индекса кеша: %v", err)
	} else {
		logging.Info("💾 Индекс кеша сохранён (%d записей)", cc.Len())
	}
}
