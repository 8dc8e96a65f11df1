package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/tileforge/internal/cache"
	"github.com/annel0/tileforge/internal/compositor"
	"github.com/annel0/tileforge/internal/config"
	"github.com/annel0/tileforge/internal/eventbus"
	"github.com/annel0/tileforge/internal/imageio"
	"github.com/annel0/tileforge/internal/logging"
	"github.com/annel0/tileforge/internal/provider"
	"github.com/annel0/tileforge/internal/seed"
)

// Имена стадий в контентном ключе.
const (
	stageBase    = "base"
	stageOverlay = "overlay"
)

// Orchestrator прогоняет описание мира через стадии генерации:
// базовая сцена → оверлеи виджетов → композиция состояний → манифест.
// Локации обрабатываются батчами, внутри батча — конкурентно.
type Orchestrator struct {
	world    *config.WorldConfig
	cfg      *config.Config
	cache    *cache.ContentCache
	registry *provider.Registry
	bus      eventbus.EventBus
	stats    *RunStats
	tracer   trace.Tracer

	runID    string
	outDir   string
	steps    int
	cfgScale float64
}

// LocationResult итог обработки одной локации.
type LocationResult struct {
	FloorID      string            `json:"floor_id"`
	LocationID   string            `json:"location_id"`
	Success      bool              `json:"success"`
	Seed         int64             `json:"seed"`
	ManifestPath string            `json:"manifest_path,omitempty"`
	Tiles        map[string]string `json:"tiles,omitempty"`
	Errors       []string          `json:"errors,omitempty"`
}

// RunReport итоговый отчёт прогона, сериализуется в summary JSON.
type RunReport struct {
	RunID     string           `json:"run_id"`
	World     string           `json:"world"`
	StartedAt time.Time        `json:"started_at"`
	Duration  string           `json:"duration"`
	Stats     StatsSnapshot    `json:"stats"`
	System    SystemMetrics    `json:"system"`
	Locations []LocationResult `json:"locations"`
}

// NewOrchestrator создаёт оркестратор прогона. Шина событий может быть nil.
func NewOrchestrator(world *config.WorldConfig, cfg *config.Config,
	cc *cache.ContentCache, reg *provider.Registry, bus eventbus.EventBus,
	outDir string) *Orchestrator {

	// Лимит вешается на каждую попытку внутри реестра: таймаут одного
	// бекенда должен уводить запрос к следующему, а не гасить всю цепочку
	reg.SetTimeout(cfg.Pipeline.GetTimeout())

	return &Orchestrator{
		world:    world,
		cfg:      cfg,
		cache:    cc,
		registry: reg,
		bus:      bus,
		stats:    &RunStats{},
		tracer:   otel.Tracer("tileforge/pipeline"),
		runID:    uuid.NewString(),
		outDir:   outDir,
		steps:    cfg.Pipeline.GetSteps(),
		cfgScale: cfg.Pipeline.GetCFGScale(),
	}
}

// RunID возвращает идентификатор текущего прогона.
func (o *Orchestrator) RunID() string { return o.runID }

// Stats возвращает счётчики прогона (для экспортера метрик).
func (o *Orchestrator) Stats() *RunStats { return o.stats }

type locationJob struct {
	floor *config.Floor
	loc   *config.Location
}

// Run обрабатывает все локации мира и возвращает отчёт.
// Ошибка возвращается только при отмене контекста; ошибки отдельных
// локаций попадают в отчёт, не прерывая прогон.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	start := time.Now()

	var jobs []locationJob
	for fi := range o.world.Floors {
		floor := &o.world.Floors[fi]
		for li := range floor.Locations {
			jobs = append(jobs, locationJob{floor: floor, loc: &floor.Locations[li]})
		}
	}

	batchSize := o.cfg.Pipeline.GetBatchSize()
	logging.Info("🎨 Прогон %s: %d локаций, батч %d, провайдеры %v",
		o.runID[:8], len(jobs), batchSize, o.cfg.Providers.Priority)

	o.publish(ctx, eventbus.EventRunStarted, 7, map[string]interface{}{
		"world":     o.world.WorldName,
		"locations": len(jobs),
	})

	results := make([]LocationResult, len(jobs))
	for batch := 0; batch < len(jobs); batch += batchSize {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("прогон прерван: %w", ctx.Err())
		}

		end := batch + batchSize
		if end > len(jobs) {
			end = len(jobs)
		}

		var wg sync.WaitGroup
		for i := batch; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = o.runLocation(ctx, jobs[idx])
			}(i)
		}
		wg.Wait()
	}

	for _, res := range results {
		o.stats.AddLocation(res.Success)
	}

	snap := o.stats.Snapshot()
	o.publish(ctx, eventbus.EventRunCompleted, 7, snap)

	logging.Info("✅ Прогон завершён: %d сгенерировано, %d из кеша, %d ошибок",
		snap.Generated, snap.CacheHits, snap.Errors)

	return &RunReport{
		RunID:     o.runID,
		World:     o.world.WorldName,
		StartedAt: start.UTC(),
		Duration:  time.Since(start).String(),
		Stats:     snap,
		System:    CollectSystemMetrics(start),
		Locations: results,
	}, nil
}

// runLocation проводит одну локацию через все стадии.
// Сбой базовой сцены прерывает локацию; сбой отдельного оверлея
// изолирован — остальные состояния достраиваются, ошибка уходит в манифест.
func (o *Orchestrator) runLocation(ctx context.Context, job locationJob) LocationResult {
	ctx, span := o.tracer.Start(ctx, "pipeline.location",
		trace.WithAttributes(
			attribute.String("location.id", job.loc.ID),
			attribute.String("floor.id", job.floor.ID),
		))
	defer span.End()

	canvasW, canvasH := o.world.CanvasSize(job.loc)
	locSeed := seed.DeriveLocation(o.world.BaseSeed, job.floor.SeedOffset, job.loc.SeedOffset)

	result := LocationResult{
		FloorID:    job.floor.ID,
		LocationID: job.loc.ID,
		Seed:       locSeed,
		Tiles:      make(map[string]string),
	}

	o.publish(ctx, eventbus.EventLocationStarted, 4, map[string]interface{}{
		"location_id": job.loc.ID,
		"floor_id":    job.floor.ID,
	})

	basePath, err := o.ensureBase(ctx, job, canvasW, canvasH, locSeed)
	if err != nil {
		o.stats.AddError()
		result.Errors = append(result.Errors, fmt.Sprintf("base: %v", err))
		logging.Error("❌ Локация %s: базовая сцена не построена: %v", job.loc.ID, err)
		o.publish(ctx, eventbus.EventLocationFailed, 7, result)
		return result
	}

	overlays := o.runOverlays(ctx, job, basePath, canvasW, canvasH, &result)
	o.composeStates(ctx, job, basePath, overlays, &result)

	manifestPath := filepath.Join(o.outDir, "manifests", job.loc.ID+".json")
	manifest := o.buildManifest(job, locSeed, overlays, &result)
	if err := WriteManifest(manifest, manifestPath); err != nil {
		o.stats.AddError()
		result.Errors = append(result.Errors, fmt.Sprintf("manifest: %v", err))
	} else {
		result.ManifestPath = manifestPath
	}

	result.Success = len(result.Errors) == 0
	if result.Success {
		logging.Info("✅ Локация %s готова (%d состояний)", job.loc.ID, len(result.Tiles))
		o.publish(ctx, eventbus.EventLocationDone, 4, result)
	} else {
		logging.Warn("Локация %s завершена с %d ошибками", job.loc.ID, len(result.Errors))
		o.publish(ctx, eventbus.EventLocationFailed, 7, result)
	}
	return result
}

// ensureBase возвращает путь базовой сцены локации: из кеша либо
// свежесгенерированной. Запись в кеше с пропавшим файлом — ошибка,
// а не тихий промах: молчаливая регенерация скрыла бы порчу кеша.
func (o *Orchestrator) ensureBase(ctx context.Context, job locationJob, w, h int, locSeed int64) (string, error) {
	primary, err := o.registry.Select(provider.CapTextToImage)
	if err != nil {
		return "", err
	}

	key := cache.Key(cache.KeyParams{
		Stage:      stageBase,
		LocationID: job.loc.ID,
		Prompt:     job.loc.DescriptionPrompt,
		Seed:       locSeed,
		Width:      w,
		Height:     h,
		Steps:      o.steps,
		CFGScale:   o.cfgScale,
		Provider:   primary.Name(),
	})

	if entry, ok := o.cache.Lookup(key); ok {
		if _, err := os.Stat(entry.ArtifactPath); err != nil {
			o.cache.RejectHit()
			return "", fmt.Errorf("кеш ссылается на отсутствующий артефакт %s: %w",
				entry.ArtifactPath, err)
		}
		o.stats.AddCacheHit()
		logging.Debug("💾 База %s из кеша: %s", job.loc.ID, entry.ArtifactPath)
		return entry.ArtifactPath, nil
	}

	outPath := filepath.Join(o.outDir, "base", fmt.Sprintf("%s_%s.png", job.loc.ID, key[:12]))
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", fmt.Errorf("ошибка создания директории артефактов: %w", err)
	}

	o.stats.EnterProvider()
	res, err := o.registry.TextToImage(ctx, provider.TextToImageRequest{
		Prompt:     job.loc.DescriptionPrompt,
		Width:      w,
		Height:     h,
		Seed:       locSeed,
		Steps:      o.steps,
		CFGScale:   o.cfgScale,
		OutputPath: outPath,
	})
	o.stats.LeaveProvider()
	if err != nil {
		return "", err
	}

	o.cache.Insert(key, res.ArtifactPath, cache.Metadata{
		Prompt:     job.loc.DescriptionPrompt,
		Seed:       locSeed,
		CreatedAt:  time.Now().UTC(),
		Stage:      stageBase,
		LocationID: job.loc.ID,
		Provider:   res.Provider,
	})
	o.stats.AddGenerated()
	o.publish(ctx, eventbus.EventTileGenerated, 2, res)
	return res.ArtifactPath, nil
}

// overlayArtifact готовый оверлей одного состояния виджета.
type overlayArtifact struct {
	path string
	ok   bool
}

// runOverlays генерирует оверлеи всех пар виджет×состояние конкурентно.
// Каждая горутина пишет в свой слот таблицы, синхронизация не нужна;
// ошибки собираются под мьютексом результата.
func (o *Orchestrator) runOverlays(ctx context.Context, job locationJob,
	basePath string, w, h int, result *LocationResult) [][]overlayArtifact {

	overlays := make([][]overlayArtifact, len(job.loc.Widgets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for wi := range job.loc.Widgets {
		widget := &job.loc.Widgets[wi]
		overlays[wi] = make([]overlayArtifact, len(widget.States))

		for si := range widget.States {
			wg.Add(1)
			go func(wi, si int) {
				defer wg.Done()
				widget := &job.loc.Widgets[wi]
				st := &widget.States[si]

				path, err := o.ensureOverlay(ctx, job, wi, si, basePath, w, h)
				if err != nil {
					o.stats.AddError()
					mu.Lock()
					result.Errors = append(result.Errors,
						fmt.Sprintf("overlay %s/%s: %v", widget.ID, st.State, err))
					mu.Unlock()
					logging.Warn("Оверлей %s/%s не построен: %v", widget.ID, st.State, err)
					return
				}
				overlays[wi][si] = overlayArtifact{path: path, ok: true}
			}(wi, si)
		}
	}
	wg.Wait()

	sort.Strings(result.Errors)
	return overlays
}

func (o *Orchestrator) ensureOverlay(ctx context.Context, job locationJob,
	wi, si int, basePath string, w, h int) (string, error) {

	widget := &job.loc.Widgets[wi]
	st := &widget.States[si]
	prompt := strings.TrimSpace(widget.PromptBase + " " + st.Prompt)
	overlaySeed := seed.Derive(o.world.BaseSeed, job.floor.SeedOffset, job.loc.SeedOffset, wi, si)

	primary, err := o.registry.Select(provider.CapInpaint)
	if err != nil {
		return "", err
	}

	key := cache.Key(cache.KeyParams{
		Stage:      stageOverlay,
		LocationID: job.loc.ID,
		WidgetID:   widget.ID,
		State:      st.State,
		Prompt:     prompt,
		Seed:       overlaySeed,
		Width:      w,
		Height:     h,
		Steps:      o.steps,
		CFGScale:   o.cfgScale,
		Provider:   primary.Name(),
	})

	if entry, ok := o.cache.Lookup(key); ok {
		if _, err := os.Stat(entry.ArtifactPath); err != nil {
			o.cache.RejectHit()
			return "", fmt.Errorf("кеш ссылается на отсутствующий артефакт %s: %w",
				entry.ArtifactPath, err)
		}
		o.stats.AddCacheHit()
		return entry.ArtifactPath, nil
	}

	mask, err := o.buildMask(job.loc, st, w, h)
	if err != nil {
		return "", err
	}

	maskPath := filepath.Join(o.outDir, "masks",
		fmt.Sprintf("%s_%s_%s.png", job.loc.ID, widget.ID, st.State))
	if err := imageio.SavePNG(maskPath, mask.Image()); err != nil {
		return "", fmt.Errorf("ошибка записи маски: %w", err)
	}

	outPath := filepath.Join(o.outDir, "overlays",
		fmt.Sprintf("%s_%s_%s_%s.png", job.loc.ID, widget.ID, st.State, key[:12]))
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", fmt.Errorf("ошибка создания директории артефактов: %w", err)
	}

	o.stats.EnterProvider()
	res, err := o.registry.Inpaint(ctx, provider.InpaintRequest{
		BasePath:   basePath,
		MaskPath:   maskPath,
		Prompt:     prompt,
		Width:      w,
		Height:     h,
		Seed:       overlaySeed,
		Steps:      o.steps,
		CFGScale:   o.cfgScale,
		OutputPath: outPath,
	})
	o.stats.LeaveProvider()
	if err != nil {
		return "", err
	}

	o.cache.Insert(key, res.ArtifactPath, cache.Metadata{
		Prompt:     prompt,
		Seed:       overlaySeed,
		CreatedAt:  time.Now().UTC(),
		Stage:      stageOverlay,
		LocationID: job.loc.ID,
		WidgetID:   widget.ID,
		State:      st.State,
		Provider:   res.Provider,
	})
	o.stats.AddGenerated()
	o.publish(ctx, eventbus.EventTileGenerated, 2, res)
	return res.ArtifactPath, nil
}

func (o *Orchestrator) buildMask(loc *config.Location, st *config.InteractionState, w, h int) (*compositor.Mask, error) {
	switch st.Region.Mode {
	case config.RegionModeFull:
		return compositor.MaskFromFull(w, h), nil
	case config.RegionModeCells:
		return compositor.MaskFromCells(st.Region.Cells, o.world.Style.TileSize, w, h)
	default:
		return nil, fmt.Errorf("неизвестный режим региона: %s", st.Region.Mode)
	}
}

// composeStates собирает плитку каждого состояния: базовая сцена плюс
// оверлеи всех виджетов, определяющих это состояние, в порядке объявления.
// Плитки детерминированно пересобираются из кешированных артефактов и
// сами не кешируются.
func (o *Orchestrator) composeStates(ctx context.Context, job locationJob,
	basePath string, overlays [][]overlayArtifact, result *LocationResult) {

	base, err := imageio.LoadPNG(basePath)
	if err != nil {
		o.stats.AddError()
		result.Errors = append(result.Errors, fmt.Sprintf("composite: %v", err))
		return
	}

	canvasW, canvasH := o.world.CanvasSize(job.loc)

	for _, state := range statesOf(job.loc) {
		var tile image.Image = base

		for wi := range job.loc.Widgets {
			widget := &job.loc.Widgets[wi]
			si := stateIndex(widget, state)
			if si < 0 || !overlays[wi][si].ok {
				continue
			}

			mask, err := o.buildMask(job.loc, &widget.States[si], canvasW, canvasH)
			if err != nil {
				o.stats.AddError()
				result.Errors = append(result.Errors,
					fmt.Sprintf("composite %s/%s: %v", state, widget.ID, err))
				continue
			}

			overlay, err := imageio.LoadPNG(overlays[wi][si].path)
			if err != nil {
				o.stats.AddError()
				result.Errors = append(result.Errors,
					fmt.Sprintf("composite %s/%s: %v", state, widget.ID, err))
				continue
			}

			composed, err := compositor.Compose(tile, overlay, mask)
			if err != nil {
				o.stats.AddError()
				result.Errors = append(result.Errors,
					fmt.Sprintf("composite %s/%s: %v", state, widget.ID, err))
				continue
			}
			tile = composed
		}

		tilePath := filepath.Join(o.outDir, "tiles",
			fmt.Sprintf("%s_%s.png", job.loc.ID, state))
		if err := imageio.SavePNG(tilePath, tile); err != nil {
			o.stats.AddError()
			result.Errors = append(result.Errors, fmt.Sprintf("tile %s: %v", state, err))
			continue
		}
		result.Tiles[state] = tilePath
	}
}

// statesOf возвращает состояния локации в каноническом порядке:
// idle всегда первым (плитка idle существует даже без виджетов),
// далее hover и click, затем нестандартные по алфавиту.
func statesOf(loc *config.Location) []string {
	seen := map[string]bool{config.StateIdle: true}
	for _, w := range loc.Widgets {
		for _, st := range w.States {
			seen[st.State] = true
		}
	}

	states := []string{config.StateIdle}
	for _, s := range []string{config.StateHover, config.StateClick} {
		if seen[s] {
			states = append(states, s)
			delete(seen, s)
		}
	}
	delete(seen, config.StateIdle)

	var extra []string
	for s := range seen {
		extra = append(extra, s)
	}
	sort.Strings(extra)
	return append(states, extra...)
}

func stateIndex(w *config.Widget, state string) int {
	for i := range w.States {
		if w.States[i].State == state {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) buildManifest(job locationJob, locSeed int64,
	overlays [][]overlayArtifact, result *LocationResult) *TileManifest {

	m := &TileManifest{
		LocationID:  job.loc.ID,
		RunID:       o.runID,
		Seed:        locSeed,
		Tiles:       result.Tiles,
		Errors:      result.Errors,
		GeneratedAt: time.Now().UTC(),
	}

	for wi := range job.loc.Widgets {
		widget := &job.loc.Widgets[wi]
		wm := WidgetManifest{ID: widget.ID}
		for si := range widget.States {
			if overlays[wi][si].ok {
				wm.States = append(wm.States, StateArtifact{
					State:       widget.States[si].State,
					OverlayPath: overlays[wi][si].path,
				})
			}
		}
		m.Widgets = append(m.Widgets, wm)
	}
	return m
}

// publish отправляет событие прогона. Шина опциональна: nil — no-op,
// ошибки публикации не влияют на генерацию.
func (o *Orchestrator) publish(ctx context.Context, eventType string, priority int, payload interface{}) {
	if o.bus == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Debug("Событие %s не сериализовано: %v", eventType, err)
		return
	}

	ev := &eventbus.Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		RunID:     o.runID,
		EventType: eventType,
		Priority:  priority,
		Payload:   data,
	}
	if err := o.bus.Publish(ctx, ev); err != nil {
		logging.Debug("Событие %s не опубликовано: %v", eventType, err)
	}
}
