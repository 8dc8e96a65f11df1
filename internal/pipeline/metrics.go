package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/annel0/tileforge/internal/logging"
)

// MetricsExporter экспортирует счётчики прогона в Prometheus.
// Счётчики RunStats накопительные, поэтому экспортер раз в секунду
// добавляет дельту с прошлого снимка.
type MetricsExporter struct {
	stats *RunStats

	tilesGenerated prometheus.Counter
	cacheHits      prometheus.Counter
	generationErrs prometheus.Counter
	inFlight       prometheus.Gauge

	prev   StatsSnapshot
	server *http.Server
	cancel context.CancelFunc
}

// NewMetricsExporter регистрирует метрики в реестре по умолчанию.
func NewMetricsExporter(stats *RunStats) *MetricsExporter {
	e := &MetricsExporter{
		stats: stats,
		tilesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileforge_tiles_generated_total",
			Help: "Количество артефактов, сгенерированных провайдерами",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileforge_cache_hits_total",
			Help: "Количество попаданий в контентный кеш",
		}),
		generationErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileforge_generation_errors_total",
			Help: "Количество ошибок единиц генерации",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tileforge_generations_inflight",
			Help: "Текущее число обращений к провайдерам",
		}),
	}

	prometheus.MustRegister(e.tilesGenerated, e.cacheHits, e.generationErrs, e.inFlight)
	return e
}

// Start запускает HTTP-эндпоинт /metrics и цикл обновления.
func (e *MetricsExporter) Start(port int) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	e.server = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		logging.Info("📈 Prometheus метрики доступны на :%d/metrics", port)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Warn("Сервер метрик остановлен: %v", err)
		}
	}()

	go e.updateLoop(ctx)
}

func (e *MetricsExporter) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.update()
		}
	}
}

func (e *MetricsExporter) update() {
	snap := e.stats.Snapshot()

	if d := snap.Generated - e.prev.Generated; d > 0 {
		e.tilesGenerated.Add(float64(d))
	}
	if d := snap.CacheHits - e.prev.CacheHits; d > 0 {
		e.cacheHits.Add(float64(d))
	}
	if d := snap.Errors - e.prev.Errors; d > 0 {
		e.generationErrs.Add(float64(d))
	}
	e.inFlight.Set(float64(snap.InFlight))

	e.prev = snap
}

// Stop останавливает экспортер и HTTP-сервер.
func (e *MetricsExporter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.server.Shutdown(ctx)
	}
}
