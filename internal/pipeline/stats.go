package pipeline

import "sync/atomic"

// RunStats счётчики прогона. Обновляются воркерами конкурентно,
// поэтому только атомарные операции.
type RunStats struct {
	generated       int64 // Вызовы провайдеров, завершившиеся артефактом
	cacheHits       int64
	errors          int64 // Ошибки единиц генерации (база, оверлей, композиция)
	locationsDone   int64
	locationsFailed int64
	inFlight        int64 // Текущие обращения к провайдерам
}

// StatsSnapshot снимок счётчиков для отчёта и метрик.
type StatsSnapshot struct {
	Generated       int64 `json:"generated_count"`
	CacheHits       int64 `json:"cache_hit_count"`
	Errors          int64 `json:"error_count"`
	LocationsDone   int64 `json:"locations_done"`
	LocationsFailed int64 `json:"locations_failed"`
	InFlight        int64 `json:"-"`
}

func (s *RunStats) AddGenerated() { atomic.AddInt64(&s.generated, 1) }
func (s *RunStats) AddCacheHit()  { atomic.AddInt64(&s.cacheHits, 1) }
func (s *RunStats) AddError()     { atomic.AddInt64(&s.errors, 1) }

func (s *RunStats) AddLocation(success bool) {
	if success {
		atomic.AddInt64(&s.locationsDone, 1)
	} else {
		atomic.AddInt64(&s.locationsFailed, 1)
	}
}

func (s *RunStats) EnterProvider() { atomic.AddInt64(&s.inFlight, 1) }
func (s *RunStats) LeaveProvider() { atomic.AddInt64(&s.inFlight, -1) }

// Snapshot возвращает согласованный снимок счётчиков.
func (s *RunStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Generated:       atomic.LoadInt64(&s.generated),
		CacheHits:       atomic.LoadInt64(&s.cacheHits),
		Errors:          atomic.LoadInt64(&s.errors),
		LocationsDone:   atomic.LoadInt64(&s.locationsDone),
		LocationsFailed: atomic.LoadInt64(&s.locationsFailed),
		InFlight:        atomic.LoadInt64(&s.inFlight),
	}
}
