// Package cache реализует контентно-адресуемый индекс сгенерированных
// артефактов. Ключ — хеш всех входов генерации, значение — путь к файлу
// на диске плюс метаданные. Индекс загружается один раз при старте и
// сохраняется в конце прогона; повреждение индекса не фатально — кеш
// деградирует до пустого и всё генерируется заново.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/tileforge/internal/logging"
)

// Metadata сопровождает каждую запись кеша.
// Stage/LocationID/WidgetID/State дублируются из кортежа ключа в открытом
// виде, чтобы поддерживать грубую инвалидацию (ключ — односторонний хеш).
type Metadata struct {
	Prompt     string    `json:"prompt"`
	Seed       int64     `json:"seed"`
	CreatedAt  time.Time `json:"created_at"`
	Stage      string    `json:"stage"`
	LocationID string    `json:"location_id"`
	WidgetID   string    `json:"widget_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Provider   string    `json:"provider"`
}

// Entry одна запись индекса.
type Entry struct {
	Key          string   `json:"-"`
	ArtifactPath string   `json:"path"`
	Metadata     Metadata `json:"metadata"`
}

// Metrics счётчики кеша за прогон.
type Metrics struct {
	Hits        int64
	Misses      int64
	Inserts     int64
	Invalidated int64
	Conflicts   int64 // Повторные вставки того же ключа с другим путём
}

// ContentCache потокобезопасный кеш артефактов.
// Единственный разделяемый изменяемый ресурс прогона: все мутации идут
// через Insert/Invalidate под write-блокировкой, чтения конкурентны.
type ContentCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	index   Index

	hits        int64
	misses      int64
	inserts     int64
	invalidated int64
	conflicts   int64
}

// New создаёт пустой кеш поверх указанного индексного бекенда.
func New(index Index) *ContentCache {
	return &ContentCache{
		entries: make(map[string]Entry),
		index:   index,
	}
}

// Load загружает индекс с диска (или из Redis).
// Повреждённый индекс — громкое предупреждение и пустой кеш, не ошибка:
// перегенерация всегда безопасна, только дорога.
func (c *ContentCache) Load() {
	entries, err := c.index.Load()
	if err != nil {
		logging.Error("⚠️  Индекс кеша повреждён или недоступен, продолжаем с пустым кешем: %v", err)
		return
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	logging.Info("💾 Индекс кеша загружен: %d записей", len(entries))
}

// Lookup возвращает запись по ключу.
// Существование файла артефакта НЕ проверяется: попадание с отсутствующим
// файлом — ошибка вызывающего, а не тихий промах (иначе маскируется
// порча артефактов).
func (c *ContentCache) Lookup(key string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		atomic.AddInt64(&c.hits, 1)
		entry.Key = key
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	return entry, ok
}

// RejectHit откатывает учтённое попадание. Вызывается когда артефакт
// записи пропал с диска: такое попадание — ошибка единицы генерации,
// и в счётчике попаданий ему не место.
func (c *ContentCache) RejectHit() {
	atomic.AddInt64(&c.hits, -1)
}

// Insert добавляет запись. Последняя запись побеждает; вставка того же
// ключа с другим путём — логическая ошибка пайплайна, логируем её.
func (c *ContentCache) Insert(key, artifactPath string, md Metadata) {
	c.mu.Lock()
	if prev, ok := c.entries[key]; ok && prev.ArtifactPath != artifactPath {
		atomic.AddInt64(&c.conflicts, 1)
		logging.Warn("Повторная вставка ключа %s с другим путём: %s -> %s",
			key[:12], prev.ArtifactPath, artifactPath)
	}
	c.entries[key] = Entry{Key: key, ArtifactPath: artifactPath, Metadata: md}
	c.mu.Unlock()

	atomic.AddInt64(&c.inserts, 1)
}

// Invalidate удаляет все записи, для которых предикат вернул true.
// Возвращает число удалённых записей.
func (c *ContentCache) Invalidate(pred func(Entry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		entry.Key = key
		if pred(entry) {
			delete(c.entries, key)
			removed++
		}
	}

	atomic.AddInt64(&c.invalidated, int64(removed))
	return removed
}

// InvalidateLocation удаляет все записи локации (все стадии).
// Используется когда исходный промпт локации изменился и нужна полная
// перегенерация.
func (c *ContentCache) InvalidateLocation(locationID string) int {
	n := c.Invalidate(func(e Entry) bool {
		return e.Metadata.LocationID == locationID
	})
	logging.Info("🗑️  Инвалидация локации %s: удалено %d записей", locationID, n)
	return n
}

// Persist сохраняет снимок индекса через бекенд.
func (c *ContentCache) Persist() error {
	c.mu.RLock()
	snapshot := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.RUnlock()

	return c.index.Persist(snapshot, c.GetMetrics())
}

// Len возвращает число записей в кеше.
func (c *ContentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetMetrics возвращает снимок метрик кеша.
func (c *ContentCache) GetMetrics() Metrics {
	return Metrics{
		Hits:        atomic.LoadInt64(&c.hits),
		Misses:      atomic.LoadInt64(&c.misses),
		Inserts:     atomic.LoadInt64(&c.inserts),
		Invalidated: atomic.LoadInt64(&c.invalidated),
		Conflicts:   atomic.LoadInt64(&c.conflicts),
	}
}
