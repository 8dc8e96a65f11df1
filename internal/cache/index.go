package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Index определяет бекенд хранения индекса кеша.
// Формат записей одинаков для всех реализаций, поэтому кеш, собранный
// одним бекендом, переносим в другой.
type Index interface {
	// Load читает весь индекс. Ошибка означает повреждение или недоступность —
	// вызывающий решает, деградировать ли до пустого кеша.
	Load() (map[string]Entry, error)

	// Persist записывает снимок индекса целиком.
	Persist(entries map[string]Entry, metrics Metrics) error
}

// indexFile формат JSON-файла индекса. Стабилен между прогонами:
// кеш, собранный одним прогоном, переиспользуется следующим.
type indexFile struct {
	CacheEntries map[string]Entry `json:"cache_entries"`
	Statistics   indexStatistics  `json:"statistics"`
}

type indexStatistics struct {
	Entries     int       `json:"entries"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Inserts     int64     `json:"inserts"`
	Invalidated int64     `json:"invalidated"`
	SavedAt     time.Time `json:"saved_at"`
}

// FileIndex хранит индекс одним JSON-файлом на диске.
type FileIndex struct {
	path string
}

// NewFileIndex создаёт файловый индекс по указанному пути.
func NewFileIndex(path string) *FileIndex {
	return &FileIndex{path: path}
}

// Load читает JSON-файл индекса. Отсутствующий файл — пустой кеш без ошибки.
func (f *FileIndex) Load() (map[string]Entry, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]Entry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения индекса %s: %w", f.path, err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("ошибка разбора индекса %s: %w", f.path, err)
	}

	if file.CacheEntries == nil {
		file.CacheEntries = make(map[string]Entry)
	}
	for key, entry := range file.CacheEntries {
		entry.Key = key
		file.CacheEntries[key] = entry
	}
	return file.CacheEntries, nil
}

// Persist атомарно записывает снимок индекса: сначала во временный файл,
// затем rename. Конкурентный читатель никогда не увидит недописанный файл.
func (f *FileIndex) Persist(entries map[string]Entry, metrics Metrics) error {
	file := indexFile{
		CacheEntries: entries,
		Statistics: indexStatistics{
			Entries:     len(entries),
			Hits:        metrics.Hits,
			Misses:      metrics.Misses,
			Inserts:     metrics.Inserts,
			Invalidated: metrics.Invalidated,
			SavedAt:     time.Now().UTC(),
		},
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации индекса: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла индекса: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ошибка записи индекса: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка закрытия временного файла индекса: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка переименования индекса: %w", err)
	}
	return nil
}
