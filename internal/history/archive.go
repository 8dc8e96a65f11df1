// Package history хранит архив предыдущих прогонов: по контентному ключу —
// дайджест артефакта и вектор сэмплированных пикселей. Quality-гейт
// сравнивает текущий прогон с архивным, проверяя стабильность повторной
// генерации без второго обращения к провайдеру.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"

	"github.com/annel0/tileforge/internal/logging"
)

// Record архивная запись одного артефакта.
type Record struct {
	Key         string    `json:"key"`          // Контентный ключ
	ArtifactSHA string    `json:"artifact_sha"` // SHA-256 байтов артефакта
	Samples     []byte    `json:"samples"`      // RGB-тройки сэмплированных пикселей
	RunID       string    `json:"run_id"`
	SavedAt     time.Time `json:"saved_at"`
}

// Archive обёртка над BadgerDB. Записи сжимаются zstd: вектор сэмплов
// для больших миров занимает заметное место.
type Archive struct {
	db      *badger.DB
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	mu      sync.RWMutex
	isReady bool
}

// Open открывает (или создаёт) архив в указанной директории.
func Open(path string) (*Archive, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать zstd-кодер: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать zstd-декодер: %w", err)
	}

	logging.Info("🗄️  Архив прогонов открыт: %s", path)
	return &Archive{db: db, enc: enc, dec: dec, isReady: true}, nil
}

// Close закрывает архив.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isReady {
		return nil
	}
	a.isReady = false
	return a.db.Close()
}

// Put сохраняет запись, перезаписывая предыдущую версию ключа.
func (a *Archive) Put(rec *Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.isReady {
		return fmt.Errorf("архив не готов")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи %s: %w", rec.Key, err)
	}
	compressed := a.enc.EncodeAll(data, nil)

	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(rec.Key), compressed)
	})
}

// Get возвращает запись по контентному ключу.
// Отсутствие записи — не ошибка: прогон может быть первым.
func (a *Archive) Get(key string) (*Record, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.isReady {
		return nil, false, fmt.Errorf("архив не готов")
	}

	var rec Record
	found := false

	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data, err := a.dec.DecodeAll(val, nil)
			if err != nil {
				return fmt.Errorf("ошибка распаковки записи %s: %w", key, err)
			}
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("ошибка разбора записи %s: %w", key, err)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}
