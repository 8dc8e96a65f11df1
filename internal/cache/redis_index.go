package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisIndex хранит индекс кеша в Redis — один hash на весь индекс.
// Позволяет нескольким сборочным хостам делить общий кеш: артефакты при этом
// должны лежать на общей файловой системе, индекс хранит только пути.
type RedisIndex struct {
	client *redis.Client
	key    string // Имя hash-а с записями
}

// NewRedisIndex подключается к Redis и проверяет соединение.
func NewRedisIndex(url string, db int, keyPrefix string) (*RedisIndex, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         url,
		DB:           db,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if keyPrefix == "" {
		keyPrefix = "tileforge"
	}
	return &RedisIndex{
		client: rdb,
		key:    keyPrefix + ":cache_entries",
	}, nil
}

// Load читает все записи из hash-а.
func (r *RedisIndex) Load() (map[string]Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения индекса из Redis: %w", err)
	}

	entries := make(map[string]Entry, len(raw))
	for key, payload := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("повреждённая запись %s в Redis-индексе: %w", key, err)
		}
		entry.Key = key
		entries[key] = entry
	}
	return entries, nil
}

// Persist записывает снимок одним pipeline-ом: DEL + HSET всех записей.
func (r *RedisIndex) Persist(entries map[string]Entry, metrics Metrics) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key)

	for key, entry := range entries {
		payload, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("ошибка сериализации записи %s: %w", key, err)
		}
		pipe.HSet(ctx, r.key, key, payload)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ошибка записи индекса в Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
