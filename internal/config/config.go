package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации пайплайна.
// Описание мира живёт отдельным JSON-файлом (внешний контракт),
// здесь только параметры самого процесса генерации.

type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	Cache     CacheConfig     `yaml:"cache"`
	History   HistoryConfig   `yaml:"history"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type PipelineConfig struct {
	OutputDir      string  `yaml:"output_dir"`
	BatchSize      int     `yaml:"batch_size"`
	Steps          int     `yaml:"steps"`
	CFGScale       float64 `yaml:"cfg_scale"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type ProvidersConfig struct {
	Priority []string `yaml:"priority"` // Порядок перебора провайдеров
	SDWebUI  struct {
		URL string `yaml:"url"`
	} `yaml:"sdwebui"`
	OpenAI struct {
		Model string `yaml:"model"`
	} `yaml:"openai"`
}

type CacheConfig struct {
	Backend   string `yaml:"backend"`    // "file" или "redis"
	IndexPath string `yaml:"index_path"` // Путь к JSON-индексу для backend=file
	RedisURL  string `yaml:"redis_url"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Директория BadgerDB архива прогонов
}

type EventBusConfig struct {
	URL    string `yaml:"url"` // NATS URL; пусто — in-memory шина
	Stream string `yaml:"stream"`
}

type MetricsConfig struct {
	Port int `yaml:"port"`
}

// GetBatchSize возвращает размер батча с поддержкой fallback значений
func (p *PipelineConfig) GetBatchSize() int {
	return getIntWithEnvFallback(p.BatchSize, "TILEFORGE_BATCH_SIZE", 4)
}

// GetSteps возвращает число шагов диффузии с поддержкой fallback значений
func (p *PipelineConfig) GetSteps() int {
	return getIntWithEnvFallback(p.Steps, "TILEFORGE_STEPS", 28)
}

// GetTimeout возвращает таймаут одного вызова провайдера
func (p *PipelineConfig) GetTimeout() time.Duration {
	sec := getIntWithEnvFallback(p.TimeoutSeconds, "TILEFORGE_TIMEOUT_SECONDS", 120)
	return time.Duration(sec) * time.Second
}

// GetOutputDir возвращает директорию вывода с приоритетом: config -> env -> default
func (p *PipelineConfig) GetOutputDir() string {
	if p.OutputDir != "" {
		return p.OutputDir
	}
	if env := os.Getenv("TILEFORGE_OUTPUT_DIR"); env != "" {
		return env
	}
	return "out"
}

// GetCFGScale возвращает cfg-scale; дефолт соответствует SD WebUI.
func (p *PipelineConfig) GetCFGScale() float64 {
	if p.CFGScale > 0 {
		return p.CFGScale
	}
	return 7.0
}

// GetIndexPath возвращает путь к индексу кеша
func (c *CacheConfig) GetIndexPath() string {
	if c.IndexPath != "" {
		return c.IndexPath
	}
	if env := os.Getenv("TILEFORGE_CACHE_INDEX"); env != "" {
		return env
	}
	return "cache/index.json"
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений
func (m *MetricsConfig) GetMetricsPort() int {
	return getIntWithEnvFallback(m.Port, "TILEFORGE_METRICS_PORT", 2112)
}

// getIntWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getIntWithEnvFallback(configVal int, envVar string, defaultVal int) int {
	// Если значение задано в конфиге и больше 0, используем его
	if configVal > 0 {
		return configVal
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			return v
		}
	}

	// Используем дефолтное значение
	return defaultVal
}

// Load читает YAML файл конфигурации пайплайна.
// Если path == "", пытается прочитать из ENV TILEFORGE_CONFIG или возвращает пустой конфиг
// (все Get-методы отдают дефолты).
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TILEFORGE_CONFIG")
		if path == "" {
			return &Config{}, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
