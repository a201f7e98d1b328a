package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации приложения.
type Config struct {
	Content   ContentConfig   `yaml:"content"`
	Server    ServerConfig    `yaml:"server"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ContentConfig описывает расположение хранилища контента.
type ContentConfig struct {
	Folder             string `yaml:"folder"`
	BackupFolder       string `yaml:"backup_folder"`
	DatabaseFile       string `yaml:"database_file"`
	EvictionIntervalMs int    `yaml:"eviction_interval_ms"`
	BackupLedger       *bool  `yaml:"backup_ledger"`
	TransferFolder     string `yaml:"transfer_folder"`
}

type ServerConfig struct {
	RESTPort    int    `yaml:"rest_port"`
	MetricsPort int    `yaml:"metrics_port"`
	APISecret   string `yaml:"api_secret"` // base64, не короче 32 байт; пусто: запись через REST без токена
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"` // host:port OTLP/HTTP, по умолчанию localhost:4318
}

// CacheConfig зеркало заголовков каталога в Redis; без адреса не используется
type CacheConfig struct {
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
	File  bool   `yaml:"file"`
}

const (
	DefaultContentFolder = "content"
	DefaultDatabaseFile  = "content.mdb"
	DefaultEviction      = 100 * time.Millisecond
)

// GetFolder возвращает каталог пакетов: config -> env CONTENT_FOLDER -> "content"
func (c *ContentConfig) GetFolder() string {
	return getStringWithEnvFallback(c.Folder, "CONTENT_FOLDER", DefaultContentFolder)
}

// GetBackupFolder возвращает каталог резервных копий (по умолчанию <folder>/backup)
func (c *ContentConfig) GetBackupFolder() string {
	return getStringWithEnvFallback(c.BackupFolder, "CONTENT_BACKUP_FOLDER", filepath.Join(c.GetFolder(), "backup"))
}

// GetTransferFolder возвращает каталог файлов импорта и экспорта REST API (по умолчанию <folder>/transfer)
func (c *ContentConfig) GetTransferFolder() string {
	return getStringWithEnvFallback(c.TransferFolder, "CONTENT_TRANSFER_FOLDER", filepath.Join(c.GetFolder(), "transfer"))
}

// GetDatabaseFile возвращает имя файла индекса внутри каталога пакетов
func (c *ContentConfig) GetDatabaseFile() string {
	return getStringWithEnvFallback(c.DatabaseFile, "CONTENT_DB_FILE", DefaultDatabaseFile)
}

// GetEvictionInterval возвращает период проверки выгрузки неиспользуемых элементов
func (c *ContentConfig) GetEvictionInterval() time.Duration {
	ms := getIntWithEnvFallback(c.EvictionIntervalMs, "CONTENT_EVICTION_MS", 0)
	if ms <= 0 {
		return DefaultEviction
	}
	return time.Duration(ms) * time.Millisecond
}

// LedgerEnabled сообщает, нужно ли вести журнал резервных копий (по умолчанию да)
func (c *ContentConfig) LedgerEnabled() bool {
	if c.BackupLedger == nil {
		return true
	}
	return *c.BackupLedger
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getIntWithEnvFallback(s.RESTPort, "CONTENT_REST_PORT", 8088)
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений
func (s *ServerConfig) GetMetricsPort() int {
	return getIntWithEnvFallback(s.MetricsPort, "CONTENT_METRICS_PORT", 2112)
}

// GetAPISecret возвращает ключ подписи токенов REST: config -> env CONTENT_API_SECRET
func (s *ServerConfig) GetAPISecret() string {
	return getStringWithEnvFallback(s.APISecret, "CONTENT_API_SECRET", "")
}

// GetServiceName имя сервиса в трассировке
func (t *TelemetryConfig) GetServiceName() string {
	return getStringWithEnvFallback(t.ServiceName, "OTEL_SERVICE_NAME", "contentd")
}

// GetRedisURL адрес Redis: config -> env CONTENT_REDIS_URL
func (c *CacheConfig) GetRedisURL() string {
	return getStringWithEnvFallback(c.RedisURL, "CONTENT_REDIS_URL", "")
}

// GetPrefix префикс ключей зеркала
func (c *CacheConfig) GetPrefix() string {
	return getStringWithEnvFallback(c.Prefix, "CONTENT_REDIS_PREFIX", "content")
}

// GetRetention возвращает срок хранения событий в JetStream
func (e *EventBusConfig) GetRetention() time.Duration {
	if e.Retention <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(e.Retention) * time.Hour
}

// getIntWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getIntWithEnvFallback(configValue int, envVar string, defaultValue int) int {
	if configValue > 0 {
		return configValue
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			return v
		}
	}

	return defaultValue
}

func getStringWithEnvFallback(configValue string, envVar string, defaultValue string) string {
	if configValue != "" {
		return configValue
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return defaultValue
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV CONTENT_CONFIG; если и он пуст,
// возвращает пустую конфигурацию (работают дефолты и переменные окружения).
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONTENT_CONFIG")
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
