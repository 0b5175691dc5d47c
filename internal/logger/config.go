package logger

import (
	"fmt"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// LogSource distinguishes between internal service logs and job
// execution logs.
type LogSource string

const (
	LogSourceInternal LogSource = "taskqueue_internal"
	LogSourceJob      LogSource = "taskqueue_job"
)

// Component identifies which part of the system generated the log.
type Component string

const (
	ComponentAPI       Component = "api"
	ComponentWorker    Component = "worker"
	ComponentHTTPTask  Component = "httptask"
	ComponentWebhook   Component = "webhook"
	ComponentManager   Component = "manager"
	ComponentQueue     Component = "queue"
	ComponentRedis     Component = "redis"
	ComponentLogger    Component = "logger"
)

// Config holds the complete logging configuration for all tiers.
type Config struct {
	Level  LogLevel  `json:"level" env:"LEVEL" envDefault:"info"`
	Format LogFormat `json:"format" env:"FORMAT" envDefault:"json"`

	Console       ConsoleConfig       `json:"console" envPrefix:"CONSOLE_"`
	File          FileConfig          `json:"file" envPrefix:"FILE_"`
	Elasticsearch ElasticsearchConfig `json:"elasticsearch" envPrefix:"ES_"`
}

// ConsoleConfig configures console/terminal logging (Tier 1).
type ConsoleConfig struct {
	Enabled       bool          `json:"enabled" env:"ENABLED" envDefault:"true"`
	Color         bool          `json:"color" env:"COLOR" envDefault:"true"`
	BufferSize    int           `json:"buffer_size" env:"BUFFER_SIZE" envDefault:"65536"`
	FlushInterval time.Duration `json:"flush_interval" env:"FLUSH_INTERVAL" envDefault:"100ms"`
}

// FileConfig configures file-based logging (Tier 2), backed by
// lumberjack for rotation.
type FileConfig struct {
	Enabled    bool   `json:"enabled" env:"ENABLED" envDefault:"false"`
	Path       string `json:"path" env:"PATH" envDefault:"/var/log/taskqueue/taskqueue.log"`
	MaxSizeMB  int    `json:"max_size_mb" env:"MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `json:"max_backups" env:"MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `json:"max_age_days" env:"MAX_AGE_DAYS" envDefault:"30"`
	Compress   bool   `json:"compress" env:"COMPRESS" envDefault:"true"`

	BufferSize    int           `json:"buffer_size" env:"BUFFER_SIZE" envDefault:"10000"`
	BatchSize     int           `json:"batch_size" env:"BATCH_SIZE" envDefault:"100"`
	BatchInterval time.Duration `json:"batch_interval" env:"BATCH_INTERVAL" envDefault:"100ms"`
}

// ElasticsearchConfig configures Elasticsearch logging (Tier 3).
type ElasticsearchConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED" envDefault:"false"`
	Mode    string `json:"mode" env:"MODE" envDefault:"self-managed"`

	Addresses []string `json:"addresses" env:"ADDRESSES" envDefault:"http://localhost:9200" envSeparator:","`
	Username  string   `json:"username" env:"USERNAME"`
	Password  string   `json:"password" env:"PASSWORD"`

	CloudID string `json:"cloud_id" env:"CLOUD_ID"`
	APIKey  string `json:"api_key" env:"API_KEY"`

	IndexPrefix string `json:"index_prefix" env:"INDEX_PREFIX" envDefault:"taskqueue-logs"`

	BulkSize      int           `json:"bulk_size" env:"BULK_SIZE" envDefault:"100"`
	FlushInterval time.Duration `json:"flush_interval" env:"FLUSH_INTERVAL" envDefault:"5s"`
	Workers       int           `json:"workers" env:"WORKERS" envDefault:"2"`

	MaxRetries       int           `json:"max_retries" env:"MAX_RETRIES" envDefault:"3"`
	RetryBackoff     time.Duration `json:"retry_backoff" env:"RETRY_BACKOFF" envDefault:"1s"`
	CircuitBreaker   bool          `json:"circuit_breaker" env:"CIRCUIT_BREAKER" envDefault:"true"`
	FailureThreshold int           `json:"failure_threshold" env:"FAILURE_THRESHOLD" envDefault:"5"`
	ResetTimeout     time.Duration `json:"reset_timeout" env:"RESET_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Console: ConsoleConfig{
			Enabled:       true,
			Color:         true,
			BufferSize:    65536,
			FlushInterval: 100 * time.Millisecond,
		},
		File: FileConfig{
			Enabled:       false,
			Path:          "/var/log/taskqueue/taskqueue.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
			BufferSize:    10000,
			BatchSize:     100,
			BatchInterval: 100 * time.Millisecond,
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:          false,
			Mode:             "self-managed",
			Addresses:        []string{"http://localhost:9200"},
			IndexPrefix:      "taskqueue-logs",
			BulkSize:         100,
			FlushInterval:    5 * time.Second,
			Workers:          2,
			MaxRetries:       3,
			RetryBackoff:     1 * time.Second,
			CircuitBreaker:   true,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// Validate checks whether the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}

	switch c.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}

	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file logging enabled but path is empty")
		}
		if c.File.MaxSizeMB <= 0 {
			return fmt.Errorf("file max size must be > 0")
		}
	}

	if c.Elasticsearch.Enabled {
		switch c.Elasticsearch.Mode {
		case "self-managed":
			if len(c.Elasticsearch.Addresses) == 0 {
				return fmt.Errorf("elasticsearch self-managed mode requires addresses")
			}
		case "cloud":
			if c.Elasticsearch.CloudID == "" {
				return fmt.Errorf("elasticsearch cloud mode requires cloud_id")
			}
			if c.Elasticsearch.APIKey == "" {
				return fmt.Errorf("elasticsearch cloud mode requires api_key")
			}
		default:
			return fmt.Errorf("invalid elasticsearch mode: %s (must be 'self-managed' or 'cloud')", c.Elasticsearch.Mode)
		}

		if c.Elasticsearch.IndexPrefix == "" {
			return fmt.Errorf("elasticsearch index prefix cannot be empty")
		}
	}

	return nil
}
