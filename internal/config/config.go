package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Supported trace exporters.
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Provider  ProviderConfig  `mapstructure:"provider"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Submit    SubmitConfig    `mapstructure:"submit"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Schema    SchemaConfig    `mapstructure:"schema"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// ProviderConfig holds the remote batch API settings.
type ProviderConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Organization     string        `mapstructure:"organization"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	Endpoint         string        `mapstructure:"endpoint"`
	CompletionWindow string        `mapstructure:"completion_window"`
	MaxRetries       int           `mapstructure:"max_retries"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// DatabaseConfig holds the record store settings.
type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"` // postgres, sqlite
	DSN            string `mapstructure:"dsn"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Name           string `mapstructure:"name"`
	Schema         string `mapstructure:"schema"`
	SSLMode        string `mapstructure:"sslmode"`
	MaxConnections int    `mapstructure:"max_connections"`
	Table          string `mapstructure:"table"`
	SQLitePath     string `mapstructure:"sqlite_path"`
}

// SubmitConfig holds batch building and submission settings.
type SubmitConfig struct {
	PageSize            int `mapstructure:"page_size"`
	MaxRecordsPerBatch  int `mapstructure:"max_records_per_batch"`
	MaxBytesPerBatch    int `mapstructure:"max_bytes_per_batch"`
	MaxCompletionTokens int `mapstructure:"max_completion_tokens"`
}

// MonitorConfig holds monitor loop settings.
type MonitorConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxConcurrentGroups int           `mapstructure:"max_concurrent_groups"`
	HandleTimeout       time.Duration `mapstructure:"handle_timeout"`
}

// TrackerConfig holds the job tracker file location.
type TrackerConfig struct {
	Path string `mapstructure:"path"`
}

// ArtifactsConfig holds where backups and error logs are written.
type ArtifactsConfig struct {
	Dir     string        `mapstructure:"dir"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig holds the optional S3-compatible mirror.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// SchemaConfig points at the classification schema. Empty uses the built-in one.
type SchemaConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	Stream        string        `mapstructure:"stream"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds the monitor lease settings.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LeaseKey string        `mapstructure:"lease_key"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	TraceExporter string `mapstructure:"trace_exporter"` // none, stdout
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("provider.base_url", "https://api.openai.com")
	v.SetDefault("provider.timeout", "5m")
	v.SetDefault("provider.request_timeout", "2m")
	v.SetDefault("provider.endpoint", "/v1/chat/completions")
	v.SetDefault("provider.completion_window", "24h")
	v.SetDefault("provider.max_retries", 5)
	v.SetDefault("provider.initial_backoff", "7s")
	v.SetDefault("provider.max_backoff", "5m")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.table", "classifications")
	v.SetDefault("database.sqlite_path", "batchclassify.db")

	v.SetDefault("submit.page_size", 5000)
	v.SetDefault("submit.max_records_per_batch", 50000)
	v.SetDefault("submit.max_bytes_per_batch", 200*1024*1024)
	v.SetDefault("submit.max_completion_tokens", 5000)

	v.SetDefault("monitor.poll_interval", "5m")
	v.SetDefault("monitor.max_concurrent_groups", 4)
	v.SetDefault("monitor.handle_timeout", "10m")

	v.SetDefault("tracker.path", "batch_jobs.json")
	v.SetDefault("artifacts.dir", "logs")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "batchclassify.jobs.resolved")
	v.SetDefault("nats.stream", "BATCHCLASSIFY")
	v.SetDefault("nats.max_reconnects", 5)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.lease_key", "batchclassify:monitor:lease")
	v.SetDefault("redis.lease_ttl", "15m")

	v.SetDefault("telemetry.service_name", "batchclassify")
	v.SetDefault("telemetry.trace_exporter", TraceExporterNone)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// New creates a new Config instance from Viper.
func New(v *viper.Viper) (*Config, error) {
	var config Config

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid. Provider credentials are
// checked separately by RequireProvider because not every command talks to
// the provider.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case DriverPostgres:
		if c.Database.DSN == "" {
			if c.Database.Name == "" {
				return errors.New("database.name is required")
			}
			if c.Database.User == "" {
				return errors.New("database.user is required")
			}
			if c.Database.Port < 1 || c.Database.Port > 65535 {
				return errors.New("database.port must be between 1 and 65535")
			}
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}

	if c.Submit.PageSize < 1 {
		return errors.New("submit.page_size must be at least 1")
	}
	if c.Submit.MaxRecordsPerBatch < 1 {
		return errors.New("submit.max_records_per_batch must be at least 1")
	}
	if c.Submit.MaxBytesPerBatch < 1 {
		return errors.New("submit.max_bytes_per_batch must be at least 1")
	}
	if c.Provider.MaxRetries < 1 {
		return errors.New("provider.max_retries must be at least 1")
	}

	if c.Monitor.PollInterval <= 0 {
		return errors.New("monitor.poll_interval must be positive")
	}
	if c.Monitor.MaxConcurrentGroups < 1 {
		return errors.New("monitor.max_concurrent_groups must be at least 1")
	}

	if c.Tracker.Path == "" {
		return errors.New("tracker.path is required")
	}

	if c.Artifacts.Archive.Enabled {
		if c.Artifacts.Archive.Endpoint == "" || c.Artifacts.Archive.Bucket == "" {
			return errors.New("artifacts.archive.endpoint and artifacts.archive.bucket are required when the archive is enabled")
		}
	}

	if c.NATS.Enabled {
		if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
			return errors.New("nats.url must use the nats:// or tls:// scheme")
		}
		if c.NATS.Subject == "" || c.NATS.Stream == "" {
			return errors.New("nats.subject and nats.stream are required when NATS is enabled")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when the lease is enabled")
		}
		if c.Redis.LeaseTTL <= c.Monitor.PollInterval {
			return errors.New("redis.lease_ttl must be longer than monitor.poll_interval")
		}
	}

	switch c.Telemetry.TraceExporter {
	case "", TraceExporterNone, TraceExporterStdout:
	default:
		return fmt.Errorf("telemetry.trace_exporter must be %q or %q", TraceExporterNone, TraceExporterStdout)
	}

	return nil
}

// RequireProvider reports a missing API key.
func (c *Config) RequireProvider() error {
	if strings.TrimSpace(c.Provider.APIKey) == "" {
		return errors.New("provider.api_key is required (set OPENAI_API_KEY)")
	}
	return nil
}

// EnvPrefix prefixes every environment override, e.g. BATCHCLASSIFY_MONITOR_POLL_INTERVAL.
const EnvPrefix = "BATCHCLASSIFY"

// BindEnvironment enables environment overrides on v. OPENAI_API_KEY is
// accepted for provider.api_key alongside the prefixed name.
func BindEnvironment(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("provider.api_key", EnvPrefix+"_PROVIDER_API_KEY", "OPENAI_API_KEY")
}
