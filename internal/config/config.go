package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	promcfg "github.com/prometheus/common/config"
	"gopkg.in/yaml.v3"
)

// Default values for the configuration.
const (
	DefaultHTTPPort          = 8000
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultBrokerHost        = "rabbitmq"
	DefaultBrokerPort        = 5672
	DefaultBrokerUser        = "guest"
	DefaultBrokerPassword    = "guest"
	DefaultBrokerVHost       = "/"
	DefaultExchange          = "alert_exchange"
	DefaultPublishTimeout    = 10 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultRetryInitialDelay = 30 * time.Second
	DefaultRetryInterval     = 5 * time.Minute
	DefaultStorePath         = "./failed_alerts/failed_alerts.json"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "auto"
	DefaultStatusInterval    = 5 * time.Second
)

// Environment variables that override file values.
const (
	EnvBrokerHost = "RABBITMQ_HOST"
	EnvExchange   = "EXCHANGE_NAME"
	EnvStorePath  = "FAILED_ALERTS_FILE"
	EnvLogLevel   = "LOG_LEVEL"
)

// Config is the full alert-bridge configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Broker BrokerConfig `yaml:"broker"`
	Retry  RetryConfig  `yaml:"retry"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Status StatusConfig `yaml:"status"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// HTTPPort is the port the webhook, API, metrics and WebSocket endpoints listen on (default 8000).
	HTTPPort int `yaml:"http_port"`

	// ShutdownTimeout bounds how long in-flight requests may take to drain on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// EnableAdmin registers DELETE /api/v1/failed.
	EnableAdmin bool `yaml:"enable_admin"`
}

// BrokerConfig holds the RabbitMQ connection settings.
type BrokerConfig struct {
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	Username string         `yaml:"username"`
	Password promcfg.Secret `yaml:"password"`

	// PasswordEnv names an environment variable holding the password.
	// When set and non-empty in the environment it wins over Password.
	PasswordEnv string `yaml:"password_env"`

	VHost string `yaml:"vhost"`

	// Exchange is the durable topic exchange alerts are published to.
	Exchange string `yaml:"exchange"`

	// PublishTimeout bounds one publish including the broker confirm.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// ReconnectInterval is the initial delay between reconnect attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// RetryConfig controls the background retry loop.
type RetryConfig struct {
	// InitialDelay is the grace period before the first retry cycle.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// Interval is the sleep between retry cycles.
	Interval time.Duration `yaml:"interval"`

	// MaxAttempts drops a stored alert after this many failed retry cycles.
	// Zero retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// StoreConfig controls the failed-alert file.
type StoreConfig struct {
	Path string `yaml:"path"`

	// MaxRecords caps the number of stored alerts; the oldest are evicted
	// first. Zero means unbounded.
	MaxRecords int `yaml:"max_records"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// Format is one of: auto | json | text.
	Format string `yaml:"format"`
}

// StatusConfig controls the WebSocket status stream.
type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Addr returns host:port of the broker.
func (b BrokerConfig) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// EffectivePassword returns the password resolved from PasswordEnv, falling
// back to Password.
func (b BrokerConfig) EffectivePassword() string {
	if b.PasswordEnv != "" {
		if v := os.Getenv(b.PasswordEnv); v != "" {
			return v
		}
	}
	return string(b.Password)
}

// URL returns the AMQP URI for the broker, credentials included.
func (b BrokerConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(b.Username, b.EffectivePassword()),
		Host:   b.Addr(),
	}
	vhost := ""
	if b.VHost != "" && b.VHost != "/" {
		vhost = "/" + url.PathEscape(b.VHost)
	}
	return u.String() + vhost
}

// Load reads and parses the config file at path. An empty path skips the file
// and uses defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)
	cfg.Log.Level = normalizeLevel(cfg.Log.Level)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        DefaultHTTPPort,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Broker: BrokerConfig{
			Host:              DefaultBrokerHost,
			Port:              DefaultBrokerPort,
			Username:          DefaultBrokerUser,
			Password:          DefaultBrokerPassword,
			VHost:             DefaultBrokerVHost,
			Exchange:          DefaultExchange,
			PublishTimeout:    DefaultPublishTimeout,
			ReconnectInterval: DefaultReconnectInterval,
		},
		Retry: RetryConfig{
			InitialDelay: DefaultRetryInitialDelay,
			Interval:     DefaultRetryInterval,
		},
		Store: StoreConfig{
			Path: DefaultStorePath,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Status: StatusConfig{
			Interval: DefaultStatusInterval,
		},
	}
}

// applyEnv overrides file values with the environment variables the bridge
// has always honoured.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBrokerHost); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv(EnvExchange); v != "" {
		cfg.Broker.Exchange = v
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
}

// normalizeLevel lowercases lvl and folds the "warning" spelling into "warn".
func normalizeLevel(lvl string) string {
	lvl = strings.ToLower(strings.TrimSpace(lvl))
	if lvl == "warning" {
		return "warn"
	}
	return lvl
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}
	if cfg.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d is out of range [1, 65535]", cfg.Broker.Port)
	}
	if cfg.Broker.Exchange == "" {
		return fmt.Errorf("broker.exchange is required")
	}
	if cfg.Broker.PublishTimeout <= 0 {
		return fmt.Errorf("broker.publish_timeout must be positive")
	}
	if cfg.Broker.ReconnectInterval <= 0 {
		return fmt.Errorf("broker.reconnect_interval must be positive")
	}
	if cfg.Retry.InitialDelay < 0 {
		return fmt.Errorf("retry.initial_delay must not be negative")
	}
	if cfg.Retry.Interval <= 0 {
		return fmt.Errorf("retry.interval must be positive")
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if cfg.Store.MaxRecords < 0 {
		return fmt.Errorf("store.max_records must not be negative")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("log.format %q unknown: want auto|json|text", cfg.Log.Format)
	}
	if cfg.Status.Interval <= 0 {
		return fmt.Errorf("status.interval must be positive")
	}
	return nil
}
