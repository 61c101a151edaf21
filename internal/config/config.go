package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	API          APIConfig          `mapstructure:"api"`
	Session      SessionConfig      `mapstructure:"session"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Reconciler   ReconcilerConfig   `mapstructure:"reconciler"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Vault        VaultConfig        `mapstructure:"vault"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	State        StateConfig        `mapstructure:"state"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// APIConfig contains HTTP control-surface settings.
type APIConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	FrontendURL string `mapstructure:"frontend_url"` // CORS origin for the UI layer
}

// SessionConfig contains broker RPC session settings.
type SessionConfig struct {
	Endpoint            string        `mapstructure:"endpoint"`
	TestnetEndpoint     string        `mapstructure:"testnet_endpoint"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	ReconnectMaxAttempt int           `mapstructure:"reconnect_max_attempts"`
	ReconnectMaxBackoff time.Duration `mapstructure:"reconnect_max_backoff"`
	TokenRefreshMargin  time.Duration `mapstructure:"token_refresh_margin"`
	MaxRPCRetries       int           `mapstructure:"max_rpc_retries"`
}

// RateLimitConfig contains token-bucket settings per method class.
type RateLimitConfig struct {
	PublicRate   float64 `mapstructure:"public_rate"`
	PublicBurst  int     `mapstructure:"public_burst"`
	PrivateRate  float64 `mapstructure:"private_rate"`
	PrivateBurst int     `mapstructure:"private_burst"`
}

// RiskConfig contains position-sizing and validation limits.
type RiskConfig struct {
	DefaultRiskPercent float64 `mapstructure:"default_risk_percent"`
	MaxLeverage        float64 `mapstructure:"max_leverage"`  // hard cap, rejects above
	WarnLeverage       float64 `mapstructure:"warn_leverage"` // warning threshold
	SignalThreshold    float64 `mapstructure:"signal_threshold"`
}

// ReconcilerConfig contains reconciliation and sweep settings.
type ReconcilerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	AutoCloseUnknown bool          `mapstructure:"auto_close_unknown"`
}

// OrchestratorConfig contains job-queue and entitlement settings.
type OrchestratorConfig struct {
	QueuePollInterval time.Duration `mapstructure:"queue_poll_interval"`
	DowngradeInterval time.Duration `mapstructure:"downgrade_interval"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
}

// JournalConfig contains trade-journal storage settings.
type JournalConfig struct {
	Driver   string `mapstructure:"driver"` // "postgres" or "memory"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains key-value store settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains event bus settings.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Embedded bool   `mapstructure:"embedded"` // run an in-process server (dev/test)
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// StateConfig contains durable-state settings.
type StateConfig struct {
	Dir string `mapstructure:"dir"` // directory for strategy-state.json
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DERIVD")

	setDefaults(v)
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.RateLimit.applyLegacyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindLegacyEnv maps the flat deployment environment variables onto the tree.
// RATE_LIMIT_MAX and RATE_LIMIT_WINDOW are handled after unmarshal, see
// applyLegacyEnv.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("api.port", "PORT")
	_ = v.BindEnv("api.host", "HOST")
	_ = v.BindEnv("api.frontend_url", "FRONTEND_URL")
	_ = v.BindEnv("app.log_level", "LOG_LEVEL")
	_ = v.BindEnv("monitoring.prometheus_port", "WS_PORT")
}

// applyLegacyEnv collapses RATE_LIMIT_MAX requests per RATE_LIMIT_WINDOW
// seconds onto both bucket classes: rate = max/window, burst = max. A missing
// window defaults to one second.
func (c *RateLimitConfig) applyLegacyEnv() {
	raw, ok := os.LookupEnv("RATE_LIMIT_MAX")
	if !ok {
		return
	}
	max, err := strconv.Atoi(raw)
	if err != nil || max <= 0 {
		return
	}

	window := 1.0
	if raw, ok := os.LookupEnv("RATE_LIMIT_WINDOW"); ok {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			window = secs
		}
	}

	rate := float64(max) / window
	c.PublicRate, c.PublicBurst = rate, max
	c.PrivateRate, c.PrivateBurst = rate, max
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "derivd")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.frontend_url", "*")

	// Session defaults
	v.SetDefault("session.endpoint", "wss://www.deribit.com/ws/api/v2")
	v.SetDefault("session.testnet_endpoint", "wss://test.deribit.com/ws/api/v2")
	v.SetDefault("session.request_timeout", 30*time.Second)
	v.SetDefault("session.heartbeat_interval", 15*time.Second)
	v.SetDefault("session.stale_after", 60*time.Second)
	v.SetDefault("session.reconnect_max_attempts", 10)
	v.SetDefault("session.reconnect_max_backoff", 30*time.Second)
	v.SetDefault("session.token_refresh_margin", 60*time.Second)
	v.SetDefault("session.max_rpc_retries", 5)

	// Rate limit defaults: 20 tokens/s, burst 20, both classes
	v.SetDefault("ratelimit.public_rate", 20.0)
	v.SetDefault("ratelimit.public_burst", 20)
	v.SetDefault("ratelimit.private_rate", 20.0)
	v.SetDefault("ratelimit.private_burst", 20)

	// Risk defaults
	v.SetDefault("risk.default_risk_percent", 2.0)
	v.SetDefault("risk.max_leverage", 50.0)
	v.SetDefault("risk.warn_leverage", 10.0)
	v.SetDefault("risk.signal_threshold", 50.0)

	// Reconciler defaults
	v.SetDefault("reconciler.interval", 60*time.Second)
	v.SetDefault("reconciler.sweep_interval", 60*time.Second)
	v.SetDefault("reconciler.auto_close_unknown", false)

	// Orchestrator defaults
	v.SetDefault("orchestrator.queue_poll_interval", time.Second)
	v.SetDefault("orchestrator.downgrade_interval", time.Hour)
	v.SetDefault("orchestrator.stop_timeout", 10*time.Second)

	// Journal defaults
	v.SetDefault("journal.driver", "postgres")
	v.SetDefault("journal.host", "localhost")
	v.SetDefault("journal.port", 5432)
	v.SetDefault("journal.user", "postgres")
	v.SetDefault("journal.database", "derivd")
	v.SetDefault("journal.ssl_mode", "disable")
	v.SetDefault("journal.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.embedded", false)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// State defaults
	v.SetDefault("state.dir", "./data")
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api.port: %d", c.API.Port)
	}
	if c.Session.Endpoint == "" {
		return fmt.Errorf("session.endpoint must be set")
	}
	if c.Session.RequestTimeout <= 0 {
		return fmt.Errorf("session.request_timeout must be positive")
	}
	if c.Session.HeartbeatInterval <= 0 || c.Session.StaleAfter <= c.Session.HeartbeatInterval {
		return fmt.Errorf("session.stale_after (%s) must exceed heartbeat_interval (%s)",
			c.Session.StaleAfter, c.Session.HeartbeatInterval)
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be positive")
	}
	if c.Risk.WarnLeverage > c.Risk.MaxLeverage {
		return fmt.Errorf("risk.warn_leverage (%.1f) exceeds max_leverage (%.1f)",
			c.Risk.WarnLeverage, c.Risk.MaxLeverage)
	}
	if c.Risk.DefaultRiskPercent <= 0 || c.Risk.DefaultRiskPercent > 100 {
		return fmt.Errorf("risk.default_risk_percent must be in (0, 100]")
	}
	switch c.Journal.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("journal.driver must be postgres or memory, got %q", c.Journal.Driver)
	}
	return nil
}

// EndpointFor returns the websocket endpoint for an environment tag.
func (c *SessionConfig) EndpointFor(environment string) string {
	if environment == "testnet" {
		return c.TestnetEndpoint
	}
	return c.Endpoint
}

// GetDSN returns the PostgreSQL connection string for the journal store.
func (c *JournalConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address.
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address.
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
