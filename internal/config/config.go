// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Notification sinks
const (
	SinkLog    = "log"
	SinkOutbox = "outbox"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "json" or "console"
	LogFormat string `mapstructure:"LOG_FORMAT"`

	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBConnectTimeout time.Duration `mapstructure:"DB_CONNECT_TIMEOUT"`
	DBAutoMigrate    bool          `mapstructure:"DB_AUTO_MIGRATE"`

	AuthSecret string `mapstructure:"AUTH_SECRET"`
	AuthIssuer string `mapstructure:"AUTH_ISSUER"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID string   `mapstructure:"KAFKA_GROUP_ID"`

	NotificationSink string        `mapstructure:"NOTIFICATION_SINK"`
	SweepEnabled     bool          `mapstructure:"SWEEP_ENABLED"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepTimeout     time.Duration `mapstructure:"SWEEP_TIMEOUT"`

	SubmitRejectUnknownBarcodes bool `mapstructure:"SUBMIT_REJECT_UNKNOWN_BARCODES"`

	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	DispatchWorkers    int           `mapstructure:"DISPATCH_WORKERS"`

	TracingEnabled    bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint      string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRate float64 `mapstructure:"TRACING_SAMPLE_RATE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_CONNECT_TIMEOUT", "DB_AUTO_MIGRATE",
	"AUTH_SECRET", "AUTH_ISSUER",
	"KAFKA_BROKERS", "KAFKA_GROUP_ID",
	"NOTIFICATION_SINK", "SWEEP_ENABLED", "SWEEP_INTERVAL", "SWEEP_TIMEOUT",
	"SUBMIT_REJECT_UNKNOWN_BARCODES",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "DISPATCH_WORKERS",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACING_SAMPLE_RATE",
	"CORS_ORIGINS",
}

// Load reads configuration from the environment, falling back to .env and
// then to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_CONNECT_TIMEOUT", "30s")
	v.SetDefault("DB_AUTO_MIGRATE", true)
	v.SetDefault("AUTH_ISSUER", "")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP_ID", "notification-dispatcher")
	v.SetDefault("NOTIFICATION_SINK", SinkLog)
	v.SetDefault("SWEEP_ENABLED", true)
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("SWEEP_TIMEOUT", "5m")
	v.SetDefault("SUBMIT_REJECT_UNKNOWN_BARCODES", false)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("DISPATCH_WORKERS", 8)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.NotificationSink = strings.ToLower(strings.TrimSpace(cfg.NotificationSink))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList normalizes a list value that may arrive as one comma-separated
// string.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		raw, parsed = parsed[0], nil
	}
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := parsed[:0]
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		if !c.IsDev() {
			return fmt.Errorf("AUTH_SECRET is required outside development")
		}
		c.AuthSecret = "development-secret"
	}
	if c.DatabaseURL == "" && !c.IsDev() {
		return fmt.Errorf("DATABASE_URL is required outside development")
	}
	switch c.NotificationSink {
	case SinkLog:
	case SinkOutbox:
		if c.DatabaseURL == "" {
			return fmt.Errorf("NOTIFICATION_SINK=outbox requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("NOTIFICATION_SINK must be %q or %q, got %q", SinkLog, SinkOutbox, c.NotificationSink)
	}
	if c.SweepEnabled && c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be within [0,1], got %v", c.TracingSampleRate)
	}
	return nil
}
