package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("sweep interval = %s, want 1h", cfg.SweepInterval)
	}
	if cfg.NotificationSink != SinkLog {
		t.Errorf("sink = %q, want log", cfg.NotificationSink)
	}
	if cfg.AuthSecret == "" {
		t.Error("development should fall back to a default secret")
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://db/rx")
	t.Setenv("AUTH_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("NOTIFICATION_SINK", "Outbox")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("SUBMIT_REJECT_UNKNOWN_BARCODES", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "9090" || cfg.DatabaseURL != "postgres://db/rx" {
		t.Errorf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.NotificationSink != SinkOutbox {
		t.Errorf("sink = %q", cfg.NotificationSink)
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Errorf("sweep interval = %s", cfg.SweepInterval)
	}
	if !cfg.SubmitRejectUnknownBarcodes {
		t.Error("expected strict barcode mode")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Env:              "production",
			DatabaseURL:      "postgres://db/rx",
			AuthSecret:       "s",
			NotificationSink: SinkLog,
			SweepEnabled:     true,
			SweepInterval:    time.Hour,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing secret in production", func(c *Config) { c.AuthSecret = "" }, true},
		{"missing database in production", func(c *Config) { c.DatabaseURL = "" }, true},
		{"unknown sink", func(c *Config) { c.NotificationSink = "smtp" }, true},
		{"outbox sink without database", func(c *Config) {
			c.Env = "development"
			c.DatabaseURL = ""
			c.NotificationSink = SinkOutbox
		}, true},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, true},
		{"zero interval with sweep disabled", func(c *Config) {
			c.SweepInterval = 0
			c.SweepEnabled = false
		}, false},
		{"bad sample rate", func(c *Config) { c.TracingSampleRate = 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
