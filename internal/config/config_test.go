package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database defaults: %+v", cfg)
	}
	if cfg.MaxConnectionsPerUser != 5 {
		t.Fatalf("expected 5 connections per user, got %d", cfg.MaxConnectionsPerUser)
	}
	if cfg.TokenTTL != time.Hour || cfg.WriteTimeout != 10*time.Second || cfg.SendBuffer != 64 {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.SeedEnabled {
		t.Fatalf("seeding must be disabled by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TIMEWEAVER_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("TIMEWEAVER_HTTP_ALLOWED_ORIGINS", "http://localhost:5173, https://app.example.com")
	t.Setenv("TIMEWEAVER_DATABASE_DRIVER", "postgres")
	t.Setenv("TIMEWEAVER_DATABASE_DSN", "host=localhost user=tw dbname=tw")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		t.Fatalf("expected signing secret from env, got %q", cfg.SigningSecret)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://app.example.com" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
	if cfg.DatabaseDriver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.DatabaseDriver)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]map[string]any{
		"missing secret":   {},
		"unknown driver":   {"auth.signing_secret": "s", "database.driver": "mysql"},
		"postgres no dsn":  {"auth.signing_secret": "s", "database.driver": "postgres"},
		"bad log format":   {"auth.signing_secret": "s", "log.format": "xml"},
		"zero connections": {"auth.signing_secret": "s", "notifications.max_connections_per_user": 0},
	}
	for name, values := range cases {
		configViper := NewViper()
		for key, value := range values {
			configViper.Set(key, value)
		}
		if _, err := Load(configViper); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
