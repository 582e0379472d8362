package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServerPort == "" {
		t.Fatalf("expected default server port")
	}
	if cfg.PostgresURL == "" {
		t.Fatalf("expected default postgres url")
	}
	if cfg.LocationPushInterval != 30*time.Second {
		t.Fatalf("expected 30s push interval, got %v", cfg.LocationPushInterval)
	}
	if cfg.GeofenceRadiusM != 50 || cfg.MinDisplacementM != 10 {
		t.Fatalf("unexpected geofence defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9000")
	t.Setenv("POSTGRES_URL", "postgres://example")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SECRET", "secret-secret")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("GEOFENCE_RADIUS_M", "75")
	t.Setenv("LOCATION_PUSH_INTERVAL", "1m")
	t.Setenv("TIMEZONE", "Asia/Karachi")
	t.Setenv("STRICT_INVARIANTS", "true")

	cfg := Load()
	if cfg.ServerPort != ":9000" {
		t.Fatalf("expected override port")
	}
	if cfg.PostgresURL != "postgres://example" {
		t.Fatalf("expected override postgres")
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("expected override redis")
	}
	if cfg.JWTSecret != "secret-secret" {
		t.Fatalf("expected override secret")
	}
	if cfg.NATSURL != "nats://nats:4222" {
		t.Fatalf("expected override nats")
	}
	if cfg.GeofenceRadiusM != 75 || cfg.LocationPushInterval != time.Minute || !cfg.StrictInvariants {
		t.Fatalf("expected tracking overrides: %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Asia/Karachi" {
		t.Fatalf("location: %v %v", loc, err)
	}
}

func TestValidateRejects(t *testing.T) {
	base := Load()
	cases := map[string]func(*Config){
		"short secret":  func(c *Config) { c.JWTSecret = "x" },
		"bad level":     func(c *Config) { c.LogLevel = "loud" },
		"zero radius":   func(c *Config) { c.GeofenceRadiusM = 0 },
		"bad nats url":  func(c *Config) { c.NATSURL = "not a url" },
		"bad timezone":  func(c *Config) { c.Timezone = "Mars/Olympus" },
		"no schedule":   func(c *Config) { c.OutboxSchedule = "" },
		"zero interval": func(c *Config) { c.LocationPushInterval = 0 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
