package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
engine:
  workers: 8
  port_range:
    min: 40000
    max: 41000
egress:
  segment_duration: 4s
signal:
  consumer_resume: auto
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("Server.Address = %v, want :9090", cfg.Server.Address)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("Engine.Workers = %v, want 8", cfg.Engine.Workers)
	}
	if cfg.Engine.PortRange.Min != 40000 || cfg.Engine.PortRange.Max != 41000 {
		t.Errorf("PortRange = %v-%v, want 40000-41000", cfg.Engine.PortRange.Min, cfg.Engine.PortRange.Max)
	}
	if cfg.Egress.SegmentDuration != 4*time.Second {
		t.Errorf("SegmentDuration = %v, want 4s", cfg.Egress.SegmentDuration)
	}
	if cfg.Signal.ConsumerResume != "auto" {
		t.Errorf("ConsumerResume = %v, want auto", cfg.Signal.ConsumerResume)
	}

	// Untouched sections keep their defaults.
	if cfg.Rooms.DefaultMaxViewers != 100 {
		t.Errorf("DefaultMaxViewers = %v, want default 100", cfg.Rooms.DefaultMaxViewers)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")

	_, err := Load(path)
	if err == nil {
		t.Error("Expected parse error, got nil")
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"bad resume mode", func(c *Config) { c.Signal.ConsumerResume = "sometimes" }},
		{"zero max viewers", func(c *Config) { c.Rooms.DefaultMaxViewers = 0 }},
		{"inverted port range", func(c *Config) {
			c.Engine.PortRange.Min = 50000
			c.Engine.PortRange.Max = 40000
		}},
		{"half-set port range", func(c *Config) { c.Engine.PortRange.Min = 50000 }},
		{"empty egress binary", func(c *Config) { c.Egress.BinaryPath = "" }},
		{"zero coalesce window", func(c *Config) { c.Egress.CoalesceWindow = 0 }},
		{"redis enabled without address", func(c *Config) { c.Redis.Enabled = true }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"rate limit without rps", func(c *Config) { c.RateLimiting.RequestsPerSecond = 0 }},
		{"empty log level", func(c *Config) { c.Logging.Level = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}
