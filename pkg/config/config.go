package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		// ConsumerResume selects whether consumers resume automatically
		// after creation ("auto") or need an explicit client message
		// ("explicit").
		ConsumerResume string `yaml:"consumer_resume"`
	} `yaml:"signal"`

	Rooms struct {
		DefaultMaxViewers int           `yaml:"default_max_viewers"`
		SessionMaxIdle    time.Duration `yaml:"session_max_idle"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
	} `yaml:"rooms"`

	Engine struct {
		Workers          int           `yaml:"workers"`
		OperationTimeout time.Duration `yaml:"operation_timeout"`
		PortRange        struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"engine"`

	Egress struct {
		BinaryPath      string        `yaml:"binary_path"`
		OutputDir       string        `yaml:"output_dir"`
		SegmentDuration time.Duration `yaml:"segment_duration"`
		PlaylistLength  int           `yaml:"playlist_length"`
		// CoalesceWindow bounds how long producer-set changes are batched
		// before a single restart with the latest snapshot.
		CoalesceWindow time.Duration `yaml:"coalesce_window"`
		StopTimeout    time.Duration `yaml:"stop_timeout"`
	} `yaml:"egress"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		OperatorKey    string        `yaml:"operator_key"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.ConsumerResume != "auto" && c.Signal.ConsumerResume != "explicit" {
		return fmt.Errorf("signal.consumer_resume must be 'auto' or 'explicit'")
	}

	if c.Rooms.DefaultMaxViewers <= 0 {
		return fmt.Errorf("rooms.default_max_viewers must be > 0")
	}
	if c.Rooms.SessionMaxIdle <= 0 {
		return fmt.Errorf("rooms.session_max_idle must be > 0")
	}
	if c.Rooms.SweepInterval <= 0 {
		return fmt.Errorf("rooms.sweep_interval must be > 0")
	}

	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be > 0")
	}
	if c.Engine.OperationTimeout <= 0 {
		return fmt.Errorf("engine.operation_timeout must be > 0")
	}
	if c.Engine.PortRange.Min > 0 || c.Engine.PortRange.Max > 0 {
		if c.Engine.PortRange.Min == 0 || c.Engine.PortRange.Max == 0 {
			return fmt.Errorf("engine.port_range.min and max must both be set when one is set")
		}
		if c.Engine.PortRange.Min >= c.Engine.PortRange.Max {
			return fmt.Errorf("engine.port_range.min must be < max")
		}
	}

	if c.Egress.BinaryPath == "" {
		return fmt.Errorf("egress.binary_path must not be empty")
	}
	if c.Egress.OutputDir == "" {
		return fmt.Errorf("egress.output_dir must not be empty")
	}
	if c.Egress.SegmentDuration <= 0 {
		return fmt.Errorf("egress.segment_duration must be > 0")
	}
	if c.Egress.CoalesceWindow <= 0 {
		return fmt.Errorf("egress.coalesce_window must be > 0")
	}
	if c.Egress.StopTimeout <= 0 {
		return fmt.Errorf("egress.stop_timeout must be > 0")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with workable defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ConsumerResume = "explicit"

	cfg.Rooms.DefaultMaxViewers = 100
	cfg.Rooms.SessionMaxIdle = 5 * time.Minute
	cfg.Rooms.SweepInterval = 30 * time.Second

	cfg.Engine.Workers = 4
	cfg.Engine.OperationTimeout = 5 * time.Second

	cfg.Egress.BinaryPath = "ffmpeg"
	cfg.Egress.OutputDir = "/var/lib/stagelink/hls"
	cfg.Egress.SegmentDuration = 2 * time.Second
	cfg.Egress.PlaylistLength = 6
	cfg.Egress.CoalesceWindow = 500 * time.Millisecond
	cfg.Egress.StopTimeout = 5 * time.Second

	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "dev-secret-change-me"
	cfg.Auth.AccessTokenTTL = time.Hour

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100
	cfg.RateLimiting.MaxConcurrent = 512

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"

	return cfg
}
