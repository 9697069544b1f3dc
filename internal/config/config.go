// Package config loads selfie-check settings from an optional TOML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Auth       AuthConfig       `toml:"auth"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Classifier ClassifierConfig `toml:"classifier"`
	Fetch      FetchConfig      `toml:"fetch"`
	Annotate   AnnotateConfig   `toml:"annotate"`
}

// ServerConfig configures the HTTP orchestrator.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	MaxUploadBytes  int64    `toml:"max_upload_bytes"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	JobTimeout      Duration `toml:"job_timeout"`
}

// AuthConfig configures bearer token validation. JWTSecret has no default and
// must come from the config file or JWT_SECRET.
type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	JWTAudience string `toml:"jwt_audience"`
}

// DatabaseConfig selects the job log store. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// RedisConfig configures the job status cache.
type RedisConfig struct {
	Addr string   `toml:"addr"`
	TTL  Duration `toml:"ttl"`
}

// ClassifierConfig selects the scoring backend. Backend is "linear" (local
// model file) or "grpc" (remote model server).
type ClassifierConfig struct {
	Backend      string `toml:"backend"`
	ModelPath    string `toml:"model_path"`
	Addr         string `toml:"addr"`
	ChannelOrder string `toml:"channel_order"`
	ListenAddr   string `toml:"listen_addr"`
}

// FetchConfig bounds image downloads.
type FetchConfig struct {
	Timeout   Duration `toml:"timeout"`
	MaxBytes  int64    `toml:"max_bytes"`
	Attempts  int      `toml:"attempts"`
	UserAgent string   `toml:"user_agent"`
}

// AnnotateConfig tunes the row sweep and output placement.
type AnnotateConfig struct {
	Workers      int    `toml:"workers"`
	OutputDir    string `toml:"output_dir"`
	OutputSuffix string `toml:"output_suffix"`
}

// Duration is a time.Duration written as "15s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxUploadBytes:  10 << 20,
			ShutdownTimeout: Duration{15 * time.Second},
			JobTimeout:      Duration{10 * time.Minute},
		},
		Database: DatabaseConfig{
			Driver: "postgres",
			DSN:    "host=postgres user=postgres password=postgres dbname=selfiecheck port=5432 sslmode=disable",
		},
		Redis: RedisConfig{
			Addr: "redis:6379",
			TTL:  Duration{24 * time.Hour},
		},
		Classifier: ClassifierConfig{
			Backend:    "linear",
			ModelPath:  "selfie_model.json",
			Addr:       "model-server:50051",
			ListenAddr: ":50051",
		},
		Fetch: FetchConfig{
			Timeout:   Duration{15 * time.Second},
			MaxBytes:  10 << 20,
			Attempts:  2,
			UserAgent: "selfie-check/1.0",
		},
		Annotate: AnnotateConfig{
			Workers:      4,
			OutputDir:    "output",
			OutputSuffix: "_checked",
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path (a
// missing file is not an error) and environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the application cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Classifier.Backend {
	case "linear", "grpc":
	default:
		return fmt.Errorf("unsupported classifier backend %q", c.Classifier.Backend)
	}
	if c.Annotate.Workers < 1 {
		return fmt.Errorf("annotate.workers must be positive, got %d", c.Annotate.Workers)
	}
	if c.Server.MaxUploadBytes < 1 {
		return fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	return nil
}

// ErrMissingJWTSecret is returned by RequireAuth when no signing secret is set.
var ErrMissingJWTSecret = errors.New("auth.jwt_secret is not set (use the config file or JWT_SECRET)")

// RequireAuth rejects configurations that cannot authenticate API callers.
// Only the HTTP server needs it; one-shot CLI runs do not.
func (c *Config) RequireAuth() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Addr = getEnv("HTTP_ADDR", cfg.Server.Addr)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.JWTAudience = getEnv("JWT_AUDIENCE", cfg.Auth.JWTAudience)
	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("DATABASE_DSN", cfg.Database.DSN)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Classifier.Backend = getEnv("CLASSIFIER_BACKEND", cfg.Classifier.Backend)
	cfg.Classifier.Addr = getEnv("CLASSIFIER_ADDR", cfg.Classifier.Addr)
	cfg.Classifier.ModelPath = getEnv("MODEL_PATH", cfg.Classifier.ModelPath)
	cfg.Annotate.OutputDir = getEnv("OUTPUT_DIR", cfg.Annotate.OutputDir)

	if v := os.Getenv("ANNOTATE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ANNOTATE_WORKERS: %w", err)
		}
		cfg.Annotate.Workers = n
	}
	if v := os.Getenv("FETCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FETCH_TIMEOUT: %w", err)
		}
		cfg.Fetch.Timeout = Duration{d}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
