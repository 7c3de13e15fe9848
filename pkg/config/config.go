// Package config loads aegisd configuration: 12-factor environment
// variables first, with an optional YAML file for the structured parts
// (user profiles, custom resolvers) that do not map well onto env vars.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	StoragePath string `yaml:"storage_path"`
	AuthSecret  string `yaml:"auth_secret"`
	LogLevel    string `yaml:"log_level"`

	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`

	Redis RedisConfig `yaml:"redis"`
	S3    S3Config    `yaml:"s3"`
	GCS   GCSConfig   `yaml:"gcs"`
	Audit AuditConfig `yaml:"audit"`
	OTLP  OTLPConfig  `yaml:"otlp"`

	// Profiles maps a profile user ID to its parent user ID.
	Profiles map[int]int `yaml:"profiles"`
}

// RedisConfig configures the optional Redis notification transport.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// S3Config configures the optional S3 policy document mirror.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// GCSConfig configures the optional GCS policy document mirror.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// AuditConfig selects the audit persistence backend.
type AuditConfig struct {
	// Driver is "sqlite", "postgres", or "" for in-memory only.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// OTLPConfig configures telemetry export.
type OTLPConfig struct {
	Endpoint string `yaml:"endpoint"`
	Enabled  bool   `yaml:"enabled"`
	Insecure bool   `yaml:"insecure"`
}

// Load reads configuration from environment variables with development
// defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr:  envOr("AEGIS_LISTEN_ADDR", ":8343"),
		StoragePath: envOr("AEGIS_STORAGE_PATH", "device_policies.json"),
		AuthSecret:  os.Getenv("AEGIS_AUTH_SECRET"),
		LogLevel:    envOr("AEGIS_LOG_LEVEL", "INFO"),
		RateRPS:     envFloatOr("AEGIS_RATE_RPS", 50),
		RateBurst:   envIntOr("AEGIS_RATE_BURST", 100),
		Redis: RedisConfig{
			Addr:     os.Getenv("AEGIS_REDIS_ADDR"),
			Password: os.Getenv("AEGIS_REDIS_PASSWORD"),
			DB:       envIntOr("AEGIS_REDIS_DB", 0),
			Channel:  envOr("AEGIS_REDIS_CHANNEL", "aegis.policy.events"),
		},
		S3: S3Config{
			Bucket:   os.Getenv("AEGIS_S3_BUCKET"),
			Region:   envOr("AEGIS_S3_REGION", "us-east-1"),
			Endpoint: os.Getenv("AEGIS_S3_ENDPOINT"),
			Prefix:   os.Getenv("AEGIS_S3_PREFIX"),
		},
		GCS: GCSConfig{
			Bucket: os.Getenv("AEGIS_GCS_BUCKET"),
			Prefix: os.Getenv("AEGIS_GCS_PREFIX"),
		},
		Audit: AuditConfig{
			Driver: os.Getenv("AEGIS_AUDIT_DRIVER"),
			DSN:    envOr("AEGIS_AUDIT_DSN", "aegis_audit.db"),
		},
		OTLP: OTLPConfig{
			Endpoint: envOr("AEGIS_OTLP_ENDPOINT", "localhost:4317"),
			Enabled:  os.Getenv("AEGIS_OTLP_ENABLED") == "true",
			Insecure: os.Getenv("AEGIS_OTLP_INSECURE") == "true",
		},
	}
	return cfg
}

// LoadFile reads a YAML configuration file and overlays it on the
// environment-derived defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOr(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
