// Package config handles application configuration: defaults, an
// optional YAML file, environment overrides, and struct-tag validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file consulted when none is given.
const DefaultPath = "config.yml"

// ServerConfig contains the HTTP server configuration.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`
}

// UpstreamConfig locates the smart-bus upstream and its two endpoints.
type UpstreamConfig struct {
	BaseURL           string `yaml:"baseURL" validate:"required,url"`
	SnapshotPath      string `yaml:"snapshotPath"`
	StreamPath        string `yaml:"streamPath"`
	HeartbeatTimeoutS int    `yaml:"heartbeatTimeoutS" validate:"gte=0"`
	SnapshotTimeoutS  int    `yaml:"snapshotTimeoutS" validate:"gte=0"`
}

// FeedConfig bounds the reconciled state slices.
type FeedConfig struct {
	RidershipWindow int `yaml:"ridershipWindow" validate:"gte=0"`
	AlertCap        int `yaml:"alertCap" validate:"gte=0"`
}

// TelemetryConfig controls the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	Environment  string `yaml:"environment"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Feed      FeedConfig      `yaml:"feed"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Upstream: UpstreamConfig{
			BaseURL:           "http://localhost:8000",
			SnapshotPath:      "/static",
			StreamPath:        "/sse",
			HeartbeatTimeoutS: 30,
			SnapshotTimeoutS:  10,
		},
		Feed: FeedConfig{
			RidershipWindow: 120,
			AlertCap:        5,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Environment:  "development",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (optional; a missing default file is not an error), and environment
// overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case explicit:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnv layers environment variables over the file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("APP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if os.Getenv("OTEL_ENABLED") == "true" {
		cfg.Telemetry.Enabled = true
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Telemetry.Environment = v
	}
}

// HeartbeatTimeout returns the live connection liveness window.
func (u UpstreamConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(u.HeartbeatTimeoutS) * time.Second
}

// SnapshotTimeout returns the snapshot fetch timeout.
func (u UpstreamConfig) SnapshotTimeout() time.Duration {
	return time.Duration(u.SnapshotTimeoutS) * time.Second
}

// SnapshotURL returns the full snapshot endpoint.
func (u UpstreamConfig) SnapshotURL() string {
	return u.BaseURL + u.SnapshotPath
}

// StreamURL returns the full SSE endpoint.
func (u UpstreamConfig) StreamURL() string {
	return u.BaseURL + u.StreamPath
}
