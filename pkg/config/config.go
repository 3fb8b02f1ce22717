// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the Counsel server configuration.
//
// Values are layered, later layers winning:
//
//  1. Built-in defaults (Default)
//  2. A YAML file, when a path is given
//  3. A .env file in the working directory, if present
//  4. Environment variables prefixed with COUNSEL_
//
// Environment names follow the section and field, for example
// COUNSEL_SERVER_PORT, COUNSEL_RELAY_IDLE_TIMEOUT or COUNSEL_SESSION_SECRET.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "counsel"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Relay     RelayConfig     `yaml:"relay"`
	Presence  PresenceConfig  `yaml:"presence"`
	Session   SessionConfig   `yaml:"session"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit" split_words:"true"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	GinMode         string        `yaml:"gin_mode" split_words:"true" validate:"omitempty,oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true" validate:"min=0"`
	// AllowedOrigins lists the Origin values accepted on the presence
	// WebSocket. Empty means same-host only.
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
	// MaxUploadBytes caps the decoded size of an uploaded knowledge file.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" split_words:"true" validate:"min=1"`
	// AvatarDir receives uploaded assistant avatars and is served at /avatars.
	AvatarDir string `yaml:"avatar_dir" split_words:"true" validate:"required"`
}

// StorageConfig controls the embedded store.
type StorageConfig struct {
	Path       string        `yaml:"path" validate:"required_without=InMemory"`
	InMemory   bool          `yaml:"in_memory" split_words:"true"`
	GCInterval time.Duration `yaml:"gc_interval" split_words:"true"`
}

// LLMConfig selects and configures the completion backend.
type LLMConfig struct {
	Backend     string  `yaml:"backend" validate:"oneof=openai ollama"`
	Model       string  `yaml:"model" validate:"required"`
	BaseURL     string  `yaml:"base_url" split_words:"true" validate:"omitempty,url"`
	APIKey      string  `yaml:"api_key" split_words:"true"`
	Temperature float32 `yaml:"temperature" validate:"min=0,max=2"`
	MaxTokens   int     `yaml:"max_tokens" split_words:"true" validate:"min=0"`
}

// RelayConfig tunes the completion relay.
type RelayConfig struct {
	// IdleTimeout cancels an upstream that produced no fragment for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout" split_words:"true" validate:"min=0"`
	// HeartbeatInterval is the period of SSE keepalive comments. 0 disables them.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" split_words:"true" validate:"min=0"`
	// PacingDelay spaces out word-sized pieces of each fragment. 0 disables pacing.
	PacingDelay     time.Duration `yaml:"pacing_delay" split_words:"true" validate:"min=0"`
	MaxHistoryTurns int           `yaml:"max_history_turns" split_words:"true" validate:"min=0"`
	// InsecureMemory keeps the turn buffer on the regular heap instead of
	// locked memory. Needed on hosts with a tiny RLIMIT_MEMLOCK.
	InsecureMemory bool `yaml:"insecure_memory" split_words:"true"`
}

// PresenceConfig tunes the presence WebSocket.
type PresenceConfig struct {
	OutboundQueueSize int           `yaml:"outbound_queue_size" split_words:"true" validate:"min=1"`
	WriteWait         time.Duration `yaml:"write_wait" split_words:"true" validate:"gt=0"`
	PongWait          time.Duration `yaml:"pong_wait" split_words:"true" validate:"gt=0"`
	PingPeriod        time.Duration `yaml:"ping_period" split_words:"true" validate:"gt=0,ltfield=PongWait"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes" split_words:"true" validate:"min=64"`
}

// SessionConfig controls the session cookie.
type SessionConfig struct {
	CookieName string `yaml:"cookie_name" split_words:"true" validate:"required"`
	// Secret signs session tokens. When empty a random secret is generated
	// at startup and sessions do not survive a restart.
	Secret string        `yaml:"secret" validate:"omitempty,min=32"`
	TTL    time.Duration `yaml:"ttl" validate:"gt=0"`
	Secure bool          `yaml:"secure"`
}

// PromptsConfig points at an optional system prompt catalog file.
type PromptsConfig struct {
	CatalogPath string `yaml:"catalog_path" split_words:"true"`
	Watch       bool   `yaml:"watch"`
}

// TelemetryConfig controls tracing and metrics.
type TelemetryConfig struct {
	// Exporter is one of "none", "stdout" or "otlp".
	Exporter       string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" envconfig:"otlp_endpoint" validate:"required_if=Exporter otlp"`
	ServiceName    string `yaml:"service_name" split_words:"true" validate:"required"`
	MetricsEnabled bool   `yaml:"metrics_enabled" split_words:"true"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto json text"`
	Dir    string `yaml:"dir"`
}

// RateLimitConfig bounds how often one user may open a chat stream.
type RateLimitConfig struct {
	// RequestsPerMinute of 0 disables rate limiting.
	RequestsPerMinute float64 `yaml:"requests_per_minute" split_words:"true" validate:"min=0"`
	Burst             int     `yaml:"burst" validate:"min=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            12210,
			GinMode:         "release",
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  10 << 20,
			AvatarDir:       "./data/avatars",
		},
		Storage: StorageConfig{
			Path:       "./data/counsel",
			GCInterval: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Backend:     "ollama",
			Model:       "llama3",
			BaseURL:     "http://localhost:11434",
			Temperature: 0.7,
			MaxTokens:   2048,
		},
		Relay: RelayConfig{
			IdleTimeout:       60 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			MaxHistoryTurns:   50,
		},
		Presence: PresenceConfig{
			OutboundQueueSize: 64,
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			PingPeriod:        54 * time.Second,
			MaxMessageBytes:   4096,
		},
		Session: SessionConfig{
			CookieName: "connect.sid",
			TTL:        24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Exporter:       "none",
			ServiceName:    "counsel",
			MetricsEnabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 30,
			Burst:             5,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, an optional .env file and COUNSEL_* environment variables, then
// validates the result.
//
// An empty path skips the file layer. A non-empty path that does not exist
// is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints across every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
