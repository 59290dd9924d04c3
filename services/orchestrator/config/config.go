// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the orchestrator configuration from YAML with
// OPENCHATD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openchatd/openchatd/services/orchestrator/ratelimit"
)

// =============================================================================
// Types
// =============================================================================

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	GlobalRPS      float64  `yaml:"global_rps"`
	GlobalBurst    int      `yaml:"global_burst"`
}

type OpenAIConfig struct {
	Model string `yaml:"model"`
}

type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type ModelConfig struct {
	// Backend is "openai" or "ollama".
	Backend string       `yaml:"backend"`
	OpenAI  OpenAIConfig `yaml:"openai"`
	Ollama  OllamaConfig `yaml:"ollama"`
}

type ContextConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	CharBudget   int    `yaml:"char_budget"`
	HistoryLimit int    `yaml:"history_limit"`
	MaxFileBytes int    `yaml:"max_file_bytes"`
}

type StreamConfig struct {
	OverallTimeout   time.Duration `yaml:"overall_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	CancelGrace      time.Duration `yaml:"cancel_grace"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

type StoreConfig struct {
	// Backend is "badger" or "memory".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Server  ServerConfig     `yaml:"server"`
	Model   ModelConfig      `yaml:"model"`
	Limits  ratelimit.Limits `yaml:"limits"`
	Context ContextConfig    `yaml:"context"`
	Stream  StreamConfig     `yaml:"stream"`
	Store   StoreConfig      `yaml:"store"`
	Session SessionConfig    `yaml:"session"`
}

// Default returns the out-of-the-box configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000"},
			GlobalRPS:      50,
			GlobalBurst:    100,
		},
		Model: ModelConfig{
			Backend: "openai",
			OpenAI:  OpenAIConfig{Model: "gpt-4o-mini"},
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Model:   "gpt-oss",
			},
		},
		Limits: ratelimit.DefaultLimits(),
		Context: ContextConfig{
			CharBudget:   48 * 1024,
			HistoryLimit: 200,
			MaxFileBytes: 10 * 1024 * 1024,
		},
		Stream: StreamConfig{
			OverallTimeout:   5 * time.Minute,
			IdleTimeout:      60 * time.Second,
			CancelGrace:      5 * time.Second,
			SubscriberBuffer: 256,
		},
		Store: StoreConfig{
			Backend: "badger",
			Path:    "/var/lib/openchatd/conversations",
		},
		Session: SessionConfig{
			TTL:           24 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads the config file at path, layering it over the defaults and
// applying environment overrides last. A missing file is not an error; the
// defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Model.Backend {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown model backend %q", c.Model.Backend)
	}
	switch c.Store.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// applyEnvOverrides layers OPENCHATD_* variables over the file values.
// Only the knobs an operator realistically flips at deploy time are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENCHATD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OPENCHATD_MODEL_BACKEND"); v != "" {
		cfg.Model.Backend = v
	}
	if v := os.Getenv("OPENCHATD_OPENAI_MODEL"); v != "" {
		cfg.Model.OpenAI.Model = v
	}
	if v := os.Getenv("OPENCHATD_OLLAMA_BASE_URL"); v != "" {
		cfg.Model.Ollama.BaseURL = v
	}
	if v := os.Getenv("OPENCHATD_OLLAMA_MODEL"); v != "" {
		cfg.Model.Ollama.Model = v
	}
	if v := os.Getenv("OPENCHATD_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("OPENCHATD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("OPENCHATD_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("OPENCHATD_REQUESTS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.RequestsPerHour = n
		}
	}
	if v := os.Getenv("OPENCHATD_MAX_CONCURRENT_STREAMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConcurrentStreams = n
		}
	}
}
