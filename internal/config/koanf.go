// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/verilocate/config.yaml",
	"/etc/verilocate/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8443,
			Timeout:          30 * time.Second,
			DefaultLatitude:  0.0,
			DefaultLongitude: 0.0,
			CallbackBaseURL:  "",
		},
		Security: SecurityConfig{
			JWTSecret:             "",
			SessionTimeout:        24 * time.Hour,
			DashboardUsername:     "",
			DashboardPasswordHash: "",
			RateLimitRequests:     100,
			RateLimitWindow:       1 * time.Minute,
			CORSOrigins:           []string{"*"},
		},
		Verifier: VerifierConfig{
			BaseURL:           "",
			CACertPath:        "",
			Timeout:           15 * time.Second,
			RequestsPerSecond: 5,
		},
		Registry: RegistryConfig{
			Path:     "/data/registry",
			InMemory: false,
		},
		Sink: SinkConfig{
			Path:      "/data/telemetry.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		Locator: LocatorConfig{
			Interpreter: "python3",
			ScriptPath:  "",
			HeatmapPath: "",
			Timeout:     30 * time.Second,
		},
		Session: SessionConfig{
			TTL: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
//
// Precedence is ENV > File > Defaults.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file, honoring CONFIG_PATH first.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when supplied via env vars.
var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings, the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file), skip.
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - VERIFIER_URL -> verifier.base_url
//   - LOCATOR_SCRIPT -> locator.script_path
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_port":         "server.port",
		"http_host":         "server.host",
		"http_timeout":      "server.timeout",
		"default_latitude":  "server.default_latitude",
		"default_longitude": "server.default_longitude",
		"callback_base_url": "server.callback_base_url",

		// Security mappings
		"jwt_secret":              "security.jwt_secret",
		"session_timeout":         "security.session_timeout",
		"dashboard_username":      "security.dashboard_username",
		"dashboard_password_hash": "security.dashboard_password_hash",
		"rate_limit_requests":     "security.rate_limit_requests",
		"rate_limit_window":       "security.rate_limit_window",
		"cors_origins":            "security.cors_origins",

		// Verifier mappings
		"verifier_url":     "verifier.base_url",
		"verifier_ca_cert": "verifier.ca_cert_path",
		"verifier_timeout": "verifier.timeout",
		"verifier_rps":     "verifier.requests_per_second",

		// Registry mappings
		"registry_path": "registry.path",

		// Sink mappings
		"duckdb_path":       "sink.path",
		"duckdb_max_memory": "sink.max_memory",
		"duckdb_threads":    "sink.threads",

		// Locator mappings
		"locator_interpreter": "locator.interpreter",
		"locator_script":      "locator.script_path",
		"locator_heatmap":     "locator.heatmap_path",
		"locator_timeout":     "locator.timeout",

		// Session mappings
		"session_ttl": "session.ttl",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unmapped keys are skipped so stray environment variables do not
	// pollute the config.
	return ""
}
