// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package config loads and validates Verilocate configuration from layered
// sources: struct defaults, an optional YAML file, and environment
// variables (highest priority).
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Verilocate server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Verifier VerifierConfig `koanf:"verifier"`
	Registry RegistryConfig `koanf:"registry"`
	Sink     SinkConfig     `koanf:"sink"`
	Locator  LocatorConfig  `koanf:"locator"`
	Session  SessionConfig  `koanf:"session"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// DefaultLatitude/DefaultLongitude seed a device record's coordinates
	// before the first location estimate arrives.
	DefaultLatitude  float64 `koanf:"default_latitude"`
	DefaultLongitude float64 `koanf:"default_longitude"`

	// CallbackBaseURL is the externally reachable base URL the verifier
	// redirects to after a QR scan, e.g. "http://203.0.113.7:8443".
	CallbackBaseURL string `koanf:"callback_base_url"`
}

// SecurityConfig holds authentication settings for the service-facing and
// dashboard-facing surfaces. Device bearer tokens are issued by the external
// verifier and are not signed with this secret.
type SecurityConfig struct {
	// JWTSecret signs dashboard and service tokens (HS256). Minimum 32
	// characters.
	JWTSecret string `koanf:"jwt_secret"`

	// SessionTimeout bounds dashboard token lifetime.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	// DashboardUsername and DashboardPasswordHash (bcrypt) guard the
	// dashboard login endpoint.
	DashboardUsername     string `koanf:"dashboard_username"`
	DashboardPasswordHash string `koanf:"dashboard_password_hash"`

	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// VerifierConfig holds settings for the external identity verifier.
type VerifierConfig struct {
	// BaseURL is the verifier's HTTPS endpoint.
	BaseURL string `koanf:"base_url"`

	// CACertPath pins the CA used to verify the verifier's certificate.
	CACertPath string `koanf:"ca_cert_path"`

	Timeout time.Duration `koanf:"timeout"`

	// RequestsPerSecond rate-limits outbound verifier calls.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// RegistryConfig holds the BadgerDB paths for the device directory and
// pending-session table.
type RegistryConfig struct {
	Path string `koanf:"path"`

	// InMemory runs Badger without disk persistence. Test use only.
	InMemory bool `koanf:"in_memory"`
}

// SinkConfig holds the DuckDB telemetry sink settings.
type SinkConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// LocatorConfig holds settings for the out-of-process location estimation.
type LocatorConfig struct {
	// Interpreter and ScriptPath form the estimation command line.
	Interpreter string `koanf:"interpreter"`
	ScriptPath  string `koanf:"script_path"`

	// HeatmapPath is the CSV calibration surface loaded when a device
	// record is first created.
	HeatmapPath string `koanf:"heatmap_path"`

	Timeout time.Duration `koanf:"timeout"`
}

// SessionConfig holds pending-session behavior.
type SessionConfig struct {
	// TTL is the pending-session lifetime. Deliberately short: the QR
	// code is meant to be scanned promptly.
	TTL time.Duration `koanf:"ttl"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}
	if c.Verifier.BaseURL == "" {
		return fmt.Errorf("verifier.base_url is required")
	}
	if c.Server.CallbackBaseURL == "" {
		return fmt.Errorf("server.callback_base_url is required")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Locator.ScriptPath == "" {
		return fmt.Errorf("locator.script_path is required")
	}
	if c.Locator.Timeout <= 0 {
		return fmt.Errorf("locator.timeout must be positive, got %s", c.Locator.Timeout)
	}
	return nil
}
