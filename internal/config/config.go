// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Package config loads and validates the Fleetglass server configuration.
//
// Configuration is loaded via Koanf v2 with layered sources, highest
// priority last:
//
//  1. Built-in defaults
//  2. Optional YAML config file (config.yaml, or CONFIG_PATH)
//  3. Environment variables
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Fleetglass server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Security SecurityConfig `koanf:"security"`
	Relay    RelayConfig    `koanf:"relay"`
	History  HistoryConfig  `koanf:"history"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// StoreConfig holds document store settings.
type StoreConfig struct {
	// Path is the BadgerDB directory. Empty selects an in-memory store,
	// which is only suitable for tests.
	Path string `koanf:"path"`

	// OpTimeout bounds every store call so a slow disk or compaction stall
	// surfaces as a store failure instead of pinning a connection goroutine.
	OpTimeout time.Duration `koanf:"op_timeout"`

	// BreakerDisabled turns off the circuit breaker around store access.
	BreakerDisabled bool `koanf:"breaker_disabled"`
}

// SecurityConfig holds authentication and HTTP protection settings.
type SecurityConfig struct {
	// JWTSecret signs and verifies handshake credentials (HS256).
	// Required unless AllowUnsigned is set.
	JWTSecret string `koanf:"jwt_secret"`

	// AllowUnsigned enables the reduced-trust handshake path: credentials
	// that fail signature verification are decoded as unsigned base64 JSON
	// claims. Exists for demo and bootstrap clients that cannot hold a
	// signing secret. Never enable in production.
	AllowUnsigned bool `koanf:"allow_unsigned"`

	// TokenTTL is the validity window for tokens minted by this server.
	TokenTTL time.Duration `koanf:"token_ttl"`

	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// RelayConfig holds realtime relay settings.
type RelayConfig struct {
	// SendBuffer is the per-connection outbound event buffer. A connection
	// that falls this far behind is detached rather than blocking fan-out.
	SendBuffer int `koanf:"send_buffer"`

	// MaxMessageBytes caps inbound websocket frames.
	MaxMessageBytes int64 `koanf:"max_message_bytes"`

	// ReportRate and ReportBurst bound position reports per vehicle
	// (reports per second, burst size). Zero rate disables limiting.
	ReportRate  float64 `koanf:"report_rate"`
	ReportBurst int     `koanf:"report_burst"`
}

// HistoryConfig holds history query settings.
type HistoryConfig struct {
	// MaxResults caps a history query to the most recent N records.
	MaxResults int `koanf:"max_results"`

	// PageSize is the listing page size used while draining key cursors.
	PageSize int `koanf:"page_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8380,
			Timeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:            "/data/fleetglass",
			OpTimeout:       5 * time.Second,
			BreakerDisabled: false,
		},
		Security: SecurityConfig{
			JWTSecret:         "",
			AllowUnsigned:     false,
			TokenTTL:          24 * time.Hour,
			RateLimitReqs:     100,
			RateLimitWindow:   time.Minute,
			RateLimitDisabled: false,
			CORSOrigins:       []string{},
		},
		Relay: RelayConfig{
			SendBuffer:      256,
			MaxMessageBytes: 64 * 1024,
			ReportRate:      10,
			ReportBurst:     20,
		},
		History: HistoryConfig{
			MaxResults: 2000,
			PageSize:   500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for values that would make the server
// unsafe or unable to start. It fails fast rather than limping along.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if c.Security.JWTSecret == "" && !c.Security.AllowUnsigned {
		return fmt.Errorf("security.jwt_secret is required unless security.allow_unsigned is set")
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}

	if c.Store.OpTimeout <= 0 {
		return fmt.Errorf("store.op_timeout must be positive")
	}

	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive")
	}
	if c.Relay.ReportRate < 0 {
		return fmt.Errorf("relay.report_rate must not be negative")
	}

	if c.History.MaxResults <= 0 {
		return fmt.Errorf("history.max_results must be positive")
	}
	if c.History.PageSize <= 0 {
		return fmt.Errorf("history.page_size must be positive")
	}

	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
