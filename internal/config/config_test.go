// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestDefaults(t *testing.T) {
	cfg := defaultConfig()

	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"server.port", cfg.Server.Port, 8380},
		{"server.host", cfg.Server.Host, "0.0.0.0"},
		{"store.op_timeout", cfg.Store.OpTimeout, 5 * time.Second},
		{"security.allow_unsigned", cfg.Security.AllowUnsigned, false},
		{"relay.send_buffer", cfg.Relay.SendBuffer, 256},
		{"relay.report_rate", cfg.Relay.ReportRate, 10.0},
		{"relay.report_burst", cfg.Relay.ReportBurst, 20},
		{"history.max_results", cfg.History.MaxResults, 2000},
		{"history.page_size", cfg.History.PageSize, 500},
		{"logging.level", cfg.Logging.Level, "info"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Security.JWTSecret = testSecret
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, true},
		{"no secret no unsigned", func(c *Config) { c.Security.JWTSecret = "" }, true},
		{"no secret with unsigned", func(c *Config) {
			c.Security.JWTSecret = ""
			c.Security.AllowUnsigned = true
		}, false},
		{"short secret", func(c *Config) { c.Security.JWTSecret = "short" }, true},
		{"zero op timeout", func(c *Config) { c.Store.OpTimeout = 0 }, true},
		{"zero send buffer", func(c *Config) { c.Relay.SendBuffer = 0 }, true},
		{"negative report rate", func(c *Config) { c.Relay.ReportRate = -1 }, true},
		{"zero max results", func(c *Config) { c.History.MaxResults = 0 }, true},
		{"zero page size", func(c *Config) { c.History.PageSize = 0 }, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := valid()
			c.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9000
	if got := cfg.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("STORE_PATH", "/tmp/fleetglass-test")
	t.Setenv("RELAY_REPORT_BURST", "7")
	t.Setenv("HISTORY_MAX_RESULTS", "100")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Store.Path != "/tmp/fleetglass-test" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.Relay.ReportBurst != 7 {
		t.Errorf("report burst = %d", cfg.Relay.ReportBurst)
	}
	if cfg.History.MaxResults != 100 {
		t.Errorf("max results = %d", cfg.History.MaxResults)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if len(cfg.Security.CORSOrigins) != 2 || cfg.Security.CORSOrigins[0] != "https://a.example" {
		t.Errorf("cors origins = %v", cfg.Security.CORSOrigins)
	}
}

func TestLoadUnmappedEnvIgnored(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("PATH_LIKE_NOISE", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8380 {
		t.Errorf("port = %d, want the default", cfg.Server.Port)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 8500
security:
  jwt_secret: "` + testSecret + `"
relay:
  send_buffer: 64
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8500 {
		t.Errorf("port = %d, want 8500 from file", cfg.Server.Port)
	}
	if cfg.Relay.SendBuffer != 64 {
		t.Errorf("send buffer = %d, want 64 from file", cfg.Relay.SendBuffer)
	}
	// Untouched settings keep their defaults.
	if cfg.History.PageSize != 500 {
		t.Errorf("page size = %d, want default", cfg.History.PageSize)
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 8500
security:
  jwt_secret: "` + testSecret + `"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "8600")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8600 {
		t.Errorf("port = %d, env must override file", cfg.Server.Port)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")
	if _, err := Load(); err == nil {
		t.Error("Load should fail validation with a short secret")
	}
}
