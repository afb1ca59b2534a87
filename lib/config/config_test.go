// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tessera.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Network.Transport != TransportTCP {
		t.Errorf("expected transport=tcp, got %s", cfg.Network.Transport)
	}
	if cfg.Storage.Backend != StorageMemory {
		t.Errorf("expected backend=memory, got %s", cfg.Storage.Backend)
	}
	if cfg.Network.Fanout != 5 {
		t.Errorf("expected fanout=5, got %d", cfg.Network.Fanout)
	}
}

func TestLoad_RequiresTesseraConfig(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when TESSERA_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "TESSERA_CONFIG environment variable not set") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestLoad_WithTesseraConfig(t *testing.T) {
	path := writeConfig(t, `
environment: staging
node:
  state_dir: /test/state
network:
  listen: 127.0.0.1:9000
  peers: [10.0.0.1:7891, 10.0.0.2:7891]
`)
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Network.Listen != "127.0.0.1:9000" {
		t.Errorf("expected listen=127.0.0.1:9000, got %s", cfg.Network.Listen)
	}
	if len(cfg.Network.Peers) != 2 {
		t.Errorf("expected 2 peers, got %v", cfg.Network.Peers)
	}
	// Unset fields keep defaults.
	if cfg.Network.Compression != "lz4" {
		t.Errorf("expected compression=lz4, got %s", cfg.Network.Compression)
	}
	if cfg.Node.KeyFile != "/test/state/node.key" {
		t.Errorf("expected key_file expanded from state_dir, got %s", cfg.Node.KeyFile)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "network: [not, a, map")
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: development
network:
  fanout: 3
  compression: none
development:
  network:
    fanout: 8
  log:
    level: debug
production:
  network:
    fanout: 20
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Network.Fanout != 8 {
		t.Errorf("expected development fanout=8, got %d", cfg.Network.Fanout)
	}
	if cfg.Network.Compression != "none" {
		t.Errorf("expected base compression=none kept, got %s", cfg.Network.Compression)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected level=debug, got %s", cfg.Log.Level)
	}
}

func TestProductionDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: production
node:
  state_dir: /srv/tessera
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Storage.Backend != StorageSQLite {
		t.Errorf("expected backend=sqlite in production, got %s", cfg.Storage.Backend)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected format=json in production, got %s", cfg.Log.Format)
	}
	if cfg.Storage.Path != "/srv/tessera/tessera.db" {
		t.Errorf("expected path under state dir, got %s", cfg.Storage.Path)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	t.Setenv("TESSERA_LISTEN", "0.0.0.0:1")
	t.Setenv("NETWORK_LISTEN", "0.0.0.0:1")

	path := writeConfig(t, `
network:
  listen: 127.0.0.1:7000
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.Network.Listen != "127.0.0.1:7000" {
		t.Errorf("environment leaked into config: listen=%s", cfg.Network.Listen)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("TESSERA_TEST_SET", "/from/env")
	t.Setenv("TESSERA_TEST_UNSET", "")

	vars := map[string]string{
		"TESSERA_STATE": "/state",
		"EMPTY":         "",
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"${TESSERA_STATE}/node.key", "/state/node.key"},
		{"${TESSERA_TEST_SET}/x", "/from/env/x"},
		{"${TESSERA_TEST_UNSET:-/fallback}", "/fallback"},
		{"${EMPTY:-/default}", "/default"},
		{"${TESSERA_STATE:-/ignored}", "/state"},
		{"/plain/path", "/plain/path"},
		{"${TESSERA_STATE}/a/${TESSERA_STATE}", "/state/a//state"},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			if got := expandVars(test.input, vars); got != test.expected {
				t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.expected)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "test" }, "invalid environment"},
		{"missing key file", func(c *Config) { c.Node.KeyFile = "" }, "node.key_file"},
		{"bad transport", func(c *Config) { c.Network.Transport = "udp" }, "network.transport"},
		{"tcp without listen", func(c *Config) { c.Network.Listen = "" }, "network.listen"},
		{"webrtc without signaling", func(c *Config) {
			c.Network.Transport = TransportWebRTC
			c.Network.SignalingDir = ""
		}, "network.signaling_dir"},
		{"zero fanout", func(c *Config) { c.Network.Fanout = 0 }, "network.fanout"},
		{"bad announce interval", func(c *Config) { c.Network.AnnounceInterval = "soon" }, "network.announce_interval"},
		{"negative reconnect", func(c *Config) { c.Network.ReconnectInterval = "-1s" }, "network.reconnect_interval"},
		{"bad compression", func(c *Config) { c.Network.Compression = "gzip" }, "network.compression"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.backend"},
		{"sqlite without path", func(c *Config) {
			c.Storage.Backend = StorageSQLite
			c.Storage.Path = ""
		}, "storage.path"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.modify(cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestDurationsAndLevel(t *testing.T) {
	cfg := Default()

	announce, err := cfg.Network.AnnounceEvery()
	if err != nil {
		t.Fatalf("AnnounceEvery() error: %v", err)
	}
	if announce != 30*time.Second {
		t.Errorf("AnnounceEvery() = %s, want 30s", announce)
	}

	reconnect, err := cfg.Network.ReconnectEvery()
	if err != nil {
		t.Fatalf("ReconnectEvery() error: %v", err)
	}
	if reconnect != 5*time.Second {
		t.Errorf("ReconnectEvery() = %s, want 5s", reconnect)
	}

	cfg.Log.Level = "warn"
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		t.Fatalf("SlogLevel() error: %v", err)
	}
	if level != slog.LevelWarn {
		t.Errorf("SlogLevel() = %v, want warn", level)
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Node.StateDir = filepath.Join(root, "state")
	cfg.Network.Transport = TransportWebRTC
	cfg.Network.SignalingDir = filepath.Join(root, "signaling")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths() error: %v", err)
	}
	for _, path := range []string{cfg.Node.StateDir, cfg.Network.SignalingDir} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat(%s) error: %v", path, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", path)
		}
	}
}
