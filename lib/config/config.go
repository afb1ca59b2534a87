// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when no --config flag is
// given.
const EnvironmentVariable = "TESSERA_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Transport kinds accepted in network.transport.
const (
	TransportTCP    = "tcp"
	TransportWebRTC = "webrtc"
)

// Storage backends accepted in storage.backend.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Config is the node configuration.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	Node    NodeConfig    `yaml:"node"`
	Network NetworkConfig `yaml:"network"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
// Empty strings and zero numbers leave the base value in place.
type ConfigOverrides struct {
	Node    *NodeConfig    `yaml:"node,omitempty"`
	Network *NetworkConfig `yaml:"network,omitempty"`
	Storage *StorageConfig `yaml:"storage,omitempty"`
	Log     *LogConfig     `yaml:"log,omitempty"`
}

// NodeConfig locates the node's identity and state.
type NodeConfig struct {
	// StateDir holds the node's key file and database by default.
	StateDir string `yaml:"state_dir"`

	// KeyFile is the passphrase-sealed Ed25519 key the node signs
	// with. Created by "tessera keygen".
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig configures the peer mesh.
type NetworkConfig struct {
	// Transport is "tcp" or "webrtc".
	Transport string `yaml:"transport"`

	// Listen is the TCP listen address. Ignored for webrtc, where the
	// node's id is its address.
	Listen string `yaml:"listen"`

	// Peers lists addresses to keep connected: host:port for tcp,
	// node ids for webrtc.
	Peers []string `yaml:"peers"`

	// Fanout is the number of peers each gossip reaches.
	Fanout int `yaml:"fanout"`

	// AnnounceInterval is how often every open store re-advertises its
	// state (Go duration syntax).
	AnnounceInterval string `yaml:"announce_interval"`

	// ReconnectInterval is how long to wait before redialing a lost
	// peer (Go duration syntax).
	ReconnectInterval string `yaml:"reconnect_interval"`

	// Compression is "none", "lz4" or "zstd".
	Compression string `yaml:"compression"`

	// SignalingDir is the directory webrtc nodes exchange offers and
	// answers through. Every node in the mesh must see the same
	// directory.
	SignalingDir string `yaml:"signaling_dir"`

	// ICEServers lists STUN and TURN servers for webrtc.
	ICEServers []ICEServerConfig `yaml:"ice_servers"`
}

// ICEServerConfig names one STUN or TURN server.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// StorageConfig selects where accepted state is persisted.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// PoolSize is the number of SQLite connections.
	PoolSize int `yaml:"pool_size"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the default configuration. The defaults give every
// field a usable value; they are not a fallback for a missing file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".local", "state", "tessera")

	return &Config{
		Environment: Development,
		Node: NodeConfig{
			StateDir: stateDir,
			KeyFile:  "${TESSERA_STATE}/node.key",
		},
		Network: NetworkConfig{
			Transport:         TransportTCP,
			Listen:            "0.0.0.0:7891",
			Fanout:            5,
			AnnounceInterval:  "30s",
			ReconnectInterval: "5s",
			Compression:       "lz4",
			SignalingDir:      "${TESSERA_STATE}/signaling",
		},
		Storage: StorageConfig{
			Backend:  StorageMemory,
			Path:     "${TESSERA_STATE}/tessera.db",
			PoolSize: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the file named by TESSERA_CONFIG.
//
// There are no fallbacks or defaults: if TESSERA_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your tessera.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// Environment variables do not override config values. The only
// expansion performed is ${VAR} and ${VAR:-default} in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment.
// Production without an explicit section gets SQLite storage and JSON
// logs.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				Storage: &StorageConfig{Backend: StorageSQLite},
				Log:     &LogConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Node != nil {
		override(&c.Node.StateDir, overrides.Node.StateDir)
		override(&c.Node.KeyFile, overrides.Node.KeyFile)
	}

	if network := overrides.Network; network != nil {
		override(&c.Network.Transport, network.Transport)
		override(&c.Network.Listen, network.Listen)
		if len(network.Peers) > 0 {
			c.Network.Peers = network.Peers
		}
		if network.Fanout > 0 {
			c.Network.Fanout = network.Fanout
		}
		override(&c.Network.AnnounceInterval, network.AnnounceInterval)
		override(&c.Network.ReconnectInterval, network.ReconnectInterval)
		override(&c.Network.Compression, network.Compression)
		override(&c.Network.SignalingDir, network.SignalingDir)
		if len(network.ICEServers) > 0 {
			c.Network.ICEServers = network.ICEServers
		}
	}

	if overrides.Storage != nil {
		override(&c.Storage.Backend, overrides.Storage.Backend)
		override(&c.Storage.Path, overrides.Storage.Path)
		if overrides.Storage.PoolSize > 0 {
			c.Storage.PoolSize = overrides.Storage.PoolSize
		}
	}

	if overrides.Log != nil {
		override(&c.Log.Level, overrides.Log.Level)
		override(&c.Log.Format, overrides.Log.Format)
	}
}

func override(field *string, value string) {
	if value != "" {
		*field = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
// ${TESSERA_STATE} refers to node.state_dir.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Node.StateDir = expandVars(c.Node.StateDir, vars)
	vars["TESSERA_STATE"] = c.Node.StateDir

	c.Node.KeyFile = expandVars(c.Node.KeyFile, vars)
	c.Network.SignalingDir = expandVars(c.Network.SignalingDir, vars)
	c.Storage.Path = expandVars(c.Storage.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Provided vars first, then the process environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Node.KeyFile == "" {
		errs = append(errs, errors.New("node.key_file is required"))
	}

	switch c.Network.Transport {
	case TransportTCP:
		if c.Network.Listen == "" {
			errs = append(errs, errors.New("network.listen is required for tcp"))
		}
	case TransportWebRTC:
		if c.Network.SignalingDir == "" {
			errs = append(errs, errors.New("network.signaling_dir is required for webrtc"))
		}
	default:
		errs = append(errs, fmt.Errorf("network.transport must be one of: %v", []string{TransportTCP, TransportWebRTC}))
	}
	if c.Network.Fanout <= 0 {
		errs = append(errs, errors.New("network.fanout must be positive"))
	}
	if _, err := c.Network.AnnounceEvery(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Network.ReconnectEvery(); err != nil {
		errs = append(errs, err)
	}
	compressions := []string{"none", "lz4", "zstd"}
	if !slices.Contains(compressions, c.Network.Compression) {
		errs = append(errs, fmt.Errorf("network.compression must be one of: %v", compressions))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
		if c.Storage.PoolSize <= 0 {
			errs = append(errs, errors.New("storage.pool_size must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be one of: %v", []string{StorageMemory, StorageSQLite}))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	formats := []string{"text", "json"}
	if !slices.Contains(formats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formats))
	}

	return errors.Join(errs...)
}

// AnnounceEvery parses AnnounceInterval.
func (n NetworkConfig) AnnounceEvery() (time.Duration, error) {
	return parsePositiveDuration("network.announce_interval", n.AnnounceInterval)
}

// ReconnectEvery parses ReconnectInterval.
func (n NetworkConfig) ReconnectEvery() (time.Duration, error) {
	return parsePositiveDuration("network.reconnect_interval", n.ReconnectInterval)
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return duration, nil
}

// SlogLevel converts Level to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// EnsurePaths creates the state directory, and the signaling directory
// when webrtc is configured.
func (c *Config) EnsurePaths() error {
	paths := []string{c.Node.StateDir}
	if c.Network.Transport == TransportWebRTC {
		paths = append(paths, c.Network.SignalingDir)
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
