// Package config loads node configuration from a JSON file with TMX_* env
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// NodeID identifies this node. Generated when empty.
	NodeID string `json:"nodeId"`
	// BindAddr is the listen address for the node HTTP surface.
	BindAddr string `json:"bindAddr"`
	// AdvertiseAddr is the address peers reach this node at. Defaults to
	// BindAddr.
	AdvertiseAddr string `json:"advertiseAddr"`
	// Peers are the other nodes' advertise addresses.
	Peers []string `json:"peers"`
	// DataDir is the telemetry store location.
	DataDir string `json:"dataDir"`
	// Fsync is the store durability mode: always, interval, never.
	Fsync string `json:"fsync"`
	// RegistryShards is the number of device shards in the subscription
	// registry.
	RegistryShards int `json:"registryShards"`
	// ReplayAttributeScope is the attribute scope missed-update replay reads.
	ReplayAttributeScope string `json:"replayAttributeScope"`
	// LogLevel and LogFormat configure the process logger.
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		BindAddr:             ":8090",
		Fsync:                "interval",
		RegistryShards:       16,
		ReplayAttributeScope: "client",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load reads configuration from a JSON file. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Finish fills derived fields after file and env are applied.
func (c *Config) Finish() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.BindAddr
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
}
