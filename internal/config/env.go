package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays TMX_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("TMX_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("TMX_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("TMX_ADVERTISE_ADDR"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if v := os.Getenv("TMX_PEERS"); v != "" {
		parts := strings.Split(v, ",")
		cfg.Peers = nil
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Peers = append(cfg.Peers, p)
			}
		}
	}
	if v := os.Getenv("TMX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TMX_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("TMX_REGISTRY_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RegistryShards = n
		}
	}
	if v := os.Getenv("TMX_REPLAY_ATTRIBUTE_SCOPE"); v != "" {
		cfg.ReplayAttributeScope = v
	}
	if v := os.Getenv("TMX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TMX_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}
