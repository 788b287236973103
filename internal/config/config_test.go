package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.BindAddr == "" || cfg.RegistryShards <= 0 {
		t.Fatalf("incomplete defaults: %+v", cfg)
	}
	if cfg.ReplayAttributeScope != "client" {
		t.Fatalf("replay scope default should be client, got %q", cfg.ReplayAttributeScope)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	body := `{"bindAddr":":9999","peers":["a:1","b:2"],"registryShards":4}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != ":9999" || len(cfg.Peers) != 2 || cfg.RegistryShards != 4 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	// Untouched fields keep defaults.
	if cfg.Fsync != "interval" {
		t.Fatalf("default fsync lost: %+v", cfg)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TMX_BIND_ADDR", ":7777")
	t.Setenv("TMX_PEERS", " a:1, b:2 ,")
	t.Setenv("TMX_REGISTRY_SHARDS", "8")
	t.Setenv("TMX_LOG_LEVEL", "debug")

	cfg := Default()
	FromEnv(&cfg)
	if cfg.BindAddr != ":7777" || cfg.LogLevel != "debug" || cfg.RegistryShards != 8 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[0] != "a:1" || cfg.Peers[1] != "b:2" {
		t.Fatalf("peer list not trimmed: %v", cfg.Peers)
	}
}

func TestFinishDerivedFields(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	cfg.Finish()
	if cfg.NodeID == "" {
		t.Fatalf("node id must be generated")
	}
	if cfg.AdvertiseAddr != cfg.BindAddr {
		t.Fatalf("advertise addr must default to bind addr")
	}
}
