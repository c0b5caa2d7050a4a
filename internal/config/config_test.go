package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HIVEGRID_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != "data/hivegrid.db" {
		t.Errorf("expected default store path, got %q", cfg.Store.Path)
	}
	if cfg.Memory.MaxEntries != 10000 {
		t.Errorf("expected default max entries 10000, got %d", cfg.Memory.MaxEntries)
	}
	if cfg.Consensus.DefaultThreshold != 0.6 {
		t.Errorf("expected default threshold 0.6, got %f", cfg.Consensus.DefaultThreshold)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hivegrid.yaml")
	content := `
store:
  path: /tmp/custom.db
memory:
  max_entries: 50
  compression_threshold: 128
comms:
  dispatch_interval: 50ms
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HIVEGRID_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != "/tmp/custom.db" {
		t.Errorf("expected /tmp/custom.db, got %q", cfg.Store.Path)
	}
	if cfg.Memory.MaxEntries != 50 {
		t.Errorf("expected 50, got %d", cfg.Memory.MaxEntries)
	}
	if cfg.Comms.DispatchInterval != 50*time.Millisecond {
		t.Errorf("expected 50ms, got %v", cfg.Comms.DispatchInterval)
	}
	// Unset sections keep defaults
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected default nats port, got %d", cfg.NATS.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIVEGRID_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("HIVEGRID_STORE_PATH", "/tmp/env.db")
	t.Setenv("HIVEGRID_MAX_AGENTS", "99")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != "/tmp/env.db" {
		t.Errorf("expected env store path, got %q", cfg.Store.Path)
	}
	if cfg.Swarm.MaxAgents != 99 {
		t.Errorf("expected 99 max agents, got %d", cfg.Swarm.MaxAgents)
	}
}
