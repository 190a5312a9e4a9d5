package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigHasSaneTimers(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Timers.ResetTimeoutS != 3 {
		t.Fatalf("expected default reset timeout 3s, got %d", cfg.Timers.ResetTimeoutS)
	}
	if cfg.Timers.AliveTimeout() != cfg.Timers.AliveTimeout() {
		t.Fatal("AliveTimeout should be stable across calls")
	}
}

func TestLoadFromFileOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gsmstackd.yaml")
	yamlContent := `
udp:
  addr: "127.0.0.1:9999"
bvcs:
  - mcc: 1
    mnc: 1
    lac: 1
    rac: 1
    cell_id: 5
    bvci: 20
    nsei: 1
    bucket_size_max: 1000
    leak_rate: 500
    max_queue_depth: 16
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UDP.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected overridden UDP addr, got %q", cfg.UDP.Addr)
	}
	if cfg.Timers.ResetTimeoutS != 3 {
		t.Fatalf("expected default reset timeout to survive partial override, got %d", cfg.Timers.ResetTimeoutS)
	}
	if len(cfg.BVCs) != 1 || cfg.BVCs[0].BVCI != 20 {
		t.Fatalf("expected one configured BVC with bvci=20, got %+v", cfg.BVCs)
	}
}

func TestLoadFromEnvOverridesLogLevel(t *testing.T) {
	t.Setenv("GSMSTACK_LOG_LEVEL", "debug")
	t.Setenv("GSMSTACK_UDP_ADDR", "10.0.0.1:2300")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Daemon.LogLevel != "debug" {
		t.Fatalf("expected log level overridden to debug, got %q", cfg.Daemon.LogLevel)
	}
	if cfg.UDP.Addr != "10.0.0.1:2300" || !cfg.UDP.Enabled {
		t.Fatalf("expected UDP addr overridden and enabled, got %+v", cfg.UDP)
	}
}
