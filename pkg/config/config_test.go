package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapstore.yaml")
	contents := "data_dir: /var/lib/snapstore\nlisten_addr: 0.0.0.0:9400\nrecycle_interval: 1m\nthread_pool_size: 8\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/snapstore" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.ListenAddr != "0.0.0.0:9400" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.RecycleInterval != time.Minute {
		t.Errorf("RecycleInterval = %v", cfg.RecycleInterval)
	}
	if cfg.ThreadPoolSize != 8 {
		t.Errorf("ThreadPoolSize = %d", cfg.ThreadPoolSize)
	}
	// unspecified fields keep their defaults
	if cfg.ImageServiceRead != Default().ImageServiceRead {
		t.Errorf("ImageServiceRead = %q, want default", cfg.ImageServiceRead)
	}
}
