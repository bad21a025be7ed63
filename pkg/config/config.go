// Package config loads snapstore's process-wide configuration: the
// three image-service endpoint proxies, thread-pool sizing, plus the
// ambient data-directory/listen settings every snapstored invocation
// needs, following a YAML-file-plus-flag-override shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved process configuration.
type Config struct {
	// DataDir holds the bbolt database file, defaulting to <DataDir>/snapstore.db.
	DataDir string

	// ListenAddr is the address the RPC HTTP server binds to.
	ListenAddr string

	// ImageServiceRead/Write/CDP are the three external proxy base URLs,
	// matching get_read_img_prx/get_write_img_prx/get_cdp_prx.
	ImageServiceRead  string
	ImageServiceWrite string
	ImageServiceCDP   string

	// RecycleInterval is the period between recycling planner passes.
	RecycleInterval time.Duration

	// ThreadPoolSize holds the configured thread-pool size. No component
	// reads it: the recycler executes the work items of a pass one at a
	// time.
	ThreadPoolSize int

	LogLevel string
	LogJSON  bool
}

// fileConfig mirrors the on-disk YAML shape. RecycleInterval is held as
// a string (e.g. "30s") since yaml.v3 has no native time.Duration
// support; Load resolves it with time.ParseDuration.
type fileConfig struct {
	DataDir           *string `yaml:"data_dir"`
	ListenAddr        *string `yaml:"listen_addr"`
	ImageServiceRead  *string `yaml:"image_service_read"`
	ImageServiceWrite *string `yaml:"image_service_write"`
	ImageServiceCDP   *string `yaml:"image_service_cdp"`
	RecycleInterval   *string `yaml:"recycle_interval"`
	ThreadPoolSize    *int    `yaml:"thread_pool_size"`
	LogLevel          *string `yaml:"log_level"`
	LogJSON           *bool   `yaml:"log_json"`
}

// Default returns the built-in defaults, overridden by any YAML file
// and then by explicit flags in cmd/snapstored.
func Default() Config {
	return Config{
		DataDir:           "./snapstore-data",
		ListenAddr:        "127.0.0.1:9400",
		ImageServiceRead:  "http://127.0.0.1:9500",
		ImageServiceWrite: "http://127.0.0.1:9501",
		ImageServiceCDP:   "http://127.0.0.1:9502",
		RecycleInterval:   30 * time.Second,
		ThreadPoolSize:    4,
		LogLevel:          "info",
		LogJSON:           false,
	}
}

// Load starts from Default(), merges path's YAML contents if it
// exists, and returns the result. A missing file is not an error —
// Default() alone is a valid configuration. Only fields present in
// the file override their default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if fc.DataDir != nil {
		cfg.DataDir = *fc.DataDir
	}
	if fc.ListenAddr != nil {
		cfg.ListenAddr = *fc.ListenAddr
	}
	if fc.ImageServiceRead != nil {
		cfg.ImageServiceRead = *fc.ImageServiceRead
	}
	if fc.ImageServiceWrite != nil {
		cfg.ImageServiceWrite = *fc.ImageServiceWrite
	}
	if fc.ImageServiceCDP != nil {
		cfg.ImageServiceCDP = *fc.ImageServiceCDP
	}
	if fc.RecycleInterval != nil {
		d, err := time.ParseDuration(*fc.RecycleInterval)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid recycle_interval %q: %w", *fc.RecycleInterval, err)
		}
		cfg.RecycleInterval = d
	}
	if fc.ThreadPoolSize != nil {
		cfg.ThreadPoolSize = *fc.ThreadPoolSize
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogJSON != nil {
		cfg.LogJSON = *fc.LogJSON
	}

	return cfg, nil
}
