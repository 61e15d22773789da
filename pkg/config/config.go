// Package config loads the YAML configuration of the page cache tools.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/pagecache/pkg/logger"
	"github.com/sushant-115/pagecache/pkg/telemetry"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	PageCache PageCacheConfig  `yaml:"pagecache"`
	Workload  WorkloadConfig   `yaml:"workload"`
}

// PageCacheConfig describes the arena's memory: an optional slab and the
// limits of the heap behind it. Zero disables a limit.
type PageCacheConfig struct {
	SlabSlotSize  int   `yaml:"slab_slot_size"`
	SlabSlotCount int   `yaml:"slab_slot_count"`
	SoftHeapLimit int64 `yaml:"soft_heap_limit"`
	HardHeapLimit int64 `yaml:"hard_heap_limit"`
}

// WorkloadConfig drives the stress command.
type WorkloadConfig struct {
	Caches            int     `yaml:"caches"`
	PageSize          int     `yaml:"page_size"`
	CacheSize         int     `yaml:"cache_size"`
	Workers           int     `yaml:"workers"`
	Ops               int     `yaml:"ops"`
	KeySpace          uint32  `yaml:"key_space"`
	OpsPerSecond      float64 `yaml:"ops_per_second"` // 0 means unthrottled
	UnpinDiscardRatio float64 `yaml:"unpin_discard_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
			Service:    logger.DefaultService,
		},
		Telemetry: telemetry.Config{
			ServiceName:      "pagecache",
			PrometheusPort:   9464,
			TraceSampleRatio: 1,
		},
		Workload: WorkloadConfig{
			Caches:            4,
			PageSize:          4096,
			CacheSize:         200,
			Workers:           8,
			Ops:               100000,
			KeySpace:          1000,
			UnpinDiscardRatio: 0.01,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values that cannot be corrected silently.
func (c Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	pc := c.PageCache
	if pc.SlabSlotSize < 0 || pc.SlabSlotCount < 0 {
		return fmt.Errorf("%w: negative slab size", ErrInvalidConfig)
	}
	if (pc.SlabSlotSize == 0) != (pc.SlabSlotCount == 0) {
		return fmt.Errorf("%w: slab_slot_size and slab_slot_count must be set together", ErrInvalidConfig)
	}
	if pc.HardHeapLimit > 0 && pc.SoftHeapLimit > pc.HardHeapLimit {
		return fmt.Errorf("%w: soft_heap_limit %d above hard_heap_limit %d", ErrInvalidConfig, pc.SoftHeapLimit, pc.HardHeapLimit)
	}
	w := c.Workload
	if w.PageSize < 512 || w.PageSize > 65536 || w.PageSize&(w.PageSize-1) != 0 {
		return fmt.Errorf("%w: page_size %d is not a power of two in [512, 65536]", ErrInvalidConfig, w.PageSize)
	}
	if w.Caches <= 0 || w.Workers <= 0 || w.KeySpace == 0 {
		return fmt.Errorf("%w: caches, workers and key_space must be positive", ErrInvalidConfig)
	}
	if w.UnpinDiscardRatio < 0 || w.UnpinDiscardRatio > 1 {
		return fmt.Errorf("%w: unpin_discard_ratio %g outside [0, 1]", ErrInvalidConfig, w.UnpinDiscardRatio)
	}
	if w.OpsPerSecond < 0 {
		return fmt.Errorf("%w: negative ops_per_second", ErrInvalidConfig)
	}
	return nil
}
