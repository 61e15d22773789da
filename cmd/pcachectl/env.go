package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/pagecache/core/pagecache"
	"github.com/sushant-115/pagecache/pkg/config"
	"github.com/sushant-115/pagecache/pkg/logger"
	"github.com/sushant-115/pagecache/pkg/telemetry"
)

// env is what every command needs: configuration, a logger, telemetry and
// an arena built from the pagecache section.
type env struct {
	cfg      config.Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	shutdown telemetry.ShutdownFunc
	arena    *pagecache.Arena
	heap     *pagecache.LimitHeap
}

func loadConfig(g *Globals) (config.Config, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		if cfg, err = config.Load(g.Config); err != nil {
			return cfg, err
		}
	}
	if g.LogLevel != "" {
		cfg.Logger.Level = g.LogLevel
	}
	if g.Telemetry {
		cfg.Telemetry.Enabled = true
	}
	return cfg, cfg.Validate()
}

func newEnv(g *Globals) (*env, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	var meter metric.Meter
	if cfg.Telemetry.Enabled {
		meter = tel.Meter
	}
	arena, heap, err := buildArena(cfg.PageCache, log, meter)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}
	return &env{cfg: cfg, logger: log, tel: tel, shutdown: shutdown, arena: arena, heap: heap}, nil
}

// buildArena wires a LimitHeap whose reclaim hook is the arena itself, and
// the slab when one is configured.
func buildArena(cfg config.PageCacheConfig, log *zap.Logger, meter metric.Meter) (*pagecache.Arena, *pagecache.LimitHeap, error) {
	heap := pagecache.NewLimitHeap(cfg.SoftHeapLimit, cfg.HardHeapLimit)
	opts := []pagecache.Option{pagecache.WithHeap(heap), pagecache.WithLogger(log)}
	if meter != nil {
		opts = append(opts, pagecache.WithMeter(meter))
	}
	arena := pagecache.NewArena(opts...)
	heap.SetReclaim(arena.ReleaseMemory)

	if cfg.SlabSlotCount > 0 {
		buf := make([]byte, cfg.SlabSlotSize*cfg.SlabSlotCount)
		if err := arena.ConfigureSlab(buf, cfg.SlabSlotSize, cfg.SlabSlotCount); err != nil {
			return nil, nil, err
		}
	}
	return arena, heap, nil
}

func (e *env) Close() {
	if err := e.arena.Close(); err != nil {
		e.logger.Warn("Closing arena metrics", zap.Error(err))
	}
	if err := e.shutdown(context.Background()); err != nil {
		e.logger.Warn("Telemetry shutdown", zap.Error(err))
	}
	_ = e.logger.Sync()
}
