package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagecache/core/pagecache"
	"github.com/sushant-115/pagecache/core/pager"
	"github.com/sushant-115/pagecache/pkg/config"
)

// StressCmd runs the workload section of the configuration.
type StressCmd struct {
	Workers      int     `help:"Concurrent workers (overrides workload.workers)"`
	Ops          int     `help:"Total page operations (overrides workload.ops)"`
	Caches       int     `help:"Pagers sharing the arena (overrides workload.caches)"`
	OpsPerSecond float64 `name:"rate" help:"Throttle to this many operations per second, 0 for no limit"`
	FailAfter    int     `name:"fail-after" default:"-1" help:"Fail heap allocations after this many succeed"`
}

func (c *StressCmd) Run(g *Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	defer e.Close()

	w := e.cfg.Workload
	if c.Workers > 0 {
		w.Workers = c.Workers
	}
	if c.Ops > 0 {
		w.Ops = c.Ops
	}
	if c.Caches > 0 {
		w.Caches = c.Caches
	}
	if c.OpsPerSecond > 0 {
		w.OpsPerSecond = c.OpsPerSecond
	}
	if c.FailAfter >= 0 {
		e.heap.FailAfter(c.FailAfter)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := runStress(ctx, e, w)
	if err != nil {
		return err
	}
	rep.print(os.Stdout)
	return nil
}

type stressReport struct {
	RunID       string
	Workers     int
	Pagers      int
	Ops         int64
	DirtyWrites int64
	Stressed    int64
	Commits     int64
	NoMem       int64
	Elapsed     time.Duration
	Interrupted bool
	Stats       pagecache.Stats
	HeapUsed    int64
}

func (r *stressReport) print(out io.Writer) {
	opsPerSec := 0.0
	if r.Elapsed > 0 {
		opsPerSec = float64(r.Ops) / r.Elapsed.Seconds()
	}
	fmt.Fprintf(out, "run %s: %d workers over %d pagers\n", r.RunID, r.Workers, r.Pagers)
	if r.Interrupted {
		fmt.Fprintln(out, "interrupted before completion")
	}
	fmt.Fprintf(out, "  ops         %s in %s (%s ops/s)\n",
		humanize.Comma(r.Ops), r.Elapsed.Round(time.Millisecond), humanize.Commaf(float64(int64(opsPerSec))))
	fmt.Fprintf(out, "  dirty       %s writes, %s commits, %s stressed\n",
		humanize.Comma(r.DirtyWrites), humanize.Comma(r.Commits), humanize.Comma(r.Stressed))
	fmt.Fprintf(out, "  no memory   %s\n", humanize.Comma(r.NoMem))
	fmt.Fprintf(out, "  heap        %s in use\n", humanize.IBytes(uint64(r.HeapUsed)))
	fmt.Fprintf(out, "  pages       current %d, max %d, min %d, recyclable %d\n",
		r.Stats.CurrentPages, r.Stats.MaxPages, r.Stats.MinPages, r.Stats.Recyclable)
	if r.Stats.SlabSlots > 0 {
		fmt.Fprintf(out, "  slab        %d of %d slots free\n", r.Stats.SlabFree, r.Stats.SlabSlots)
	}
}

// conn is one pager and its in-memory backing store. A PCache serves one
// connection at a time, so workers take mu for every step.
type conn struct {
	mu   sync.Mutex
	pc   *pager.PCache
	disk map[uint32][]byte
	rep  *counters
	n    int
}

type counters struct {
	ops, dirty, stressed, commits, noMem atomic.Int64
}

func (c *conn) stress(pg *pager.PgHdr) error {
	c.disk[pg.GetPgno()] = bytes.Clone(pg.GetData())
	c.rep.stressed.Add(1)
	return c.pc.MakeClean(pg)
}

func (c *conn) commit() error {
	for _, pg := range c.pc.DirtyList() {
		c.disk[pg.GetPgno()] = bytes.Clone(pg.GetData())
	}
	c.rep.commits.Add(1)
	return c.pc.CleanAll()
}

// step fetches one random page, writes its number into it and releases it,
// committing every so often.
func (c *conn) step(rng *rand.Rand, w config.WorkloadConfig) error {
	c.n++
	pgno := uint32(rng.Int63n(int64(w.KeySpace))) + 1
	pg, err := c.pc.Fetch(pgno, true)
	if err != nil {
		if errors.Is(err, pagecache.ErrNoMem) {
			c.rep.noMem.Add(1)
			return nil
		}
		return fmt.Errorf("fetch page %d: %w", pgno, err)
	}
	binary.LittleEndian.PutUint32(pg.GetData(), pgno)
	if rng.Float64() < 0.3 {
		c.pc.MakeDirty(pg)
		c.rep.dirty.Add(1)
	}
	if !pg.IsDirty() && pg.GetRefCount() == 1 && rng.Float64() < w.UnpinDiscardRatio {
		err = c.pc.Drop(pg)
	} else {
		err = c.pc.Release(pg)
	}
	if err != nil {
		return err
	}
	if c.n%500 == 0 {
		return c.commit()
	}
	return nil
}

func runStress(ctx context.Context, e *env, w config.WorkloadConfig) (*stressReport, error) {
	runID := uuid.NewString()
	log := e.logger.With(zap.String("runID", runID))
	ctx, span := e.tel.Tracer.Start(ctx, "stress", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("workers", w.Workers),
		attribute.Int("pagers", w.Caches),
		attribute.Int("ops", w.Ops),
	))
	defer span.End()

	rep := &counters{}
	conns := make([]*conn, w.Caches)
	for i := range conns {
		c := &conn{disk: make(map[uint32][]byte), rep: rep}
		c.pc = pager.Open(e.arena, w.PageSize, true, c.stress, log)
		c.pc.SetCacheSize(w.CacheSize)
		conns[i] = c
	}
	defer func() {
		for _, c := range conns {
			c.pc.Close()
		}
	}()

	var limiter *rate.Limiter
	if w.OpsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(w.OpsPerSecond), 1)
	}

	log.Info("Stress run starting",
		zap.Int("workers", w.Workers), zap.Int("pagers", w.Caches), zap.Int("ops", w.Ops),
		zap.Int("pageSize", w.PageSize), zap.Int("cacheSize", w.CacheSize))
	start := time.Now()

	_, runSpan := e.tel.Tracer.Start(ctx, "stress.workers")
	g, gctx := errgroup.WithContext(ctx)
	var issued atomic.Int64
	for i := 0; i < w.Workers; i++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(i) + 1))
			for issued.Add(1) <= int64(w.Ops) {
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
				} else if err := gctx.Err(); err != nil {
					return err
				}
				c := conns[rng.Intn(len(conns))]
				c.mu.Lock()
				err := c.step(rng, w)
				c.mu.Unlock()
				if err != nil {
					return err
				}
				rep.ops.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	runSpan.End()

	interrupted := false
	if err != nil {
		if ctx.Err() == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("Stress run failed", zap.Error(err))
			return nil, err
		}
		interrupted = true
		log.Warn("Stress run interrupted", zap.Error(err))
	}

	out := &stressReport{
		RunID:       runID,
		Workers:     w.Workers,
		Pagers:      w.Caches,
		Ops:         rep.ops.Load(),
		DirtyWrites: rep.dirty.Load(),
		Stressed:    rep.stressed.Load(),
		Commits:     rep.commits.Load(),
		NoMem:       rep.noMem.Load(),
		Elapsed:     time.Since(start),
		Interrupted: interrupted,
		Stats:       e.arena.Stats(),
		HeapUsed:    e.heap.Used(),
	}
	span.SetAttributes(attribute.Int64("ops.done", out.Ops), attribute.Int64("stressed", out.Stressed))
	log.Info("Stress run finished",
		zap.Int64("ops", out.Ops), zap.Duration("elapsed", out.Elapsed),
		zap.Int64("stressed", out.Stressed), zap.Int64("noMem", out.NoMem),
		zap.String("heap", humanize.IBytes(uint64(out.HeapUsed))))
	return out, nil
}
