// Package lsf samples host and process pressure and feeds it to qrf.
package lsf

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/editlock/internal/qrf"
	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls the LSF sampling cadence.
type Config struct {
	Enabled        bool
	SampleInterval time.Duration
	LogInterval    time.Duration
}

// HostStats is one reading of host-level pressure.
type HostStats struct {
	RSSBytes      uint64
	MemoryPercent float64
	Load1         float64
}

// HostReader returns current host stats.
type HostReader func(ctx context.Context) (HostStats, error)

// Observer tracks in-flight lock operations and host pressure and forwards
// samples to the QRF.
type Observer struct {
	cfg     Config
	qrf     *qrf.Controller
	logger  pslog.Logger
	read    HostReader
	metrics *lsfMetrics
	running atomic.Bool

	lockInflight atomic.Int64

	lastLogTime   time.Time
	loadBaseline  float64
	baselineReady bool

	wg sync.WaitGroup
}

// NewObserver constructs an observer reading host stats through gopsutil.
func NewObserver(cfg Config, controller *qrf.Controller, logger pslog.Logger) *Observer {
	return NewObserverWithReader(cfg, controller, logger, GopsutilReader())
}

// NewObserverWithReader constructs an observer with a custom host reader.
func NewObserverWithReader(cfg Config, controller *qrf.Controller, logger pslog.Logger, read HostReader) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 200 * time.Millisecond
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Observer{
		cfg:     cfg,
		qrf:     controller,
		logger:  svcfields.WithSubsystem(logger, "control.lsf.observer"),
		read:    read,
		metrics: newLSFMetrics(logger),
	}
}

// GopsutilReader samples process RSS, system memory and load average.
func GopsutilReader() HostReader {
	var (
		once sync.Once
		proc *process.Process
	)
	return func(ctx context.Context) (HostStats, error) {
		var stats HostStats
		once.Do(func() {
			proc, _ = process.NewProcessWithContext(ctx, int32(os.Getpid()))
		})
		if proc != nil {
			if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
				stats.RSSBytes = info.RSS
			}
		}
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return stats, err
		}
		stats.MemoryPercent = vm.UsedPercent
		if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
			stats.Load1 = avg.Load1
		}
		return stats, nil
	}
}

// Start launches the sampling loop. Only the first call starts the loop.
func (o *Observer) Start(ctx context.Context) {
	if !o.cfg.Enabled || o.qrf == nil {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() {
	o.wg.Wait()
}

// BeginLockOp records the start of a lock operation and returns its
// completion callback.
func (o *Observer) BeginLockOp() func() {
	if o == nil || !o.cfg.Enabled {
		return func() {}
	}
	o.lockInflight.Add(1)
	return func() {
		o.lockInflight.Add(-1)
	}
}

// Inflight returns the number of lock operations in progress.
func (o *Observer) Inflight() int64 {
	return o.lockInflight.Load()
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sample(ctx, now)
		}
	}
}

func (o *Observer) sample(ctx context.Context, ts time.Time) {
	if o.qrf == nil {
		return
	}
	var stats HostStats
	if o.read != nil {
		var err error
		stats, err = o.read(ctx)
		if err != nil {
			o.logger.Debug("editlock.lsf.read_failed", "error", err)
		}
	}
	if stats.RSSBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		stats.RSSBytes = ms.Sys
	}
	baseline, multiplier := o.updateLoadBaseline(stats.Load1)
	snapshot := qrf.Snapshot{
		LockInflight:            o.lockInflight.Load(),
		RSSBytes:                stats.RSSBytes,
		SystemMemoryUsedPercent: stats.MemoryPercent,
		SystemLoad1:             stats.Load1,
		Load1Baseline:           baseline,
		Load1Multiplier:         multiplier,
		Goroutines:              runtime.NumGoroutine(),
		CollectedAt:             ts,
	}
	if o.cfg.LogInterval > 0 && (o.lastLogTime.IsZero() || ts.Sub(o.lastLogTime) >= o.cfg.LogInterval) {
		o.logger.Debug("editlock.lsf.sample",
			"lock_inflight", snapshot.LockInflight,
			"rss_bytes", snapshot.RSSBytes,
			"system_memory_percent", snapshot.SystemMemoryUsedPercent,
			"system_load1", snapshot.SystemLoad1,
			"load1_baseline", snapshot.Load1Baseline,
			"load1_multiplier", snapshot.Load1Multiplier,
			"goroutines", snapshot.Goroutines,
		)
		o.lastLogTime = ts
	}
	o.metrics.recordSample(ctx, snapshot)
	o.qrf.Observe(snapshot)
}

func (o *Observer) updateLoadBaseline(load1 float64) (float64, float64) {
	const alpha = 0.05
	if !o.baselineReady {
		o.loadBaseline = load1
		if o.loadBaseline <= 0 {
			o.loadBaseline = 0.1
		}
		o.baselineReady = true
	}
	o.loadBaseline += (load1 - o.loadBaseline) * alpha
	if o.loadBaseline <= 0 {
		return 0, 0
	}
	return o.loadBaseline, load1 / o.loadBaseline
}
