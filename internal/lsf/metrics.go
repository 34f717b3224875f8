package lsf

import (
	"context"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/editlock/internal/qrf"
	"pkt.systems/pslog"
)

type lsfMetrics struct {
	sample         metric.Int64Counter
	lockInflight   metric.Int64ObservableGauge
	rssBytes       metric.Int64ObservableGauge
	memoryPercent  metric.Float64ObservableGauge
	load           metric.Float64ObservableGauge
	loadMultiplier metric.Float64ObservableGauge
	goroutines     metric.Int64ObservableGauge

	snapshot atomic.Value
}

func newLSFMetrics(logger pslog.Logger) *lsfMetrics {
	meter := otel.Meter("pkt.systems/editlock/lsf")
	m := &lsfMetrics{}
	var err error

	m.sample, err = meter.Int64Counter("editlock.lsf.sample", metric.WithDescription("LSF samples collected"))
	logMetricInitError(logger, "editlock.lsf.sample", err)
	m.lockInflight, err = meter.Int64ObservableGauge("editlock.lsf.lock.inflight", metric.WithDescription("Lock operations in flight"))
	logMetricInitError(logger, "editlock.lsf.lock.inflight", err)
	m.rssBytes, err = meter.Int64ObservableGauge("editlock.lsf.rss.bytes", metric.WithDescription("Process RSS"), metric.WithUnit("By"))
	logMetricInitError(logger, "editlock.lsf.rss.bytes", err)
	m.memoryPercent, err = meter.Float64ObservableGauge("editlock.lsf.memory.percent", metric.WithDescription("System memory used percent"))
	logMetricInitError(logger, "editlock.lsf.memory.percent", err)
	m.load, err = meter.Float64ObservableGauge("editlock.lsf.load1", metric.WithDescription("System load average (1m)"))
	logMetricInitError(logger, "editlock.lsf.load1", err)
	m.loadMultiplier, err = meter.Float64ObservableGauge("editlock.lsf.load1.multiplier", metric.WithDescription("Load relative to baseline"))
	logMetricInitError(logger, "editlock.lsf.load1.multiplier", err)
	m.goroutines, err = meter.Int64ObservableGauge("editlock.lsf.goroutines", metric.WithDescription("Goroutine count"))
	logMetricInitError(logger, "editlock.lsf.goroutines", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m.observe(o)
		return nil
	}, m.lockInflight, m.rssBytes, m.memoryPercent, m.load, m.loadMultiplier, m.goroutines); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "editlock.lsf.metrics", "error", err)
	}
	return m
}

func (m *lsfMetrics) recordSample(ctx context.Context, snapshot qrf.Snapshot) {
	if m == nil {
		return
	}
	m.snapshot.Store(snapshot)
	if m.sample != nil {
		m.sample.Add(ctx, 1)
	}
}

func (m *lsfMetrics) observe(o metric.Observer) {
	snap, ok := m.snapshot.Load().(qrf.Snapshot)
	if !ok {
		return
	}
	o.ObserveInt64(m.lockInflight, snap.LockInflight)
	o.ObserveInt64(m.rssBytes, clampUint64(snap.RSSBytes))
	o.ObserveFloat64(m.memoryPercent, snap.SystemMemoryUsedPercent)
	o.ObserveFloat64(m.load, snap.SystemLoad1)
	o.ObserveFloat64(m.loadMultiplier, snap.Load1Multiplier)
	o.ObserveInt64(m.goroutines, int64(snap.Goroutines))
}

func clampUint64(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
