package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const (
	opCheck     = "check"
	opAcquire   = "acquire"
	opHeartbeat = "heartbeat"
	opRelease   = "release"
	opTakeover  = "takeover"
	opSweep     = "sweep"
)

type serviceMetrics struct {
	opCount    metric.Int64Counter
	opDuration metric.Int64Histogram
	expired    metric.Int64Counter
	heldGauge  metric.Int64ObservableGauge
}

func newServiceMetrics(logger pslog.Logger, held func() int64) *serviceMetrics {
	meter := otel.Meter("pkt.systems/editlock/lock")
	m := &serviceMetrics{}
	var err error

	m.opCount, err = meter.Int64Counter(
		"editlock.lock.ops",
		metric.WithDescription("Lock operations by outcome"),
	)
	logMetricInitError(logger, "editlock.lock.ops", err)

	m.opDuration, err = meter.Int64Histogram(
		"editlock.lock.duration_ms",
		metric.WithDescription("Lock operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "editlock.lock.duration_ms", err)

	m.expired, err = meter.Int64Counter(
		"editlock.lock.expired",
		metric.WithDescription("Stale locks removed by the sweeper"),
	)
	logMetricInitError(logger, "editlock.lock.expired", err)

	m.heldGauge, err = meter.Int64ObservableGauge(
		"editlock.lock.held",
		metric.WithDescription("Locks held as last observed by this process (best-effort)"),
	)
	logMetricInitError(logger, "editlock.lock.held", err)

	if m.heldGauge != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.heldGauge, held())
			return nil
		}, m.heldGauge); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "editlock.lock.held", "error", err)
		}
	}
	return m
}

func (m *serviceMetrics) record(ctx context.Context, op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("editlock.op", op),
		attribute.String("editlock.outcome", outcome),
	)
	if m.opCount != nil {
		m.opCount.Add(ctx, 1, attrs)
	}
	if m.opDuration != nil {
		m.opDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *serviceMetrics) recordExpired(ctx context.Context, n int) {
	if m == nil || m.expired == nil || n == 0 {
		return
	}
	m.expired.Add(ctx, int64(n))
}

// outcomeOf labels an operation: "error" for failures, the semantic code for
// negative results, "success" otherwise.
func outcomeOf(code string, err error) string {
	switch {
	case err != nil:
		return "error"
	case code != "":
		return code
	default:
		return "success"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
