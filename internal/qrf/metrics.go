package qrf

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type qrfMetrics struct {
	state       metric.Int64ObservableGauge
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
}

func newQRFMetrics(logger pslog.Logger, controller *Controller) *qrfMetrics {
	meter := otel.Meter("pkt.systems/editlock/qrf")
	m := &qrfMetrics{}
	var err error

	m.state, err = meter.Int64ObservableGauge(
		"editlock.qrf.state",
		metric.WithDescription("Current QRF state"),
	)
	logMetricInitError(logger, "editlock.qrf.state", err)

	m.decisions, err = meter.Int64Counter(
		"editlock.qrf.decision",
		metric.WithDescription("QRF shed decisions"),
	)
	logMetricInitError(logger, "editlock.qrf.decision", err)

	m.transitions, err = meter.Int64Counter(
		"editlock.qrf.transition",
		metric.WithDescription("QRF state transitions"),
	)
	logMetricInitError(logger, "editlock.qrf.transition", err)

	if m.state != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.state, int64(controller.State()))
			return nil
		}, m.state); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "editlock.qrf.state", "error", err)
		}
	}
	return m
}

func (m *qrfMetrics) recordDecision(ctx context.Context, kind Kind, decision Decision) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("editlock.qrf.kind", kindLabel(kind)),
		attribute.String("editlock.qrf.state", decision.State.String()),
		attribute.Bool("editlock.qrf.throttle", decision.Throttle),
	))
}

func (m *qrfMetrics) recordTransition(ctx context.Context, from, to State, reason string) {
	if m == nil || m.transitions == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("editlock.qrf.from", from.String()),
		attribute.String("editlock.qrf.to", to.String()),
		attribute.String("editlock.qrf.reason", reason),
	))
}

func kindLabel(kind Kind) string {
	switch kind {
	case KindRead:
		return "read"
	case KindMutate:
		return "mutate"
	default:
		return "unknown"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
