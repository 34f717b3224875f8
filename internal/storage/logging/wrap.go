package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/correlation"
	"pkt.systems/editlock/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and a span per call.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/editlock/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, resourceID string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "editlock.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("editlock.storage.operation", op),
		attribute.String("editlock.sys", b.sys),
	)
	if resourceID != "" {
		span.SetAttributes(attribute.String("editlock.resource", resourceID))
	}
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else {
		logger = correlation.Logger(ctx, logger)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("editlock.correlation_id", corr))
	}
	logger.Trace("storage."+op+".begin", "resource", resourceID)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
			span.SetAttributes(attribute.String("editlock.storage.condition", err.Error()))
			span.SetStatus(codes.Ok, "")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		}
		span.SetAttributes(attribute.Int64("editlock.storage.duration_ms", elapsed.Milliseconds()))
		if err != nil {
			logger.Debug("storage."+op+".error", "resource", resourceID, "error", err, "elapsed", elapsed)
			return
		}
		logger.Trace("storage."+op+".success", "resource", resourceID, "elapsed", elapsed)
	}
}

func (b *backend) Get(ctx context.Context, resourceID string) (storage.Record, error) {
	ctx, span, logger, finish := b.start(ctx, "get", resourceID)
	defer span.End()
	rec, err := b.inner.Get(ctx, resourceID)
	finish(err)
	if err == nil && rec.Lock != nil {
		logger.Trace("storage.get.record", "resource", resourceID, "owner", rec.Lock.OwnerID, "etag", rec.ETag)
	}
	return rec, err
}

func (b *backend) CompareAndSwap(ctx context.Context, resourceID, expectedETag string, lock *storage.Lock) (string, error) {
	ctx, span, logger, finish := b.start(ctx, "compare_and_swap", resourceID)
	defer span.End()
	span.SetAttributes(attribute.Bool("editlock.storage.create_only", expectedETag == ""))
	etag, err := b.inner.CompareAndSwap(ctx, resourceID, expectedETag, lock)
	finish(err)
	if err == nil {
		logger.Trace("storage.compare_and_swap.record", "resource", resourceID, "owner", lock.OwnerID, "expected_etag", expectedETag, "etag", etag)
	}
	return etag, err
}

func (b *backend) Delete(ctx context.Context, resourceID, expectedETag string) error {
	ctx, span, _, finish := b.start(ctx, "delete", resourceID)
	defer span.End()
	err := b.inner.Delete(ctx, resourceID, expectedETag)
	finish(err)
	return err
}

func (b *backend) List(ctx context.Context) ([]string, error) {
	ctx, span, logger, finish := b.start(ctx, "list", "")
	defer span.End()
	ids, err := b.inner.List(ctx)
	finish(err)
	if err == nil {
		span.SetAttributes(attribute.Int("editlock.storage.count", len(ids)))
		logger.Trace("storage.list.count", "count", len(ids))
	}
	return ids, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
