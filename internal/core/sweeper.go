package core

import (
	"context"
	"errors"
	"slices"
	"time"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/svcfields"
)

// Sweep deletes stale records and publishes an expired event for each. The
// delete is conditional on the record read, so a heartbeat landing between
// the read and the delete keeps the lock. It returns the number removed.
func (s *Service) Sweep(ctx context.Context) (removed int, err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, opSweep, outcomeOf("", err), time.Since(start)) }()
	logger := svcfields.WithSubsystem(s.logger, "lock.sweeper")

	ids, err := s.locks.List(ctx)
	if err != nil {
		return 0, storeFailure("sweep list", err)
	}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		now := s.clock.Now()
		lock, ok, err := s.locks.DeleteIf(ctx, id, func(l *storage.Lock) bool {
			return l.Stale(now, s.ttl)
		})
		if err != nil {
			logger.Warn("lock.sweeper.delete_failed", "resource", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		removed++
		s.held.Delete(id)
		logger.Debug("lock.sweeper.expired", "resource", id, "owner", lock.OwnerID, "last_heartbeat", lock.LastHeartbeatAt)
		s.publish(ctx, logger, api.EventExpired, id, nil, lock, "", now)
	}
	s.metrics.recordExpired(ctx, removed)
	return removed, errors.Join(errs...)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := svcfields.WithSubsystem(s.logger, "lock.sweeper")
	logger.Info("lock.sweeper.start", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("lock.sweeper.stop")
			return
		case <-s.clock.After(interval):
		}
		removed, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("lock.sweeper.pass_failed", "removed", removed, "error", err)
			continue
		}
		if removed > 0 {
			logger.Info("lock.sweeper.pass", "removed", removed)
		}
	}
}

// List returns the fresh locks in the store ordered by resource id.
func (s *Service) List(ctx context.Context) ([]*storage.Lock, error) {
	ids, err := s.locks.List(ctx)
	if err != nil {
		return nil, storeFailure("list", err)
	}
	slices.Sort(ids)
	out := make([]*storage.Lock, 0, len(ids))
	now := s.clock.Now()
	for _, id := range ids {
		rec, found, err := s.locks.Get(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidResource) {
				continue
			}
			return nil, storeFailure("list", err)
		}
		if lock := s.fresh(rec, found, now); lock != nil {
			out = append(out, lock)
		}
	}
	return out, nil
}
