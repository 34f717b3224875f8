package core

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/events"
	"pkt.systems/editlock/internal/lsf"
	"pkt.systems/editlock/internal/qrf"
	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/pslog"
)

// Service implements the edit-lock operations on top of a lock store. It is
// safe for concurrent use; per-resource atomicity comes from store CAS.
type Service struct {
	locks       *storage.Locks
	logger      pslog.Logger
	clock       clock.Clock
	publisher   events.Publisher
	ttl         time.Duration
	heartbeat   time.Duration
	maxAttempts int
	takeover    TakeoverPolicy
	lsf         *lsf.Observer
	qrf         *qrf.Controller
	metrics     *serviceMetrics
	held        sync.Map
	draining    atomic.Bool
}

// New constructs the Service, filling defaults for unset knobs.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	attempts := cfg.MaxCASAttempts
	if attempts <= 0 {
		attempts = DefaultMaxCASAttempts
	}
	policy := cfg.Takeover
	if policy.Mode == "" {
		policy.Mode = TakeoverAny
	}
	if err := policy.Validate(); err != nil {
		// An unusable policy denies takeovers of other owners' locks.
		logger.Error("lock.takeover.policy_invalid", "error", err)
		policy = TakeoverPolicy{Mode: TakeoverRole}
	}
	s := &Service{
		locks:       storage.NewLocks(cfg.Store),
		logger:      logger,
		clock:       clk,
		publisher:   cfg.Publisher,
		ttl:         ttl,
		heartbeat:   hb,
		maxAttempts: attempts,
		takeover:    policy,
		lsf:         cfg.LSFObserver,
		qrf:         cfg.QRFController,
	}
	s.metrics = newServiceMetrics(logger, s.heldCount)
	return s
}

// LeaseTTL returns the silence after which a lock is stale.
func (s *Service) LeaseTTL() time.Duration { return s.ttl }

// HeartbeatInterval returns the heartbeat cadence clients should use.
func (s *Service) HeartbeatInterval() time.Duration { return s.heartbeat }

// TakeoverPolicy returns the effective takeover policy.
func (s *Service) TakeoverPolicy() TakeoverPolicy { return s.takeover }

// SetDraining makes mutating operations fail with shutdown_draining while
// the server winds down. Check keeps working.
func (s *Service) SetDraining(draining bool) {
	s.draining.Store(draining)
}

// Check reports whether resourceID is held by a fresh lock. Stale records
// are reported as unlocked without being removed.
func (s *Service) Check(ctx context.Context, resourceID string) (res *CheckResult, err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, opCheck, outcomeOf(res.code(), err), time.Since(start)) }()
	if err := storage.ValidateResourceID(resourceID); err != nil {
		return nil, invalidResource(err)
	}
	finish := s.lsf.BeginLockOp()
	defer finish()

	rec, found, err := s.locks.Get(ctx, resourceID)
	if err != nil {
		return nil, storeFailure("check", err)
	}
	lock := s.fresh(rec, found, s.clock.Now())
	if lock == nil {
		s.held.Delete(resourceID)
		return &CheckResult{}, nil
	}
	return &CheckResult{Locked: true, Lock: lock}, nil
}

// Acquire installs a lock for the caller when the slot is empty or stale.
// A fresh lock held by the same caller is refreshed; one held by someone
// else is reported as a conflict.
func (s *Service) Acquire(ctx context.Context, cmd LockCommand) (res *AcquireResult, err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, opAcquire, outcomeOf(res.code(), err), time.Since(start)) }()
	if err := s.admit(cmd, true); err != nil {
		return nil, err
	}
	finish := s.lsf.BeginLockOp()
	defer finish()
	logger := s.requestLogger(ctx, "lock.acquire", cmd.ResourceID)

	id := cmd.ResourceID
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, found, err := s.locks.Get(ctx, id)
		if err != nil {
			return nil, storeFailure("acquire", err)
		}
		now := s.clock.Now()
		var (
			exp     storage.Expectation
			next    *storage.Lock
			expired *storage.Lock
		)
		switch {
		case !found:
			exp = storage.ExpectAbsent()
			next = newLock(id, cmd.Caller, now)
		case rec.Lock.Stale(now, s.ttl):
			exp = storage.ExpectRecord(rec)
			next = newLock(id, cmd.Caller, now)
			expired = rec.Lock
		case rec.Lock.OwnerID == cmd.Caller.ID:
			exp = storage.ExpectRecord(rec)
			next = refreshLock(rec.Lock, cmd.Caller, now)
		default:
			logger.Debug("lock.acquire.conflict", "owner", rec.Lock.OwnerID, "caller", cmd.Caller.ID)
			return &AcquireResult{Lock: rec.Lock, Code: api.ErrCodeLockHeld}, nil
		}
		stored, ok, err := s.locks.CompareAndSwap(ctx, id, exp, next)
		if err != nil {
			return nil, storeFailure("acquire", err)
		}
		if !ok {
			logger.Trace("lock.acquire.cas_retry", "attempt", attempt)
			continue
		}
		s.held.Store(id, struct{}{})
		if expired != nil {
			logger.Info("lock.acquire.reclaimed", "previous_owner", expired.OwnerID, "last_heartbeat", expired.LastHeartbeatAt)
			s.publish(ctx, logger, api.EventExpired, id, nil, expired, cmd.Caller.ID, now)
		}
		var previous *storage.Lock
		if found && expired == nil {
			previous = rec.Lock
		}
		logger.Debug("lock.acquire.success", "owner", cmd.Caller.ID, "refreshed", previous != nil)
		s.publish(ctx, logger, api.EventAcquired, id, stored.Lock, previous, cmd.Caller.ID, now)
		return &AcquireResult{Success: true, Lock: stored.Lock}, nil
	}
	logger.Warn("lock.acquire.cas_exhausted", "attempts", s.maxAttempts)
	return nil, casExhausted(id, s.maxAttempts)
}

// Heartbeat bumps lastHeartbeatAt while the caller owns the lock. A stale
// record still owned by the caller is revived since nobody has reclaimed it.
// When both the caller and the record carry a session id they must match, so
// a session superseded by another of the same user stops renewing.
func (s *Service) Heartbeat(ctx context.Context, cmd LockCommand) (res *HeartbeatResult, err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, opHeartbeat, outcomeOf(res.code(), err), time.Since(start)) }()
	if err := s.admit(cmd, false); err != nil {
		return nil, err
	}
	finish := s.lsf.BeginLockOp()
	defer finish()
	logger := s.requestLogger(ctx, "lock.heartbeat", cmd.ResourceID)

	id := cmd.ResourceID
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, found, err := s.locks.Get(ctx, id)
		if err != nil {
			return nil, storeFailure("heartbeat", err)
		}
		now := s.clock.Now()
		if !found || !cmd.Caller.owns(rec.Lock) {
			current := s.fresh(rec, found, now)
			owner := ""
			if current != nil {
				owner = current.OwnerID
			}
			logger.Debug("lock.heartbeat.not_owner", "caller", cmd.Caller.ID, "owner", owner)
			return &HeartbeatResult{Lock: current, Code: api.ErrCodeNotOwner}, nil
		}
		revived := rec.Lock.Stale(now, s.ttl)
		next := rec.Lock.Clone()
		next.LastHeartbeatAt = notBefore(now, next.AcquiredAt)
		stored, ok, err := s.locks.CompareAndSwap(ctx, id, storage.ExpectRecord(rec), next)
		if err != nil {
			return nil, storeFailure("heartbeat", err)
		}
		if !ok {
			logger.Trace("lock.heartbeat.cas_retry", "attempt", attempt)
			continue
		}
		if revived {
			logger.Info("lock.heartbeat.revived", "owner", cmd.Caller.ID, "last_heartbeat", rec.Lock.LastHeartbeatAt)
		}
		s.held.Store(id, struct{}{})
		s.publish(ctx, logger, api.EventHeartbeat, id, stored.Lock, nil, cmd.Caller.ID, now)
		return &HeartbeatResult{Success: true, Lock: stored.Lock}, nil
	}
	logger.Warn("lock.heartbeat.cas_exhausted", "attempts", s.maxAttempts)
	return nil, casExhausted(id, s.maxAttempts)
}

// Release deletes the lock when the caller owns it, with the same session
// rule as Heartbeat. Releasing a lock the caller does not hold is a no-op,
// not an error.
func (s *Service) Release(ctx context.Context, cmd LockCommand) (res *ReleaseResult, err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, opRelease, outcomeOf("", err), time.Since(start)) }()
	if err := s.admit(cmd, false); err != nil {
		return nil, err
	}
	finish := s.lsf.BeginLockOp()
	defer finish()
	logger := s.requestLogger(ctx, "lock.release", cmd.ResourceID)

	removed, ok, err := s.locks.DeleteIf(ctx, cmd.ResourceID, func(l *storage.Lock) bool {
		return cmd.Caller.owns(l)
	})
	if err != nil {
		return nil, storeFailure("release", err)
	}
	if !ok {
		logger.Debug("lock.release.noop", "caller", cmd.Caller.ID)
		return &ReleaseResult{}, nil
	}
	s.held.Delete(cmd.ResourceID)
	logger.Debug("lock.release.success", "owner", cmd.Caller.ID)
	s.publish(ctx, logger, api.EventReleased, cmd.ResourceID, nil, removed, cmd.Caller.ID, s.clock.Now())
	return &ReleaseResult{Released: true}, nil
}

// Takeover replaces whatever record exists with a fresh lock for the caller,
// subject to the takeover policy. The swap is conditional on the exact
// record read, so of two concurrent takeovers only one wins per round.
func (s *Service) Takeover(ctx context.Context, cmd LockCommand) (res *TakeoverResult, err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, opTakeover, outcomeOf(res.code(), err), time.Since(start)) }()
	if err := s.admit(cmd, true); err != nil {
		return nil, err
	}
	finish := s.lsf.BeginLockOp()
	defer finish()
	logger := s.requestLogger(ctx, "lock.takeover", cmd.ResourceID)

	id := cmd.ResourceID
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, found, err := s.locks.Get(ctx, id)
		if err != nil {
			return nil, storeFailure("takeover", err)
		}
		now := s.clock.Now()
		var current *storage.Lock
		exp := storage.ExpectAbsent()
		if found {
			current = rec.Lock
			exp = storage.ExpectRecord(rec)
		}
		if current != nil && !current.Stale(now, s.ttl) {
			if allowed, reason := s.takeover.Allow(cmd.Caller, current, now); !allowed {
				logger.Info("lock.takeover.forbidden", "caller", cmd.Caller.ID, "owner", current.OwnerID, "reason", reason)
				return &TakeoverResult{Lock: current, Code: api.ErrCodeTakeoverForbidden}, nil
			}
		}
		stored, ok, err := s.locks.CompareAndSwap(ctx, id, exp, newLock(id, cmd.Caller, now))
		if err != nil {
			return nil, storeFailure("takeover", err)
		}
		if !ok {
			logger.Trace("lock.takeover.cas_retry", "attempt", attempt)
			continue
		}
		s.held.Store(id, struct{}{})
		previousOwner := ""
		if current != nil {
			previousOwner = current.OwnerID
		}
		logger.Info("lock.takeover.success", "owner", cmd.Caller.ID, "previous_owner", previousOwner)
		s.publish(ctx, logger, api.EventTakeover, id, stored.Lock, current, cmd.Caller.ID, now)
		return &TakeoverResult{Success: true, Lock: stored.Lock, Previous: current}, nil
	}
	logger.Warn("lock.takeover.cas_exhausted", "attempts", s.maxAttempts)
	return nil, casExhausted(id, s.maxAttempts)
}

// admit validates a mutating command. Guarded operations, the ones that
// install new ownership, are also subject to draining and load shedding.
func (s *Service) admit(cmd LockCommand, guarded bool) error {
	if err := storage.ValidateResourceID(cmd.ResourceID); err != nil {
		return invalidResource(err)
	}
	if !cmd.Caller.valid() {
		return unauthenticated()
	}
	if !guarded {
		return nil
	}
	if s.draining.Load() {
		return Failure{
			Code:       api.ErrCodeDraining,
			Detail:     "server is shutting down",
			RetryAfter: 1,
			HTTPStatus: http.StatusServiceUnavailable,
		}
	}
	if !s.qrf.Enabled() {
		return nil
	}
	decision := s.qrf.Decide(qrf.KindMutate)
	if !decision.Throttle {
		return nil
	}
	return Failure{
		Code:       api.ErrCodeThrottled,
		Detail:     "lock service is shedding load (" + decision.State.String() + ")",
		RetryAfter: decision.RetryAfterSeconds(),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

func (s *Service) requestLogger(ctx context.Context, sys, resourceID string) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	return svcfields.WithResource(svcfields.WithSubsystem(logger, sys), resourceID)
}

func (s *Service) publish(ctx context.Context, logger pslog.Logger, kind, resourceID string, lock, previous *storage.Lock, actor string, at time.Time) {
	if s.publisher == nil {
		return
	}
	evt := events.New(kind, resourceID, ToAPI(lock), ToAPI(previous), actor, at)
	if err := s.publisher.Publish(ctx, evt); err != nil {
		logger.Warn("lock.event.publish_failed", "event", kind, "error", err)
	}
}

// fresh returns the stored lock when it exists and is not stale.
func (s *Service) fresh(rec storage.Record, found bool, now time.Time) *storage.Lock {
	if !found || rec.Lock == nil || rec.Lock.Stale(now, s.ttl) {
		return nil
	}
	return rec.Lock
}

func (s *Service) heldCount() int64 {
	var n int64
	s.held.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func newLock(resourceID string, caller Caller, now time.Time) *storage.Lock {
	return &storage.Lock{
		ResourceID:      resourceID,
		OwnerID:         caller.ID,
		OwnerName:       caller.Name,
		OwnerEmail:      caller.Email,
		SessionID:       caller.SessionID,
		AcquiredAt:      now,
		LastHeartbeatAt: now,
	}
}

// refreshLock keeps acquiredAt and bumps the heartbeat for a re-acquire by
// the current owner. Display metadata follows the latest caller.
func refreshLock(current *storage.Lock, caller Caller, now time.Time) *storage.Lock {
	next := current.Clone()
	next.LastHeartbeatAt = notBefore(now, next.AcquiredAt)
	if caller.Name != "" {
		next.OwnerName = caller.Name
	}
	if caller.Email != "" {
		next.OwnerEmail = caller.Email
	}
	if caller.SessionID != "" {
		next.SessionID = caller.SessionID
	}
	return next
}

func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}
