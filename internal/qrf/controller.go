// Package qrf implements the quick reaction force: a small state machine fed
// by lsf samples that decides when mutating lock operations must be shed.
package qrf

import (
	"context"
	"math"
	"sync"
	"time"

	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/pslog"
)

// Kind identifies the type of operation under evaluation.
type Kind int

const (
	// KindRead marks read-only operations (check, list, watch). Never shed.
	KindRead Kind = iota
	// KindMutate marks acquire/heartbeat/release/takeover.
	KindMutate
)

// State represents the current posture of the controller.
type State int

const (
	// StateDisengaged indicates the QRF is idle.
	StateDisengaged State = iota
	// StateSoftArm denotes that a soft limit was crossed.
	StateSoftArm
	// StateEngaged signals that a hard limit was crossed.
	StateEngaged
	// StateRecovery denotes the system is recovering and shedding is easing.
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateDisengaged:
		return "disengaged"
	case StateSoftArm:
		return "soft_arm"
	case StateEngaged:
		return "engaged"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Config configures controller thresholds and retry hints.
type Config struct {
	Enabled bool

	LockSoftLimit int64
	LockHardLimit int64

	MemorySoftLimitBytes   uint64
	MemoryHardLimitBytes   uint64
	MemorySoftLimitPercent float64
	MemoryHardLimitPercent float64

	LoadSoftLimitMultiplier float64
	LoadHardLimitMultiplier float64

	RecoverySamples int

	SoftDelay     time.Duration
	EngagedDelay  time.Duration
	RecoveryDelay time.Duration

	Logger pslog.Logger
}

// Snapshot captures the instantaneous metrics observed by the LSF.
type Snapshot struct {
	LockInflight            int64
	RSSBytes                uint64
	SystemMemoryUsedPercent float64
	SystemLoad1             float64
	Load1Baseline           float64
	Load1Multiplier         float64
	Goroutines              int
	CollectedAt             time.Time
}

// Status reports the current controller state and snapshot.
type Status struct {
	State    State
	Reason   string
	Snapshot Snapshot
}

// Decision reports whether an operation should be shed and for how long the
// caller should back off.
type Decision struct {
	Throttle bool
	Delay    time.Duration
	State    State
	Reason   string
}

// RetryAfterSeconds rounds Delay up to whole seconds, minimum one.
func (d Decision) RetryAfterSeconds() int64 {
	secs := int64(math.Ceil(d.Delay.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Controller manages the QRF state machine.
type Controller struct {
	cfg     Config
	logger  pslog.Logger
	metrics *qrfMetrics

	mu                 sync.RWMutex
	state              State
	lastReason         string
	lastSnapshot       Snapshot
	consecutiveHealthy int
}

// NewController constructs a QRF controller using the supplied configuration.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = 1
	}
	controller := &Controller{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "control.qrf.controller"),
		state:  StateDisengaged,
	}
	controller.metrics = newQRFMetrics(logger, controller)
	return controller
}

// Enabled reports whether the controller participates in decisions.
func (c *Controller) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Observe ingests a new snapshot and updates the posture.
func (c *Controller) Observe(snapshot Snapshot) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSnapshot = snapshot
	prev := c.state
	next := prev

	hard, hardReason := c.hardBreach(snapshot)
	soft, softReason := c.softBreach(snapshot)
	healthy := c.isHealthy(snapshot)

	switch {
	case hard:
		next = StateEngaged
		c.consecutiveHealthy = 0
		c.lastReason = hardReason
	case soft:
		if prev != StateEngaged {
			next = StateSoftArm
			c.lastReason = softReason
		}
		c.consecutiveHealthy = 0
	default:
		if healthy {
			c.consecutiveHealthy++
		} else {
			c.consecutiveHealthy = 0
		}
		if healthy && c.consecutiveHealthy >= c.cfg.RecoverySamples {
			switch prev {
			case StateEngaged:
				next = StateRecovery
				c.lastReason = "metrics recovering"
				c.consecutiveHealthy = 0
			case StateRecovery, StateSoftArm:
				next = StateDisengaged
				c.lastReason = "metrics stabilised"
				c.consecutiveHealthy = 0
			}
		}
	}

	if next != prev {
		c.state = next
		c.logTransition(prev, next, c.lastReason, snapshot)
		c.metrics.recordTransition(context.Background(), prev, next, c.lastReason)
	}
}

// Decide reports whether an operation of the given kind should be shed.
func (c *Controller) Decide(kind Kind) Decision {
	if !c.Enabled() {
		return Decision{State: StateDisengaged}
	}
	c.mu.RLock()
	state := c.state
	reason := c.lastReason
	c.mu.RUnlock()

	decision := Decision{State: state, Reason: reason}
	if kind == KindMutate {
		switch state {
		case StateSoftArm:
			decision.Throttle = true
			decision.Delay = nonZero(c.cfg.SoftDelay, 500*time.Millisecond)
		case StateEngaged:
			decision.Throttle = true
			decision.Delay = nonZero(c.cfg.EngagedDelay, 2*time.Second)
		case StateRecovery:
			decision.Throttle = true
			decision.Delay = nonZero(c.cfg.RecoveryDelay, time.Second)
		}
	}
	c.metrics.recordDecision(context.Background(), kind, decision)
	return decision
}

// State returns the current posture.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns the current state, reason and snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, Reason: c.lastReason, Snapshot: c.lastSnapshot}
}

func (c *Controller) hardBreach(s Snapshot) (bool, string) {
	switch {
	case c.cfg.LockHardLimit > 0 && s.LockInflight >= c.cfg.LockHardLimit:
		return true, "lock_inflight_hard"
	case c.cfg.MemoryHardLimitPercent > 0 && s.SystemMemoryUsedPercent >= c.cfg.MemoryHardLimitPercent:
		return true, "memory_hard"
	case c.cfg.MemoryHardLimitBytes > 0 && s.RSSBytes >= c.cfg.MemoryHardLimitBytes:
		return true, "memory_hard"
	case c.cfg.LoadHardLimitMultiplier > 0 && s.Load1Multiplier >= c.cfg.LoadHardLimitMultiplier:
		return true, "load_hard"
	}
	return false, ""
}

func (c *Controller) softBreach(s Snapshot) (bool, string) {
	switch {
	case c.cfg.LockSoftLimit > 0 && s.LockInflight >= c.cfg.LockSoftLimit:
		return true, "lock_inflight_soft"
	case c.cfg.MemorySoftLimitPercent > 0 && s.SystemMemoryUsedPercent >= c.cfg.MemorySoftLimitPercent:
		return true, "memory_soft"
	case c.cfg.MemorySoftLimitBytes > 0 && s.RSSBytes >= c.cfg.MemorySoftLimitBytes:
		return true, "memory_soft"
	case c.cfg.LoadSoftLimitMultiplier > 0 && s.Load1Multiplier >= c.cfg.LoadSoftLimitMultiplier:
		return true, "load_soft"
	}
	return false, ""
}

// isHealthy requires every signal to sit well below its soft limit so the
// controller does not flap around a threshold.
func (c *Controller) isHealthy(s Snapshot) bool {
	lockHealthy := c.cfg.LockSoftLimit == 0 || s.LockInflight <= maxInt64(1, c.cfg.LockSoftLimit/2)
	memHealthy := (c.cfg.MemorySoftLimitPercent == 0 || s.SystemMemoryUsedPercent <= percentRecoveryTarget(c.cfg.MemorySoftLimitPercent)) &&
		(c.cfg.MemorySoftLimitBytes == 0 || s.RSSBytes <= c.cfg.MemorySoftLimitBytes/2)
	loadHealthy := c.cfg.LoadSoftLimitMultiplier == 0 || s.Load1Multiplier <= multiplierRecoveryTarget(c.cfg.LoadSoftLimitMultiplier)
	return lockHealthy && memHealthy && loadHealthy
}

func (c *Controller) logTransition(prev, next State, reason string, s Snapshot) {
	fields := []any{
		"previous_state", prev.String(),
		"reason", reason,
		"lock_inflight", s.LockInflight,
		"rss_bytes", s.RSSBytes,
		"system_memory_percent", s.SystemMemoryUsedPercent,
		"system_load1", s.SystemLoad1,
		"load1_multiplier", s.Load1Multiplier,
		"goroutines", s.Goroutines,
	}
	if next == StateEngaged {
		c.logger.Warn("editlock.qrf.engaged", fields...)
		return
	}
	c.logger.Info("editlock.qrf."+next.String(), fields...)
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func percentRecoveryTarget(limit float64) float64 {
	target := limit - 5
	if target < limit*0.8 {
		target = limit * 0.8
	}
	return target
}

func multiplierRecoveryTarget(limit float64) float64 {
	target := limit * 0.8
	if target < 1 {
		return 1
	}
	return target
}
