package core

import (
	"time"

	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/events"
	"pkt.systems/editlock/internal/lsf"
	"pkt.systems/editlock/internal/qrf"
	"pkt.systems/editlock/internal/storage"
	"pkt.systems/pslog"
)

const (
	// DefaultLeaseTTL is the silence after which a lock is stale.
	DefaultLeaseTTL = 60 * time.Second
	// DefaultHeartbeatInterval is how often clients should heartbeat.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMaxCASAttempts bounds internal compare-and-swap retries.
	DefaultMaxCASAttempts = 8
)

// Config captures the dependencies and behavioural knobs of the lock
// service. It is transport agnostic.
type Config struct {
	Store     storage.Backend
	Logger    pslog.Logger
	Clock     clock.Clock
	Publisher events.Publisher

	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	MaxCASAttempts    int
	Takeover          TakeoverPolicy

	LSFObserver   *lsf.Observer
	QRFController *qrf.Controller
}
