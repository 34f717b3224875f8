package client

import (
	"time"

	"pkt.systems/editlock/api"
)

// Reasons carried by Snapshot.Reason.
const (
	ReasonChecked   = "checked"
	ReasonAcquired  = "acquired"
	ReasonConflict  = "conflict"
	ReasonHeartbeat = "heartbeat"
	ReasonLost      = "lost"
	ReasonReleased  = "released"
	ReasonTakeover  = "takeover"
	ReasonWatch     = "watch"
)

// Snapshot is the state an editor banner renders. Owner is the lock exactly
// as last returned by the server.
type Snapshot struct {
	Resource string
	Locked   bool
	HasLock  bool
	Owner    *api.Lock
	// Since is when the current holder acquired the lock, or when the
	// resource was last seen free.
	Since  time.Time
	Reason string
}

// HeldFor reports how long the current holder has had the lock.
func (s Snapshot) HeldFor(now time.Time) time.Duration {
	if !s.Locked || s.Owner == nil {
		return 0
	}
	d := now.Sub(s.Owner.AcquiredAt)
	if d < 0 {
		return 0
	}
	return d.Truncate(time.Second)
}

// OwnerLabel renders the holder for display, preferring the name.
func (s Snapshot) OwnerLabel() string {
	if s.Owner == nil {
		return ""
	}
	switch {
	case s.Owner.OwnerName != "" && s.Owner.OwnerEmail != "":
		return s.Owner.OwnerName + " <" + s.Owner.OwnerEmail + ">"
	case s.Owner.OwnerName != "":
		return s.Owner.OwnerName
	case s.Owner.OwnerEmail != "":
		return s.Owner.OwnerEmail
	default:
		return s.Owner.OwnerID
	}
}

// Conflict reports whether someone else holds the lock.
func (s Snapshot) Conflict() bool {
	return s.Locked && !s.HasLock
}
