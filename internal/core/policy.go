package core

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/editlock/internal/storage"
)

// TakeoverMode selects who may seize a lock held by someone else.
type TakeoverMode string

const (
	// TakeoverAny lets any authenticated caller take over.
	TakeoverAny TakeoverMode = "any"
	// TakeoverRole requires one of TakeoverPolicy.Roles.
	TakeoverRole TakeoverMode = "role"
	// TakeoverStaleAfter requires the holder to be silent for Grace;
	// callers with one of Roles bypass the grace period.
	TakeoverStaleAfter TakeoverMode = "stale-after"
)

// ParseTakeoverMode parses a mode name. Empty selects TakeoverAny.
func ParseTakeoverMode(s string) (TakeoverMode, error) {
	switch TakeoverMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", TakeoverAny:
		return TakeoverAny, nil
	case TakeoverRole:
		return TakeoverRole, nil
	case TakeoverStaleAfter:
		return TakeoverStaleAfter, nil
	default:
		return "", fmt.Errorf("unknown takeover mode %q (want any, role or stale-after)", s)
	}
}

// TakeoverPolicy authorizes takeovers.
type TakeoverPolicy struct {
	Mode  TakeoverMode
	Roles []string
	Grace time.Duration
}

// Validate checks the policy is internally consistent.
func (p TakeoverPolicy) Validate() error {
	switch p.Mode {
	case "", TakeoverAny:
		return nil
	case TakeoverRole:
		if len(p.Roles) == 0 {
			return fmt.Errorf("takeover mode %q requires at least one role", p.Mode)
		}
		return nil
	case TakeoverStaleAfter:
		if p.Grace <= 0 {
			return fmt.Errorf("takeover mode %q requires a positive grace period", p.Mode)
		}
		return nil
	default:
		return fmt.Errorf("unknown takeover mode %q", p.Mode)
	}
}

// Allow decides whether caller may replace current at now. The current
// owner and an empty slot are always allowed.
func (p TakeoverPolicy) Allow(caller Caller, current *storage.Lock, now time.Time) (bool, string) {
	if current == nil || current.OwnerID == caller.ID {
		return true, ""
	}
	switch p.Mode {
	case TakeoverRole:
		if caller.HasAnyRole(p.Roles) {
			return true, ""
		}
		return false, fmt.Sprintf("takeover requires one of roles %s", strings.Join(p.Roles, ","))
	case TakeoverStaleAfter:
		if caller.HasAnyRole(p.Roles) {
			return true, ""
		}
		silent := now.Sub(current.LastHeartbeatAt)
		if silent >= p.Grace {
			return true, ""
		}
		return false, fmt.Sprintf("holder was active %s ago; takeover allowed after %s", silent.Truncate(time.Second), p.Grace)
	default:
		return true, ""
	}
}
