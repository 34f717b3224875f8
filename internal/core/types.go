package core

import (
	"slices"
	"strings"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/storage"
)

// Caller is the authenticated principal behind a lock operation.
type Caller struct {
	ID        string
	Name      string
	Email     string
	Roles     []string
	SessionID string
}

// HasAnyRole reports whether the caller carries one of roles.
func (c Caller) HasAnyRole(roles []string) bool {
	for _, r := range c.Roles {
		if slices.Contains(roles, r) {
			return true
		}
	}
	return false
}

// owns reports whether l belongs to the caller. Session ids are compared
// only when both sides have one.
func (c Caller) owns(l *storage.Lock) bool {
	if l == nil || l.OwnerID != c.ID {
		return false
	}
	return c.SessionID == "" || l.SessionID == "" || l.SessionID == c.SessionID
}

func (c Caller) valid() bool {
	return strings.TrimSpace(c.ID) != ""
}

// LockCommand names a resource and the caller acting on it.
type LockCommand struct {
	ResourceID string
	Caller     Caller
}

// CheckResult reports the observable state of a resource.
type CheckResult struct {
	Locked bool
	Lock   *storage.Lock
}

// AcquireResult reports an acquire attempt. On conflict Success is false,
// Code is api.ErrCodeLockHeld and Lock is the current holder.
type AcquireResult struct {
	Success bool
	Lock    *storage.Lock
	Code    string
}

// HeartbeatResult reports a heartbeat attempt.
type HeartbeatResult struct {
	Success bool
	Lock    *storage.Lock
	Code    string
}

// ReleaseResult reports whether a record was removed.
type ReleaseResult struct {
	Released bool
}

// TakeoverResult reports a takeover attempt.
type TakeoverResult struct {
	Success  bool
	Lock     *storage.Lock
	Previous *storage.Lock
	Code     string
}

// ToAPI converts a stored lock to its wire form.
func ToAPI(l *storage.Lock) *api.Lock {
	if l == nil {
		return nil
	}
	return &api.Lock{
		ResourceID:      l.ResourceID,
		OwnerID:         l.OwnerID,
		OwnerName:       l.OwnerName,
		OwnerEmail:      l.OwnerEmail,
		SessionID:       l.SessionID,
		AcquiredAt:      l.AcquiredAt,
		LastHeartbeatAt: l.LastHeartbeatAt,
	}
}

func (r *CheckResult) code() string { return "" }

func (r *AcquireResult) code() string {
	if r == nil {
		return ""
	}
	return r.Code
}

func (r *HeartbeatResult) code() string {
	if r == nil {
		return ""
	}
	return r.Code
}

func (r *TakeoverResult) code() string {
	if r == nil {
		return ""
	}
	return r.Code
}
