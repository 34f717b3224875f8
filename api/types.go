// Package api holds the JSON wire types shared by the editlock server and
// its Go client.
package api

import "time"

// Identity headers set by a trusted proxy in front of editlock.
const (
	HeaderUserID    = "X-Editlock-User-Id"
	HeaderUserName  = "X-Editlock-User-Name"
	HeaderUserEmail = "X-Editlock-User-Email"
	HeaderUserRoles = "X-Editlock-User-Roles"
)

// Error codes carried in the "error" field of responses.
const (
	ErrCodeLockHeld          = "lock_held"
	ErrCodeNotOwner          = "not_owner"
	ErrCodeTakeoverForbidden = "takeover_forbidden"
	ErrCodeUnauthenticated   = "unauthenticated"
	ErrCodeInvalidResource   = "invalid_resource"
	ErrCodeInvalidBody       = "invalid_body"
	ErrCodeCASExhausted      = "cas_exhausted"
	ErrCodeThrottled         = "throttled"
	ErrCodeStoreUnavailable  = "store_unavailable"
	ErrCodeDraining          = "shutdown_draining"
	ErrCodeIdentityDown      = "identity_unavailable"
	ErrCodeNotFound          = "not_found"
	ErrCodeInternal          = "internal_error"
)

// Lock is the wire form of an edit lock.
type Lock struct {
	// ResourceID is the caller-defined identifier of the protected entity.
	ResourceID string `json:"resourceId"`
	// OwnerID identifies the user holding the lock.
	OwnerID string `json:"ownerId"`
	// OwnerName is display metadata for the holder.
	OwnerName string `json:"ownerName,omitempty"`
	// OwnerEmail is display metadata for the holder.
	OwnerEmail string `json:"ownerEmail,omitempty"`
	// SessionID identifies the editing session that acquired the lock.
	SessionID string `json:"sessionId,omitempty"`
	// AcquiredAt is set on acquire and takeover.
	AcquiredAt time.Time `json:"acquiredAt"`
	// LastHeartbeatAt is bumped by every successful heartbeat.
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// LockRequest is the optional body of the mutating endpoints.
type LockRequest struct {
	// SessionID tags the lock with the caller's editing session.
	SessionID string `json:"sessionId,omitempty"`
}

// CheckResponse is returned by GET /locks/{resourceId}.
type CheckResponse struct {
	Locked bool  `json:"locked"`
	Lock   *Lock `json:"lock,omitempty"`
}

// Lease advertises the server's lease timing so clients renew in time.
type Lease struct {
	// TTLMillis is the heartbeat silence after which a lock is stale.
	TTLMillis int64 `json:"ttlMs"`
	// HeartbeatIntervalMillis is the renewal cadence clients should use.
	HeartbeatIntervalMillis int64 `json:"heartbeatIntervalMs"`
}

// TTL returns the lease TTL as a duration.
func (l *Lease) TTL() time.Duration {
	if l == nil {
		return 0
	}
	return time.Duration(l.TTLMillis) * time.Millisecond
}

// HeartbeatInterval returns the advertised renewal cadence.
func (l *Lease) HeartbeatInterval() time.Duration {
	if l == nil {
		return 0
	}
	return time.Duration(l.HeartbeatIntervalMillis) * time.Millisecond
}

// AcquireResponse is returned by POST /locks/{resourceId}/acquire. On
// conflict Success is false and Lock carries the current holder.
type AcquireResponse struct {
	Success bool   `json:"success"`
	Lock    *Lock  `json:"lock,omitempty"`
	Lease   *Lease `json:"lease,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HeartbeatResponse is returned by POST /locks/{resourceId}/heartbeat.
type HeartbeatResponse struct {
	Success bool   `json:"success"`
	Lock    *Lock  `json:"lock,omitempty"`
	Lease   *Lease `json:"lease,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReleaseResponse is returned by POST /locks/{resourceId}/release. Success is
// true whenever the caller no longer holds the lock; Released reports
// whether a record was actually removed.
type ReleaseResponse struct {
	Success  bool `json:"success"`
	Released bool `json:"released"`
}

// TakeoverResponse is returned by POST /locks/{resourceId}/takeover.
type TakeoverResponse struct {
	Success bool  `json:"success"`
	Lock    *Lock `json:"lock,omitempty"`
	// Previous is the lock that was replaced, if any.
	Previous *Lock  `json:"previous,omitempty"`
	Lease    *Lease `json:"lease,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ListResponse is returned by GET /locks.
type ListResponse struct {
	Locks []Lock `json:"locks"`
}

// Event types published on lock state changes.
const (
	EventAcquired  = "acquired"
	EventHeartbeat = "heartbeat"
	EventReleased  = "released"
	EventTakeover  = "takeover"
	EventExpired   = "expired"
)

// LockEvent describes one lock state change.
type LockEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ResourceID string    `json:"resourceId"`
	Lock       *Lock     `json:"lock,omitempty"`
	Previous   *Lock     `json:"previous,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
}

// ErrorResponse is the envelope for non-semantic failures.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
	Lease  *Lease `json:"lease,omitempty"`
}
