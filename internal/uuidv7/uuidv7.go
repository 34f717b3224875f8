package uuidv7

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// NewETag returns a compact, time-ordered entity tag for stored lock records.
func NewETag() string {
	id := New()
	return hex.EncodeToString(id[:])
}
