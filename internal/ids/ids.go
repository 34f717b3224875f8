// Package ids generates short identifiers for editing sessions.
package ids

import "github.com/rs/xid"

// NewSession returns a sortable, URL-safe session identifier.
func NewSession() string {
	return xid.New().String()
}

// ValidSession reports whether id parses as a session identifier.
func ValidSession(id string) bool {
	_, err := xid.FromString(id)
	return err == nil
}
