// Package identity resolves the caller behind an HTTP request.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"pkt.systems/editlock/api"
)

// ErrRejected reports credentials that were presented but are not valid.
// Providers return it so the chain stops instead of falling through to a
// weaker provider.
var ErrRejected = errors.New("identity: credentials rejected")

// Identity is an authenticated user.
type Identity struct {
	ID    string   `json:"id" yaml:"id"`
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Email string   `json:"email,omitempty" yaml:"email,omitempty"`
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// Authenticator resolves an identity from a request. ok is false when the
// request carries nothing this provider understands.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (id Identity, ok bool, err error)
}

// Chain tries providers in order and returns the first identity found.
type Chain []Authenticator

// Authenticate implements Authenticator.
func (c Chain) Authenticate(ctx context.Context, r *http.Request) (Identity, bool, error) {
	for _, provider := range c {
		if provider == nil {
			continue
		}
		id, ok, err := provider.Authenticate(ctx, r)
		if err != nil {
			return Identity{}, false, err
		}
		if ok {
			return id, true, nil
		}
	}
	return Identity{}, false, nil
}

// Headers trusts identity headers set by a proxy in front of the server.
// Only enable it when every request passes through that proxy.
type Headers struct{}

// Authenticate implements Authenticator.
func (Headers) Authenticate(_ context.Context, r *http.Request) (Identity, bool, error) {
	id := strings.TrimSpace(r.Header.Get(api.HeaderUserID))
	if id == "" {
		return Identity{}, false, nil
	}
	return Identity{
		ID:    id,
		Name:  strings.TrimSpace(r.Header.Get(api.HeaderUserName)),
		Email: strings.TrimSpace(r.Header.Get(api.HeaderUserEmail)),
		Roles: SplitRoles(r.Header.Get(api.HeaderUserRoles)),
	}, true, nil
}

// MTLS maps a verified client certificate to an identity: the subject CN is
// the id, the first SAN email the email and organizational units the roles.
type MTLS struct{}

// Authenticate implements Authenticator.
func (MTLS) Authenticate(_ context.Context, r *http.Request) (Identity, bool, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return Identity{}, false, nil
	}
	cert := r.TLS.PeerCertificates[0]
	cn := strings.TrimSpace(cert.Subject.CommonName)
	if cn == "" {
		return Identity{}, false, nil
	}
	id := Identity{ID: cn, Name: cn, Roles: append([]string(nil), cert.Subject.OrganizationalUnit...)}
	if len(cert.EmailAddresses) > 0 {
		id.Email = cert.EmailAddresses[0]
	}
	return id, true, nil
}

// SplitRoles parses a comma separated role list.
func SplitRoles(raw string) []string {
	var roles []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			roles = append(roles, part)
		}
	}
	return roles
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type contextKey struct{}

// WithContext stores id on ctx.
func WithContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithContext.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
