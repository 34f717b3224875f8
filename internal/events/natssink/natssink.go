// Package natssink publishes lock events to NATS subjects.
package natssink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	nats "github.com/nats-io/nats.go"

	"pkt.systems/editlock/api"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "editlock.locks"

// HeaderResource carries the resource id, which may not be a valid subject token.
const HeaderResource = "Editlock-Resource"

// Config describes the NATS connection.
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// Sink publishes events to <prefix>.<type>.
type Sink struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// New connects to NATS.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("natssink: url is required")
	}
	name := cfg.Name
	if name == "" {
		name = "editlock"
	}
	conn, err := nats.Connect(cfg.URL, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("natssink: connect: %w", err)
	}
	s := NewWithConn(conn, cfg.SubjectPrefix)
	s.owned = true
	return s, nil
}

// NewWithConn wraps an existing connection; the caller keeps ownership.
func NewWithConn(conn *nats.Conn, prefix string) *Sink {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Sink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (s *Sink) Subject(eventType string) string {
	return s.prefix + "." + eventType
}

// Publish sends evt as JSON.
func (s *Sink) Publish(ctx context.Context, evt api.LockEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("natssink: encode: %w", err)
	}
	msg := &nats.Msg{Subject: s.Subject(evt.Type), Data: data, Header: nats.Header{}}
	msg.Header.Set(HeaderResource, evt.ResourceID)
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("natssink: publish: %w", err)
	}
	return nil
}

// Close drains the connection when the sink owns it.
func (s *Sink) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
