// Package redissink publishes lock events on a Redis pub/sub channel and,
// optionally, appends them to a capped stream.
package redissink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/editlock/api"
)

// DefaultChannel is used when Config.Channel is empty.
const DefaultChannel = "editlock:events"

const streamMaxLen = 10000

// Config describes the Redis target.
type Config struct {
	URL     string
	Channel string
	Stream  string
}

// Sink publishes events to Redis.
type Sink struct {
	client  goredis.UniversalClient
	channel string
	stream  string
	owned   bool
}

// New dials Redis from cfg.URL.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redissink: url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redissink: parse url: %w", err)
	}
	s := NewWithClient(goredis.NewClient(opts), cfg.Channel, cfg.Stream)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client; the caller keeps ownership.
func NewWithClient(client goredis.UniversalClient, channel, stream string) *Sink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Sink{client: client, channel: channel, stream: stream}
}

// Publish sends evt to the channel and the stream when configured.
func (s *Sink) Publish(ctx context.Context, evt api.LockEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("redissink: encode: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("redissink: publish: %w", err)
	}
	if s.stream == "" {
		return nil
	}
	err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Values: map[string]any{
			"type":     evt.Type,
			"resource": evt.ResourceID,
			"event":    string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redissink: xadd: %w", err)
	}
	return nil
}

// Close closes the client when the sink created it.
func (s *Sink) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
