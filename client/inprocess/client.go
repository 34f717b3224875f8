// Package inprocess runs an editlock server inside the calling process and
// hands back a client wired to it over a private unix socket.
package inprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"pkt.systems/editlock"
	"pkt.systems/editlock/client"
)

// Client is a client.Client whose server lives and dies with it.
type Client struct {
	*client.Client

	server    *editlock.Server
	stop      func(context.Context) error
	cleanup   func()
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	server []editlock.Option
	client []client.Option
}

// Option customises New.
type Option func(*options)

// WithServerOptions passes options to the embedded server.
func WithServerOptions(opts ...editlock.Option) Option {
	return func(o *options) { o.server = append(o.server, opts...) }
}

// WithClientOptions passes options to the client, for example
// client.WithIdentity.
func WithClientOptions(opts ...client.Option) Option {
	return func(o *options) { o.client = append(o.client, opts...) }
}

// New starts an in-process server and returns a client connected to it.
// TLS settings are dropped and the mtls provider is replaced by trusted
// headers, since the socket never leaves the process. Close the client to
// stop the server.
//
//	cli, err := inprocess.New(ctx, editlock.Config{Store: "mem://"},
//	    inprocess.WithClientOptions(client.WithIdentity(client.Identity{ID: "alice"})))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close(ctx)
func New(ctx context.Context, cfg editlock.Config, opts ...Option) (*Client, error) {
	if cfg.ListenProto == "" {
		cfg.ListenProto = "unix"
	}
	if cfg.ListenProto != "unix" {
		return nil, fmt.Errorf("inprocess: only unix sockets are supported; set ListenProto to 'unix'")
	}
	cfg.TLSCertFile, cfg.TLSKeyFile, cfg.ClientCAFile, cfg.DenylistPath = "", "", "", ""
	cfg.Auth = slices.DeleteFunc(slices.Clone(cfg.Auth), func(p string) bool { return p == editlock.AuthMTLS })
	if len(cfg.Auth) == 0 {
		cfg.Auth = []string{editlock.AuthHeaders}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	socketDir, err := os.MkdirTemp("", "editlock-inproc-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(socketDir) }
	if cfg.Listen == "" {
		cfg.Listen = filepath.Join(socketDir, "editlock.sock")
	}

	srv, stop, err := editlock.StartServer(ctx, cfg, o.server...)
	if err != nil {
		cleanup()
		return nil, err
	}
	cli, err := client.New("unix://"+cfg.Listen, o.client...)
	if err != nil {
		_ = stop(context.Background())
		cleanup()
		return nil, err
	}
	return &Client{Client: cli, server: srv, stop: stop, cleanup: cleanup}, nil
}

// Server returns the embedded server.
func (c *Client) Server() *editlock.Server {
	return c.server
}

// Close shuts down the embedded server and removes its socket directory.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if c.stop != nil {
			c.closeErr = c.stop(ctx)
		}
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return c.closeErr
}
