// Package editlock assembles the resource edit-lock service: a small HTTP
// server that hands out one renewable lease per resource so two editors
// never modify the same page, article or record at the same time.
//
// # Running a server
//
// The server listens on Config.ListenProto (tcp or unix) at Config.Listen and
// stores locks in the backend selected by Config.Store:
//
//	mem://                                 in-process, single node
//	disk:///var/lib/editlock               one file per lock, shared filesystems
//	s3://minio:9000/bucket/prefix          S3-compatible object stores
//	aws://bucket/prefix?region=eu-north-1  Amazon S3
//	azure://account/container/prefix       Azure Blob Storage
//	redis://host:6379/0?prefix=editlock    Redis
//	postgres://user:pw@host/db?table=locks PostgreSQL
//	sqlite:///var/lib/editlock/locks.db    SQLite
//
// Example:
//
//	cfg := editlock.DefaultConfig()
//	cfg.Store = "redis://localhost:6379/0"
//	srv, stop, err := editlock.StartServer(ctx, cfg, editlock.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// # Leases
//
// A lock is stale once no heartbeat arrived for Config.LeaseTTL (60s by
// default). Clients renew every Config.HeartbeatInterval (30s). Stale locks
// are reclaimed lazily by the next Acquire and removed in the background by
// the sweeper. Takeover is governed by Config.TakeoverMode (any, role or
// stale-after).
//
// # Identity
//
// Mutating calls need an authenticated editor. Config.Auth chains the
// providers: trusted proxy headers, mTLS client certificates, a hot-reloaded
// bearer token file and a userinfo webhook.
//
// # Events
//
// Every state change is published to the in-process hub behind the
// /locks/{resourceId}/watch websocket and to the sinks in Config.Events
// (log://, nats://, kafka://, redis://).
//
// Use package client to talk to a server, and client.Session to drive the
// per-editor lock state machine.
package editlock
