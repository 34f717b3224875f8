// Package storagecheck exercises a lock store with a throwaway record to
// confirm that it honours the conditional write contract.
package storagecheck

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock"
	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/uuidv7"
)

// ProbePrefix prefixes the resource id of every diagnostic record.
const ProbePrefix = "editlock-diagnostics-"

// Result captures the outcome of store verification checks.
type Result struct {
	Provider    string
	Store       string
	Credentials *editlock.CredentialSummary
	Checks      []CheckResult
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// VerifyStore opens the backend named by cfg.Store and runs VerifyBackend
// against it. Failing to open the store is returned as an error; failing
// checks are reported in the result.
func VerifyStore(ctx context.Context, cfg editlock.Config, logger pslog.Logger) (Result, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return Result{}, fmt.Errorf("parse store URL: %w", err)
	}
	res := Result{Provider: u.Scheme, Store: u.Redacted()}
	if res.Provider == "" {
		res.Provider = "mem"
	}
	if u.Scheme == "s3" {
		_, summary, err := editlock.BuildGenericS3Config(cfg)
		if err != nil {
			return Result{}, err
		}
		res.Credentials = &summary
	}
	backend, err := editlock.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return Result{}, fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()
	res.Checks = VerifyBackend(ctx, backend)
	return res, nil
}

// VerifyBackend runs the conditional write sequence a lock service relies
// on and removes the probe record afterwards.
func VerifyBackend(ctx context.Context, backend storage.Backend) []CheckResult {
	id := ProbePrefix + uuidv7.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	probe := &storage.Lock{
		ResourceID:      id,
		OwnerID:         "editlock-verify",
		OwnerName:       "storage diagnostics",
		AcquiredAt:      now,
		LastHeartbeatAt: now,
	}
	var checks []CheckResult
	record := func(name string, err error) bool {
		checks = append(checks, CheckResult{Name: name, Err: err})
		return err == nil
	}

	etag, err := backend.CompareAndSwap(ctx, id, "", probe)
	if !record("CreateOnly", err) {
		return checks
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = backend.Delete(cleanupCtx, id, "")
	}()

	_, err = backend.CompareAndSwap(ctx, id, "", probe)
	record("CreateOnlyConflict", expectMismatch(err))

	got, err := backend.Get(ctx, id)
	if err == nil {
		switch {
		case got.ETag != etag:
			err = fmt.Errorf("etag %q does not match the created %q", got.ETag, etag)
		case got.Lock == nil || got.Lock.OwnerID != probe.OwnerID || !got.Lock.AcquiredAt.Equal(probe.AcquiredAt):
			err = fmt.Errorf("read back %+v, wrote %+v", got.Lock, probe)
		}
	}
	record("Get", err)

	renewed := probe.Clone()
	renewed.LastHeartbeatAt = now.Add(time.Second)
	_, err = backend.CompareAndSwap(ctx, id, "stale-"+etag, renewed)
	record("StaleETagRejected", expectMismatch(err))

	next, err := backend.CompareAndSwap(ctx, id, etag, renewed)
	if err == nil && next == etag {
		err = errors.New("swap returned the previous etag")
	}
	if record("Swap", err) {
		etag = next
	}

	ids, err := backend.List(ctx)
	if err == nil && !slices.Contains(ids, id) {
		err = fmt.Errorf("probe %s missing from list", id)
	}
	record("List", err)

	record("DeleteStaleETagRejected", expectMismatch(backend.Delete(ctx, id, "stale-"+etag)))

	err = backend.Delete(ctx, id, etag)
	if err == nil {
		if _, getErr := backend.Get(ctx, id); !errors.Is(getErr, storage.ErrNotFound) {
			err = fmt.Errorf("record still readable after delete: %v", getErr)
		}
	}
	record("Delete", err)
	return checks
}

func expectMismatch(err error) error {
	switch {
	case err == nil:
		return errors.New("conditional write succeeded against a mismatching etag")
	case errors.Is(err, storage.ErrCASMismatch):
		return nil
	default:
		return fmt.Errorf("expected cas mismatch, got %w", err)
	}
}
