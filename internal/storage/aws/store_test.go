package aws

import (
	"context"
	"errors"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/editlock/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected missing bucket error")
	}
	if _, err := New(Config{Bucket: "locks"}); err == nil {
		t.Fatal("expected missing region error")
	}
}

func TestObjectKeyEscapesResourceID(t *testing.T) {
	if got := objectKey("", "page:home"); got != "locks/page:home.pb" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := objectKey("tenant", "content/a b"); got != "tenant/locks/content%2Fa%20b.pb" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed"}
	if err := classifyPutObjectError(precondition, true); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
	missing := &smithy.GenericAPIError{Code: "NoSuchKey"}
	if err := classifyPutObjectError(missing, true); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := classifyPutObjectError(missing, false); err != nil {
		t.Fatalf("expected nil for create-only put, got %v", err)
	}
	if !isRetryable(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded should be retryable")
	}
	if isRetryable(precondition) {
		t.Fatal("precondition failures must not be retried")
	}
	s := &Store{}
	if !storage.IsTransient(s.wrapError(context.DeadlineExceeded, "aws: get record")) {
		t.Fatal("expected transient wrap")
	}
}
