package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/editlock/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Container: "locks"}); err == nil {
		t.Fatal("expected missing account error")
	}
	if _, err := New(Config{Account: "acct"}); err == nil {
		t.Fatal("expected missing container error")
	}
	if _, err := New(Config{Account: "acct", Container: "locks"}); err == nil {
		t.Fatal("expected missing credential error")
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net/?comp=list", "?sv=1&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?comp=list&sv=1&sig=abc" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestBlobNameEscapesResourceID(t *testing.T) {
	s := &Store{prefix: "tenant"}
	if got := s.blobName("content/a b"); got != "tenant/locks/content%2Fa%20b.pb" {
		t.Fatalf("unexpected blob name %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	conflict := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "BlobAlreadyExists"}
	if !isPreconditionFailed(conflict) {
		t.Fatal("409 should be treated as a failed precondition")
	}
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}
	if !isContainerExists(exists) {
		t.Fatal("expected container exists detection")
	}
	if !isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Fatal("expected not found detection")
	}
	if !storage.IsTransient(wrapError(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, "azure: get")) {
		t.Fatal("5xx should be transient")
	}
	if storage.IsTransient(wrapError(errors.New("bad request"), "azure: get")) {
		t.Fatal("plain errors should not be transient")
	}
	if !storage.IsTransient(wrapError(context.DeadlineExceeded, "azure: get")) {
		t.Fatal("deadline exceeded should be transient")
	}
}
