package correlation

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("abc-123"); !ok || got != "abc-123" {
		t.Fatalf("expected abc-123 to normalize, got %q ok=%v", got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestSetIgnoresInvalid(t *testing.T) {
	ctx := Set(context.Background(), "req-1")
	if ID(ctx) != "req-1" {
		t.Fatalf("expected req-1, got %q", ID(ctx))
	}
	ctx = Set(ctx, "\x00")
	if ID(ctx) != "req-1" {
		t.Fatalf("invalid id must not replace existing, got %q", ID(ctx))
	}
	if Has(context.Background()) {
		t.Fatal("background context should not carry an id")
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/locks/page:home", nil)
	req.Header.Set(Header, "edit-42")
	ctx, id := FromRequest(req)
	if id != "edit-42" || ID(ctx) != "edit-42" {
		t.Fatalf("expected header id, got %q / %q", id, ID(ctx))
	}

	bare := httptest.NewRequest("GET", "/locks/page:home", nil)
	ctx, id = FromRequest(bare)
	if id == "" || ID(ctx) != id {
		t.Fatalf("expected generated id, got %q / %q", id, ID(ctx))
	}
}

func TestLoggerWithoutID(t *testing.T) {
	logger := pslog.NewStructured(context.Background(), io.Discard)
	if Logger(context.Background(), logger) != logger {
		t.Fatal("expected logger to be returned unchanged")
	}
	if Logger(context.Background(), nil) == nil {
		t.Fatal("expected noop logger for nil input")
	}
}
