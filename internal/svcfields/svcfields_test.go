package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("api", "", ".http.", "router"); got != "api.http.router" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	if WithSubsystem(nil, "core") == nil {
		t.Fatal("expected noop logger")
	}
	if WithResource(nil, "") == nil {
		t.Fatal("expected noop logger")
	}
}
