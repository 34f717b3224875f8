package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	got := pseudoFromBuildInfo(info)
	if got != "v0.0.0-20260102030405-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if pseudoFromBuildInfo(&debug.BuildInfo{}) != "" {
		t.Fatal("expected empty pseudo version without vcs settings")
	}
}

func TestUserAgentHasVersion(t *testing.T) {
	ua := UserAgent()
	if ua != "editlock/"+Current() {
		t.Fatalf("unexpected user agent %q", ua)
	}
}
