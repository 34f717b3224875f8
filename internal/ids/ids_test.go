package ids

import "testing"

func TestNewSession(t *testing.T) {
	a := NewSession()
	b := NewSession()
	if a == b {
		t.Fatal("expected unique session ids")
	}
	if !ValidSession(a) {
		t.Fatalf("expected %q to validate", a)
	}
	if ValidSession("not-a-session") {
		t.Fatal("expected invalid session id to fail")
	}
}
