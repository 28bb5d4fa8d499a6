package idempotency

import (
	"errors"
	"fmt"
	"testing"
)

func TestKeyIsStable(t *testing.T) {
	a := Key("notification-dispatcher", "evt-1")
	b := Key("notification-dispatcher", "evt-1")
	c := Key("notification-dispatcher", "evt-2")

	if a != b {
		t.Error("same parts must give the same key")
	}
	if a == c {
		t.Error("different parts must give different keys")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestTerminal(t *testing.T) {
	base := errors.New("malformed notification")

	if IsTerminal(base) {
		t.Error("plain error must not be terminal")
	}
	if Terminal(nil) != nil {
		t.Error("Terminal(nil) must be nil")
	}

	wrapped := fmt.Errorf("decode: %w", Terminal(base))
	if !IsTerminal(wrapped) {
		t.Error("wrapped terminal error must be detected")
	}
	if !errors.Is(wrapped, base) {
		t.Error("terminal error must unwrap to its cause")
	}
}
