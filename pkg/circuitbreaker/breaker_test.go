package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	cfg := DefaultConfig("kafka")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	boom := errors.New("broker down")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := cb.Do(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected broker error, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	err = cb.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v, want [open]", transitions)
	}
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	cb, err := New(DefaultConfig("mail"), nil)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}
	if err := cb.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestStateLevel(t *testing.T) {
	tests := []struct {
		state State
		want  int
	}{
		{StateClosed, 0},
		{StateHalfOpen, 1},
		{StateOpen, 2},
	}
	for _, tt := range tests {
		if got := tt.state.Level(); got != tt.want {
			t.Errorf("%s.Level() = %d, want %d", tt.state, got, tt.want)
		}
	}
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(DefaultConfig(""), nil)

	a, err := m.Get("email")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := m.Get("email")
	c, _ := m.Get("sms")

	if a != b {
		t.Error("expected the same breaker for the same name")
	}
	if a == c {
		t.Error("expected distinct breakers for distinct names")
	}
	if got := len(m.Health()); got != 2 {
		t.Errorf("health entries = %d, want 2", got)
	}
}
