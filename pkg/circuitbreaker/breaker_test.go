package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("analysis")
	cfg.Timeout = time.Hour
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	boom := errors.New("connection refused")
	for i := 0; i < int(cfg.ConsecutiveFailures); i++ {
		if err := cb.Execute(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected collaborator error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	err = cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not call through")
	}
}

func TestBreaker_ReportsStateChanges(t *testing.T) {
	var seen []State
	cfg := DefaultConfig("analysis")
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, to State) {
		if name != "analysis" {
			t.Errorf("unexpected breaker name %q", name)
		}
		seen = append(seen, to)
	}
	cb, _ := New(cfg, nil)

	for i := 0; i < int(cfg.ConsecutiveFailures); i++ {
		cb.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	}
	if len(seen) != 1 || seen[0] != StateOpen {
		t.Fatalf("expected a single transition to open, got %v", seen)
	}
}

func TestBreaker_RejectedErrorsDoNotTrip(t *testing.T) {
	cb, _ := New(DefaultConfig("analysis"), nil)
	bad := errors.New("unsupported file type")

	for i := 0; i < 10; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return Rejected(bad) })
		if err != bad {
			t.Fatalf("expected unwrapped caller error, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("caller errors opened the breaker: %s", cb.State())
	}
}

func TestRegistry_Health(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := r.GetOrCreate("a", DefaultConfig(""))
	again, _ := r.GetOrCreate("a", DefaultConfig(""))
	if a != again {
		t.Fatal("GetOrCreate returned a second breaker for the same name")
	}
	h := r.Health()
	if len(h) != 1 || h[0].Name != "a" || !h[0].Healthy {
		t.Fatalf("unexpected health %+v", h)
	}
}
