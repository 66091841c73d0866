package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUnavailable = errors.New("connection refused")

func fail() error    { return errUnavailable }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second, WithClock(newFakeClock().Now))

	for i := 0; i < 2; i++ {
		if err := cb.Execute(fail); !errors.Is(err, errUnavailable) {
			t.Fatalf("call %d: expected the call error, got %v", i, err)
		}
	}
	if cb.GetState() != StateClosed || cb.GetFailures() != 2 {
		t.Fatalf("state = %v failures = %d", cb.GetState(), cb.GetFailures())
	}

	_ = cb.Execute(fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.GetState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Fatalf("open breaker must reject without calling, err=%v called=%v", err, called)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if cb.GetFailures() != 0 || cb.GetState() != StateClosed {
		t.Fatalf("state = %v failures = %d", cb.GetState(), cb.GetFailures())
	}
}

func TestCircuitBreaker_ProbeAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, time.Second, WithClock(clock.Now))
	_ = cb.Execute(fail)

	clock.Advance(999 * time.Millisecond)
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("cooldown not elapsed, got %v", err)
	}

	clock.Advance(time.Millisecond)
	if err := cb.Execute(fail); !errors.Is(err, errUnavailable) {
		t.Fatalf("probe should run, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("failed probe must reopen, got %v", cb.GetState())
	}
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("reopened breaker restarts the cooldown, got %v", err)
	}

	clock.Advance(time.Second)
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("successful probe must close, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, time.Second, WithClock(clock.Now))
	_ = cb.Execute(fail)
	clock.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open during the probe, got %v", cb.GetState())
	}
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("second call during the probe must be rejected, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_FailurePredicate(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second, WithFailurePredicate(func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}))

	if err := cb.Execute(func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the call error, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("ignored errors must not open the breaker, got %v", cb.GetState())
	}
	_ = cb.Execute(fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_StateChangesAndReset(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := NewCircuitBreaker(2, time.Second, WithClock(clock.Now), OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}))

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clock.Advance(time.Second)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	cb.Reset()

	want := []string{"closed>open", "open>half-open", "half-open>closed", "closed>open", "open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
	if cb.GetState() != StateClosed || cb.GetFailures() != 0 {
		t.Fatalf("after reset state = %v failures = %d", cb.GetState(), cb.GetFailures())
	}
}

func TestNewCircuitBreaker_ClampsThreshold(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Second)
	_ = cb.Execute(fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("a zero threshold opens on the first failure, got %v", cb.GetState())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}
