package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	ncerr "gorelay/internal/errors"
)

var errRefused = errors.New("connection refused")

// clock is a hand-advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg CircuitBreakerConfig) (*Breaker, *clock) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker("10.0.0.1:80", &cfg)
	b.now = clk.now
	return b, clk
}

func fail(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Do(func() error { return errRefused }) //nolint:errcheck
	}
}

func TestBreaker_PassesWhileHealthy(t *testing.T) {
	b, _ := newTestBreaker(CircuitBreakerConfig{})

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
	if b.Target() != "10.0.0.1:80" {
		t.Errorf("Target = %q", b.Target())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})

	fail(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("opened early after 2 failures")
	}
	fail(b, 1)
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open after 3 failures", b.State())
	}
	if b.Failures() != 3 {
		t.Errorf("Failures = %d, want 3", b.Failures())
	}
}

func TestBreaker_RejectsWhileOpen(t *testing.T) {
	b, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	fail(b, 1)
	clk.advance(20 * time.Second)

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ncerr.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("dial ran while the circuit was open")
	}
	for _, want := range []string{"10.0.0.1:80", "40s"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err %q should mention %q", err, want)
		}
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2})
	fail(b, 1)
	clk.advance(time.Minute)

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("state = %s, want half-open after one good trial", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after two good trials", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("Failures = %d after recovery", b.Failures())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2})
	fail(b, 1)
	clk.advance(time.Minute)

	fail(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after a failed trial", b.State())
	}
	// The cool-down restarts from the failed trial.
	clk.advance(30 * time.Second)
	if err := b.Allow(); !errors.Is(err, ncerr.ErrCircuitOpen) {
		t.Errorf("Allow = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_OneTrialAtATime(t *testing.T) {
	b, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	fail(b, 1)
	clk.advance(time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("trial dial rejected: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ncerr.ErrCircuitOpen) {
		t.Errorf("second concurrent trial = %v, want ErrCircuitOpen", err)
	}
	b.Record(nil)
	if err := b.Allow(); err != nil {
		t.Errorf("next trial after the first finished: %v", err)
	}
}

func TestBreaker_CancelledDialNotCounted(t *testing.T) {
	b, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1})

	for i := 0; i < 3; i++ {
		b.Do(func() error { return fmt.Errorf("dial: %w", context.Canceled) }) //nolint:errcheck
	}
	if b.State() != StateClosed || b.Failures() != 0 {
		t.Errorf("state = %s failures = %d, want untouched", b.State(), b.Failures())
	}
}

func TestBreaker_SuccessClearsFailures(t *testing.T) {
	b, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3})

	fail(b, 2)
	b.Do(func() error { return nil }) //nolint:errcheck
	if b.Failures() != 0 {
		t.Errorf("Failures = %d, want 0 after a good dial", b.Failures())
	}
	fail(b, 2)
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	fail(b, 1)

	b.Reset()
	if b.State() != StateClosed || b.Failures() != 0 {
		t.Errorf("state = %s failures = %d after Reset", b.State(), b.Failures())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow after Reset: %v", err)
	}
}

func TestBreaker_StateChange(t *testing.T) {
	var got []string
	b, clk := newTestBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
		OnStateChange: func(target string, from, to State) {
			got = append(got, fmt.Sprintf("%s %s->%s", target, from, to))
		},
	})

	fail(b, 1)
	clk.advance(time.Minute)
	b.Do(func() error { return nil }) //nolint:errcheck

	want := []string{
		"10.0.0.1:80 closed->open",
		"10.0.0.1:80 open->half-open",
		"10.0.0.1:80 half-open->closed",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreakerConfig_Defaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  *CircuitBreakerConfig
	}{
		{"nil", nil},
		{"zero", &CircuitBreakerConfig{}},
		{"negative", &CircuitBreakerConfig{MaxFailures: -1, ResetTimeout: -time.Second, HalfOpenMax: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBreaker("x:1", tt.cfg)
			if b.cfg.MaxFailures != 5 || b.cfg.ResetTimeout != 30*time.Second || b.cfg.HalfOpenMax != 2 {
				t.Errorf("cfg = %+v, want defaults", b.cfg)
			}
		})
	}
}

func TestBreakers_PerTarget(t *testing.T) {
	set := NewBreakers(&CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	a := set.For("10.0.0.1:80")
	if set.For("10.0.0.1:80") != a {
		t.Fatal("same target should return the same breaker")
	}
	c := set.For("10.0.0.2:80")
	z := set.For("10.0.0.0:80")

	fail(a, 1)
	fail(z, 1)

	if c.State() != StateClosed {
		t.Errorf("%s = %s, want closed; targets must not share state", c.Target(), c.State())
	}
	if got := strings.Join(set.Open(), ","); got != "10.0.0.0:80,10.0.0.1:80" {
		t.Errorf("Open = %q", got)
	}
	if set.Len() != 3 {
		t.Errorf("Len = %d, want 3", set.Len())
	}
}
