package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream 503")

// fill records n failures and n successes alternating, keeping the breaker
// closed when rates stay under threshold.
func fill(b *Breaker, failures, successes int) {
	for range failures {
		b.Record(errUpstream, 0)
	}
	for range successes {
		b.Record(nil, 0)
	}
}

func TestClosedUntilMinSamples(t *testing.T) {
	t.Parallel()
	b := New(DefaultConfig())

	// 9 failures: 100% failure rate but below MinSamples.
	fill(b, 9, 0)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed before min samples", got)
	}

	b.Record(errUpstream, 0)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open at min samples", got)
	}
}

func TestOpensOnFailureRate(t *testing.T) {
	t.Parallel()
	b := New(DefaultConfig())

	// 100 calls, 50 failures: exactly at the 50% threshold.
	for i := range 100 {
		if i%2 == 0 {
			b.Record(errUpstream, 0)
		} else {
			b.Record(nil, 0)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open at 50%% failures", got)
	}
	if b.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestOpensOnSlowRate(t *testing.T) {
	t.Parallel()
	b := New(DefaultConfig())

	// All successful but half are slower than 2s.
	for i := range 20 {
		elapsed := time.Duration(0)
		if i%2 == 0 {
			elapsed = 3 * time.Second
		}
		b.Record(nil, elapsed)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open on slow-call rate", got)
	}
}

func TestIgnoredOutcomesExcluded(t *testing.T) {
	t.Parallel()
	errValidation := errors.New("bad argument")
	cfg := DefaultConfig()
	cfg.Classify = func(err error) Outcome {
		switch {
		case err == nil:
			return OutcomeSuccess
		case errors.Is(err, errValidation):
			return OutcomeIgnored
		default:
			return OutcomeFailure
		}
	}
	b := New(cfg)

	for range 100 {
		b.Record(errValidation, 0)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed: validation errors are not upstream health", got)
	}
}

func TestHalfOpenProbeCycle(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.WaitDuration = 30 * time.Millisecond
	cfg.HalfOpenProbes = 4

	var mu sync.Mutex
	var transitions []State
	cfg.OnStateChange = func(_, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	b := New(cfg)
	fill(b, 10, 0)
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(cfg.WaitDuration + 10*time.Millisecond)

	// Exactly 4 probes admitted, the 5th rejected.
	for i := range 4 {
		if !b.Allow() {
			t.Fatalf("probe %d rejected", i)
		}
	}
	if b.Allow() {
		t.Fatal("probe beyond the permitted count must be rejected")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}

	// All probes succeed: breaker closes.
	for range 4 {
		b.Record(nil, 0)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after healthy probes", got)
	}
	if !b.Allow() {
		t.Fatal("closed breaker must admit")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestHalfOpenFailedProbesReopen(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.WaitDuration = 20 * time.Millisecond
	cfg.HalfOpenProbes = 4
	b := New(cfg)

	fill(b, 10, 0)
	time.Sleep(cfg.WaitDuration + 10*time.Millisecond)

	for range 4 {
		if !b.Allow() {
			t.Fatal("probe rejected")
		}
		b.Record(errUpstream, 0)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open after failed probes", got)
	}
}

func TestWindowEviction(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.WindowSize = 10
	b := New(cfg)

	// 4 early failures (40% at window fill, under threshold) pushed out by
	// 10 later successes.
	fill(b, 4, 0)
	fill(b, 0, 10)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed once failures age out", got)
	}
}

func TestRegistryPerService(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	a := r.Get("business-service")
	if a != r.Get("business-service") {
		t.Error("same service must share one breaker")
	}
	if a == r.Get("identity-service") {
		t.Error("distinct services must get distinct breakers")
	}
}
