// Package circuitbreaker implements a per-upstream circuit breaker with a
// count-based sliding window. It short-circuits calls to known-bad upstreams,
// reducing failover latency from seconds (timeout + network) to nanoseconds
// (state check). A call counts against the window as a failure when the
// classifier says so, and as a slow call when it exceeds the slow threshold;
// either rate can trip the breaker.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen admits a bounded number of probe requests.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome classifies a recorded call result.
type Outcome int

const (
	// OutcomeSuccess counts toward the window as a success.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure counts toward the window as a failure.
	OutcomeFailure
	// OutcomeIgnored is excluded from the window entirely
	// (argument-validation errors say nothing about upstream health).
	OutcomeIgnored
)

// Classifier maps a call error to an Outcome. A nil error must classify
// as OutcomeSuccess.
type Classifier func(err error) Outcome

// DefaultClassifier treats every non-nil error as a failure.
func DefaultClassifier(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureRate    float64       // failure rate to trip, e.g. 0.50
	SlowRate       float64       // slow-call rate to trip, e.g. 0.50
	SlowCall       time.Duration // calls longer than this count as slow
	WindowSize     int           // count-based window sample capacity
	MinSamples     int           // minimum samples before the breaker can open
	WaitDuration   time.Duration // time in OPEN before HALF_OPEN
	HalfOpenProbes int           // probes admitted in HALF_OPEN
	Classify       Classifier
	// OnStateChange, if set, is invoked (outside the breaker lock) after
	// every state transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureRate:    0.50,
		SlowRate:       0.50,
		SlowCall:       2 * time.Second,
		WindowSize:     100,
		MinSamples:     10,
		WaitDuration:   10 * time.Second,
		HalfOpenProbes: 10,
		Classify:       DefaultClassifier,
	}
}

// sample is one recorded call in the count window.
type sample struct {
	set     bool
	failure bool
	slow    bool
}

// countWindow is a fixed-capacity ring of call outcomes with running totals.
type countWindow struct {
	samples  []sample
	head     int
	total    int
	failures int
	slow     int
}

func newCountWindow(size int) countWindow {
	if size <= 0 {
		size = 100
	}
	return countWindow{samples: make([]sample, size)}
}

// record replaces the oldest sample with the new outcome.
func (w *countWindow) record(failure, slow bool) {
	old := w.samples[w.head]
	if old.set {
		if old.failure {
			w.failures--
		}
		if old.slow {
			w.slow--
		}
	} else {
		w.total++
	}
	w.samples[w.head] = sample{set: true, failure: failure, slow: slow}
	if failure {
		w.failures++
	}
	if slow {
		w.slow++
	}
	w.head = (w.head + 1) % len(w.samples)
}

// rates returns the failure rate, slow-call rate, and sample count.
func (w *countWindow) rates() (failureRate, slowRate float64, samples int) {
	if w.total == 0 {
		return 0, 0, 0
	}
	return float64(w.failures) / float64(w.total),
		float64(w.slow) / float64(w.total),
		w.total
}

func (w *countWindow) reset() {
	clear(w.samples)
	w.head, w.total, w.failures, w.slow = 0, 0, 0, 0
}

// Breaker is a per-upstream circuit breaker state machine.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	window   countWindow
	openedAt time.Time

	// HALF_OPEN probe accounting.
	probesStarted int
	probesDone    int
	probesFailed  int
}

// New creates a breaker with the given config. Zero-valued fields fall back
// to DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = def.FailureRate
	}
	if cfg.SlowRate <= 0 {
		cfg.SlowRate = def.SlowRate
	}
	if cfg.SlowCall <= 0 {
		cfg.SlowCall = def.SlowCall
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = def.WaitDuration
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	if cfg.Classify == nil {
		cfg.Classify = def.Classify
	}
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		window: newCountWindow(cfg.WindowSize),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow reports whether a call may proceed. In OPEN it returns false until
// the wait duration elapses, then transitions to HALF_OPEN and admits up to
// the configured number of probes.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	var notify func()
	defer func() {
		b.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.WaitDuration {
			return false
		}
		notify = b.transitionLocked(StateHalfOpen)
		b.probesStarted = 1
		return true
	case StateHalfOpen:
		if b.probesStarted < b.cfg.HalfOpenProbes {
			b.probesStarted++
			return true
		}
		return false
	}
	return false
}

// Record feeds a call outcome into the breaker. elapsed is the call duration,
// used for slow-call accounting; err is classified by the configured
// classifier. Ignored outcomes never touch the window.
func (b *Breaker) Record(err error, elapsed time.Duration) {
	outcome := b.cfg.Classify(err)
	if outcome == OutcomeIgnored {
		return
	}
	failure := outcome == OutcomeFailure
	slow := elapsed > b.cfg.SlowCall

	now := time.Now()
	b.mu.Lock()
	var notify func()
	defer func() {
		b.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch b.state {
	case StateClosed:
		b.window.record(failure, slow)
		failureRate, slowRate, samples := b.window.rates()
		if samples >= b.cfg.MinSamples &&
			(failureRate >= b.cfg.FailureRate || slowRate >= b.cfg.SlowRate) {
			b.openedAt = now
			notify = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probesDone++
		if failure || slow {
			b.probesFailed++
		}
		if b.probesDone >= b.cfg.HalfOpenProbes {
			rate := float64(b.probesFailed) / float64(b.probesDone)
			if rate >= b.cfg.FailureRate {
				b.openedAt = now
				notify = b.transitionLocked(StateOpen)
			} else {
				notify = b.transitionLocked(StateClosed)
			}
		}
	case StateOpen:
		// Late completion of a call admitted before the trip; no probe slot
		// was consumed and the window restarts on the next close anyway.
	}
}

// transitionLocked switches state, resets per-state accounting, and returns
// the notification callback to run after the lock is released.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	switch to {
	case StateHalfOpen:
		b.probesStarted, b.probesDone, b.probesFailed = 0, 0, 0
	case StateClosed:
		b.window.reset()
	}
	if b.cfg.OnStateChange == nil {
		return nil
	}
	cb := b.cfg.OnStateChange
	return func() { cb(from, to) }
}

// Registry manages one breaker per upstream service name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	// configure returns the breaker config for a service the first time
	// it is seen.
	configure func(service string) Config
}

// NewRegistry creates a Registry. configure may be nil, in which case every
// breaker uses DefaultConfig.
func NewRegistry(configure func(service string) Config) *Registry {
	if configure == nil {
		configure = func(string) Config { return DefaultConfig() }
	}
	return &Registry{
		breakers:  make(map[string]*Breaker),
		configure: configure,
	}
}

// Get returns the breaker for the named upstream, creating it if needed.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = New(r.configure(service))
	r.breakers[service] = b
	return b
}
