// Package resilience wraps outbound provider calls in a composite policy:
// circuit breaker outermost, then retry with exponential backoff and jitter,
// then a per-attempt timeout.
package resilience

import (
	"sync"
	"time"
)

// BreakerState is the health gate state for one provider/region pair.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the failure-ratio circuit breaker.
type BreakerConfig struct {
	SamplingWindow time.Duration
	MinSamples     int
	FailureRatio   float64
	BreakDuration  time.Duration
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		SamplingWindow: 30 * time.Second,
		MinSamples:     5,
		FailureRatio:   0.5,
		BreakDuration:  30 * time.Second,
	}
}

type sample struct {
	at      time.Time
	failure bool
}

// CircuitBreaker tracks recent call outcomes inside a sliding window and
// refuses calls while open. Half-open permits a single probe.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      BreakerState
	samples    []sample
	openedAt   time.Time
	probing    bool
	now        func() time.Time
	onStateChg func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.SamplingWindow <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed, now: time.Now}
}

// OnStateChange registers a callback invoked on every state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChg = fn
}

// State returns the current breaker state, advancing open -> half-open when
// the break duration has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	return cb.state
}

// Allow reports whether a call may proceed. In half-open only a single probe
// is admitted until its outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()

	switch cb.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.record(false)
}

// RecordFailure records a failed call outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.record(true)
}

func (cb *CircuitBreaker) record(failure bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()

	if cb.state == BreakerHalfOpen {
		cb.probing = false
		if failure {
			cb.transition(BreakerOpen)
			cb.openedAt = cb.now()
		} else {
			cb.transition(BreakerClosed)
			cb.samples = nil
		}
		return
	}

	cb.samples = append(cb.samples, sample{at: cb.now(), failure: failure})
	cb.trim()

	if cb.state == BreakerClosed && cb.shouldTrip() {
		cb.transition(BreakerOpen)
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) refresh() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.BreakDuration {
		cb.transition(BreakerHalfOpen)
		cb.probing = false
	}
	cb.trim()
}

func (cb *CircuitBreaker) trim() {
	cutoff := cb.now().Add(-cb.cfg.SamplingWindow)
	i := 0
	for ; i < len(cb.samples); i++ {
		if cb.samples[i].at.After(cutoff) {
			break
		}
	}
	cb.samples = cb.samples[i:]
}

func (cb *CircuitBreaker) shouldTrip() bool {
	if len(cb.samples) < cb.cfg.MinSamples {
		return false
	}
	failures := 0
	for _, s := range cb.samples {
		if s.failure {
			failures++
		}
	}
	return float64(failures)/float64(len(cb.samples)) >= cb.cfg.FailureRatio
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChg != nil {
		cb.onStateChg(from, to)
	}
}

// BreakerSet holds one breaker per (provider, region) key. State is
// process-local; replicas heal independently.
type BreakerSet struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	onChange func(key string, from, to BreakerState)
}

// NewBreakerSet creates an empty set sharing one config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// OnStateChange registers a callback for every breaker in the set.
func (bs *BreakerSet) OnStateChange(fn func(key string, from, to BreakerState)) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.onChange = fn
}

// Get returns the breaker for the key, creating it closed on first use.
func (bs *BreakerSet) Get(key string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cb, ok := bs.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(bs.cfg)
		if bs.onChange != nil {
			k := key
			cb.onStateChg = func(from, to BreakerState) { bs.onChange(k, from, to) }
		}
		bs.breakers[key] = cb
	}
	return cb
}
