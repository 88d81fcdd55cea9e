package engine

import (
	"math"
	"sync"
	"time"
)

// BreakerState 熔断器三态
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is the per-endpoint failure isolation state machine.
//
// closed → open     when the endpoint's failure rate reaches the configured
//                   threshold over at least minSamples observed requests
// open → half_open  automatically after the cooldown elapses (deferred timer)
// half_open → closed on the next successful request
// half_open → open  on the next failed request
//
// Half-open admits exactly one in-flight probe: Allow hands out a single
// probe token, so concurrent callers cannot stampede a recovering endpoint.
type Breaker struct {
	mu         sync.Mutex
	state      BreakerState
	threshold  float64       // failure-rate fraction that trips the breaker
	minSamples uint64        // observation floor: ceil(1/threshold)
	cooldown   time.Duration // time spent open before probation
	probing    bool          // half-open probe token is out
	openedAt   time.Time
	timer      *time.Timer

	onChange func(from, to BreakerState)
}

// NewBreaker creates a closed breaker. onChange may be nil; it is invoked
// outside the breaker lock is NOT guaranteed, keep it fast and non-blocking.
func NewBreaker(threshold float64, cooldown time.Duration, onChange func(from, to BreakerState)) *Breaker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	return &Breaker{
		state:      BreakerClosed,
		threshold:  threshold,
		minSamples: uint64(math.Ceil(1 / threshold)),
		cooldown:   cooldown,
		onChange:   onChange,
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a new request may go to the endpoint.
// In half-open it grants the single probe token; the caller must report the
// probe's outcome via OnSuccess/OnFailure, which releases the token.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// Eligible reports whether the endpoint can be considered by the selector
// without consuming the half-open probe token.
func (b *Breaker) Eligible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		return false
	}
	if b.state == BreakerHalfOpen && b.probing {
		return false
	}
	return true
}

// OnSuccess records a successful request. A half-open probe success closes
// the breaker.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	if b.state == BreakerHalfOpen {
		b.probing = false
		b.transitionLocked(BreakerClosed)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
}

// OnFailure records a failed request together with the endpoint's observed
// failure rate and sample count. Returns true if this failure tripped the
// breaker open.
func (b *Breaker) OnFailure(failureRate float64, samples uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		// 试探失败，视作从未离开 open
		b.probing = false
		b.tripLocked()
		return true
	case BreakerClosed:
		if samples >= b.minSamples && failureRate >= b.threshold {
			b.tripLocked()
			return true
		}
	}
	return false
}

// ForceOpen trips the breaker regardless of failure rate, with an optional
// cooldown override (zero keeps the configured one). Used for 429 rate-limit
// responses that warrant a longer quarantine.
func (b *Breaker) ForceOpen(cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		return
	}
	saved := b.cooldown
	if cooldown > 0 {
		b.cooldown = cooldown
	}
	b.tripLocked()
	b.cooldown = saved
}

// tripLocked moves to open and arms the deferred half-open timer.
// Must be called with b.mu held.
func (b *Breaker) tripLocked() {
	b.transitionLocked(BreakerOpen)
	b.openedAt = time.Now()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cooldown, b.halfOpen)
}

// halfOpen is the deferred open → half_open transition.
func (b *Breaker) halfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return
	}
	b.probing = false
	b.transitionLocked(BreakerHalfOpen)
}

// transitionLocked swaps states and fires the change hook.
// Must be called with b.mu held.
func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// Stop cancels the pending half-open timer. Called on pool shutdown.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
