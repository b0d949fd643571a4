package oracle

import (
	"sync"
	"time"
)

// Breaker is a circuit breaker keyed by operation label. After Threshold
// consecutive failures of the same operation it short-circuits that
// operation for Cooldown, preventing retry storms against an oracle that
// keeps failing the same way.
//
// One Breaker instance is shared across every layer that talks to the
// oracle; per-layer breakers would reintroduce independent retry loops.
type Breaker struct {
	Threshold int
	Cooldown  time.Duration

	mu    sync.Mutex
	state map[string]*breakerState
}

type breakerState struct {
	consecutiveFailures int
	openUntil           time.Time
}

// NewBreaker creates a Breaker with the given consecutive-failure
// threshold and cooldown window.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     make(map[string]*breakerState),
	}
}

// Allow reports whether the operation may proceed. When the circuit is
// open it returns false until the cooldown expires.
func (b *Breaker) Allow(label string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[label]
	if !ok {
		return true
	}
	if st.openUntil.IsZero() {
		return true
	}
	if time.Now().After(st.openUntil) {
		// Cooldown over: half-open, allow one probe.
		st.openUntil = time.Time{}
		st.consecutiveFailures = 0
		return true
	}
	return false
}

// RecordSuccess resets the failure count for the operation.
func (b *Breaker) RecordSuccess(label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, label)
}

// RecordFailure counts a failure and opens the circuit once the threshold
// is reached. It returns true when this failure opened the circuit.
func (b *Breaker) RecordFailure(label string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[label]
	if !ok {
		st = &breakerState{}
		b.state[label] = st
	}
	st.consecutiveFailures++
	if st.consecutiveFailures >= b.Threshold && st.openUntil.IsZero() {
		st.openUntil = time.Now().Add(b.Cooldown)
		return true
	}
	return false
}
