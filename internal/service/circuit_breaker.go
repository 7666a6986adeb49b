package service

import (
	"sync"
	"time"
)

// circuitState is the per-endpoint breaker state: consecutive failures and
// the time until which the endpoint is skipped by ProxySelector.
type circuitState struct {
	consecutiveFailures int
	openUntil           time.Time
}

// CircuitBreaker tracks per-proxy-endpoint failure streaks and temporarily
// removes an endpoint from selection once it trips, mirroring the
// teacher's HealthChecker state-map pattern but keyed by endpoint ID and
// driven by explicit RecordSuccess/RecordFailure calls instead of polling.
type CircuitBreaker struct {
	mu            sync.Mutex
	states        map[int64]*circuitState
	failThreshold int
	openDuration  time.Duration
}

// NewCircuitBreaker creates a breaker that opens after failThreshold
// consecutive failures and stays open for openDuration.
func NewCircuitBreaker(failThreshold int, openDuration time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:        make(map[int64]*circuitState),
		failThreshold: failThreshold,
		openDuration:  openDuration,
	}
}

// Allow reports whether requests may currently be sent to endpointID.
func (b *CircuitBreaker) Allow(endpointID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[endpointID]
	if !ok {
		return true
	}
	if st.openUntil.IsZero() {
		return true
	}
	return time.Now().After(st.openUntil)
}

// RecordSuccess resets the failure streak for endpointID.
func (b *CircuitBreaker) RecordSuccess(endpointID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[endpointID]
	if !ok {
		return
	}
	st.consecutiveFailures = 0
	st.openUntil = time.Time{}
}

// RecordFailure increments the failure streak, opening the breaker once
// failThreshold consecutive failures have been observed.
func (b *CircuitBreaker) RecordFailure(endpointID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[endpointID]
	if !ok {
		st = &circuitState{}
		b.states[endpointID] = st
	}
	st.consecutiveFailures++
	if st.consecutiveFailures >= b.failThreshold {
		st.openUntil = time.Now().Add(b.openDuration)
	}
}

// IsOpen reports whether the breaker is currently tripped for endpointID.
func (b *CircuitBreaker) IsOpen(endpointID int64) bool {
	return !b.Allow(endpointID)
}
