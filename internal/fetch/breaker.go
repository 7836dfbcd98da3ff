package fetch

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker trips after failureThreshold consecutive failures and rejects
// requests until cooldown has elapsed. The first request after the cooldown
// is a trial; its outcome closes or re-opens the circuit.
type breaker struct {
	mu               sync.Mutex
	state            breakerState
	failures         int
	openedAt         time.Time
	trialInFlight    bool
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

func newBreaker(failureThreshold int, cooldown time.Duration, now func() time.Time) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{failureThreshold: failureThreshold, cooldown: cooldown, now: now}
}

// allow reports whether a request may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.trialInFlight = true
		return true
	case breakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

// record returns true when the call changed the breaker state.
func (b *breaker) record(success bool) (changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	b.trialInFlight = false
	if success {
		b.failures = 0
		b.state = breakerClosed
		return prev != b.state
	}
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
	return prev != b.state
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
