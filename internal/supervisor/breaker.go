package supervisor

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = errors.New("CIRCUIT_OPEN")

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultWindow           = 60 * time.Second
	DefaultRecoveryTime     = 30 * time.Second
	DefaultSuccessThreshold = 2
)

// BreakerState is a serializable snapshot of a breaker, surfaced in the
// session state so consumers can see why spawns are being refused.
type BreakerState struct {
	State                   string `json:"state"` // "closed", "open", "half_open"
	FailureCount            int    `json:"failureCount"`
	WindowMs                int64  `json:"windowMs"`
	RecoveryTimeMs          int64  `json:"recoveryTimeMs"`
	SuccessThreshold        int    `json:"successThreshold"`
	FailureThreshold        int    `json:"failureThreshold"`
	RecoveryTimeRemainingMs int64  `json:"recoveryTimeRemainingMs,omitempty"`
}

// Breaker is a sliding-window circuit breaker. Failures inside the window
// drive closed→open; after the recovery time a half_open breaker admits
// trials, and enough successes close it again.
type Breaker struct {
	failureThreshold int
	successThreshold int
	window           time.Duration
	recoveryTime     time.Duration
	now              func() time.Time

	mu        sync.Mutex
	state     string
	failures  []time.Time // timestamps inside the sliding window
	openedAt  time.Time
	successes int  // consecutive successes while half_open
	probing   bool // a half_open trial is in flight
}

// NewBreaker creates a breaker with the default thresholds.
func NewBreaker() *Breaker {
	return &Breaker{
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		window:           DefaultWindow,
		recoveryTime:     DefaultRecoveryTime,
		now:              time.Now,
		state:            "closed",
	}
}

// prune drops failures that slid out of the window. Caller holds mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// Allow reports whether an attempt may proceed. An open breaker whose
// recovery time has elapsed transitions to half_open and admits a single
// trial; further attempts are refused until that trial is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	switch b.state {
	case "open":
		if now.Sub(b.openedAt) < b.recoveryTime {
			return ErrCircuitOpen
		}
		b.state = "half_open"
		b.successes = 0
		b.probing = true
		return nil
	case "half_open":
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordFailure registers a failed attempt. While half_open it reopens
// immediately; while closed it opens once the window holds enough failures.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, now)
	b.prune(now)
	b.probing = false

	if b.state == "half_open" {
		b.state = "open"
		b.openedAt = now
		return
	}
	if b.state == "closed" && len(b.failures) >= b.failureThreshold {
		b.state = "open"
		b.openedAt = now
	}
}

// RecordSuccess registers a successful attempt. Enough consecutive
// successes while half_open close the breaker and clear the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != "half_open" {
		return
	}
	b.probing = false
	b.successes++
	if b.successes >= b.successThreshold {
		b.state = "closed"
		b.failures = nil
		b.successes = 0
	}
}

// State returns a snapshot for the session state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	st := BreakerState{
		State:            b.state,
		FailureCount:     len(b.failures),
		WindowMs:         b.window.Milliseconds(),
		RecoveryTimeMs:   b.recoveryTime.Milliseconds(),
		SuccessThreshold: b.successThreshold,
		FailureThreshold: b.failureThreshold,
	}
	if b.state == "open" {
		remaining := b.recoveryTime - now.Sub(b.openedAt)
		if remaining > 0 {
			st.RecoveryTimeRemainingMs = remaining.Milliseconds()
		}
	}
	return st
}
