// Package circuit tracks consecutive failures of a best-effort dependency
// so callers can shorten their timeouts while it is down instead of stalling
// on every attempt.
package circuit

import "sync"

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 3
)

// Breaker is a two-state breaker: closed while the dependency is healthy,
// open after failureThreshold consecutive failures. While open, attempts
// keep flowing (the caller decides how to degrade); successThreshold
// consecutive successes close it again.
type Breaker struct {
	mu               sync.Mutex
	name             string
	open             bool
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
}

type Option func(*Breaker)

// WithFailureThreshold overrides how many consecutive failures open the breaker.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold overrides how many consecutive successes close it.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name identifies the breaker in logs.
func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// RecordFailure notes one failed attempt. It reports true exactly once per
// outage, on the failure that opens the breaker, so the caller can log the
// transition without deduplicating.
func (b *Breaker) RecordFailure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	if !b.open && b.failures >= b.failureThreshold {
		b.open = true
		return true
	}
	return false
}

// RecordSuccess notes one successful attempt. It reports true on the success
// that closes an open breaker.
func (b *Breaker) RecordSuccess() (closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		b.failures = 0
		return false
	}
	b.successes++
	if b.successes >= b.successThreshold {
		b.open = false
		b.failures = 0
		b.successes = 0
		return true
	}
	return false
}
