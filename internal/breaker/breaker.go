// Package breaker implements the transport-level circuit breaker of
// spec §4.5: independent of per-entry retries, a breaker opens after 3
// consecutive connection-establishment failures and stays open for
// sticky_cooldown before allowing another attempt.
//
// Grounded on the teacher's connector-hub streaming.Breaker contract
// (Allow/Report keyed by connector name), adapted to key by transport
// name instead of connector id.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const defaultThreshold = 3

// Breaker tracks one circuit per key (transport name). It is safe for
// concurrent use.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	circuits  map[string]*circuit
	now       func() time.Time
}

type circuit struct {
	state               State
	consecutiveFailures  int
	openedAt             time.Time
}

func New(cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: defaultThreshold,
		cooldown:  cooldown,
		circuits:  make(map[string]*circuit),
		now:       time.Now,
	}
}

// Allow reports whether a connection attempt for key may proceed, and
// why not when it may not. A half_open result means the cooldown has
// elapsed and exactly one probing attempt should be made; the caller
// must call Report with its outcome.
func (b *Breaker) Allow(key string) (ok bool, state State, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	switch c.state {
	case StateClosed:
		return true, StateClosed, ""
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			c.state = StateHalfOpen
			return true, StateHalfOpen, ""
		}
		return false, StateOpen, "circuit_open"
	case StateHalfOpen:
		// A probe is already in flight conceptually; allow a single
		// retry attempt to proceed rather than queuing callers.
		return true, StateHalfOpen, ""
	}
	return true, StateClosed, ""
}

// Report records the outcome of a connection-establishment attempt for
// key, possibly opening or closing the circuit.
func (b *Breaker) Report(key string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(key)
	if success {
		c.state = StateClosed
		c.consecutiveFailures = 0
		return
	}

	c.consecutiveFailures++
	if c.consecutiveFailures >= b.threshold {
		c.state = StateOpen
		c.openedAt = b.now()
	}
}

func (b *Breaker) circuitFor(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}
