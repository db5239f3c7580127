// Package circuit implements the per-node failure state machine guarding
// mesh destinations.
package circuit

import (
	"sync"
	"time"
)

// State names for one node's breaker.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Defaults per the fabric configuration surface.
const (
	DefaultThreshold        = 5
	DefaultOpenTimeout      = 30 * time.Second
	DefaultSuccessThreshold = 2
)

// nodeState is the per-node record; lifetime is the process.
type nodeState struct {
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
}

// Breaker owns the breaker state for every node id.
type Breaker struct {
	mu               sync.Mutex
	nodes            map[string]*nodeState
	threshold        int
	openTimeout      time.Duration
	successThreshold int
	now              func() time.Time
}

// New creates a Breaker. Non-positive tuning values fall back to defaults.
func New(threshold int, openTimeout time.Duration, successThreshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}
	if successThreshold <= 0 {
		successThreshold = DefaultSuccessThreshold
	}
	return &Breaker{
		nodes:            make(map[string]*nodeState),
		threshold:        threshold,
		openTimeout:      openTimeout,
		successThreshold: successThreshold,
		now:              time.Now,
	}
}

// WithClock overrides the clock for testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.now = clock
	return b
}

func (b *Breaker) node(id string) *nodeState {
	n, ok := b.nodes[id]
	if !ok {
		n = &nodeState{state: Closed, lastStateChange: b.now()}
		b.nodes[id] = n
	}
	return n
}

// Allow reports whether a request to the node may proceed. An OPEN breaker
// whose timeout has elapsed transitions to HALF_OPEN and admits the probe.
func (b *Breaker) Allow(nodeID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.node(nodeID)
	switch n.state {
	case Open:
		if b.now().Sub(n.lastStateChange) >= b.openTimeout {
			n.state = HalfOpen
			n.successes = 0
			n.lastStateChange = b.now()
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess feeds a successful call into the state machine. In
// HALF_OPEN, successThreshold consecutive successes close the circuit.
func (b *Breaker) RecordSuccess(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.node(nodeID)
	switch n.state {
	case HalfOpen:
		n.successes++
		if n.successes >= b.successThreshold {
			n.state = Closed
			n.failures = 0
			n.successes = 0
			n.lastStateChange = b.now()
		}
	case Closed:
		n.failures = 0
	}
}

// RecordFailure feeds a failed call into the state machine. CLOSED trips to
// OPEN at the failure threshold; any HALF_OPEN failure reopens immediately.
func (b *Breaker) RecordFailure(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.node(nodeID)
	switch n.state {
	case HalfOpen:
		n.state = Open
		n.failures = 0
		n.successes = 0
		n.lastStateChange = b.now()
	case Closed:
		n.failures++
		if n.failures >= b.threshold {
			n.state = Open
			n.lastStateChange = b.now()
		}
	}
}

// State returns the node's current state without side effects.
func (b *Breaker) State(nodeID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[nodeID]; ok {
		return n.state
	}
	return Closed
}
