// Package circuitbreaker stops calling a failing dependency for a while.
//
// Circuits are keyed: the payment rail client keys them by operation, so a
// failing refund endpoint does not block releases or lock confirmations.
// A circuit opens after threshold consecutive countable failures, rejects
// calls for openFor, then lets exactly one probe through. The probe's
// outcome closes the circuit or opens it again.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrOpen is returned by Execute without calling fn while a circuit is open
// or its single probe is in flight.
var ErrOpen = errors.New("circuit breaker open")

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeescrow",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state transitions by key, from-state and to-state.",
	}, []string{"key", "from_state", "to_state"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tradeescrow",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state by key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, stateGauge)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openFor      time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a Breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

// OnTransition registers a callback fired asynchronously on every state
// change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn through the circuit for key. Errors for which countable
// returns false (a request the dependency rejected on its merits) count as
// successes: they prove the dependency is answering.
func (b *Breaker) Execute(key string, countable func(error) bool, fn func() error) error {
	if err := b.before(key); err != nil {
		return err
	}
	err := fn()
	b.after(key, err != nil && (countable == nil || countable(err)))
	return err
}

// State reports the circuit for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists the keys whose circuit is currently open, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k, c := range b.circuits {
		if c.state == StateOpen {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (b *Breaker) before(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return nil
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.openFor {
			return ErrOpen
		}
		b.set(key, c, StateHalfOpen)
	case StateHalfOpen:
		return ErrOpen
	}
	return nil
}

func (b *Breaker) after(key string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !failed {
		if ok {
			c.failures = 0
			b.set(key, c, StateClosed)
		}
		return
	}
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.set(key, c, StateOpen)
	}
}

// set must be called with b.mu held.
func (b *Breaker) set(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
