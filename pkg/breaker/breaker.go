// Package breaker implements the per-MCP circuit breaker: a small state
// machine that fails dispatch fast after repeated server-side failures and
// admits a single probe call once the cool-down elapses.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config parameterizes a breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration

	// OnStateChange, when set, is invoked (synchronously, outside the
	// breaker lock) after every state transition.
	OnStateChange func(from, to State)
}

// Breaker is the per-MCP failure state machine. While open, Allow rejects
// synchronously without touching the MCP; after the cool-down, exactly one
// probe is admitted at a time.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	cooldownUntil time.Time
	probeInFlight bool
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed. In half_open it admits at most
// one probe; the caller must follow up with RecordSuccess or RecordFailure
// to release it.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if time.Now().Before(b.cooldownUntil) {
			b.mu.Unlock()
			return ErrOpen
		}
		notify := b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		b.mu.Unlock()
		notify()
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// RecordSuccess reports a successful call. A half-open probe success resets
// the counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.failures = 0
		notify = b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
	notify()
}

// RecordFailure reports a failed call. Only failures the coordinator
// classifies as server-side reach here; user-caused errors never do.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	notify := func() {}
	now := time.Now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.cooldownUntil = now.Add(b.cfg.Cooldown)
			notify = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.cooldownUntil = now.Add(b.cfg.Cooldown)
		notify = b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
	notify()
}

// State returns the current state, accounting for an elapsed cool-down
// (an open breaker past its deadline reports half_open-eligible as open
// until the next Allow performs the transition).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports the breaker internals for status endpoints.
type Snapshot struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Snapshot returns a copy of the current breaker internals.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		Failures:      b.failures,
		LastFailure:   b.lastFailure,
		CooldownUntil: b.cooldownUntil,
	}
}

// transitionLocked changes state and returns the notification closure to
// run after the lock is released. Caller holds b.mu.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange == nil || from == to {
		return func() {}
	}
	cb := b.cfg.OnStateChange
	return func() { cb(from, to) }
}

// Registry manages one breaker per MCP name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry; every breaker it mints uses defaults.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(r.defaults)
	r.breakers[name] = b
	return b
}

// GetWithCallback returns the breaker for name, creating it with a
// per-name state-change callback on first use.
func (r *Registry) GetWithCallback(name string, onChange func(mcp string, from, to State)) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	if onChange != nil {
		cfg.OnStateChange = func(from, to State) { onChange(name, from, to) }
	}
	b = New(cfg)
	r.breakers[name] = b
	return b
}

// Snapshots returns the current state of every known breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
