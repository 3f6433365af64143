// Package breaker implements the per-backend circuit breakers that keep the
// relay from dispatching to a degraded provider. State is persisted on every
// mutation and reloaded at startup so an open circuit survives a restart.
package breaker

import (
	"sync"
	"time"

	"github.com/coderelay/relay/pkg/constants"
	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/store"
)

var breakerLog = logger.New("breaker:breaker")

// State is the circuit state. Numeric values match the persisted rows.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is one backend's three-state failure governor.
type Breaker struct {
	mu          sync.Mutex
	backend     string
	state       State
	failures    int
	lastFailure time.Time // doubles as opened-at while Open
	threshold   int
	resetAfter  time.Duration
	now         func() time.Time
	persist     func(store.BreakerRow)
}

// Registry holds one breaker per backend tag. Mutations are serialized per
// backend, not across backends.
type Registry struct {
	mu         sync.RWMutex
	breakers   map[string]*Breaker
	store      *store.BreakerStateStore
	threshold  int
	resetAfter time.Duration
	now        func() time.Time
}

// Option tweaks a registry; used by tests to shrink thresholds or inject a
// clock.
type Option func(*Registry)

// WithThreshold overrides the consecutive-failure threshold.
func WithThreshold(n int) Option {
	return func(r *Registry) { r.threshold = n }
}

// WithResetTimeout overrides the open-to-half-open timeout.
func WithResetTimeout(d time.Duration) Option {
	return func(r *Registry) { r.resetAfter = d }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a registry seeded from persisted state. A nil state
// store disables persistence (tests).
func NewRegistry(persisted *store.BreakerStateStore, opts ...Option) (*Registry, error) {
	r := &Registry{
		breakers:   make(map[string]*Breaker),
		store:      persisted,
		threshold:  constants.BreakerFailureThreshold,
		resetAfter: constants.BreakerResetTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if persisted != nil {
		rows, err := persisted.LoadAll()
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			b := r.newBreaker(row.Backend)
			b.state = State(row.State)
			b.failures = row.Failures
			if row.LastFailureTime > 0 {
				b.lastFailure = time.UnixMilli(row.LastFailureTime)
			}
			r.breakers[row.Backend] = b
			breakerLog.Printf("Restored breaker %s: state=%s failures=%d", row.Backend, b.state, b.failures)
		}
	}
	return r, nil
}

func (r *Registry) newBreaker(backend string) *Breaker {
	return &Breaker{
		backend:    backend,
		threshold:  r.threshold,
		resetAfter: r.resetAfter,
		now:        r.now,
		persist:    r.persistRow,
	}
}

func (r *Registry) persistRow(row store.BreakerRow) {
	if r.store == nil {
		return
	}
	// A persistence failure must not mask the caller's real error.
	if err := r.store.Save(row); err != nil {
		breakerLog.Errorf("Failed to persist breaker state for %s: %v", row.Backend, err)
	}
}

// Get returns the breaker for a backend, creating a closed one on first use.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[backend]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[backend]; ok {
		return b
	}
	b = r.newBreaker(backend)
	r.breakers[backend] = b
	return b
}

// IsAvailable reports whether the backend may be called.
func (r *Registry) IsAvailable(backend string) bool { return r.Get(backend).IsAvailable() }

// OnSuccess records a successful call against the backend.
func (r *Registry) OnSuccess(backend string) { r.Get(backend).OnSuccess() }

// OnFailure records a failed call against the backend.
func (r *Registry) OnFailure(backend string) { r.Get(backend).OnFailure() }

// Snapshot returns the current state of every known breaker.
func (r *Registry) Snapshot() map[string]store.BreakerRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]store.BreakerRow, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.row()
	}
	return out
}

// Shutdown persists the current state of every breaker.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.mu.Lock()
		row := b.rowLocked()
		b.mu.Unlock()
		r.persistRow(row)
	}
	breakerLog.Printf("Persisted %d breakers on shutdown", len(r.breakers))
}

// Reset clears all in-memory and persisted breaker state.
func (r *Registry) Reset() error {
	r.mu.Lock()
	r.breakers = make(map[string]*Breaker)
	r.mu.Unlock()
	if r.store != nil {
		return r.store.Reset()
	}
	return nil
}

// IsAvailable reports whether a call may proceed. For an Open circuit past
// the reset timeout it transitions to HalfOpen and admits exactly one trial.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) >= b.resetAfter {
			b.state = HalfOpen
			breakerLog.Printf("Breaker %s: open -> half-open (trial permitted)", b.backend)
			b.persist(b.rowLocked())
			return true
		}
		return false
	default:
		return false
	}
}

// OnSuccess closes the circuit and resets the failure count.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	b.state = Closed
	b.failures = 0
	if prev != Closed {
		breakerLog.Printf("Breaker %s: %s -> closed", b.backend, prev)
	}
	b.persist(b.rowLocked())
}

// OnFailure counts a failure; at the threshold the circuit opens. A failed
// half-open trial reopens immediately.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case HalfOpen:
		b.state = Open
		breakerLog.Warnf("Breaker %s: half-open trial failed, reopening", b.backend)
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = Open
			breakerLog.Warnf("Breaker %s: opened after %d consecutive failures", b.backend, b.failures)
		}
	case Open:
		// Already open; refresh the window.
	}
	b.persist(b.rowLocked())
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) row() store.BreakerRow {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rowLocked()
}

func (b *Breaker) rowLocked() store.BreakerRow {
	var last int64
	if !b.lastFailure.IsZero() {
		last = b.lastFailure.UnixMilli()
	}
	return store.BreakerRow{
		Backend:         b.backend,
		State:           int(b.state),
		Failures:        b.failures,
		LastFailureTime: last,
	}
}
