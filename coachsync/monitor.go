package coachsync

import (
	"sync"
	"time"
)

// Monitor tracks online/offline transitions. Reachability edges arrive via
// SetOnline (fed by the platform's signal); rapid flapping inside the
// debounce window collapses to the latest stable state before subscribers
// are notified, so a train of transitions triggers at most one sync.
type Monitor struct {
	mu        sync.Mutex
	raw       bool // latest reported reachability
	published bool // debounced state subscribers have seen
	debounce  time.Duration
	timer     *time.Timer
	closed    bool

	subs   map[int]func(online bool)
	nextID int

	// pending holds settled transitions not yet delivered; a single dispatch
	// goroutine drains it so subscribers observe transitions in settle order.
	pending     []bool
	dispatching bool
}

// NewMonitor creates a monitor seeded with the platform's reachability at
// startup. The initial state is published immediately, without debounce; the
// debounce window itself comes from the engine's Config.
func NewMonitor(initialOnline bool) *Monitor {
	return &Monitor{
		raw:       initialOnline,
		published: initialOnline,
		subs:      make(map[int]func(online bool)),
	}
}

func (m *Monitor) setDebounce(d time.Duration) {
	m.mu.Lock()
	m.debounce = d
	m.mu.Unlock()
}

// Online returns the current debounced state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// SetOnline feeds a reachability edge from the platform. Each edge restarts
// the debounce window; when the window elapses the latest state, if it
// differs from the published one, is published to subscribers.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.raw = online
	if m.debounce <= 0 {
		m.settleLocked()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		m.settleLocked()
	})
}

// settleLocked publishes the latest raw state if it changed. Callers hold mu.
func (m *Monitor) settleLocked() {
	if m.raw == m.published {
		return
	}
	m.published = m.raw
	m.pending = append(m.pending, m.published)
	if !m.dispatching {
		m.dispatching = true
		go m.dispatch()
	}
}

// dispatch delivers queued transitions one at a time, in settle order.
// Subscribers are called outside the lock so they can call back into the
// monitor.
func (m *Monitor) dispatch() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.dispatching = false
			m.mu.Unlock()
			return
		}
		state := m.pending[0]
		m.pending = m.pending[1:]
		fns := make([]func(bool), 0, len(m.subs))
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
		m.mu.Unlock()
		for _, fn := range fns {
			fn(state)
		}
	}
}

// Subscribe registers a callback for debounced transitions. The returned
// cancel func removes the subscription deterministically.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close stops the debounce timer and drops all subscriptions. Further
// SetOnline calls are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.subs = make(map[int]func(online bool))
}
