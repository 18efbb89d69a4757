// Package realtime shares live backend subscriptions between many local
// observers. One backend subscription is opened per resource key and torn
// down as soon as the last observer detaches.
package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrNotFound is the state error for a single resource the backend reports
// as absent. It is distinct from State.Loading.
var ErrNotFound = errors.New("resource not found")

// SubscribeError wraps a failure to open the backend subscription. It is
// not retried; observers must detach and attach again.
type SubscribeError struct {
	Key string
	Err error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %q: %v", e.Key, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// State is the last known snapshot for a key.
type State[T any] struct {
	Value   T
	Loading bool
	Err     error
}

// Observer receives every state change for the key it attached to.
// Observers are called synchronously. They must not attach to the same key
// or call their own detach from inside the callback.
type Observer[T any] func(State[T])

// SubscribeFunc opens a backend subscription that pushes full snapshots to
// onChange until cancel is called.
type SubscribeFunc[T any] func(key string, onChange func(T, error)) (cancel func(), err error)

// observer wraps one attached callback. Calls and detach both hold mu, so
// once detach returns the callback is never invoked again.
type observer[T any] struct {
	mu       sync.Mutex
	fn       Observer[T]
	detached bool
}

func (o *observer[T]) kill() {
	o.mu.Lock()
	o.detached = true
	o.mu.Unlock()
}

type entry[T any] struct {
	// dispatch serialises deliveries so that every observer of the key sees
	// snapshots in the order the backend produced them. Lock order is
	// dispatch, then Multiplexer.mu, then observer.mu. dispatch is never
	// held while opening or cancelling a backend subscription.
	dispatch  sync.Mutex
	count     int
	cancel    func()
	state     State[T]
	observers map[uint64]*observer[T]
	removed   bool
}

// Multiplexer is a ref-counted registry of live subscriptions. It is safe
// for concurrent use.
type Multiplexer[T any] struct {
	mu        sync.Mutex
	subscribe SubscribeFunc[T]
	entries   map[string]*entry[T]
	nextID    uint64
	logger    *slog.Logger
}

// New returns a Multiplexer that opens subscriptions through subscribe.
func New[T any](subscribe SubscribeFunc[T], logger *slog.Logger) *Multiplexer[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer[T]{
		subscribe: subscribe,
		entries:   make(map[string]*entry[T]),
		logger:    logger,
	}
}

// Attach registers obs for key and returns its detach function. The first
// attach for a key opens the backend subscription and observers receive a
// Loading state; later attaches share it and immediately receive the cached
// state. Detach may be called any number of times; only the first call
// counts.
func (m *Multiplexer[T]) Attach(key string, obs Observer[T]) (detach func()) {
	if obs == nil {
		obs = func(State[T]) {}
	}
	o := &observer[T]{fn: obs}

	for {
		m.mu.Lock()
		e, live := m.entries[key]
		if !live {
			e = &entry[T]{
				state:     State[T]{Loading: true},
				observers: make(map[uint64]*observer[T]),
			}
			// Nobody else can see e yet, so taking dispatch under mu is safe.
			e.dispatch.Lock()
			m.entries[key] = e
			id := m.register(e, o)
			state := e.state
			m.mu.Unlock()

			m.call(key, o, state)
			e.dispatch.Unlock()

			m.open(key, e)
			return m.detacher(key, e, id, o)
		}
		m.mu.Unlock()

		e.dispatch.Lock()
		m.mu.Lock()
		if e.removed {
			// Torn down while we waited for dispatch; start over with a
			// fresh entry.
			m.mu.Unlock()
			e.dispatch.Unlock()
			continue
		}
		id := m.register(e, o)
		state := e.state
		m.mu.Unlock()

		m.call(key, o, state)
		e.dispatch.Unlock()
		return m.detacher(key, e, id, o)
	}
}

// register must be called with mu held.
func (m *Multiplexer[T]) register(e *entry[T], o *observer[T]) uint64 {
	m.nextID++
	id := m.nextID
	e.observers[id] = o
	e.count++
	return id
}

func (m *Multiplexer[T]) open(key string, e *entry[T]) {
	cancel, err := m.subscribe(key, func(value T, err error) {
		m.deliver(key, e, State[T]{Value: value, Err: err})
	})
	if err != nil {
		m.logger.Warn("realtime subscribe failed", "key", key, "error", err)
		var zero T
		m.deliver(key, e, State[T]{Value: zero, Err: &SubscribeError{Key: key, Err: err}})
		return
	}

	m.mu.Lock()
	if e.removed {
		// Every observer left before the backend answered.
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	e.cancel = cancel
	m.mu.Unlock()
	m.logger.Debug("realtime subscription opened", "key", key)
}

func (m *Multiplexer[T]) deliver(key string, e *entry[T], state State[T]) {
	e.dispatch.Lock()
	defer e.dispatch.Unlock()

	m.mu.Lock()
	if e.removed {
		m.mu.Unlock()
		return
	}
	e.state = state
	observers := make([]*observer[T], 0, len(e.observers))
	for _, o := range e.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()

	for _, o := range observers {
		m.call(key, o, state)
	}
}

// call invokes o unless it has been detached.
func (m *Multiplexer[T]) call(key string, o *observer[T], state State[T]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.detached {
		return
	}
	m.safeCall(key, o.fn, state)
}

func (m *Multiplexer[T]) detacher(key string, e *entry[T], id uint64, o *observer[T]) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			o.kill()
			m.detach(key, e, id)
		})
	}
}

func (m *Multiplexer[T]) detach(key string, e *entry[T], id uint64) {
	m.mu.Lock()
	if _, ok := e.observers[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(e.observers, id)
	e.count--
	if e.count > 0 {
		m.mu.Unlock()
		return
	}
	e.removed = true
	if m.entries[key] == e {
		delete(m.entries, key)
	}
	cancel := e.cancel
	e.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.logger.Debug("realtime subscription closed", "key", key)
}

// State returns the cached state for key without touching the backend. The
// boolean is false when no observer is attached.
func (m *Multiplexer[T]) State(key string) (State[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return State[T]{}, false
	}
	return e.state, true
}

// Refs returns the number of observers attached to key.
func (m *Multiplexer[T]) Refs(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.count
	}
	return 0
}

// Len returns the number of live keys.
func (m *Multiplexer[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Multiplexer[T]) safeCall(key string, obs Observer[T], state State[T]) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("realtime observer panicked", "key", key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	obs(state)
}
