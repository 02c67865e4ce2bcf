package throttle

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Emitter rate-limits emissions per key with last-value coalescing. Each key
// keeps the time of its last emission and at most one pending value; bursts
// collapse into the pending slot and a single one-shot timer drains it, so
// inter-emission gaps never fall below the configured minimum while the last
// value of any burst is always eventually emitted.
//
// The sink is invoked outside the per-key lock and must not block; hand
// blocking work (broker publish, store write) to a goroutine or channel.
type Emitter[T any] struct {
	name string
	min  time.Duration
	sink func(key string, value T)

	mu     sync.RWMutex
	states map[string]*keyState[T]

	emits     prometheus.Counter
	coalesced prometheus.Counter
}

type keyState[T any] struct {
	mu         sync.Mutex
	lastEmit   time.Time
	pending    T
	hasPending bool
	timer      *time.Timer
}

// NewEmitter creates an emitter enforcing minInterval between emissions per key.
func NewEmitter[T any](name string, minInterval time.Duration, sink func(key string, value T)) *Emitter[T] {
	return &Emitter[T]{
		name:   name,
		min:    minInterval,
		sink:   sink,
		states: make(map[string]*keyState[T]),
	}
}

// Instrument attaches emission and coalescing counters.
func (e *Emitter[T]) Instrument(emits, coalesced prometheus.Counter) {
	e.emits = emits
	e.coalesced = coalesced
}

// state returns or creates the tracking state for a key.
func (e *Emitter[T]) state(key string) *keyState[T] {
	e.mu.RLock()
	st, ok := e.states[key]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock
	if st, ok := e.states[key]; ok {
		return st
	}

	st = &keyState[T]{}
	e.states[key] = st
	return st
}

// Publish offers a value for the key. It is emitted immediately when the key
// is outside its throttle window, otherwise it replaces the pending value and
// rides the already-armed timer.
func (e *Emitter[T]) Publish(key string, value T) {
	st := e.state(key)

	st.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(st.lastEmit)

	switch {
	case elapsed >= e.min:
		// Window open: emit now. Any pending value is superseded by this
		// strictly newer one.
		st.lastEmit = now
		st.hasPending = false
		var zero T
		st.pending = zero
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.mu.Unlock()
		e.emit(key, value)

	case st.timer == nil:
		st.pending = value
		st.hasPending = true
		st.timer = time.AfterFunc(e.min-elapsed, func() { e.fire(key, st) })
		st.mu.Unlock()

	default:
		st.pending = value
		st.hasPending = true
		st.mu.Unlock()
		if e.coalesced != nil {
			e.coalesced.Inc()
		}
	}
}

// PublishNow bypasses the throttle: the value is emitted immediately and the
// key's window restarts, discarding any pending older value.
func (e *Emitter[T]) PublishNow(key string, value T) {
	st := e.state(key)

	st.mu.Lock()
	st.lastEmit = time.Now()
	st.hasPending = false
	var zero T
	st.pending = zero
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.mu.Unlock()

	e.emit(key, value)
}

// fire drains the pending slot when a key's timer expires.
func (e *Emitter[T]) fire(key string, st *keyState[T]) {
	st.mu.Lock()
	st.timer = nil
	if !st.hasPending {
		st.mu.Unlock()
		return
	}
	value := st.pending
	var zero T
	st.pending = zero
	st.hasPending = false
	st.lastEmit = time.Now()
	st.mu.Unlock()

	e.emit(key, value)
}

// Flush emits every armed pending value immediately and disarms all timers.
// Called on shutdown so burst tails are not lost.
func (e *Emitter[T]) Flush() {
	e.mu.RLock()
	snapshot := make(map[string]*keyState[T], len(e.states))
	for k, st := range e.states {
		snapshot[k] = st
	}
	e.mu.RUnlock()

	for key, st := range snapshot {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		if !st.hasPending {
			st.mu.Unlock()
			continue
		}
		value := st.pending
		var zero T
		st.pending = zero
		st.hasPending = false
		st.lastEmit = time.Now()
		st.mu.Unlock()

		e.emit(key, value)
	}
}

func (e *Emitter[T]) emit(key string, value T) {
	e.sink(key, value)
	if e.emits != nil {
		e.emits.Inc()
	}
}
