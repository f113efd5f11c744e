// Package reactor implements the operation scheduler described in spec
// §4.1/§4.3/§5: one reactor goroutine that owns the pending set, the
// active-connection counter, and shutdown coordination, plus the
// SocketHandler glue that turns a worker goroutine's completion or a
// timer into a single serialized event stream the reactor goroutine
// drains one at a time.
//
// This package knows nothing about MySQL. It operates over the Scheduled
// and Bindable interfaces so the domain layer (the root asyncmy package)
// can supply concrete Operation types without this package importing it
// back (which would cycle, since the root package imports this one).
package reactor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scheduled is the subset of an Operation the pending set needs: enough
// to identify it and to cancel it while it is still Unstarted.
type Scheduled interface {
	// CancelIfUnstarted cancels the operation immediately if it has not
	// yet left the Unstarted state, and reports whether it did.
	CancelIfUnstarted() bool
}

// Engine is the reactor goroutine plus its pending set and shutdown
// protocol. The zero value is not usable; construct with New.
type Engine struct {
	runQueue chan func()
	events   chan socketEvent
	stop     chan struct{}
	done     chan struct{}

	reactorGoroutine atomic.Int64 // goroutine id the loop runs on, 0 until started

	pendingMu          sync.Mutex
	pending            map[uint64]Scheduled
	blockNewOperations bool
	nextID             uint64

	countersMu   sync.Mutex
	countersCond *sync.Cond
	activeConns  int

	shuttingDown atomic.Bool

	OnScheduleLatency func(time.Duration)
}

// New starts the reactor goroutine and returns the Engine that drives it.
func New() *Engine {
	e := &Engine{
		runQueue: make(chan func(), 256),
		events:   make(chan socketEvent, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[uint64]Scheduled),
	}
	e.countersCond = sync.NewCond(&e.countersMu)
	go e.loop()
	return e
}

func (e *Engine) loop() {
	e.reactorGoroutine.Store(goroutineMarker())
	defer close(e.done)
	for {
		select {
		case fn := <-e.runQueue:
			fn()
		case ev := <-e.events:
			ev.deliver()
		case <-e.stop:
			return
		}
	}
}

// OnReactorGoroutine reports whether the calling goroutine is the
// Engine's own reactor goroutine.
func (e *Engine) OnReactorGoroutine() bool {
	return e.reactorGoroutine.Load() == goroutineMarker()
}

// RunInThread enqueues fn for execution on the reactor goroutine. If the
// caller is already on the reactor goroutine, fn runs inline (the direct
// path from spec §4.1/§8 boundary behaviors). Scheduling latency is
// always sampled, even on the direct path (where it is ~0), matching
// spec wording ("before running f").
func (e *Engine) RunInThread(fn func()) bool {
	enqueuedAt := time.Now()
	wrapped := func() {
		if e.OnScheduleLatency != nil {
			e.OnScheduleLatency(time.Since(enqueuedAt))
		}
		fn()
	}
	if e.OnReactorGoroutine() {
		wrapped()
		return true
	}
	select {
	case e.runQueue <- wrapped:
		return true
	case <-e.stop:
		return false
	}
}

// NextID hands out a monotonically increasing id for a new operation.
func (e *Engine) NextID() uint64 {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.nextID++
	return e.nextID
}

// Admit registers a not-yet-started operation in the pending set. It
// fails (returns false) once shutdown has entered its second phase
// (spec §9 Open Question (a): "block new" strictly refuses admission).
func (e *Engine) Admit(id uint64, op Scheduled) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.blockNewOperations {
		return false
	}
	e.pending[id] = op
	return true
}

// Remove drops a completed operation from the pending set. Removing an id
// that is not present is a fatal programming error per spec §4.1, so the
// return value reports that case (false) instead of silently succeeding.
func (e *Engine) Remove(id uint64) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, ok := e.pending[id]; !ok {
		return false
	}
	delete(e.pending, id)
	return true
}

// IncrActiveConnections and DecrActiveConnections track the
// active-connection counter that Shutdown waits to reach zero.
func (e *Engine) IncrActiveConnections() {
	e.countersMu.Lock()
	e.activeConns++
	e.countersMu.Unlock()
}

func (e *Engine) DecrActiveConnections() {
	e.countersMu.Lock()
	e.activeConns--
	if e.activeConns < 0 {
		e.activeConns = 0
	}
	if e.activeConns == 0 {
		e.countersCond.Broadcast()
	}
	e.countersMu.Unlock()
}

func (e *Engine) ActiveConnections() int {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	return e.activeConns
}

func (e *Engine) PendingCount() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// drain implements the sweep common to both shutdown phases: cancel
// every still-Unstarted pending operation, then wait for the
// active-connection counter to reach zero.
//
// The candidate list is snapshotted under pendingMu and then cancelled
// with the lock released: Scheduled.CancelIfUnstarted's real
// implementation finishes the operation, which calls back into
// Engine.Remove and re-acquires pendingMu. Calling it while still
// holding pendingMu here would deadlock against that re-entry.
func (e *Engine) drain() {
	e.pendingMu.Lock()
	candidates := make([]Scheduled, 0, len(e.pending))
	for _, op := range e.pending {
		candidates = append(candidates, op)
	}
	e.pendingMu.Unlock()

	for _, op := range candidates {
		op.CancelIfUnstarted()
	}

	e.countersMu.Lock()
	for e.activeConns > 0 {
		e.countersCond.Wait()
	}
	e.countersMu.Unlock()
}

// Shutdown runs the two-phase drain from spec §4.1 and stops the reactor
// goroutine. It is idempotent and must not be called from the reactor
// goroutine; Client enforces that rule (the detach case) before calling
// this.
func (e *Engine) Shutdown() {
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	e.drain() // phase 1: block_new=false

	e.pendingMu.Lock()
	e.blockNewOperations = true
	e.pendingMu.Unlock()

	e.drain() // phase 2: block_new=true

	close(e.stop)
	<-e.done
}

// ShuttingDown reports whether Shutdown has been called (used by the
// diagnostics surface's health status).
func (e *Engine) ShuttingDown() bool {
	return e.shuttingDown.Load()
}

// AlreadyShuttingDown reports the same flag as ShuttingDown: true once
// any Shutdown call has started, whichever call that was.
func (e *Engine) AlreadyShuttingDown() bool {
	return e.shuttingDown.Load()
}
