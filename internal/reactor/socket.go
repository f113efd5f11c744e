package reactor

import (
	"sync"
	"time"
)

// Bindable is the operation-facing half of the SocketHandler contract
// from spec §4.3.
type Bindable interface {
	// SocketActionable delivers the outcome of the most recently armed
	// step: err is nil for "done", non-nil for "error". There is no
	// separate "pending" delivery — a worker goroutine performing one
	// MySQL protocol call is this package's realization of a nonblocking
	// socket (see goroutine.go and DESIGN.md); "pending" is simply the
	// interval between Arm and this callback.
	SocketActionable(err error)
	// TimeoutTriggered delivers the operation's configured deadline
	// expiring before SocketActionable did.
	TimeoutTriggered()
	// Cancel performs terminal cleanup for an operation that was already
	// Cancelling when its step outcome or timeout arrived.
	Cancel()
	// Cancelling reports whether the operation is currently in the
	// Cancelling state, checked before dispatching a readiness event.
	Cancelling() bool
}

// SocketHandler is the per-Connection reactor attachment from spec §4.3:
// it can register a worker for the "socket becoming actionable" and arm a
// single-shot timeout, and is bound to at most one Operation at a time.
type SocketHandler struct {
	engine *Engine

	mu    sync.Mutex
	bound Bindable
	gen   uint64
	timer *time.Timer
}

// NewSocketHandler creates a SocketHandler attached to engine's event
// stream. One SocketHandler is created per Connection and lives for the
// Connection's lifetime (spec §3 Connection invariant: "exactly one
// Socket Handler").
func NewSocketHandler(engine *Engine) *SocketHandler {
	return &SocketHandler{engine: engine}
}

// SetOperation binds the handler to a new Operation, invalidating any
// event still in flight from whatever was bound previously.
func (s *SocketHandler) SetOperation(b Bindable) {
	s.mu.Lock()
	s.bound = b
	s.gen++
	s.mu.Unlock()
}

// ClearOperation unbinds the handler; it is an error (enforced by the
// Operation, not here) for another readiness/timeout event to reach it
// afterwards.
func (s *SocketHandler) ClearOperation() {
	s.mu.Lock()
	s.bound = nil
	s.gen++
	s.mu.Unlock()
}

// Arm starts work on a dedicated worker goroutine and, if timeout > 0, a
// single-shot timer racing it. Whichever finishes first is delivered to
// the bound Operation, serialized through the reactor goroutine.
func (s *SocketHandler) Arm(timeout time.Duration, work func() error) {
	s.mu.Lock()
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			s.fire(gen, socketEvent{timeout: true})
		})
	}
	s.mu.Unlock()

	go func() {
		err := work()
		s.fire(gen, socketEvent{err: err})
	}()
}

func (s *SocketHandler) fire(gen uint64, ev socketEvent) {
	ev.handler = s
	ev.gen = gen
	select {
	case s.engine.events <- ev:
	case <-s.engine.stop:
	}
}

// socketEvent is what actually flows through Engine.events; it carries
// enough to detect and drop a stale event (one raised by a step that has
// since been superseded by a rearm or an unbind).
type socketEvent struct {
	handler *SocketHandler
	gen     uint64
	err     error
	timeout bool
}

// deliver runs on the reactor goroutine exclusively (it is only ever
// called from Engine.loop).
func (ev socketEvent) deliver() {
	h := ev.handler
	h.mu.Lock()
	if ev.gen != h.gen {
		h.mu.Unlock()
		return
	}
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	bound := h.bound
	h.mu.Unlock()

	if bound == nil {
		return
	}
	switch {
	case ev.timeout:
		bound.TimeoutTriggered()
	case bound.Cancelling():
		bound.Cancel()
	default:
		bound.SocketActionable(ev.err)
	}
}
