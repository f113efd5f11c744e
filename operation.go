package asyncmy

import (
	"errors"
	"sync"
	"time"

	"asyncmy/internal/reactor"
)

type opState int32

const (
	opUnstarted opState = iota
	opPending
	opCancelling
	opCompleted
)

// errStepContinue is the internal signal a step closure returns to mean
// "call me again" — the generic realization of the Pending status that
// every concrete Operation (connect, query, reset, change-user) shares
// (spec §4.4).
var errStepContinue = errors.New("asyncmy: operation step not yet done")

// operation is the state machine every concrete Operation embeds. It
// implements reactor.Scheduled (for the pending set) and reactor.Bindable
// (for the SocketHandler it drives), enforcing the Unstarted → Pending →
// {Cancelling} → Completed lifecycle from spec §3/§4.4.
type operation struct {
	engine  *reactor.Engine
	socket  *reactor.SocketHandler
	timeout time.Duration

	mu    sync.Mutex
	id    uint64
	state opState

	// step performs one protocol call off the reactor goroutine. Return
	// errStepContinue to be re-armed and called again (used by query
	// operations, which fetch rows and result sets across many steps).
	step func() error

	// onDone runs exactly once, with nil for success or the terminal
	// error otherwise. It runs on the reactor goroutine, except when
	// admission is refused (the submitting goroutine) or the operation is
	// cancelled while Unstarted (the goroutine running the drain).
	onDone func(err error)
}

var (
	_ reactor.Scheduled = (*operation)(nil)
	_ reactor.Bindable  = (*operation)(nil)
)

func newOperation(engine *reactor.Engine, socket *reactor.SocketHandler, timeout time.Duration, step func() error, onDone func(error)) *operation {
	return &operation{
		engine:  engine,
		socket:  socket,
		timeout: timeout,
		step:    step,
		onDone:  onDone,
	}
}

// submit admits the operation into the engine's pending set and, if
// admission succeeds, starts it. Admission failing (engine refusing new
// operations during shutdown) resolves onDone with ErrClientError
// immediately instead of ever reaching Unstarted->Pending.
func (o *operation) submit() {
	o.id = o.engine.NextID()
	if !o.engine.Admit(o.id, o) {
		o.mu.Lock()
		o.state = opCompleted
		o.mu.Unlock()
		o.onDone(clientError("client is shutting down, no new operations are accepted"))
		return
	}
	o.start()
}

func (o *operation) start() {
	o.mu.Lock()
	if o.state != opUnstarted {
		o.mu.Unlock()
		return
	}
	o.state = opPending
	o.mu.Unlock()

	o.socket.SetOperation(o)
	o.arm()
}

func (o *operation) arm() {
	o.socket.Arm(o.timeout, o.step)
}

// requestCancel moves a Pending operation to Cancelling, where it waits
// for the in-flight step to report back before actually finishing (spec
// §3 Operation invariant). Nothing in the package calls it and no
// exported method reaches it, so callers have no way to cancel a running
// operation. An Unstarted operation is instead cancelled directly through
// CancelIfUnstarted by the engine's pending set.
func (o *operation) requestCancel() {
	o.mu.Lock()
	if o.state == opPending {
		o.state = opCancelling
	}
	o.mu.Unlock()
}

// CancelIfUnstarted implements reactor.Scheduled.
func (o *operation) CancelIfUnstarted() bool {
	o.mu.Lock()
	if o.state != opUnstarted {
		o.mu.Unlock()
		return false
	}
	o.state = opCompleted
	o.mu.Unlock()
	o.finish(ErrCancelled)
	return true
}

// SocketActionable implements reactor.Bindable.
func (o *operation) SocketActionable(err error) {
	o.mu.Lock()
	if o.state == opCompleted {
		o.mu.Unlock()
		return
	}
	if errors.Is(err, errStepContinue) {
		o.mu.Unlock()
		o.arm()
		return
	}
	o.state = opCompleted
	o.mu.Unlock()
	o.socket.ClearOperation()
	o.finish(err)
}

// TimeoutTriggered implements reactor.Bindable.
func (o *operation) TimeoutTriggered() {
	o.mu.Lock()
	if o.state == opCompleted {
		o.mu.Unlock()
		return
	}
	o.state = opCompleted
	o.mu.Unlock()
	o.socket.ClearOperation()
	o.finish(newError(Timeout, "operation exceeded its deadline", nil))
}

// Cancel implements reactor.Bindable: terminal cleanup for an operation
// that was Cancelling when its step outcome (or a timeout) arrived.
func (o *operation) Cancel() {
	o.mu.Lock()
	if o.state == opCompleted {
		o.mu.Unlock()
		return
	}
	o.state = opCompleted
	o.mu.Unlock()
	o.socket.ClearOperation()
	o.finish(ErrCancelled)
}

// Cancelling implements reactor.Bindable.
func (o *operation) Cancelling() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == opCancelling
}

func (o *operation) finish(err error) {
	o.engine.Remove(o.id)
	o.onDone(err)
}
