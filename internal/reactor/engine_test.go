package reactor

import (
	"sync"
	"testing"
	"time"
)

func TestRunInThreadRunsOnReactorGoroutine(t *testing.T) {
	e := New()
	defer e.Shutdown()

	done := make(chan bool, 1)
	e.RunInThread(func() {
		done <- e.OnReactorGoroutine()
	})

	select {
	case onReactor := <-done:
		if !onReactor {
			t.Fatal("fn did not run on the reactor goroutine")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RunInThread")
	}
}

func TestRunInThreadDirectPathWhenAlreadyOnReactorGoroutine(t *testing.T) {
	e := New()
	defer e.Shutdown()

	var nested bool
	done := make(chan struct{})
	e.RunInThread(func() {
		e.RunInThread(func() { nested = true })
		close(done)
	})

	<-done
	if !nested {
		t.Fatal("nested RunInThread did not execute inline")
	}
}

type fakeScheduled struct {
	mu        sync.Mutex
	cancelled bool
	started   bool
}

func (f *fakeScheduled) CancelIfUnstarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return false
	}
	f.cancelled = true
	return true
}

func TestAdmitAndRemove(t *testing.T) {
	e := New()
	defer e.Shutdown()

	op := &fakeScheduled{}
	id := e.NextID()
	if !e.Admit(id, op) {
		t.Fatal("Admit failed unexpectedly")
	}
	if got := e.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}
	if !e.Remove(id) {
		t.Fatal("Remove of a present id failed")
	}
	if e.Remove(id) {
		t.Fatal("Remove of an already-removed id should fail")
	}
}

func TestActiveConnectionsCounter(t *testing.T) {
	e := New()
	defer e.Shutdown()

	e.IncrActiveConnections()
	e.IncrActiveConnections()
	if got := e.ActiveConnections(); got != 2 {
		t.Fatalf("ActiveConnections() = %d, want 2", got)
	}
	e.DecrActiveConnections()
	e.DecrActiveConnections()
	if got := e.ActiveConnections(); got != 0 {
		t.Fatalf("ActiveConnections() = %d, want 0", got)
	}
	// decrementing below zero clamps instead of going negative
	e.DecrActiveConnections()
	if got := e.ActiveConnections(); got != 0 {
		t.Fatalf("ActiveConnections() = %d, want 0 after clamped decrement", got)
	}
}

func TestShutdownCancelsUnstartedAndWaitsForActiveConnections(t *testing.T) {
	e := New()

	op := &fakeScheduled{}
	id := e.NextID()
	e.Admit(id, op)

	e.IncrActiveConnections()
	shutdownDone := make(chan struct{})
	go func() {
		e.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before the active connection drained")
	case <-time.After(100 * time.Millisecond):
	}

	op.mu.Lock()
	cancelled := op.cancelled
	op.mu.Unlock()
	if !cancelled {
		t.Fatal("unstarted pending operation was not cancelled during shutdown")
	}

	e.DecrActiveConnections()

	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after active connections reached zero")
	}
}

// realScheduled mimics the production operation type's CancelIfUnstarted:
// cancelling removes itself from the engine's pending set, re-entering
// Engine.Remove on the same call stack. fakeScheduled above does not
// exercise this path.
type realScheduled struct {
	engine *Engine
	id     uint64
}

func (r *realScheduled) CancelIfUnstarted() bool {
	return r.engine.Remove(r.id)
}

func TestShutdownDrainDoesNotDeadlockOnSelfRemovingCancel(t *testing.T) {
	e := New()

	id := e.NextID()
	e.Admit(id, &realScheduled{engine: e, id: id})

	shutdownDone := make(chan struct{})
	go func() {
		e.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("Shutdown deadlocked cancelling an operation that removes itself from the pending set")
	}
}

func TestShutdownBlocksNewAdmissionsAfterPhaseOne(t *testing.T) {
	e := New()
	e.Shutdown()

	if e.Admit(e.NextID(), &fakeScheduled{}) {
		t.Fatal("Admit should fail once shutdown has completed")
	}
}

func TestSocketHandlerDeliversActionable(t *testing.T) {
	e := New()
	defer e.Shutdown()

	s := NewSocketHandler(e)
	b := newRecordingBindable()
	s.SetOperation(b)

	s.Arm(0, func() error { return nil })

	select {
	case <-b.actionable:
	case <-time.After(time.Second):
		t.Fatal("SocketActionable was not delivered")
	}
}

func TestSocketHandlerDeliversTimeout(t *testing.T) {
	e := New()
	defer e.Shutdown()

	s := NewSocketHandler(e)
	b := newRecordingBindable()
	s.SetOperation(b)

	block := make(chan struct{})
	s.Arm(10*time.Millisecond, func() error {
		<-block
		return nil
	})

	select {
	case <-b.timeout:
	case <-time.After(time.Second):
		t.Fatal("TimeoutTriggered was not delivered")
	}
	close(block)
}

func TestSocketHandlerDropsStaleEventsAfterClearOperation(t *testing.T) {
	e := New()
	defer e.Shutdown()

	s := NewSocketHandler(e)
	b := newRecordingBindable()
	s.SetOperation(b)

	block := make(chan struct{})
	s.Arm(0, func() error { <-block; return nil })
	s.ClearOperation() // invalidates the in-flight arm's generation
	close(block)

	select {
	case <-b.actionable:
		t.Fatal("stale event should not have been delivered after ClearOperation")
	case <-time.After(100 * time.Millisecond):
	}
}

type recordingBindable struct {
	actionable chan struct{}
	timeout    chan struct{}
}

func newRecordingBindable() *recordingBindable {
	return &recordingBindable{
		actionable: make(chan struct{}, 1),
		timeout:    make(chan struct{}, 1),
	}
}

func (r *recordingBindable) SocketActionable(err error) { r.actionable <- struct{}{} }
func (r *recordingBindable) TimeoutTriggered()          { r.timeout <- struct{}{} }
func (r *recordingBindable) Cancel()                    {}
func (r *recordingBindable) Cancelling() bool           { return false }
