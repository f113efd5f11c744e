package asyncmy

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"asyncmy/internal/protocol"
)

func newTestClient() (*Client, *protocol.FakeHandler) {
	fake := protocol.NewFakeHandler()
	return New(fake), fake
}

func testKey() ConnectionKey {
	return ConnectionKey{Host: "db.test", Port: 3306, Database: "app", User: "root"}
}

func mustConnect(t *testing.T, c *Client, opts *ConnectionOptions) *Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := c.BeginConnection(ctx, testKey(), opts).Get(ctx)
	if err != nil {
		t.Fatalf("BeginConnection failed: %v", err)
	}
	return conn
}

func TestBeginConnectionSucceeds(t *testing.T) {
	c, _ := newTestClient()
	defer c.Shutdown()

	conn := mustConnect(t, c, nil)
	if conn.Key() != testKey() {
		t.Fatalf("Key() = %+v, want %+v", conn.Key(), testKey())
	}
	if got := c.ActiveConnections(); got != 1 {
		t.Fatalf("ActiveConnections() = %d, want 1", got)
	}
}

func TestBeginConnectionFailure(t *testing.T) {
	fake := protocol.NewFakeHandler()
	fake.FailConnectHosts = map[string]bool{"bad.test": true}
	c := New(fake)
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key := ConnectionKey{Host: "bad.test", Port: 3306}
	_, err := c.BeginConnection(ctx, key, nil).Get(ctx)
	if err == nil {
		t.Fatal("expected BeginConnection to fail")
	}
	var asyncErr *Error
	if !errors.As(err, &asyncErr) || asyncErr.Kind != ConnectFailed {
		t.Fatalf("got err %v, want Kind=ConnectFailed", err)
	}
}

func TestQueryReturnsRows(t *testing.T) {
	c, fake := newTestClient()
	defer c.Shutdown()

	fake.Responses["SELECT 1"] = protocol.FakeResult{
		Columns: []string{"one"},
		Rows:    [][]driver.Value{{int64(1)}},
	}

	conn := mustConnect(t, c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := conn.Query(ctx, "SELECT 1").Get(ctx)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0].Values[0] != int64(1) {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestQueryFailurePropagatesErrno(t *testing.T) {
	c, fake := newTestClient()
	defer c.Shutdown()

	fake.Responses["BAD SQL"] = protocol.FakeResult{Err: &mysql.MySQLError{Number: 1064, Message: "syntax error"}}

	conn := mustConnect(t, c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := conn.Query(ctx, "BAD SQL").Get(ctx)
	if err == nil {
		t.Fatal("expected Query to fail")
	}
	var asyncErr *Error
	if !errors.As(err, &asyncErr) || asyncErr.Kind != QueryFailed {
		t.Fatalf("got err %v, want Kind=QueryFailed", err)
	}
	if asyncErr.Errno != 1064 {
		t.Fatalf("Errno = %d, want 1064", asyncErr.Errno)
	}
}

func TestOperationInProgressRejectsConcurrentQuery(t *testing.T) {
	c, fake := newTestClient()
	defer c.Shutdown()
	_ = fake

	conn := mustConnect(t, c, nil)
	ctx := context.Background()

	// Mark the connection busy directly, bypassing the worker-goroutine
	// race that would otherwise make this test flaky.
	if err := conn.checkOperationInProgress(); err != nil {
		t.Fatalf("first checkOperationInProgress: %v", err)
	}

	_, err := conn.Query(ctx, "SELECT 1").Get(ctx)
	if !errors.Is(err, ErrOperationInProgress) {
		t.Fatalf("got err %v, want ErrOperationInProgress", err)
	}
}

func TestMultiQueryPreservesOrder(t *testing.T) {
	c, fake := newTestClient()
	defer c.Shutdown()

	fake.Responses["SELECT 1"] = protocol.FakeResult{Columns: []string{"a"}, Rows: [][]driver.Value{{int64(1)}}}
	fake.Responses["SELECT 2"] = protocol.FakeResult{Columns: []string{"a"}, Rows: [][]driver.Value{{int64(2)}}}

	conn := mustConnect(t, c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := conn.MultiQuery(ctx, []string{"SELECT 1", "SELECT 2"}).Get(ctx)
	if err != nil {
		t.Fatalf("MultiQuery failed: %v", err)
	}
	if len(result.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(result.Results))
	}
	if result.Results[0].Rows[0].Values[0] != int64(1) || result.Results[1].Rows[0].Values[0] != int64(2) {
		t.Fatalf("results out of order: %+v", result.Results)
	}
}

func TestMultiQueryRejectsEmptyVector(t *testing.T) {
	c, _ := newTestClient()
	defer c.Shutdown()

	conn := mustConnect(t, c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := conn.MultiQuery(ctx, nil).Get(ctx)
	var asyncErr *Error
	if !errors.As(err, &asyncErr) || asyncErr.Kind != ClientError {
		t.Fatalf("got err %v, want Kind=ClientError", err)
	}
	if asyncErr.Message != "Given vector of queries is empty" {
		t.Fatalf("got message %q, want the empty-vector message", asyncErr.Message)
	}
}

func TestStreamMultiQueryRejectsEmptyVector(t *testing.T) {
	c, _ := newTestClient()
	defer c.Shutdown()

	conn := mustConnect(t, c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	handler := &StreamHandler{
		OnRow:       func(Row) {},
		OnResultEnd: func([]string, int64, int64) {},
		OnDone:      func(error) {},
	}
	_, err := conn.StreamMultiQuery(ctx, nil, handler).Get(ctx)
	var asyncErr *Error
	if !errors.As(err, &asyncErr) || asyncErr.Kind != ClientError {
		t.Fatalf("got err %v, want Kind=ClientError", err)
	}
}

func TestStreamMultiQueryDeliversRowsAcrossStatements(t *testing.T) {
	c, fake := newTestClient()
	defer c.Shutdown()

	fake.Responses["SELECT 1"] = protocol.FakeResult{Columns: []string{"a"}, Rows: [][]driver.Value{{int64(1)}}}
	fake.Responses["SELECT 2"] = protocol.FakeResult{Columns: []string{"a"}, Rows: [][]driver.Value{{int64(2)}, {int64(3)}}}

	conn := mustConnect(t, c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var seen []driver.Value
	var ends int
	handler := &StreamHandler{
		OnRow:       func(r Row) { seen = append(seen, r.Values[0]) },
		OnResultEnd: func([]string, int64, int64) { ends++ },
		OnDone:      func(error) {},
	}
	_, err := conn.StreamMultiQuery(ctx, []string{"SELECT 1", "SELECT 2"}, handler).Get(ctx)
	if err != nil {
		t.Fatalf("StreamMultiQuery failed: %v", err)
	}
	if len(seen) != 3 || seen[0] != int64(1) || seen[1] != int64(2) || seen[2] != int64(3) {
		t.Fatalf("unexpected streamed rows: %v", seen)
	}
	if ends != 2 {
		t.Fatalf("OnResultEnd called %d times, want 2", ends)
	}
}

func TestCloseHandsHolderToDyingCallbackWithoutReset(t *testing.T) {
	c, fake := newTestClient()
	defer c.Shutdown()

	var recycled *ConnectionHolder
	opts := &ConnectionOptions{
		Callbacks: &Callbacks{Dying: func(h *ConnectionHolder) { recycled = h }},
	}
	conn := mustConnect(t, c, opts)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if recycled == nil {
		t.Fatal("Dying callback was not invoked")
	}
	if fake.Closed() {
		t.Fatal("holder's native handle should not be closed when a Dying callback recycles it")
	}
}

func TestCloseResetsBeforeRecyclingWhenEligible(t *testing.T) {
	c, fake := newTestClient()
	defer c.Shutdown()

	var recycled *ConnectionHolder
	opts := &ConnectionOptions{
		QueryTimeout:               time.Second,
		EnableResetConnBeforeClose: true,
		Callbacks:                  &Callbacks{Dying: func(h *ConnectionHolder) { recycled = h }},
	}
	conn := mustConnect(t, c, opts)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if recycled == nil {
		t.Fatal("Dying callback was not invoked after reset")
	}
	if recycled.NeedsResetBeforeReuse {
		t.Fatal("holder should not need a reset after one already ran")
	}
	if fake.Closed() {
		t.Fatal("holder's native handle should not be closed when reset-before-close recycles it")
	}
}

func TestCloseDelayedResetMarksNeedsResetBeforeReuse(t *testing.T) {
	c, _ := newTestClient()
	defer c.Shutdown()

	var recycled *ConnectionHolder
	opts := &ConnectionOptions{
		QueryTimeout:               time.Second,
		EnableResetConnBeforeClose: true,
		EnableDelayedResetConn:     true,
		Callbacks:                  &Callbacks{Dying: func(h *ConnectionHolder) { recycled = h }},
	}
	conn := mustConnect(t, c, opts)

	done := make(chan struct{})
	c.RunInThread(func() {
		_ = conn.Close()
		close(done)
	})
	<-done

	if recycled == nil {
		t.Fatal("Dying callback was not invoked")
	}
	if !recycled.NeedsResetBeforeReuse {
		t.Fatal("delayed reset mode should mark the holder NeedsResetBeforeReuse instead of resetting inline")
	}
}

func TestStreamQueryDeliversRowsInOrder(t *testing.T) {
	c, fake := newTestClient()
	defer c.Shutdown()

	fake.Responses["SELECT * FROM t"] = protocol.FakeResult{
		Columns: []string{"id"},
		Rows:    [][]driver.Value{{int64(1)}, {int64(2)}, {int64(3)}},
	}

	conn := mustConnect(t, c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var seen []driver.Value
	handler := &StreamHandler{
		OnRow:       func(r Row) { seen = append(seen, r.Values[0]) },
		OnResultEnd: func([]string, int64, int64) {},
		OnDone:      func(error) {},
	}
	_, err := conn.StreamQuery(ctx, "SELECT * FROM t", handler).Get(ctx)
	if err != nil {
		t.Fatalf("StreamQuery failed: %v", err)
	}
	if len(seen) != 3 || seen[0] != int64(1) || seen[2] != int64(3) {
		t.Fatalf("unexpected streamed rows: %v", seen)
	}
}

func TestCloseReleasesActiveConnectionSlot(t *testing.T) {
	c, _ := newTestClient()
	defer c.Shutdown()

	conn := mustConnect(t, c, nil)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := c.ActiveConnections(); got != 0 {
		t.Fatalf("ActiveConnections() = %d, want 0 after Close", got)
	}
}

func TestShutdownDrainsActiveConnections(t *testing.T) {
	c, _ := newTestClient()
	conn := mustConnect(t, c, nil)

	shutdownDone := make(chan struct{})
	go func() {
		c.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before the connection was closed")
	case <-time.After(50 * time.Millisecond):
	}

	_ = conn.Close()

	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not complete after Close")
	}
}
