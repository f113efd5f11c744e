// Package asyncmy is an asynchronous MySQL client core built around a
// single reactor goroutine that schedules connection and query
// operations, instead of blocking the calling goroutine for each one
// (spec §1/§2). The wire protocol itself is delegated to
// github.com/go-sql-driver/mysql through the internal/protocol adapter;
// this package owns connection lifetime, operation sequencing, and the
// Future-based completion contract.
package asyncmy

import (
	"context"
	"sync"
	"time"

	"asyncmy/internal/protocol"
	"asyncmy/internal/reactor"
)

// Client is the entry point: one reactor goroutine plus the protocol
// Handler it drives. Most programs use Default(); constructing with New
// is for tests and for programs that want an isolated reactor (spec
// §4.1).
type Client struct {
	engine  *reactor.Engine
	handler protocol.Handler
}

var (
	defaultClientOnce sync.Once
	defaultClient     *Client
)

// Default returns the process-wide Client, constructing it on first use.
func Default() *Client {
	defaultClientOnce.Do(func() {
		defaultClient = New(protocol.DriverHandler{})
	})
	return defaultClient
}

// New constructs a Client with the given protocol Handler. Production
// code passes protocol.DriverHandler{}; tests pass a
// *protocol.FakeHandler.
func New(handler protocol.Handler) *Client {
	c := &Client{
		engine:  reactor.New(),
		handler: handler,
	}
	// Scheduling latency is sampled once per Client, independent of any
	// per-Connection StatsCollector, the same way fatalInvariant always
	// reports through defaultStats.
	c.engine.OnScheduleLatency = defaultStats.ObserveCallbackDelay
	return c
}

// RunInThread schedules fn on the reactor goroutine, running it inline
// if the caller is already on it (spec §4.1).
func (c *Client) RunInThread(fn func()) bool {
	return c.engine.RunInThread(fn)
}

// PendingOperations reports the size of the pending set, for diagnostics.
func (c *Client) PendingOperations() int { return c.engine.PendingCount() }

// ActiveConnections reports the active-connection counter, for
// diagnostics.
func (c *Client) ActiveConnections() int { return c.engine.ActiveConnections() }

// ShuttingDown reports whether Shutdown has been called.
func (c *Client) ShuttingDown() bool { return c.engine.ShuttingDown() }

// BeginConnection establishes a new logical connection to key and
// resolves to a ready-to-use *Connection (spec §2/§4.1 "begin
// connection"). Calling Shutdown concurrently may cause this to resolve
// with ErrClientError if the client started draining before this
// connection attempt was admitted.
func (c *Client) BeginConnection(ctx context.Context, key ConnectionKey, opts *ConnectionOptions) *Future[*Connection] {
	if opts == nil {
		opts = &ConnectionOptions{}
	}
	if opts.ConnectionRateLimit != nil {
		if err := opts.ConnectionRateLimit.Wait(ctx); err != nil {
			return ResolvedFuture[*Connection](nil, newError(Timeout, "connection rate limit wait cancelled", err))
		}
	}

	future, resolve := NewFuture[*Connection]()
	started := time.Now()
	socket := reactor.NewSocketHandler(c.engine)
	handle := &protocol.Handle{}

	step := func() error {
		_, err := c.handler.TryConnect(handle, protocol.ConnectOptions{
			ConnectTimeout: opts.ConnectTimeout,
			TLSConfig:      opts.TLSConfig,
			ClientFlags:    opts.ClientFlags,
			Attributes:     opts.Attributes,
		}, protocol.Key{
			Host:     key.Host,
			Port:     key.Port,
			Database: key.Database,
			User:     key.User,
			Password: opts.Password,
		})
		return err
	}

	onDone := func(err error) {
		elapsed := time.Since(started)
		if err != nil {
			opts.stats().IncrFailedConnections(errnoOf(err))
			opts.logger().LogConnectionFailure(key, err)
			resolve(nil, newError(ConnectFailed, err.Error(), err))
			return
		}
		c.engine.IncrActiveConnections()
		opts.logger().LogConnectionSuccess(key, elapsed)
		conn := &Connection{
			client: c,
			key:    key,
			opts:   opts,
			holder: &ConnectionHolder{handler: c.handler, handle: handle, Reusable: true},
			socket: socket,
		}
		resolve(conn, nil)
	}

	op := newOperation(c.engine, socket, opts.ConnectTimeout, step, onDone)
	op.submit()
	return future
}

// Shutdown runs the two-phase drain described in spec §4.1/§9: first
// cancelling every still-unstarted pending operation while continuing to
// accept new ones, then refusing new operations and waiting for the
// active-connection counter to reach zero. Calling it from the reactor
// goroutine itself (e.g. from inside a callback) would deadlock, since
// the drain needs the reactor goroutine to keep delivering events; that
// case is detected and detached onto a new goroutine instead, returning
// immediately with ErrClientError so the caller knows completion is
// asynchronous.
func (c *Client) Shutdown() error {
	if c.engine.OnReactorGoroutine() {
		go c.engine.Shutdown()
		err := clientError("Shutdown called from the reactor goroutine itself; detached to run asynchronously")
		reportInvariantViolation(err)
		return err
	}
	c.engine.Shutdown()
	return nil
}
