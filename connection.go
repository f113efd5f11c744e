package asyncmy

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"asyncmy/internal/protocol"
	"asyncmy/internal/reactor"
)

// ConnectionKey identifies the logical MySQL endpoint a Connection talks
// to (spec §3). It is comparable so it can label metrics and key any
// future connection-reuse table without extra bookkeeping.
type ConnectionKey struct {
	Host     string
	Port     uint16
	Database string
	User     string
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", k.User, k.Host, k.Port, k.Database)
}

// ConnectionOptions configures one BeginConnection call (spec §3, with
// the rate-limiting fields added per SPEC_FULL §3).
type ConnectionOptions struct {
	Password       string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	TLSConfig      *tls.Config
	ClientFlags    uint32
	Attributes     map[string]string

	// ConnectionRateLimit and QueryRateLimit, when non-nil, are consulted
	// before admitting a new connection attempt or query respectively
	// (SPEC_FULL §3, grounded on the teacher's MySQLHandler limiters). A
	// wait that ends because ctx is done fails with a Timeout-kind error.
	ConnectionRateLimit *rate.Limiter
	QueryRateLimit      *rate.Limiter

	// EnableResetConnBeforeClose gates the reset-on-dying-Connection
	// protocol (spec §4.4): when true, and a Dying callback is set on
	// Callbacks, the holder is reset with COM_RESET_CONNECTION before
	// being handed to the callback, instead of handed over as-is.
	EnableResetConnBeforeClose bool
	// EnableDelayedResetConn selects the reset protocol's on-reactor
	// mode: instead of blocking to run the reset immediately, the holder
	// is marked NeedsResetBeforeReuse and recycled right away, leaving
	// the actual reset to whatever external pool reuses it.
	EnableDelayedResetConn bool

	Callbacks *Callbacks
	Stats     StatsCollector
	Logger    Logger
}

func (o *ConnectionOptions) stats() StatsCollector {
	if o != nil && o.Stats != nil {
		return o.Stats
	}
	return noopStats{}
}

func (o *ConnectionOptions) logger() Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return noopLogger{}
}

// ConnectionHolder owns the native protocol handle behind a Connection
// (spec §3 "Connection Holder"). Exactly one Connection owns a given
// ConnectionHolder at a time.
type ConnectionHolder struct {
	handler protocol.Handler
	handle  *protocol.Handle

	// Reusable reports whether an external pool (or the reset-on-dying-
	// Connection protocol) may hand this holder's native handle to
	// another Connection instead of closing it. Set true on a freshly
	// established connection.
	Reusable bool
	// NeedsResetBeforeReuse is set by the delayed-reset mode of the
	// reset-on-dying-Connection protocol: the holder was recycled without
	// running COM_RESET_CONNECTION, and whatever reuses it must do so
	// first.
	NeedsResetBeforeReuse bool
}

func (h *ConnectionHolder) close() {
	h.handler.Close(h.handle)
}

// Connection is the public façade over one logical MySQL session (spec
// §3/§4.5). All of its methods are safe to call from any goroutine;
// internally they submit an Operation to the owning Client's reactor
// and block on (or return) a Future.
type Connection struct {
	client *Client
	key    ConnectionKey
	opts   *ConnectionOptions
	holder *ConnectionHolder
	socket *reactor.SocketHandler

	mu                  sync.Mutex
	operationInProgress bool
	closed              bool
	inTransaction       bool
}

// Key reports the endpoint this Connection talks to.
func (c *Connection) Key() ConnectionKey { return c.key }

// checkOperationInProgress enforces the "at most one in-flight operation
// per Connection" invariant from spec §3, returning ErrOperationInProgress
// instead of silently queueing a second one.
func (c *Connection) checkOperationInProgress() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newError(InvalidConnection, "connection is closed", nil)
	}
	if c.operationInProgress {
		return ErrOperationInProgress
	}
	c.operationInProgress = true
	return nil
}

func (c *Connection) operationDone() {
	c.mu.Lock()
	c.operationInProgress = false
	c.mu.Unlock()
}

// Query runs a single statement and returns its result.
func (c *Connection) Query(ctx context.Context, sql string) *Future[*DbQueryResult] {
	if err := c.checkOperationInProgress(); err != nil {
		return ResolvedFuture[*DbQueryResult](nil, err)
	}
	if c.opts.QueryRateLimit != nil {
		if err := c.opts.QueryRateLimit.Wait(ctx); err != nil {
			c.operationDone()
			return ResolvedFuture[*DbQueryResult](nil, newError(Timeout, "query rate limit wait cancelled", err))
		}
	}

	future, resolve := NewFuture[*DbQueryResult]()
	started := time.Now()

	pre := c.opts.Callbacks.preQuery(ctx)

	builder := newSingleQueryBuilder()
	step := func() error {
		if _, err := pre.Get(ctx); err != nil {
			return err
		}
		return runSingleStatement(c.holder, sql, builder)
	}

	onDone := func(err error) {
		c.operationDone()
		c.opts.Callbacks.postOperation()
		elapsed := time.Since(started)
		if err != nil {
			c.opts.stats().IncrFailedQueries(errnoOf(err))
			c.opts.logger().LogQueryFailure(c.key, err)
			resolve(nil, wrapQueryError(err, c.key, elapsed, 0))
			return
		}
		c.opts.stats().IncrSucceededQueries()
		c.opts.logger().LogQuerySuccess(c.key, elapsed)
		result := builder.result()
		result.Elapsed = elapsed
		result.Key = c.key
		if r, ok := c.opts.Callbacks.postQuery(result).(*DbQueryResult); ok && r != nil {
			result = r
		}
		resolve(result, nil)
	}

	c.opts.Callbacks.preOperation()
	op := newOperation(c.client.engine, c.socket, c.opts.QueryTimeout, step, onDone)
	op.submit()
	return future
}

// MultiQuery runs a batch of statements as one operation, collecting
// every statement's result (spec §2 "multi query"). Ordering is
// preserved. Each statement is sent with its own RunQuery call, one
// after another; the batch is not sent as a single multi-statement
// round trip and NextResult is not used.
func (c *Connection) MultiQuery(ctx context.Context, sqls []string) *Future[*DbMultiQueryResult] {
	if len(sqls) == 0 {
		return ResolvedFuture[*DbMultiQueryResult](nil, clientError("Given vector of queries is empty"))
	}
	if err := c.checkOperationInProgress(); err != nil {
		return ResolvedFuture[*DbMultiQueryResult](nil, err)
	}
	if c.opts.QueryRateLimit != nil {
		if err := c.opts.QueryRateLimit.Wait(ctx); err != nil {
			c.operationDone()
			return ResolvedFuture[*DbMultiQueryResult](nil, newError(Timeout, "query rate limit wait cancelled", err))
		}
	}

	future, resolve := NewFuture[*DbMultiQueryResult]()
	started := time.Now()
	pre := c.opts.Callbacks.preQuery(ctx)

	batch := newMultiQueryRunner(sqls)
	step := func() error {
		if batch.started() {
			// only gate the very first statement on PreQuery
		} else if _, err := pre.Get(ctx); err != nil {
			return err
		}
		return batch.step(c.holder)
	}

	onDone := func(err error) {
		c.operationDone()
		c.opts.Callbacks.postOperation()
		elapsed := time.Since(started)
		if err != nil {
			c.opts.stats().IncrFailedQueries(errnoOf(err))
			c.opts.logger().LogQueryFailure(c.key, err)
			resolve(nil, wrapQueryError(err, c.key, elapsed, batch.executedCount()))
			return
		}
		c.opts.stats().IncrSucceededQueries()
		c.opts.logger().LogQuerySuccess(c.key, elapsed)
		result := batch.result()
		result.Elapsed = elapsed
		result.Key = c.key
		if r, ok := c.opts.Callbacks.postQuery(result).(*DbMultiQueryResult); ok && r != nil {
			result = r
		}
		resolve(result, nil)
	}

	c.opts.Callbacks.preOperation()
	op := newOperation(c.client.engine, c.socket, c.opts.QueryTimeout, step, onDone)
	op.submit()
	return future
}

// StreamQuery runs a single statement, delivering rows to handler as
// they are fetched rather than buffering the whole result set (spec §2
// "streaming query").
func (c *Connection) StreamQuery(ctx context.Context, sql string, handler *StreamHandler) *Future[struct{}] {
	if err := c.checkOperationInProgress(); err != nil {
		return ResolvedFuture(struct{}{}, err)
	}
	if c.opts.QueryRateLimit != nil {
		if err := c.opts.QueryRateLimit.Wait(ctx); err != nil {
			c.operationDone()
			return ResolvedFuture(struct{}{}, newError(Timeout, "query rate limit wait cancelled", err))
		}
	}

	future, resolve := NewFuture[struct{}]()
	started := time.Now()
	pre := c.opts.Callbacks.preQuery(ctx)

	runner := newStreamRunner(sql, handler)
	step := func() error {
		if !runner.started {
			if _, err := pre.Get(ctx); err != nil {
				return err
			}
		}
		return runner.step(c.holder)
	}

	onDone := func(err error) {
		c.operationDone()
		c.opts.Callbacks.postOperation()
		elapsed := time.Since(started)
		if err != nil {
			c.opts.stats().IncrFailedQueries(errnoOf(err))
			c.opts.logger().LogQueryFailure(c.key, err)
			wrapped := wrapQueryError(err, c.key, elapsed, 0)
			handler.OnDone(wrapped)
			resolve(struct{}{}, wrapped)
			return
		}
		c.opts.stats().IncrSucceededQueries()
		c.opts.logger().LogQuerySuccess(c.key, elapsed)
		handler.OnDone(nil)
		resolve(struct{}{}, nil)
	}

	c.opts.Callbacks.preOperation()
	op := newOperation(c.client.engine, c.socket, c.opts.QueryTimeout, step, onDone)
	op.submit()
	return future
}

// StreamMultiQuery runs a batch of statements as one operation,
// delivering each statement's rows to handler as they are fetched rather
// than buffering every statement's result set (spec §2 "streaming multi
// query"). As with MultiQuery, each statement is sent with its own
// RunQuery call, one after another.
func (c *Connection) StreamMultiQuery(ctx context.Context, sqls []string, handler *StreamHandler) *Future[struct{}] {
	if len(sqls) == 0 {
		return ResolvedFuture(struct{}{}, clientError("Given vector of queries is empty"))
	}
	if err := c.checkOperationInProgress(); err != nil {
		return ResolvedFuture(struct{}{}, err)
	}
	if c.opts.QueryRateLimit != nil {
		if err := c.opts.QueryRateLimit.Wait(ctx); err != nil {
			c.operationDone()
			return ResolvedFuture(struct{}{}, newError(Timeout, "query rate limit wait cancelled", err))
		}
	}

	future, resolve := NewFuture[struct{}]()
	started := time.Now()
	pre := c.opts.Callbacks.preQuery(ctx)

	batch := newStreamMultiQueryRunner(sqls, handler)
	step := func() error {
		if !batch.started() {
			if _, err := pre.Get(ctx); err != nil {
				return err
			}
		}
		return batch.step(c.holder)
	}

	onDone := func(err error) {
		c.operationDone()
		c.opts.Callbacks.postOperation()
		elapsed := time.Since(started)
		if err != nil {
			c.opts.stats().IncrFailedQueries(errnoOf(err))
			c.opts.logger().LogQueryFailure(c.key, err)
			wrapped := wrapQueryError(err, c.key, elapsed, batch.executedCount())
			handler.OnDone(wrapped)
			resolve(struct{}{}, wrapped)
			return
		}
		c.opts.stats().IncrSucceededQueries()
		c.opts.logger().LogQuerySuccess(c.key, elapsed)
		handler.OnDone(nil)
		resolve(struct{}{}, nil)
	}

	c.opts.Callbacks.preOperation()
	op := newOperation(c.client.engine, c.socket, c.opts.QueryTimeout, step, onDone)
	op.submit()
	return future
}

// Reset restores the session to its just-connected state (COM_RESET_
// CONNECTION), clearing temp tables, session variables and any open
// transaction, without the cost of a fresh TCP handshake.
func (c *Connection) Reset(ctx context.Context) *Future[struct{}] {
	if err := c.checkOperationInProgress(); err != nil {
		return ResolvedFuture(struct{}{}, err)
	}
	future, resolve := NewFuture[struct{}]()
	started := time.Now()
	step := func() error {
		_, err := c.holder.handler.Reset(c.holder.handle)
		return err
	}
	onDone := func(err error) {
		c.operationDone()
		if err != nil {
			err = wrapQueryError(err, c.key, time.Since(started), 0)
		}
		resolve(struct{}{}, err)
	}
	op := newOperation(c.client.engine, c.socket, c.opts.QueryTimeout, step, onDone)
	op.submit()
	return future
}

// ChangeUser re-authenticates the session under different credentials
// (spec §2 "change user"). See internal/protocol.DriverHandler.ChangeUser
// for the simplification this rests on.
func (c *Connection) ChangeUser(ctx context.Context, user, password, database string) *Future[struct{}] {
	if err := c.checkOperationInProgress(); err != nil {
		return ResolvedFuture(struct{}{}, err)
	}
	future, resolve := NewFuture[struct{}]()
	started := time.Now()
	step := func() error {
		_, err := c.holder.handler.ChangeUser(c.holder.handle, user, password, database)
		return err
	}
	onDone := func(err error) {
		c.operationDone()
		if err == nil {
			c.key.User = user
			c.key.Database = database
		} else {
			err = wrapQueryError(err, c.key, time.Since(started), 0)
		}
		resolve(struct{}{}, err)
	}
	// One second past the connect timeout, so the change-user deadline does
	// not race the reconnect's own connect timeout (zero stays "no timeout").
	timeout := c.opts.ConnectTimeout
	if timeout > 0 {
		timeout += time.Second
	}
	op := newOperation(c.client.engine, c.socket, timeout, step, onDone)
	op.submit()
	return future
}

// BeginTransaction, Commit and Rollback are thin conveniences over Query:
// MySQL has no distinct wire verb for transaction control, so these send
// the equivalent statement (spec Non-goals explicitly excludes SQL
// parsing; this does not parse, it only fixes the literal text sent).
func (c *Connection) BeginTransaction(ctx context.Context) *Future[*DbQueryResult] {
	c.mu.Lock()
	c.inTransaction = true
	c.mu.Unlock()
	return c.Query(ctx, "BEGIN")
}

func (c *Connection) Commit(ctx context.Context) *Future[*DbQueryResult] {
	c.mu.Lock()
	c.inTransaction = false
	c.mu.Unlock()
	return c.Query(ctx, "COMMIT")
}

func (c *Connection) Rollback(ctx context.Context) *Future[*DbQueryResult] {
	c.mu.Lock()
	c.inTransaction = false
	c.mu.Unlock()
	return c.Query(ctx, "ROLLBACK")
}

// Close releases the Connection's native handle, implementing the
// reset-on-dying-Connection protocol from spec §4.4: when a Dying
// callback is configured on Callbacks, EnableResetConnBeforeClose is set,
// the holder is Reusable, and no transaction is open, the holder is reset
// (COM_RESET_CONNECTION) before being handed to the callback for
// recycling instead of closed outright. Calling it while an operation is
// in flight is a programming error.
//
// The blocking reset never runs on the reactor goroutine: off the
// reactor goroutine this method blocks on it directly; on the reactor
// goroutine (e.g. a callback closing its own Connection) it is detached
// onto a worker goroutine instead, matching the reactor's "never block"
// invariant (spec §4.1). EnableDelayedResetConn skips the reset
// entirely in that case, marking the holder NeedsResetBeforeReuse and
// handing it to the callback immediately — the pool that reuses it is
// responsible for running the reset first.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	inTransaction := c.inTransaction
	c.mu.Unlock()

	c.client.engine.DecrActiveConnections()

	if c.holder == nil {
		return nil
	}

	dying := c.opts.Callbacks.dying()
	resetEligible := dying != nil &&
		c.holder.Reusable &&
		!inTransaction &&
		c.opts.EnableResetConnBeforeClose

	if !resetEligible {
		if dying != nil {
			dying(c.holder)
			return nil
		}
		c.holder.close()
		return nil
	}

	// Ownership of recycling moves to whichever goroutine actually runs
	// the reset (inline here, or the detached clone below); clear it on
	// this Connection so it cannot also fire from a concurrent path.
	c.opts.Callbacks.clearDying()

	if c.client.engine.OnReactorGoroutine() {
		if c.opts.EnableDelayedResetConn {
			c.holder.NeedsResetBeforeReuse = true
			dying(c.holder)
			return nil
		}
		go c.stealAndReset(dying)
		return nil
	}

	c.stealAndReset(dying)
	return nil
}

// stealAndReset clones the Connection's holder onto a throwaway
// Connection, runs a blocking Reset on it, and hands the holder to dying
// once the reset completes (successfully or not). The caller is the sole
// owner of c.holder by the time this runs, so no further synchronization
// on c is needed.
func (c *Connection) stealAndReset(dying func(*ConnectionHolder)) {
	holder := c.holder
	clone := &Connection{
		client: c.client,
		key:    c.key,
		opts:   c.opts,
		holder: holder,
		socket: c.socket,
	}

	timeout := c.opts.QueryTimeout
	if timeout <= 0 {
		timeout = c.opts.ConnectTimeout
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if _, err := clone.Reset(ctx).Get(ctx); err != nil {
		c.opts.logger().LogQueryFailure(c.key, err)
	} else {
		holder.NeedsResetBeforeReuse = false
	}
	dying(holder)
}

// wrapQueryError normalizes err into a *Error carrying the
// blocking-path error contract's required fields (errno, the
// originating ConnectionKey, elapsed time, and the number of queries
// executed before the failure).
func wrapQueryError(err error, key ConnectionKey, elapsed time.Duration, queriesExecuted int) error {
	// Copy rather than mutate in place: err may be one of the shared
	// sentinel *Error values (ErrCancelled, ErrTimeout, ...), and those
	// must never acquire a single caller's Key/Elapsed.
	var e Error
	if ae, ok := err.(*Error); ok {
		e = *ae
	} else {
		e = Error{Kind: QueryFailed, Message: err.Error(), cause: err}
	}
	e.Errno = errnoOf(err)
	e.Key = key
	e.Elapsed = elapsed
	e.QueriesExecuted = queriesExecuted
	return &e
}
