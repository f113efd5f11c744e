package asyncmy

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"asyncmy/internal/stats"
)

// StatsCollector is the statistics collaborator described in spec §6. The
// core forwards one call per control point; no aggregation happens here.
type StatsCollector interface {
	IncrSucceededQueries()
	IncrFailedQueries(errno uint16)
	IncrFailedConnections(errno uint16)
	ObserveCallbackDelay(d time.Duration)
}

// Logger is the optional logging collaborator. A nil Logger on
// ConnectionOptions is equivalent to noopLogger{}: every call is a no-op.
type Logger interface {
	LogQuerySuccess(key ConnectionKey, elapsed time.Duration)
	LogQueryFailure(key ConnectionKey, err error)
	LogConnectionSuccess(key ConnectionKey, elapsed time.Duration)
	LogConnectionFailure(key ConnectionKey, err error)
}

// QueryResult is a sealed union of the two result types a PostQuery
// callback may receive. Sealing via an unexported marker method resolves
// spec §9 Open Question (b) with a typed dispatch instead of a runtime
// downcast.
type QueryResult interface {
	isQueryResult()
}

// Callbacks bundles the per-Connection user hooks from spec §6. Every
// field may be left nil; nil is the identity/no-op.
type Callbacks struct {
	// PreOperation runs on the submitting goroutine immediately before a
	// Query/MultiQuery/StreamQuery/StreamMultiQuery operation is submitted
	// to the reactor.
	PreOperation func()
	// PostOperation runs on the reactor goroutine once an Operation
	// reaches Completed, before waiters are released.
	PostOperation func()
	// PreQuery, if set, is awaited before the first protocol call for a
	// Query/MultiQuery/StreamingMultiQuery operation. Returning a Future
	// that completes with an error aborts the operation with that error
	// without ever calling the protocol handler.
	PreQuery func(ctx context.Context) *Future[struct{}]
	// PostQuery may transform a successful result before it reaches the
	// caller.
	PostQuery func(QueryResult) QueryResult
	// Dying runs when the owning Connection is being destroyed and still
	// holds a ConnectionHolder. It is handed the holder for recycling
	// (e.g. into an external pool) instead of the holder's native handle
	// being closed outright. See Connection.Close and
	// ConnectionOptions.EnableResetConnBeforeClose.
	Dying func(*ConnectionHolder)
}

func (c *Callbacks) preOperation() {
	if c != nil && c.PreOperation != nil {
		c.PreOperation()
	}
}

func (c *Callbacks) postOperation() {
	if c != nil && c.PostOperation != nil {
		c.PostOperation()
	}
}

func (c *Callbacks) preQuery(ctx context.Context) *Future[struct{}] {
	if c == nil || c.PreQuery == nil {
		return ResolvedFuture(struct{}{}, nil)
	}
	return c.PreQuery(ctx)
}

func (c *Callbacks) postQuery(r QueryResult) QueryResult {
	if c == nil || c.PostQuery == nil {
		return r
	}
	return c.PostQuery(r)
}

func (c *Callbacks) dying() func(*ConnectionHolder) {
	if c == nil {
		return nil
	}
	return c.Dying
}

// clearDying detaches the Dying hook, used once ownership of recycling a
// holder has moved onto a cloned Connection (spec "reset-on-dying-
// Connection" protocol) so it cannot fire a second time.
func (c *Callbacks) clearDying() {
	if c != nil {
		c.Dying = nil
	}
}

// noopStats is used whenever ConnectionOptions leaves the StatsCollector
// unset.
type noopStats struct{}

func (noopStats) IncrSucceededQueries()             {}
func (noopStats) IncrFailedQueries(uint16)          {}
func (noopStats) IncrFailedConnections(uint16)      {}
func (noopStats) ObserveCallbackDelay(time.Duration) {}

// noopLogger is used whenever ConnectionOptions leaves the Logger unset.
type noopLogger struct{}

func (noopLogger) LogQuerySuccess(ConnectionKey, time.Duration)      {}
func (noopLogger) LogQueryFailure(ConnectionKey, error)              {}
func (noopLogger) LogConnectionSuccess(ConnectionKey, time.Duration) {}
func (noopLogger) LogConnectionFailure(ConnectionKey, error)         {}

// LogrusLogger is the default Logger, grounded on the teacher's
// logrus.JSONFormatter + WithFields idiom (cmd/main.go, MySQLHandler).
type LogrusLogger struct {
	Entry *logrus.Logger
}

// NewLogrusLogger builds a Logger backed by a JSON-formatted logrus.Logger,
// matching the teacher's cmd/main.go setup.
func NewLogrusLogger() *LogrusLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return &LogrusLogger{Entry: l}
}

func (l *LogrusLogger) LogQuerySuccess(key ConnectionKey, elapsed time.Duration) {
	l.Entry.WithFields(logrus.Fields{
		"key":     key.String(),
		"elapsed": elapsed.String(),
	}).Info("query succeeded")
}

func (l *LogrusLogger) LogQueryFailure(key ConnectionKey, err error) {
	l.Entry.WithFields(logrus.Fields{
		"key": key.String(),
	}).WithError(err).Warn("query failed")
}

func (l *LogrusLogger) LogConnectionSuccess(key ConnectionKey, elapsed time.Duration) {
	l.Entry.WithFields(logrus.Fields{
		"key":     key.String(),
		"elapsed": elapsed.String(),
	}).Info("connect succeeded")
}

func (l *LogrusLogger) LogConnectionFailure(key ConnectionKey, err error) {
	l.Entry.WithFields(logrus.Fields{
		"key": key.String(),
	}).WithError(err).Warn("connect failed")
}

// defaultStats is the process-wide collector used by fatalInvariant and
// by every Client for scheduling latency. It is always a real Prometheus
// collector: programming-bug counters must be observable even when the
// caller wired nothing.
var defaultStats = stats.New("")

// NewPrometheusStats exposes the internal/stats collector as a
// StatsCollector for callers who want Prometheus metrics without writing
// their own collector.
func NewPrometheusStats(namespace string) StatsCollector {
	return stats.New(namespace)
}

// reportInvariantViolation logs and counts a programming-bug-kind error
// unconditionally, independent of whatever Logger/StatsCollector the
// caller configured on the Connection that produced it.
func reportInvariantViolation(err *Error) {
	logrus.WithFields(logrus.Fields{
		"kind": err.Kind.String(),
	}).Error(err.Message)
	defaultStats.IncrInvariantViolation(err.Kind.String())
}
