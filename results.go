package asyncmy

import (
	"database/sql/driver"
	"time"
)

// Row is one fetched row, addressed by column index; Columns gives the
// name for each index. Values keep their driver.Value dynamic type
// (int64, float64, []byte, time.Time, nil, ...) — decoding into Go
// struct fields is an external collaborator concern (spec Non-goals).
type Row struct {
	Columns []string
	Values  []driver.Value
}

// ConnectResult names the endpoint of an established connection.
// BeginConnection's Future resolves to the *Connection itself, not to a
// ConnectResult.
type ConnectResult struct {
	Key ConnectionKey
}

// DbQueryResult is returned by Connection.Query's Future: a single statement's
// outcome, either a row set or an OK-packet's affected-row bookkeeping.
type DbQueryResult struct {
	Columns      []string
	Rows         []Row
	RowsAffected int64
	LastInsertID int64

	// ServerStatus carries the MySQL server status flags attached to
	// this statement's response (see protocol.Handle.ServerStatus).
	ServerStatus uint16
	// Elapsed is the wall-clock time the operation took from submission
	// to completion.
	Elapsed time.Duration
	// Key identifies the Connection this result came from.
	Key ConnectionKey
}

func (*DbQueryResult) isQueryResult() {}

// DbMultiQueryResult is returned by Connection.MultiQuery's Future: the
// per-statement results of the batch, in order, plus
// the batch-level metadata spec §3 requires every result variant to
// carry (server status of the last statement executed, total elapsed
// time, originating ConnectionKey).
type DbMultiQueryResult struct {
	Results []DbQueryResult

	ServerStatus uint16
	Elapsed      time.Duration
	Key          ConnectionKey
}

func (*DbMultiQueryResult) isQueryResult() {}

// StreamHandler receives rows as they are fetched during
// Connection.StreamQuery/StreamMultiQuery, instead of the caller waiting
// for the whole result set to buffer in memory (spec §2 "streaming
// query").
type StreamHandler struct {
	// OnRow is called once per row, in order, on the worker goroutine
	// running the fetch step. It must not block.
	OnRow func(Row)
	// OnResultEnd is called once the current statement's rows are
	// exhausted, on the same worker goroutine, before either the next
	// statement begins (multi-query) or OnDone runs.
	OnResultEnd func(columns []string, rowsAffected, lastInsertID int64)
	// OnDone is called exactly once, with the terminal error (nil on
	// success), after the last statement's OnResultEnd.
	OnDone func(err error)
}
