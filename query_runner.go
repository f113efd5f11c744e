package asyncmy

import (
	"asyncmy/internal/protocol"
)

// singleQueryBuilder drives one statement across the RunQuery → FetchRow*
// step sequence that protocol.Handler exposes, each call happening on a
// worker goroutine armed by the owning operation (spec §4.2/§4.4).
type singleQueryBuilder struct {
	ran    bool
	cols   []string
	rows   []Row
	ra     int64
	lid    int64
	status uint16
}

func newSingleQueryBuilder() *singleQueryBuilder {
	return &singleQueryBuilder{}
}

func (b *singleQueryBuilder) result() *DbQueryResult {
	return &DbQueryResult{
		Columns:      b.cols,
		Rows:         b.rows,
		RowsAffected: b.ra,
		LastInsertID: b.lid,
		ServerStatus: b.status,
	}
}

// runSingleStatement is the reusable step body for a single-statement
// operation: first call runs the query, every subsequent call fetches
// one row, and the final call (no more rows) returns nil to finish.
func runSingleStatement(holder *ConnectionHolder, sql string, b *singleQueryBuilder) error {
	if !b.ran {
		b.ran = true
		status, err := holder.handler.RunQuery(holder.handle, sql)
		if err != nil {
			return err
		}
		b.cols = holder.handle.Columns()
		b.ra = holder.handle.RowsAffected()
		b.lid = holder.handle.LastInsertID()
		b.status = holder.handle.ServerStatus()
		if status == protocol.StatusPending {
			return errStepContinue
		}
		if len(b.cols) == 0 {
			return nil
		}
		return errStepContinue
	}

	hasRow, row, err := holder.handler.FetchRow(holder.handle)
	if err != nil {
		return fatalInvariant(ClientError, "protocol handler FetchRow returned an error: %v", err)
	}
	if !hasRow {
		return nil
	}
	b.rows = append(b.rows, Row{Columns: b.cols, Values: row})
	return errStepContinue
}

// multiQueryRunner drives a batch of statements, running each entry in
// sqls with its own RunQuery call once the previous one's rows are
// exhausted (spec §2 "multi query"). NextResult is not used.
type multiQueryRunner struct {
	sqls    []string
	idx     int
	builder *singleQueryBuilder
	results []DbQueryResult
	begun   bool
}

func newMultiQueryRunner(sqls []string) *multiQueryRunner {
	return &multiQueryRunner{sqls: sqls, builder: newSingleQueryBuilder()}
}

func (r *multiQueryRunner) started() bool { return r.begun }

// executedCount reports how many statements completed successfully
// before the batch finished or failed.
func (r *multiQueryRunner) executedCount() int { return r.idx }

func (r *multiQueryRunner) result() *DbMultiQueryResult {
	res := &DbMultiQueryResult{Results: r.results}
	if n := len(r.results); n > 0 {
		res.ServerStatus = r.results[n-1].ServerStatus
	}
	return res
}

func (r *multiQueryRunner) step(holder *ConnectionHolder) error {
	r.begun = true
	if r.idx >= len(r.sqls) {
		return nil
	}

	err := runSingleStatement(holder, r.sqls[r.idx], r.builder)
	if err == nil {
		r.results = append(r.results, *r.builder.result())
		r.builder = newSingleQueryBuilder()
		r.idx++
		if r.idx >= len(r.sqls) {
			return nil
		}
		return errStepContinue
	}
	return err
}

// streamMultiQueryRunner drives a batch of statements, one RunQuery call
// per statement, delivering each statement's rows to a StreamHandler as
// they are fetched instead of buffering them (spec §2 "streaming multi
// query").
// StreamHandler.OnResultEnd marks the boundary between statements.
type streamMultiQueryRunner struct {
	sqls    []string
	handler *StreamHandler
	idx     int
	current *streamRunner
	begun   bool
}

func newStreamMultiQueryRunner(sqls []string, handler *StreamHandler) *streamMultiQueryRunner {
	return &streamMultiQueryRunner{
		sqls:    sqls,
		handler: handler,
		current: newStreamRunner(sqls[0], handler),
	}
}

func (r *streamMultiQueryRunner) started() bool { return r.begun }

// executedCount reports how many statements completed successfully
// before the batch finished or failed.
func (r *streamMultiQueryRunner) executedCount() int { return r.idx }

func (r *streamMultiQueryRunner) step(holder *ConnectionHolder) error {
	r.begun = true

	err := r.current.step(holder)
	if err != nil {
		return err
	}

	r.idx++
	if r.idx >= len(r.sqls) {
		return nil
	}
	r.current = newStreamRunner(r.sqls[r.idx], r.handler)
	return errStepContinue
}

// streamRunner drives one statement, delivering each fetched row to a
// StreamHandler instead of buffering it (spec §2 "streaming query").
type streamRunner struct {
	sql     string
	handler *StreamHandler
	started bool
	ran     bool
	cols    []string
}

func newStreamRunner(sql string, handler *StreamHandler) *streamRunner {
	return &streamRunner{sql: sql, handler: handler}
}

func (r *streamRunner) step(holder *ConnectionHolder) error {
	r.started = true
	if !r.ran {
		r.ran = true
		status, err := holder.handler.RunQuery(holder.handle, r.sql)
		if err != nil {
			return err
		}
		r.cols = holder.handle.Columns()
		if status == protocol.StatusPending || len(r.cols) != 0 {
			return errStepContinue
		}
		r.handler.OnResultEnd(r.cols, holder.handle.RowsAffected(), holder.handle.LastInsertID())
		return nil
	}

	hasRow, row, err := holder.handler.FetchRow(holder.handle)
	if err != nil {
		return fatalInvariant(ClientError, "protocol handler FetchRow returned an error: %v", err)
	}
	if !hasRow {
		r.handler.OnResultEnd(r.cols, holder.handle.RowsAffected(), holder.handle.LastInsertID())
		return nil
	}
	r.handler.OnRow(Row{Columns: r.cols, Values: row})
	return errStepContinue
}
