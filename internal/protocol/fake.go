package protocol

import (
	"database/sql/driver"
	"errors"
	"sync"
)

// FakeHandler is a deterministic, in-memory Handler used by the root
// package's tests (spec §8). It never touches the network: TryConnect
// always succeeds (unless the key's Host is a registered failure
// trigger), and RunQuery resolves against a table of canned responses
// keyed by SQL text, mirroring the teacher's table-driven fake backends.
type FakeHandler struct {
	mu sync.Mutex

	// Responses maps exact SQL text to a canned result. Unregistered SQL
	// produces a single-column, single-row "ok" result.
	Responses map[string]FakeResult

	// FailConnectHosts, when non-empty, names Key.Host values for which
	// TryConnect fails with FailConnectErr (or a default error).
	FailConnectHosts map[string]bool
	FailConnectErr   error

	closed bool
	cursor int
	active *FakeResult
}

// FakeResult is one canned RunQuery outcome.
type FakeResult struct {
	Columns      []string
	Rows         [][]driver.Value
	RowsAffected int64
	LastInsertID int64
	ServerStatus uint16
	Err          error
}

var _ Handler = (*FakeHandler)(nil)

func NewFakeHandler() *FakeHandler {
	return &FakeHandler{Responses: make(map[string]FakeResult)}
}

func (f *FakeHandler) TryConnect(h *Handle, opts ConnectOptions, key Key) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailConnectHosts[key.Host] {
		err := f.FailConnectErr
		if err == nil {
			err = errors.New("fake: connect refused")
		}
		return StatusError, err
	}
	h.key = key
	h.opts = opts
	f.closed = false
	return StatusDone, nil
}

func (f *FakeHandler) RunQuery(h *Handle, sql string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp, ok := f.Responses[sql]
	if !ok {
		resp = FakeResult{Columns: []string{"result"}, Rows: [][]driver.Value{{"ok"}}}
	}
	if resp.Err != nil {
		return StatusError, resp.Err
	}
	active := resp
	f.active = &active
	f.cursor = 0
	h.cols = active.Columns
	h.rowsAffected = active.RowsAffected
	h.lastInsertID = active.LastInsertID
	h.serverStatus = active.ServerStatus
	return StatusDone, nil
}

func (f *FakeHandler) Reset(h *Handle) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = nil
	f.cursor = 0
	h.cols = nil
	return StatusDone, nil
}

func (f *FakeHandler) ChangeUser(h *Handle, user, password, database string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.key.User = user
	h.key.Password = password
	h.key.Database = database
	return StatusDone, nil
}

func (f *FakeHandler) NextResult(h *Handle) (Status, error) {
	// FakeHandler models single-result-set queries only: NextResult
	// always reports that no further result set exists.
	return StatusDone, errEOF
}

func (f *FakeHandler) FetchRow(h *Handle) (bool, []driver.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil || f.cursor >= len(f.active.Rows) {
		return false, nil, nil
	}
	row := f.active.Rows[f.cursor]
	f.cursor++
	return true, row, nil
}

func (f *FakeHandler) Close(h *Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.active = nil
}

// Closed reports whether Close has been called, for assertions in tests.
func (f *FakeHandler) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var errEOF = errors.New("fake: no more result sets")
