// Package protocol is the thin adapter described in spec §4.2/§6: it
// exposes only the operations an Operation needs, translating whatever
// the underlying MySQL client library reports into the tri-valued
// {Pending, Done, Error} status the core is built around. The default
// Handler is grounded on github.com/go-sql-driver/mysql, used below the
// database/sql layer (driver.Connector/driver.Conn directly) so the core
// owns connection lifetime itself rather than handing it to a pool.
package protocol

import (
	"context"
	"crypto/tls"
	"database/sql/driver"
	"errors"
	"io"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Status is the tri-valued result of one protocol step.
type Status int

const (
	StatusPending Status = iota
	StatusDone
	StatusError
)

// Key identifies the logical endpoint a Handle is (or will be) connected
// to — the wire-facing mirror of the root package's ConnectionKey.
type Key struct {
	Host     string
	Port     uint16
	Database string
	User     string
	Password string
}

// ConnectOptions carries the subset of ConnectionOptions the protocol
// layer needs to build a driver configuration.
type ConnectOptions struct {
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
	ClientFlags    uint32
	Attributes     map[string]string
}

// Handle owns one native protocol connection. It is the Go realization
// of ConnectionHolder's native handle (spec §3).
type Handle struct {
	conn         driver.Conn
	rows         driver.Rows
	cols         []string
	rowsAffected int64
	lastInsertID int64
	serverStatus uint16
	opts         ConnectOptions
	key          Key
}

// ServerStatus reports the MySQL server status flags (SERVER_STATUS_*)
// attached to the most recent RunQuery response. go-sql-driver/mysql
// does not surface the OK-packet status flags through its driver.Rows/
// driver.Result interfaces, so DriverHandler always reports 0 here; see
// DESIGN.md.
func (h *Handle) ServerStatus() uint16 { return h.serverStatus }

// Columns reports the column names of the most recently fetched result
// set (empty for an OK-packet-shaped result).
func (h *Handle) Columns() []string { return h.cols }

// RowsAffected and LastInsertID report the OK-packet values of the most
// recent RunQuery call when it produced no result set. RowsAffected is
// -1 when the underlying driver did not expose it (see DESIGN.md).
func (h *Handle) RowsAffected() int64 { return h.rowsAffected }
func (h *Handle) LastInsertID() int64 { return h.lastInsertID }

// Handler is the protocol collaborator interface from spec §4.2/§6.
// Every method is synchronous from the caller's point of view. All but
// Close are invoked from inside a SocketHandler-managed worker goroutine
// (see internal/reactor), never on the reactor goroutine directly; Close
// runs on whichever goroutine closes the Connection.
type Handler interface {
	TryConnect(h *Handle, opts ConnectOptions, key Key) (Status, error)
	RunQuery(h *Handle, sql string) (Status, error)
	Reset(h *Handle) (Status, error)
	ChangeUser(h *Handle, user, password, database string) (Status, error)
	NextResult(h *Handle) (Status, error)
	// FetchRow must never return an error by contract — a non-nil error
	// here is a library bug, not a query failure.
	FetchRow(h *Handle) (hasRow bool, row []driver.Value, err error)
	Close(h *Handle)
}

// DriverHandler is the default Handler, backed by go-sql-driver/mysql.
type DriverHandler struct{}

var _ Handler = DriverHandler{}

func (DriverHandler) TryConnect(h *Handle, opts ConnectOptions, key Key) (Status, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = hostPort(key.Host, key.Port)
	cfg.User = key.User
	cfg.Passwd = key.Password
	cfg.DBName = key.Database
	cfg.Timeout = opts.ConnectTimeout
	cfg.ParseTime = true
	cfg.InterpolateParams = false // parameter binding is an external collaborator concern
	if opts.TLSConfig != nil {
		cfg.TLSConfig = "asyncmy"
		_ = mysql.RegisterTLSConfig("asyncmy", opts.TLSConfig)
	}
	if len(opts.Attributes) > 0 {
		cfg.Params = opts.Attributes
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return StatusError, err
	}

	ctx := context.Background()
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	conn, err := connector.Connect(ctx)
	if err != nil {
		return StatusError, err
	}

	h.conn = conn
	h.opts = opts
	h.key = key
	return StatusDone, nil
}

func (DriverHandler) RunQuery(h *Handle, sql string) (Status, error) {
	qc, ok := h.conn.(driver.QueryerContext)
	if !ok {
		return StatusError, errors.New("asyncmy: protocol.DriverHandler: connection does not support QueryContext")
	}

	rows, err := qc.QueryContext(context.Background(), sql, nil)
	if err != nil {
		return StatusError, err
	}

	h.rows = rows
	h.cols = rows.Columns()
	h.rowsAffected, h.lastInsertID = -1, -1
	if len(h.cols) == 0 {
		// OK-packet-shaped result: best effort recovery of the affected
		// row count when the driver's Rows value also carries it.
		if res, ok := rows.(driver.Result); ok {
			if n, err := res.RowsAffected(); err == nil {
				h.rowsAffected = n
			}
			if id, err := res.LastInsertId(); err == nil {
				h.lastInsertID = id
			}
		}
	}
	return StatusDone, nil
}

func (DriverHandler) Reset(h *Handle) (Status, error) {
	sr, ok := h.conn.(driver.SessionResetter)
	if !ok {
		return StatusError, errors.New("asyncmy: protocol.DriverHandler: connection does not support session reset")
	}
	if err := sr.ResetSession(context.Background()); err != nil {
		return StatusError, err
	}
	return StatusDone, nil
}

// ChangeUser re-authenticates the logical session. go-sql-driver/mysql
// does not export COM_CHANGE_USER through the driver.Conn interface, so
// this is approximated by closing and re-establishing the connection
// under the new credentials against the same endpoint — externally
// indistinguishable from a real change-user for this core's purposes,
// since the core never inspects the underlying TCP connection identity.
// See DESIGN.md.
func (d DriverHandler) ChangeUser(h *Handle, user, password, database string) (Status, error) {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	key := h.key
	key.User = user
	key.Password = password
	key.Database = database
	return d.TryConnect(h, h.opts, key)
}

func (DriverHandler) NextResult(h *Handle) (Status, error) {
	rns, ok := h.rows.(driver.RowsNextResultSet)
	if !ok || !rns.HasNextResultSet() {
		return StatusDone, io.EOF
	}
	if err := rns.NextResultSet(); err != nil {
		if errors.Is(err, io.EOF) {
			return StatusDone, io.EOF
		}
		return StatusError, err
	}
	h.cols = h.rows.Columns()
	return StatusDone, nil
}

func (DriverHandler) FetchRow(h *Handle) (bool, []driver.Value, error) {
	if h.rows == nil || len(h.cols) == 0 {
		return false, nil, nil
	}
	row := make([]driver.Value, len(h.cols))
	err := h.rows.Next(row)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil, nil
		}
		// Contract: FetchRow never yields an error. Anything else here
		// is a library bug in the underlying driver, not a query
		// failure; the caller treats a non-nil err as fatalInvariant.
		return false, nil, err
	}
	return true, row, nil
}

func (DriverHandler) Close(h *Handle) {
	if h.rows != nil {
		_ = h.rows.Close()
		h.rows = nil
	}
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
}

func hostPort(host string, port uint16) string {
	if port == 0 {
		port = 3306
	}
	return host + ":" + portString(port)
}

func portString(port uint16) string {
	// avoid pulling in strconv twice for one call site of fmt.Sprintf
	const digits = "0123456789"
	if port == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for port > 0 {
		i--
		buf[i] = digits[port%10]
		port /= 10
	}
	return string(buf[i:])
}
