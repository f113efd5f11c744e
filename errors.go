package asyncmy

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Kind classifies the terminal failure of an Operation or a misuse of the
// public API. Kinds OperationState and ClientError indicate a programming
// bug rather than an environmental failure.
type Kind int

const (
	// ConnectFailed is a protocol error raised during Connect.
	ConnectFailed Kind = iota
	// QueryFailed is a protocol error raised during Query, MultiQuery,
	// fetch, or next-result.
	QueryFailed
	// Timeout means the operation exceeded its deadline.
	Timeout
	// Cancelled means the operation was terminated by an explicit cancel
	// or by Client shutdown.
	Cancelled
	// InvalidConnection means the Connection has no holder, or its holder
	// is not usable (e.g. stolen by a reset-on-dying-Connection).
	InvalidConnection
	// OperationInProgress means a second Operation was started on a
	// Connection that already has one in flight.
	OperationInProgress
	// OperationState means the reactor delivered an event to an Operation
	// in an illegal state. Always a programming bug.
	OperationState
	// ClientError means an internal invariant was violated, or the client
	// refused admission (e.g. shutting down). Bug-shaped
	// kinds still surface as a returned error rather than a panic: a
	// library must not crash its host process.
	ClientError
)

func (k Kind) String() string {
	switch k {
	case ConnectFailed:
		return "ConnectFailed"
	case QueryFailed:
		return "QueryFailed"
	case Timeout:
		return "Timeout"
	case Cancelled:
		return "Cancelled"
	case InvalidConnection:
		return "InvalidConnection"
	case OperationInProgress:
		return "OperationInProgress"
	case OperationState:
		return "OperationState"
	case ClientError:
		return "ClientError"
	default:
		return "Unknown"
	}
}

// Error is the single error type the core returns. Its fields are
// populated according to Kind; unused fields are left at their zero value.
type Error struct {
	Kind            Kind
	Message         string
	Errno           uint16
	QueriesExecuted int
	Elapsed         time.Duration
	Key             ConnectionKey

	cause error
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("asyncmy: %s: %s (errno %d)", e.Kind, e.Message, e.Errno)
	}
	return fmt.Sprintf("asyncmy: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is(err, ErrConnectFailed) etc. work by comparing Kind when
// the target is itself a bare *Error carrying only a Kind (the sentinels
// below).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" || t.Errno != 0 {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels usable with errors.Is(err, asyncmy.ErrTimeout) and so on.
var (
	ErrConnectFailed       = &Error{Kind: ConnectFailed}
	ErrQueryFailed         = &Error{Kind: QueryFailed}
	ErrTimeout             = &Error{Kind: Timeout}
	ErrCancelled           = &Error{Kind: Cancelled}
	ErrInvalidConnection   = &Error{Kind: InvalidConnection}
	ErrOperationInProgress = &Error{Kind: OperationInProgress}
	ErrOperationState      = &Error{Kind: OperationState}
	ErrClientError         = &Error{Kind: ClientError}
)

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func clientError(format string, args ...any) *Error {
	return newError(ClientError, fmt.Sprintf(format, args...), nil)
}

// fatalInvariant reports a programming-bug kind (OperationState or
// ClientError): it is logged unconditionally through the package-level
// fallback logger, counted, and returned as an error rather than panicking.
func fatalInvariant(kind Kind, format string, args ...any) *Error {
	err := newError(kind, fmt.Sprintf(format, args...), nil)
	reportInvariantViolation(err)
	return err
}

// errnoOf attempts to pull a MySQL server error number out of an arbitrary
// error returned by the protocol collaborator.
func errnoOf(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}
