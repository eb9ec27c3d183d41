package redis

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/xenking/redis3/internal/ioloop"
	"github.com/xenking/redis3/internal/mux"
	"github.com/xenking/redis3/internal/supervisor"
	"github.com/xenking/redis3/resp3"
)

// Kind classifies an Error by the taxonomy in spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota

	// Parser errors. Always terminal for the run.
	KindInvalidDataType
	KindNotANumber
	KindEmptyField
	KindUnexpectedBoolValue
	KindExceedsMaxNestedDepth

	// Deadline expiries. Trigger reconnect when enabled.
	KindResolveTimeout
	KindConnectTimeout
	KindSslHandshakeTimeout
	KindPongTimeout

	// exec-level / supervisor-level conditions.
	KindNotConnected
	KindCancelled

	// Server-side replies. Delivered to the owning exec; never terminal.
	KindResp3SimpleError
	KindResp3BlobError

	// Adapter mismatches. Delivered to the owning exec.
	KindExpectsResp3NonNull
	KindIncompatibleSize
	KindNestedAggregateNotSupported
	KindIncompatibleNodeDepth

	// Supervisor / multiplexer level.
	KindSentinelUnknownMaster
	KindExceedsMaximumReadBufferSize
)

func (k Kind) String() string {
	switch k {
	case KindInvalidDataType:
		return "InvalidDataType"
	case KindNotANumber:
		return "NotANumber"
	case KindEmptyField:
		return "EmptyField"
	case KindUnexpectedBoolValue:
		return "UnexpectedBoolValue"
	case KindExceedsMaxNestedDepth:
		return "ExceedsMaxNestedDepth"
	case KindResolveTimeout:
		return "ResolveTimeout"
	case KindConnectTimeout:
		return "ConnectTimeout"
	case KindSslHandshakeTimeout:
		return "SslHandshakeTimeout"
	case KindPongTimeout:
		return "PongTimeout"
	case KindNotConnected:
		return "NotConnected"
	case KindCancelled:
		return "Cancelled"
	case KindResp3SimpleError:
		return "Resp3SimpleError"
	case KindResp3BlobError:
		return "Resp3BlobError"
	case KindExpectsResp3NonNull:
		return "ExpectsResp3NonNull"
	case KindIncompatibleSize:
		return "IncompatibleSize"
	case KindNestedAggregateNotSupported:
		return "NestedAggregateNotSupported"
	case KindIncompatibleNodeDepth:
		return "IncompatibleNodeDepth"
	case KindSentinelUnknownMaster:
		return "SentinelUnknownMaster"
	case KindExceedsMaximumReadBufferSize:
		return "ExceedsMaximumReadBufferSize"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across the public API. It
// always carries a Kind from the taxonomy and, for server-side errors, the
// diagnostic text the server sent.
type Error struct {
	Kind       Kind
	Message    string
	cause      error
}

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapErr(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: errors.Wrap(cause, msg)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("redis: %s", e.Kind)
	}
	return fmt.Sprintf("redis: %s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As reach the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Is reports Kind-based equality so callers can do errors.Is(err, redis.ErrCancelled).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// Sentinel errors for the common cases, comparable with errors.Is.
var (
	ErrNotConnected = newErr(KindNotConnected, "exec called while not connected")
	ErrCancelled    = newErr(KindCancelled, "operation cancelled")
	ErrClosed       = newErr(KindCancelled, "connection closed")
)

// fromParseError maps a resp3 grammar error onto our Kind taxonomy. It
// matches with errors.Is rather than a direct type switch so it still
// works once the error has been wrapped by multierror/pkg-errors layers
// on its way up from internal/ioloop.Run.
func fromParseError(err error) *Error {
	switch {
	case errors.Is(err, resp3.ErrInvalidDataType):
		return wrapErr(KindInvalidDataType, err, "")
	case errors.Is(err, resp3.ErrNotANumber):
		return wrapErr(KindNotANumber, err, "")
	case errors.Is(err, resp3.ErrEmptyField):
		return wrapErr(KindEmptyField, err, "")
	case errors.Is(err, resp3.ErrUnexpectedBoolValue):
		return wrapErr(KindUnexpectedBoolValue, err, "")
	case errors.Is(err, resp3.ErrExceedsMaxNestedDepth):
		return wrapErr(KindExceedsMaxNestedDepth, err, "")
	default:
		return wrapErr(KindUnknown, err, "")
	}
}

// toError bridges an internal package's sentinel or pkg/errors-wrapped
// error onto this package's Kind taxonomy, so a caller doing
// errors.Is(err, redis.ErrCancelled) (or matching any other Kind) sees it
// regardless of which of mux/ioloop/supervisor/resp3 originated it.
// Context errors and anything already converted pass through unchanged.
func toError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isWrappedParseError(err) {
		return fromParseError(err)
	}

	switch {
	case errors.Is(err, mux.ErrCancelled):
		return wrapErr(KindCancelled, err, "")
	case errors.Is(err, mux.ErrNotConnected):
		return wrapErr(KindNotConnected, err, "")
	case errors.Is(err, mux.ErrExceedsMaximumReadBuffer):
		return wrapErr(KindExceedsMaximumReadBufferSize, err, "")
	case errors.Is(err, ioloop.ErrPongTimeout):
		return wrapErr(KindPongTimeout, err, "")
	case errors.Is(err, supervisor.ErrResolveTimeout):
		return wrapErr(KindResolveTimeout, err, "")
	case errors.Is(err, supervisor.ErrConnectTimeout):
		return wrapErr(KindConnectTimeout, err, "")
	case errors.Is(err, supervisor.ErrSslHandshakeTimeout):
		return wrapErr(KindSslHandshakeTimeout, err, "")
	case errors.Is(err, supervisor.ErrSentinelUnknownMaster):
		return wrapErr(KindSentinelUnknownMaster, err, "")
	case errors.Is(err, supervisor.ErrHandshakeFailed):
		return wrapErr(KindUnknown, err, "handshake rejected")
	default:
		return err
	}
}

// isWrappedParseError reports whether err is, or wraps, one of resp3's
// grammar sentinels, however many multierror/pkg-errors layers it has
// picked up on its way out of internal/ioloop.Run.
func isWrappedParseError(err error) bool {
	return errors.Is(err, resp3.ErrInvalidDataType) ||
		errors.Is(err, resp3.ErrNotANumber) ||
		errors.Is(err, resp3.ErrEmptyField) ||
		errors.Is(err, resp3.ErrUnexpectedBoolValue) ||
		errors.Is(err, resp3.ErrExceedsMaxNestedDepth)
}

// ServerError is the diagnostic text of a simple- or blob-error reply.
// It satisfies error, and Kind() reports which RESP3 error shape it came
// from.
type ServerError struct {
	kind Kind
	text string
}

func newServerError(kind Kind, node resp3.Node) *ServerError {
	return &ServerError{kind: kind, text: string(node.Value)}
}

func (e *ServerError) Error() string { return fmt.Sprintf("redis: server error: %s", e.text) }
func (e *ServerError) Kind() Kind    { return e.kind }
func (e *ServerError) Text() string  { return e.text }
