package rpcmux

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Standard JSON-RPC 2.0 error codes, named per original_source's
// v2/error.rs so callers can match on a constant instead of a magic
// number (spec.md §3 already enumerates these; this just gives them
// names).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ServerError is a well-formed JSON-RPC error object returned for a
// specific call.
type ServerError struct {
	Code    int32           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Kind enumerates the error taxonomy of spec.md §7.
type Kind int

const (
	KindTransportError Kind = iota
	KindRequest
	KindParseError
	KindInvalidResponse
	KindInvalidRequestID
	KindInvalidSubscriptionID
	KindDuplicateRequestID
	KindSubscriptionNameConflict
	KindMaxSlotsExceeded
	KindWsRequestTimeout
	KindRestartNeeded
	// KindInvalidRequest marks a caller-fault request rejected before it
	// ever reached the multiplexer (e.g. exceeding
	// ClientOptions.MaxRequestBodySize, or an empty batch) — distinct
	// from KindInternal, which reports a failure inside the client itself
	// (encoding a frame, parsing a dial URL, invalid ClientOptions).
	KindInvalidRequest
	KindInternal
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindTransportError:
		return "TransportError"
	case KindRequest:
		return "Request"
	case KindParseError:
		return "ParseError"
	case KindInvalidResponse:
		return "InvalidResponse"
	case KindInvalidRequestID:
		return "InvalidRequestId"
	case KindInvalidSubscriptionID:
		return "InvalidSubscriptionId"
	case KindDuplicateRequestID:
		return "DuplicateRequestId"
	case KindSubscriptionNameConflict:
		return "SubscriptionNameConflict"
	case KindMaxSlotsExceeded:
		return "MaxSlotsExceeded"
	case KindWsRequestTimeout:
		return "WsRequestTimeout"
	case KindRestartNeeded:
		return "RestartNeeded"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindInternal:
		return "Internal"
	default:
		return "Custom"
	}
}

// Error is the single error type returned across the public API. It
// wraps a Kind plus whatever caused it (a *ServerError for KindRequest,
// a transport error for KindTransportError, etc.), using
// github.com/pkg/errors so callers can still errors.Unwrap/Cause down to
// the root I/O failure. KindRestartNeeded carries its cause only as
// Reason text, with no wrapped Cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error

	// Expected/Got are populated for KindInvalidResponse.
	Expected, Got string
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindInvalidResponse:
		return fmt.Sprintf("%s: expected %s, got %s", e.Kind, e.Expected, e.Got)
	case e.Reason != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// ServerError returns the wrapped *ServerError when Kind == KindRequest.
func (e *Error) ServerError() (*ServerError, bool) {
	se, ok := e.Cause.(*ServerError)
	return se, ok
}

func newErr(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func wrapErr(kind Kind, reason string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// TransportError wraps a failure from the underlying send/recv stream.
func TransportError(cause error) *Error {
	return wrapErr(KindTransportError, "", cause)
}

// RestartNeeded reports that the background multiplexer has terminated;
// no further operation on this client will succeed.
func RestartNeeded(reason string) *Error {
	return newErr(KindRestartNeeded, reason)
}

var (
	// ErrMaxSlotsExceeded is returned when the ID pool has no free slot.
	ErrMaxSlotsExceeded = newErr(KindMaxSlotsExceeded, "no free request id slot")
	// ErrClientQuit is the sentinel cause used internally when the
	// multiplexer shuts down because its context was cancelled (Client.Close),
	// matching the teacher's ErrClientQuit in rpc/client.go.
	ErrClientQuit = newErr(KindRestartNeeded, "client is closed")
)
