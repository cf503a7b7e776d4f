package jrpc2

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000 // first of the -32000..-32099 application server error range
)

// Error is a JSON-RPC error object. Evaluators return it to signal a method failure;
// callers receive it unmodified when the peer answered with an error response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewError returns an error object without data.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf returns an error object with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying v as data. Values that fail to encode are stored as their string form.
func (e *Error) WithData(v any) *Error {
	cp := *e
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(v))
	}
	cp.Data = raw
	return &cp
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func errParse(detail string) *Error {
	return NewError(CodeParseError, "Parse error").WithData(detail)
}

func errInvalidRequest(detail string) *Error {
	return NewError(CodeInvalidRequest, "Invalid Request").WithData(detail)
}

func errMethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "Method not found").WithData(method)
}

func errInternal(detail string) *Error {
	return NewError(CodeInternalError, "Internal error").WithData(detail)
}

var (
	// ErrDuplicateID is returned when a call reuses an id that is still pending on the connection.
	ErrDuplicateID = errors.New("jrpc2: duplicate request id")
	// ErrConnectionClosed matches every ConnectionClosedError.
	ErrConnectionClosed = errors.New("jrpc2: connection closed")
	// ErrBatchTimeout matches every BatchTimeoutError.
	ErrBatchTimeout = errors.New("jrpc2: batch timeout")
)

// ConnectionClosedError is delivered to every call still pending when its connection resets.
type ConnectionClosedError struct {
	Reason error
}

func (e *ConnectionClosedError) Error() string {
	if e.Reason == nil {
		return ErrConnectionClosed.Error()
	}
	return ErrConnectionClosed.Error() + ": " + e.Reason.Error()
}

func (e *ConnectionClosedError) Is(target error) bool { return target == ErrConnectionClosed }
func (e *ConnectionClosedError) Unwrap() error         { return e.Reason }

// BatchTimeoutError rejects a batch whose members did not all answer in time.
type BatchTimeoutError struct {
	Elapsed  time.Duration
	Received int
	Expected int
}

func (e *BatchTimeoutError) Error() string {
	return fmt.Sprintf("%s after %s (%d of %d responses)", ErrBatchTimeout, e.Elapsed, e.Received, e.Expected)
}

func (e *BatchTimeoutError) Is(target error) bool { return target == ErrBatchTimeout }

// ProtocolError reports peer traffic that violates JSON-RPC, scoped to one message or exchange.
type ProtocolError struct {
	Msg string
	Err *Error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "jrpc2: protocol error: " + e.Msg + ": " + e.Err.Error()
	}
	return "jrpc2: protocol error: " + e.Msg
}

// EncodeError reports a message that cannot be put on the wire.
type EncodeError struct {
	Msg string
	Err error
}

func (e *EncodeError) Error() string {
	if e.Err != nil {
		return "jrpc2: encode: " + e.Msg + ": " + e.Err.Error()
	}
	return "jrpc2: encode: " + e.Msg
}

func (e *EncodeError) Unwrap() error { return e.Err }
