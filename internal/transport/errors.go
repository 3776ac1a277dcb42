package transport

import (
	"errors"
	"fmt"
	"net/http"

	"xfer/internal/engine"
)

// EngineError is the engine result behind a failed transfer.
type EngineError struct {
	Errno   engine.Errno
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("errno %d: %s", int(e.Errno), e.Message)
}

// Timeout reports whether the transfer ran out of time.
func (e *EngineError) Timeout() bool { return e.Errno == engine.OperationTimedOut }

// RequestError is a failure that is not a plain connection failure: a hook
// error, an exhausted retry, a sink write error or a transfer error after
// a response started.
type RequestError struct {
	msg      string
	request  *http.Request
	response *http.Response
	cause    error
	context  map[string]any
}

func (e *RequestError) Error() string {
	var engErr *EngineError
	if e.cause == nil || errors.As(e.cause, &engErr) {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *RequestError) Unwrap() error { return e.cause }

// Message returns the error message without the cause.
func (e *RequestError) Message() string { return e.msg }

// Request returns the request that failed.
func (e *RequestError) Request() *http.Request { return e.request }

// Response returns the response received before the failure, if any.
func (e *RequestError) Response() *http.Response { return e.response }

// HandlerContext returns the engine diagnostics. It always has "errno" and
// "error" keys.
func (e *RequestError) HandlerContext() map[string]any { return e.context }

// ConnectError means no response could be obtained because the connection
// failed, timed out or returned nothing.
type ConnectError struct {
	msg     string
	request *http.Request
	cause   error
	context map[string]any
}

func (e *ConnectError) Error() string { return e.msg }

func (e *ConnectError) Unwrap() error { return e.cause }

// Request returns the request that failed.
func (e *ConnectError) Request() *http.Request { return e.request }

// HandlerContext returns the engine diagnostics. It always has "errno" and
// "error" keys.
func (e *ConnectError) HandlerContext() map[string]any { return e.context }
