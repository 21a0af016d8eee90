// Package apierror defines the closed error taxonomy shared by the router,
// the provider adapters and the HTTP API. Adapters classify provider faults
// into these codes; the router never re-classifies them.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Error codes. Callers program against these strings; do not rename or
// remove existing codes.
const (
	RateLimited           ErrorCode = "RATE_LIMITED"
	AuthFailed            ErrorCode = "AUTH_FAILED"
	NetworkError          ErrorCode = "NETWORK_ERROR"
	Timeout               ErrorCode = "TIMEOUT"
	ParseError            ErrorCode = "PARSE_ERROR"
	CircuitOpen           ErrorCode = "CIRCUIT_OPEN"
	ProviderNotConfigured ErrorCode = "PROVIDER_NOT_CONFIGURED"
	InvalidInput          ErrorCode = "INVALID_INPUT"
	ExecutionError        ErrorCode = "EXECUTION_ERROR"
	Unknown               ErrorCode = "UNKNOWN"
)

var defaultRetriable = map[ErrorCode]bool{
	RateLimited:           true,
	AuthFailed:            false,
	NetworkError:          true,
	Timeout:               true,
	ParseError:            false,
	CircuitOpen:           true,
	ProviderNotConfigured: false,
	InvalidInput:          false,
	ExecutionError:        true,
	Unknown:               false,
}

// Retriable reports the default retriable flag for a code. Unrecognised
// codes are treated as permanent.
func (c ErrorCode) Retriable() bool {
	return defaultRetriable[c]
}

// Valid reports whether c belongs to the taxonomy.
func (c ErrorCode) Valid() bool {
	_, ok := defaultRetriable[c]
	return ok
}

// Error is the structured failure carried in a task result.
type Error struct {
	Code         ErrorCode `json:"code"`
	Message      string    `json:"message"`
	Retriable    bool      `json:"retriable"`
	RetryAfterMs int64     `json:"retry_after_ms,omitempty"`
	// Cause is the adapter error that started a fallback traversal, kept
	// for diagnostics when the whole chain is exhausted.
	Cause *Error `json:"cause,omitempty"`

	// Local marks failures raised before any provider call was made
	// (budget refusal, unsupported task type). The router does not count
	// them against the provider's circuit breaker.
	Local bool `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// New builds an Error with the code's default retriable flag.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retriable: code.Retriable()}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfterMs = d.Milliseconds()
	return &cp
}

// AsLocal returns a copy of e marked as raised before the provider call.
func (e *Error) AsLocal() *Error {
	cp := *e
	cp.Local = true
	return &cp
}

// Permanent returns a copy of e that callers should not resubmit.
func (e *Error) Permanent() *Error {
	cp := *e
	cp.Retriable = false
	return &cp
}

// Classify maps an arbitrary Go error into the taxonomy. An *Error anywhere
// in the chain is returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(Timeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return New(ExecutionError, "call cancelled: "+err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(Timeout, err.Error())
		}
		return New(NetworkError, err.Error())
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return New(ParseError, err.Error())
	}

	return New(Unknown, err.Error())
}

// FromHTTPStatus classifies a non-2xx response from a tool bridge.
// retryAfter is the raw Retry-After header value (seconds), may be empty.
func FromHTTPStatus(status int, message, retryAfter string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	msg := fmt.Sprintf("bridge returned %d: %s", status, message)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return New(AuthFailed, msg)
	case status == http.StatusTooManyRequests:
		e := New(RateLimited, msg)
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			e.RetryAfterMs = int64(secs) * 1000
		}
		return e
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return New(Timeout, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return New(InvalidInput, msg)
	case status == http.StatusNotFound:
		return New(ProviderNotConfigured, msg)
	case status >= 500:
		return New(NetworkError, msg)
	default:
		return New(ExecutionError, msg)
	}
}

// ErrorResponse is the JSON body written by the HTTP API on request-level
// failures (undecodable bodies, admission refusals).
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Messages of the hottest rejection paths; WriteJSON serves them from
// pre-serialized bodies when there is no request id to echo.
const (
	MsgTenantRateLimited = "tenant request rate exceeded, retry later"
	MsgInternal          = "internal error while handling the request"
)

var (
	preRateLimited = mustMarshal(http.StatusTooManyRequests, RateLimited, MsgTenantRateLimited)
	preInternal    = mustMarshal(http.StatusInternalServerError, Unknown, MsgInternal)
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The request may be nil;
// when it carries an X-Request-ID the id is echoed in the body.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		switch {
		case status == http.StatusTooManyRequests && code == RateLimited && message == MsgTenantRateLimited:
			w.Write(preRateLimited) //nolint:errcheck
			return
		case status == http.StatusInternalServerError && code == Unknown && message == MsgInternal:
			w.Write(preInternal) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}
