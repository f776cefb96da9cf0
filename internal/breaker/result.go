package breaker

import (
	"encoding/json"
	"net/http"
)

// FallbackCode classifies why a fallback was returned.
type FallbackCode string

const (
	CodeCircuitOpen       FallbackCode = "circuit_open"
	CodeTimeout           FallbackCode = "timeout"
	CodeDownstreamFailure FallbackCode = "downstream_failure"
)

// FallbackStatus is the HTTP status carried by fallback responses.
const FallbackStatus = http.StatusServiceUnavailable

// Fallback is the structured body returned instead of a real result.
type Fallback struct {
	Code       FallbackCode `json:"error"`
	Message    string       `json:"message"`
	Breaker    string       `json:"breaker"`
	RetryAfter int          `json:"retry_after,omitempty"`
}

// Response materializes the fallback as an HTTP-shaped response so callers
// can treat it like any other downstream reply.
func (f *Fallback) Response() *Response {
	body, _ := json.Marshal(f)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &Response{StatusCode: FallbackStatus, Header: header, Body: body}
}

// Result is either the real value of a call or a fallback.
type Result[T any] struct {
	Value    T
	Fallback *Fallback
	// Err is the underlying failure when the call was attempted and failed.
	Err error
}

// OK reports whether Value came from the real call.
func (r Result[T]) OK() bool {
	return r.Fallback == nil
}

// Response is an HTTP reply reduced to what callers inspect.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"-"`
	Body       []byte      `json:"body"`
}
