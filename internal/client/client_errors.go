package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// StatusError is returned for a non-200 response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	// Body holds at most the first 200 characters of the response.
	Body string
}

func newStatusError(endpoint string, code int, body string) *StatusError {
	if r := []rune(body); len(r) > maxErrorBody {
		body = string(r[:maxErrorBody])
	}
	return &StatusError{Endpoint: endpoint, StatusCode: code, Body: body}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status code %d: %s", e.StatusCode, e.Body)
}

// RequestError wraps a transport failure.
type RequestError struct {
	Endpoint string
	Err      error
	// Sent is true once the request was fully written to the server, so a
	// later timeout is a response wait and not a connection failure.
	Sent bool
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request: %s", e.Endpoint, shortenError(e.Err))
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ProtocolError means the server answered 200 with a body that could not be
// decoded.
type ProtocolError struct {
	Endpoint string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: invalid response: %v", e.Endpoint, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a request that hit its own deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsResponseTimeout reports whether err is a timeout that hit after the
// request reached the server, as when a long poll expires without a command.
func IsResponseTimeout(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Sent && IsTimeout(err)
}

// IsConnectTimeout reports whether err is a timeout that hit before the
// request was sent: dial, TLS handshake, or a deadline of unknown origin.
func IsConnectTimeout(err error) bool {
	return IsTimeout(err) && !IsResponseTimeout(err)
}

// shortenError extracts the innermost meaningful message from nested network
// errors (e.g. *url.Error → *net.OpError → syscall) so that log messages
// stay concise (e.g. "connection refused" instead of the full dial trace).
func shortenError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}
