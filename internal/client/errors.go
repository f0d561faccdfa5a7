package client

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError means the request could not be sent, the response could
// not be read, or the server answered with a transient status (5xx, 429).
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError means the response body was not the expected shape.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StatusError is a non-transient rejection (4xx other than 429).
type StatusError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

// LaunchError reports that an execution could not be created.
type LaunchError struct {
	ModuleID string
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch module %s: %v", e.ModuleID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

var errMissingID = errors.New("response carries no execution id")

// ErrStatusUnavailable means the route layout has no single-execution
// endpoint and the execution's module is not known, so its status cannot
// be looked up in the module's listing.
var ErrStatusUnavailable = errors.New("execution status unavailable")

// IsRetryable reports whether err is worth retrying after a delay.
func IsRetryable(err error) bool {
	var te *TransportError
	var pe *ParseError
	return errors.As(err, &te) || errors.As(err, &pe)
}

func transient(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
