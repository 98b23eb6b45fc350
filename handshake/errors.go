package handshake

import (
	"errors"
	"fmt"
)

// TransportError is a network level failure: refused, DNS, TLS, timeout, broken read.
// Only transport errors are eligible for failover.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("handshake transport failure at %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ApplicationError is a well-formed answer the control endpoint gave that is not a
// usable handshake response. It is surfaced as-is and never retried.
type ApplicationError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *ApplicationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake rejected by %s (status %d): %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("handshake rejected by %s: unexpected status code %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is, or wraps, a TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
