package ari

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/CyCoreSystems/ari/v5/client/native"
)

// Resource kinds named in a RequestError.
const (
	ResourceChannel   = "channel"
	ResourceBridge    = "bridge"
	ResourcePlayback  = "playback"
	ResourceRecording = "recording"
)

// Operation names the runtime inspects when classifying failures.
const (
	OpAddChannel    = "add channel"
	OpRemoveChannel = "remove channel"
	OpStopMOH       = "stop moh"
)

// RequestError is a failed command. StatusCode is 0 when no response was
// received (connection refused, timeout).
type RequestError struct {
	Resource   string
	Op         string
	ID         string
	StatusCode int
	Err        error
}

// Error returns the error message.
func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s %s: %v", e.Resource, e.ID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: status %d", e.Resource, e.ID, e.Op, e.StatusCode)
}

// Unwrap returns the underlying error, if any.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same request may succeed.
func (e *RequestError) Transient() bool {
	switch e.StatusCode {
	case 0,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NotFound reports a 404 response.
func (e *RequestError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsTransient reports whether err is a transient protocol failure.
func IsTransient(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Transient()
	}
	return false
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.NotFound()
}

// AsRequestError returns the RequestError in err's chain.
func AsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	ok := errors.As(err, &re)
	return re, ok
}

// statusCode digs the HTTP status out of a native client error. The library
// wraps with both Unwrap and Cause chains, so both are followed.
func statusCode(err error) int {
	for err != nil {
		if re, ok := err.(native.RequestError); ok {
			return re.Code()
		}
		switch e := err.(type) {
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		case interface{ Cause() error }:
			err = e.Cause()
		default:
			return 0
		}
	}
	return 0
}
