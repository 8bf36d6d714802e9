package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSessionNotFound is returned when the backend reports that no session
// exists for the requested folder. It is an expected outcome, not a failure.
var ErrSessionNotFound = errors.New("session not found")

// APIError is returned when the backend answered with a non-success status and
// a structured error body.
type APIError struct {
	Status      int
	Type        string
	Message     string
	Description string
	Trace       string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// TransportError covers network failures and non-success responses whose body
// is not a structured error. Status is 0 when no response was received.
type TransportError struct {
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("request failed: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("server returned %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
	default:
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is returned when a success response could not be parsed as
// the expected shape.
type ProtocolError struct {
	Status int
	Body   string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid response (status %d): %v", e.Status, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// AsAPIError checks if an error is an APIError and returns it.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// AsTransportError checks if an error is a TransportError and returns it.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// AsProtocolError checks if an error is a ProtocolError and returns it.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Kind names the taxonomy bucket of err, for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	}
	if _, ok := AsAPIError(err); ok {
		return "api"
	}
	if _, ok := AsProtocolError(err); ok {
		return "protocol"
	}
	if _, ok := AsTransportError(err); ok {
		return "transport"
	}
	return "other"
}
