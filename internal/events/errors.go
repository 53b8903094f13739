package events

import (
	"errors"
	"fmt"
)

// DecodeError reports a payload that could not be turned into an Envelope.
// Such events are dropped and never retried.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode event: %s: %v", e.Reason, e.Err)
	}
	return "decode event: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HandlerError is one handler's failure inside a dispatch. It never fails the
// transport acknowledgement.
type HandlerError struct {
	EventType string
	EventID   string
	Index     int
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %d for %s (event %s): %v", e.Index, e.EventType, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ErrTransport marks socket and HTTP I/O failures. Long connections retry
// them with backoff; webhook requests surface them as a failed request.
var ErrTransport = errors.New("transport failure")

// AuthError reports a token, signature or timestamp mismatch, or credentials
// the platform refused. It is never retried automatically.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }
