package jobipc

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelLost indicates the connection to the other side was severed
	ErrChannelLost = errors.New("jobipc: channel lost")

	// ErrClosed indicates the client or server was closed locally
	ErrClosed = errors.New("jobipc: closed")

	// ErrDuplicateJob indicates a request with the same job id is still in flight
	ErrDuplicateJob = errors.New("jobipc: job already in flight")

	// ErrFrameTooLarge indicates a frame exceeds the configured maximum
	ErrFrameTooLarge = errors.New("jobipc: frame too large")

	errMissingJobID = errors.New("missing job id")
)

// DecodeError is returned when a well framed message body cannot be decoded.
// The stream stays usable; only this message is lost.
type DecodeError struct {
	Message string // "request" or "response"
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("jobipc: cannot decode %s: %v", e.Message, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
