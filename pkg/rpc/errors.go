package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned before any I/O when the target or action is malformed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTransportUnavailable is returned when subscribe or publish fails at the transport layer.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrTimedOut means no matching response was observed before the deadline.
	ErrTimedOut = errors.New("timed out waiting for response")
	// ErrDuplicateCorrelationID is an invariant violation of the correlation ID generator.
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")
	// ErrClosed is returned by calls issued after Engine.Close.
	ErrClosed = errors.New("engine closed")
)

// RemoteError is an explicit non-success reply from the device.
type RemoteError struct {
	Status string
	Code   string
	Detail []byte
}

func (e *RemoteError) Error() string {
	if e.Code != "" && e.Code != e.Status {
		return fmt.Sprintf("remote error: status=%s code=%s", e.Status, e.Code)
	}
	return fmt.Sprintf("remote error: status=%s", e.Status)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
