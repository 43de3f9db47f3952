package bus

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when the transport is used before Connect
// succeeded or after Close.
var ErrNotConnected = errors.New("bus: not connected")

// ConnectionError reports that the bus could not be reached at startup.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bus: connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError reports a message body that could not be decoded. The message
// is dropped and the subscription keeps running.
type DecodeError struct {
	Subject string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bus: decode %s: %v", e.Subject, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
