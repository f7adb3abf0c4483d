package nextcloud

import (
	"errors"
	"fmt"
)

const (
	// StatusOK is the OCS v1 success code
	StatusOK = 100
	// StatusAlreadyExists is returned when creating a user or group that exists
	StatusAlreadyExists = 102
	// StatusTransport marks failures below the OCS layer: connection errors,
	// non-2xx answers, unparseable bodies and an open circuit breaker.
	StatusTransport = -1
)

// ErrNameTaken is returned by CreateGroupFolder when a folder with the
// requested mount point exists and the caller asked to fail on it.
var ErrNameTaken = errors.New("group folder name already taken")

// Error is a failed remote call
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("statuscode %d (%s)", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func transportError(err error, format string, args ...any) *Error {
	return &Error{StatusCode: StatusTransport, Message: fmt.Sprintf(format, args...), Err: err}
}

// StatusCodeOf returns the OCS status code carried by err, StatusTransport
// for transport failures and 0 when err is not a remote error.
func StatusCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsAlreadyExists reports whether err is the backend's "already exists" answer
func IsAlreadyExists(err error) bool {
	return StatusCodeOf(err) == StatusAlreadyExists
}

// IsTransport reports whether err happened below the OCS layer
func IsTransport(err error) bool {
	return StatusCodeOf(err) == StatusTransport
}
