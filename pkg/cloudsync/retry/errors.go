package retry

import "errors"

// ErrShutdown is logged for operations submitted after Shutdown
var ErrShutdown = errors.New("executor is shut down")

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. The executor gives up on the
// first permanent error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
