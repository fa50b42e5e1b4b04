package domain

import "errors"

// ErrInvalidInput marks a malformed spec rejected synchronously at
// admission. Tasks failing this way never enter the queue.
var ErrInvalidInput = errors.New("invalid task input")

// FatalError wraps a failure that will not fix itself on retry: a
// deterministic transcode error, a missing external tool, an
// authentication/bot-detection signature.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps an error so the retry classifier surfaces it immediately
// instead of re-queueing.
func NewFatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether an engine failure should skip the retry cycle.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
