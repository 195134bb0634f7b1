package relay

import "errors"

var (
	// ErrTransient marks a delivery failure worth retrying (network class).
	ErrTransient = errors.New("transient delivery failure")
	// ErrAborted is returned when any relay task exits while the process is running.
	ErrAborted = errors.New("connection aborted unexpectedly")
	// ErrNotStarted is returned by Source.Join before Source.Start.
	ErrNotStarted = errors.New("source not started")
	// ErrBadPair is returned for a malformed destination:source argument.
	ErrBadPair = errors.New("invalid destination:source pair")
)

type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// Transient wraps err so IsTransient reports true for it.
// The original error stays reachable through errors.Is/As.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
