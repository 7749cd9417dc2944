package workflow

import "errors"

// terminalError marks a failure that must not be retried: validation
// failures, vanished items, anything where another attempt cannot help.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the retry loop fails the step on first sight.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries the no-retry marker.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
