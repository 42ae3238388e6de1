// Package errdefs holds the error classes shared across the extractor.
// Callers wrap them with fmt.Errorf("...: %w") and test with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration covers missing inputs, bad flags and unreadable
	// model files. Always fatal.
	ErrConfiguration = errors.New("configuration error")

	// ErrInputDecode is returned for a malformed listfile line, datum or image.
	ErrInputDecode = errors.New("input decode error")

	// ErrFinalization is returned when an output container fails to close.
	ErrFinalization = errors.New("finalization error")
)

// Configf wraps ErrConfiguration with a formatted message.
func Configf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Decodef wraps ErrInputDecode with a formatted message.
func Decodef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInputDecode, fmt.Sprintf(format, args...))
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfiguration):
		return 2
	default:
		return 1
	}
}
