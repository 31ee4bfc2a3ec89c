package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the OAuth proxy. Handlers map these onto HTTP statuses;
// everything else in the codebase wraps rather than redefines them.
var (
	// Provider errors
	ErrInvalidGrant        = errors.New("invalid grant")
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInvalid  = errors.New("session invalid")

	// Forwarding errors
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamError       = errors.New("upstream error")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// Storage errors
	ErrNotFound = errors.New("not found")

	// General errors
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
