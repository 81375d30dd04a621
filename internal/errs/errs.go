// Package errs defines the small error taxonomy shared across the fusion
// engine. Callers at the HTTP boundary map these to status codes with
// errors.As; nothing below that boundary should format or log a raw error
// string when one of these types fits.
package errs

import "fmt"

// ConfigError indicates a configuration snapshot failed validation or a
// caller supplied an invalid override (corpus id, strategy name, dimension
// mismatch). These are never retryable.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func NewConfigError(field, msg string) *ConfigError {
	return &ConfigError{Field: field, Msg: msg}
}

// BackendUnavailable indicates a storage or provider backend could not be
// reached at all (connection refused, DNS failure, pool exhausted).
type BackendUnavailable struct {
	Backend string
	Err     error
}

func (e *BackendUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailable) Unwrap() error { return e.Err }

// TransientRemote indicates a remote call failed in a way that is plausibly
// retryable (5xx, timeout, connection reset mid-request). The type only
// classifies the failure; this module performs no retry of it.
type TransientRemote struct {
	Op  string
	Err error
}

func (e *TransientRemote) Error() string {
	return fmt.Sprintf("%s: transient remote error: %v", e.Op, e.Err)
}

func (e *TransientRemote) Unwrap() error { return e.Err }

// CancelledOrTimeout wraps context.Canceled / context.DeadlineExceeded so
// call sites can distinguish "caller gave up" from a genuine backend fault.
type CancelledOrTimeout struct {
	Op  string
	Err error
}

func (e *CancelledOrTimeout) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CancelledOrTimeout) Unwrap() error { return e.Err }

// Fatal indicates a programming or invariant violation that should not be
// retried or recovered from inline (a strategy dispatch fell through, a
// post-condition the caller relies on was not met).
type Fatal struct {
	Msg string
}

func (e *Fatal) Error() string { return e.Msg }

func NewFatal(msg string) *Fatal { return &Fatal{Msg: msg} }
