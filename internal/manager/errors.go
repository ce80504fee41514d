package manager

import (
	"errors"
	"fmt"

	"inferd/internal/engine"
)

// ErrBackendAlreadyInitialized is returned when a second manager tries to
// start the native backend in the same process.
var ErrBackendAlreadyInitialized = engine.ErrBackendAlreadyInitialized

// invalidConfigError wraps a ModelConfig validation failure.
type invalidConfigError struct{ err error }

func (e invalidConfigError) Error() string { return "invalid model config: " + e.err.Error() }
func (e invalidConfigError) Unwrap() error { return e.err }

func ErrInvalidConfig(err error) error { return invalidConfigError{err: err} }

// IsInvalidConfig reports whether err came from config validation.
func IsInvalidConfig(err error) bool {
	var e invalidConfigError
	return errors.As(err, &e)
}

// modelNotFoundError is returned when the configured source has no model file.
type modelNotFoundError struct{ source string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.source }

func ErrModelNotFound(source string) error { return modelNotFoundError{source: source} }

// IsModelNotFound reports whether the error indicates a missing model source.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// loadingFailedError covers native load and context creation failures.
type loadingFailedError struct {
	msg string
	err error
}

func (e loadingFailedError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}
func (e loadingFailedError) Unwrap() error { return e.err }

func ErrLoadingFailed(msg string, err error) error { return loadingFailedError{msg: msg, err: err} }

// IsLoadingFailed reports whether err is a load or context creation failure.
func IsLoadingFailed(err error) bool {
	var e loadingFailedError
	return errors.As(err, &e)
}

// ErrModelNotLoaded is returned by operations that need a loaded model.
var ErrModelNotLoaded = loadingFailedError{msg: "model not loaded"}

// kvCacheError is returned by session cache persistence operations.
type kvCacheError struct {
	op      string
	session string
	err     error
}

func (e kvCacheError) Error() string {
	return fmt.Sprintf("kv cache %s for session %q: %v", e.op, e.session, e.err)
}
func (e kvCacheError) Unwrap() error { return e.err }

// IsKVCache reports whether err came from session cache persistence.
func IsKVCache(err error) bool {
	var e kvCacheError
	return errors.As(err, &e)
}

// tooBusyError signals that every sequence slot is taken (maps to 429).
type tooBusyError struct{ what string }

func (e tooBusyError) Error() string { return "too busy: " + e.what }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

// IsDependencyUnavailable reports whether err indicates a missing native runtime
// so the HTTP layer can return 503 instead of 500.
func IsDependencyUnavailable(err error) bool { return engine.IsDependencyUnavailable(err) }
