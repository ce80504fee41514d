package engine

import (
	"errors"
	"sync"
)

// ErrBackendAlreadyInitialized is returned by InitBackend after the first
// successful call in a process.
var ErrBackendAlreadyInitialized = errors.New("engine: backend already initialized")

// dependencyUnavailableError signals the native runtime is not linked into
// this binary or failed to start.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing native runtime.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

var (
	backendMu   sync.Mutex
	backendInit bool

	// openNative starts the native runtime. Replaced in tests.
	openNative = openLlamaBackend
)

// InitBackend initializes the native runtime. It succeeds at most once per
// process; later calls return ErrBackendAlreadyInitialized. A failed first
// attempt does not consume the slot.
func InitBackend() (Backend, error) {
	backendMu.Lock()
	defer backendMu.Unlock()
	if backendInit {
		return nil, ErrBackendAlreadyInitialized
	}
	b, err := openNative()
	if err != nil {
		return nil, err
	}
	backendInit = true
	return b, nil
}
