package sandbox

import (
	"errors"
	"fmt"
)

// Sandbox errors.
var (
	// ErrModuleNotAllowed is returned when code requires a module outside the
	// allow-list.
	ErrModuleNotAllowed = errors.New("module not allowed")

	// ErrExecutionTimeout is returned when a call exceeds the CPU time limit.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrSandboxDestroyed is returned when using a destroyed sandbox.
	ErrSandboxDestroyed = errors.New("sandbox destroyed")

	// ErrSandboxExists is returned when a plugin already owns a sandbox.
	ErrSandboxExists = errors.New("sandbox already exists")

	// ErrUnknownRuntime is returned when no engine handles a runtime.
	ErrUnknownRuntime = errors.New("unknown runtime")

	// ErrNotExported is returned when calling a function a module does not export.
	ErrNotExported = errors.New("function not exported")

	// ErrHostNotAllowed is returned for requests to hosts outside the whitelist.
	ErrHostNotAllowed = errors.New("host not allowed")

	// ErrRateLimited is returned when the network request budget is spent.
	ErrRateLimited = errors.New("network rate limit exceeded")

	// ErrQuotaExceeded is returned when the data directory outgrows its quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Error describes a failed sandbox operation.
type Error struct {
	PluginID string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s: %s: %v", e.PluginID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(pluginID, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) && se.PluginID == pluginID {
		return err
	}
	return &Error{PluginID: pluginID, Op: op, Err: err}
}
