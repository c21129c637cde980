package plugin

import (
	"errors"
	"fmt"
)

// Plugin lifecycle errors.
var (
	// ErrPluginNotFound is returned when no manifest or instance exists for an id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrPluginFailed is returned when a plugin failed to load and must be
	// reloaded explicitly.
	ErrPluginFailed = errors.New("plugin failed")

	// ErrNotActive is returned when a hook fires for an instance that is not
	// active.
	ErrNotActive = errors.New("plugin is not active")

	// ErrNoPluginDir is returned when a registered manifest has no plugin
	// directory on record.
	ErrNoPluginDir = errors.New("plugin directory unknown")

	// ErrIncompatible is returned when the host version does not satisfy a
	// manifest's mercuryVersion range.
	ErrIncompatible = errors.New("plugin is incompatible with this host")

	// ErrNotInitialized is returned when the loader is used before Init.
	ErrNotInitialized = errors.New("plugin loader is not initialized")

	// ErrAlreadyInitialized is returned when Init is called twice.
	ErrAlreadyInitialized = errors.New("plugin loader is already initialized")
)

// LifecycleError is a failure in one step of a plugin's lifecycle.
type LifecycleError struct {
	PluginID string
	Op       string
	Err      error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.PluginID, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
