package plugin

// Status is the lifecycle state of a plugin instance.
type Status string

// Instance states.
const (
	// StatusLoading - permissions are validated, the sandbox is being built
	// and initialize is running.
	StatusLoading Status = "loading"

	// StatusActive - initialized with hooks registered.
	StatusActive Status = "active"

	// StatusInactive - unloaded. Only seen on instances held after removal.
	StatusInactive Status = "inactive"

	// StatusError - a load step failed. The captured error is kept on the
	// instance until it is reloaded or unloaded.
	StatusError Status = "error"
)

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// IsUsable returns true if plugin code can be called.
func (s Status) IsUsable() bool {
	return s == StatusActive
}
