package sandbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Usage is a snapshot of what a sandbox has consumed.
type Usage struct {
	MemoryBytes     int64         `json:"memoryBytes"`
	CPUTime         time.Duration `json:"cpuTime"`
	NetworkRequests int64         `json:"networkRequests"`
	Calls           int64         `json:"calls"`
	Timeouts        int64         `json:"timeouts"`
}

// Engine is an isolated execution engine. Implementations serialize calls
// internally and abort a call when its context is done, returning an error
// that wraps ErrExecutionTimeout on deadline.
type Engine interface {
	// Run evaluates code and returns its completion value.
	Run(ctx context.Context, code, filename string) (any, error)

	// Load evaluates an entry file as a module.
	Load(ctx context.Context, path string) (Module, error)

	// Terminate releases the engine. Later calls fail.
	Terminate()

	// ResourceUsage reports engine-level usage.
	ResourceUsage() Usage
}

// Module is a loaded plugin module.
type Module interface {
	// Has reports whether the module exports a function called name.
	Has(name string) bool

	// Call invokes an exported function.
	Call(ctx context.Context, name string, args ...any) (any, error)

	// Exports lists exported names.
	Exports() []string
}

// Console receives console output from plugin code.
type Console func(level, message string)

// EngineConfig is everything an engine needs to build one isolated context.
type EngineConfig struct {
	PluginID string

	// Plugin root directory. Relative requires resolve inside it.
	Dir string

	// Module names from the manifest's dependencies, resolved from
	// node_modules inside Dir.
	Dependencies []string

	Limits ResourceLimits

	// Host SDK namespaces exposed to require("mercury") and
	// require("@mercury/<name>").
	SDK map[string]any

	Console Console

	// Shared compiled-module cache.
	Modules *ModuleTable

	Log *zerolog.Logger
}

// EngineFactory creates an engine for one sandbox.
type EngineFactory func(cfg EngineConfig) (Engine, error)

// Probe is one attack used by ValidateSecurity. Attack runs in a fresh
// sandbox. When Verify is set it runs afterwards in a second fresh sandbox
// and its result is judged instead.
type Probe struct {
	Name    string
	Attack  string
	Verify  string
	Blocked func(result any, err error) bool
}
