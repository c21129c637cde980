package plugin

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/mercury/internal/plugin/manifest"
	"github.com/dshills/mercury/internal/plugin/sandbox"
)

// Instance is a loaded plugin: its manifest, sandbox, module and context.
// Instances live only in the loader's table and are never persisted.
type Instance struct {
	mu sync.RWMutex

	manifest *manifest.Manifest
	context  *Context
	sandbox  *sandbox.Sandbox
	module   sandbox.Module

	status   Status
	err      error
	loadedAt time.Time

	apiCalls  atomic.Int64
	errors    atomic.Int64
	execNanos atomic.Int64
}

// Metrics are the counters of one instance. A reload starts from zero.
type Metrics struct {
	APICalls int64         `json:"apiCalls"`
	Errors   int64         `json:"errors"`
	ExecTime time.Duration `json:"execTime"`
}

// InstanceInfo is a snapshot of an instance for listings.
type InstanceInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Runtime  string         `json:"runtime"`
	Status   Status         `json:"status"`
	Error    string         `json:"error,omitempty"`
	LoadedAt time.Time      `json:"loadedAt"`
	Exports  []string       `json:"exports,omitempty"`
	Metrics  Metrics        `json:"metrics"`
	Usage    *sandbox.Usage `json:"usage,omitempty"`
}

func newInstance(mf *manifest.Manifest) *Instance {
	return &Instance{
		manifest: mf,
		status:   StatusLoading,
		loadedAt: time.Now(),
	}
}

// ID returns the plugin id.
func (i *Instance) ID() string {
	return i.manifest.ID
}

// Manifest returns the manifest the instance was loaded from.
func (i *Instance) Manifest() *manifest.Manifest {
	return i.manifest
}

// Status returns the current status.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Err returns the captured error of a failed instance.
func (i *Instance) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.err
}

// Context returns the plugin context.
func (i *Instance) Context() *Context {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.context
}

// Sandbox returns the instance's sandbox, nil once it failed or unloaded.
func (i *Instance) Sandbox() *sandbox.Sandbox {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.sandbox
}

// Metrics returns the instance counters.
func (i *Instance) Metrics() Metrics {
	return Metrics{
		APICalls: i.apiCalls.Load(),
		Errors:   i.errors.Load(),
		ExecTime: time.Duration(i.execNanos.Load()),
	}
}

// Has reports whether the module exports a function.
func (i *Instance) Has(name string) bool {
	i.mu.RLock()
	mod := i.module
	i.mu.RUnlock()
	return mod != nil && mod.Has(name)
}

// Call invokes an exported function of the module. Failures count towards
// the instance's error metric but do not change its status.
func (i *Instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	i.mu.RLock()
	mod := i.module
	i.mu.RUnlock()
	if mod == nil {
		return nil, &LifecycleError{PluginID: i.ID(), Op: "call " + name, Err: ErrPluginFailed}
	}

	start := time.Now()
	v, err := mod.Call(ctx, name, args...)
	i.execNanos.Add(int64(time.Since(start)))
	if err != nil {
		i.errors.Add(1)
		return nil, err
	}
	return v, nil
}

// Info returns a snapshot of the instance.
func (i *Instance) Info() InstanceInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()

	info := InstanceInfo{
		ID:       i.manifest.ID,
		Name:     i.manifest.Name,
		Version:  i.manifest.Version,
		Runtime:  i.manifest.Runtime(),
		Status:   i.status,
		LoadedAt: i.loadedAt,
		Metrics:  i.Metrics(),
	}
	if i.err != nil {
		info.Error = i.err.Error()
	}
	if i.module != nil {
		info.Exports = i.module.Exports()
	}
	if i.sandbox != nil {
		u := i.sandbox.Usage()
		info.Usage = &u
	}
	return info
}

func (i *Instance) countAPICall() {
	i.apiCalls.Add(1)
}

func (i *Instance) setContext(c *Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.context = c
}

func (i *Instance) attach(sb *sandbox.Sandbox, mod sandbox.Module) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sandbox = sb
	if mod != nil {
		i.module = mod
	}
}

func (i *Instance) activate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = StatusActive
	i.err = nil
}

// fail records err and drops the sandbox and module. The sandbox itself is
// destroyed by the loader.
func (i *Instance) fail(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = StatusError
	i.err = err
	i.sandbox = nil
	i.module = nil
}

func (i *Instance) deactivate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = StatusInactive
	i.sandbox = nil
	i.module = nil
}
