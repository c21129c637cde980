// Package sandbox runs plugin code in isolated, resource-limited engines.
//
// The Manager owns one Sandbox per plugin id. Engines are pluggable: each
// runtime name ("javascript", "lua") maps to an EngineFactory registered with
// WithEngine, and the runtime of a plugin is chosen from its entry file.
//
// Every call into a sandbox is bounded by ResourceLimits.MaxCPUTime. A call
// that runs over is aborted with ErrExecutionTimeout and the engine stays
// usable for the next call.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/metrics"
	"github.com/dshills/mercury/internal/plugin/manifest"
)

type engineEntry struct {
	factory EngineFactory
	probes  []Probe
}

// Manager creates, tracks and destroys sandboxes.
type Manager struct {
	mu        sync.Mutex
	sandboxes map[string]*Sandbox

	runtimes map[string]engineEntry
	modules  *ModuleTable
	limits   ResourceLimits

	log     *zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithEngine registers the engine for a runtime name along with the probes
// ValidateSecurity runs against it.
func WithEngine(name string, f EngineFactory, probes ...Probe) Option {
	return func(m *Manager) {
		m.runtimes[name] = engineEntry{factory: f, probes: probes}
	}
}

// WithLimits sets the limits applied to new sandboxes.
func WithLimits(l ResourceLimits) Option {
	return func(m *Manager) { m.limits = l }
}

// WithModuleTable shares a module table, e.g. with a reloader.
func WithModuleTable(t *ModuleTable) Option {
	return func(m *Manager) { m.modules = t }
}

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records execution time and timeouts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sandboxes: make(map[string]*Sandbox),
		runtimes:  make(map[string]engineEntry),
		modules:   NewModuleTable(),
		limits:    DefaultResourceLimits(),
		log:       logging.GetSubsystemLogger("sandbox"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Modules returns the module table.
func (m *Manager) Modules() *ModuleTable {
	return m.modules
}

// Runtimes lists the registered runtime names.
func (m *Manager) Runtimes() []string {
	out := make([]string, 0, len(m.runtimes))
	for name := range m.runtimes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SandboxOption adjusts a single sandbox.
type SandboxOption func(*EngineConfig)

// WithConsole routes console output.
func WithConsole(c Console) SandboxOption {
	return func(cfg *EngineConfig) { cfg.Console = c }
}

// WithSDK exposes host SDK namespaces to require.
func WithSDK(sdk map[string]any) SandboxOption {
	return func(cfg *EngineConfig) { cfg.SDK = sdk }
}

// WithSandboxLimits overrides the manager's limits for one sandbox.
func WithSandboxLimits(l ResourceLimits) SandboxOption {
	return func(cfg *EngineConfig) { cfg.Limits = l }
}

// CreateSandbox builds the isolated context for a plugin rooted at dir.
func (m *Manager) CreateSandbox(mf *manifest.Manifest, dir string, opts ...SandboxOption) (*Sandbox, error) {
	name := mf.Runtime()
	rt, ok := m.runtimes[name]
	if !ok {
		return nil, wrap(mf.ID, "create", fmt.Errorf("%w: %s", ErrUnknownRuntime, name))
	}

	cfg := EngineConfig{
		PluginID:     mf.ID,
		Dir:          dir,
		Dependencies: mf.DependencyIDs(),
		Limits:       m.limits,
		Modules:      m.modules,
		Log:          m.log,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Console == nil {
		cfg.Console = m.logConsole(mf.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sandboxes[mf.ID]; exists {
		return nil, wrap(mf.ID, "create", ErrSandboxExists)
	}

	engine, err := rt.factory(cfg)
	if err != nil {
		return nil, wrap(mf.ID, "create", err)
	}

	sb := &Sandbox{
		pluginID:     mf.ID,
		dir:          dir,
		runtime:      name,
		engine:       engine,
		limits:       cfg.Limits,
		created:      time.Now(),
		allowedHosts: networkHosts(mf.Permissions),
		network:      NewRateLimiter(cfg.Limits.NetworkRequestsPerMinute, time.Minute),
		metrics:      m.metrics,
	}
	m.sandboxes[mf.ID] = sb

	m.log.Debug().Str("plugin", mf.ID).Str("runtime", name).Msg("sandbox created")
	return sb, nil
}

func (m *Manager) logConsole(pluginID string) Console {
	return func(level, message string) {
		ev := m.log.Info()
		switch level {
		case "debug":
			ev = m.log.Debug()
		case "warn":
			ev = m.log.Warn()
		case "error":
			ev = m.log.Error()
		}
		ev.Str("plugin", pluginID).Msg(message)
	}
}

// Get returns the sandbox of a plugin.
func (m *Manager) Get(pluginID string) (*Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[pluginID]
	return sb, ok
}

// LoadModule evaluates the entry file at path inside sb.
func (m *Manager) LoadModule(ctx context.Context, sb *Sandbox, path string) (Module, error) {
	return sb.Load(ctx, path)
}

// ExecuteCode runs arbitrary code inside sb.
func (m *Manager) ExecuteCode(ctx context.Context, sb *Sandbox, code, filename string) (any, error) {
	if filename == "" {
		filename = "<eval>"
	}
	return sb.Run(ctx, code, filename)
}

// DestroySandbox waits for in-flight calls and tears down a plugin's sandbox.
// Destroying an unknown id is a no-op.
func (m *Manager) DestroySandbox(pluginID string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[pluginID]
	delete(m.sandboxes, pluginID)
	m.mu.Unlock()

	if !ok {
		return
	}
	sb.destroy()
	m.log.Debug().Str("plugin", pluginID).Msg("sandbox destroyed")
}

// DestroyAll tears down every sandbox.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.DestroySandbox(id)
	}
}

// Count returns the number of live sandboxes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sandboxes)
}

// ProbeResult is the outcome of one security probe.
type ProbeResult struct {
	Runtime string `json:"runtime"`
	Name    string `json:"name"`
	Blocked bool   `json:"blocked"`
	Detail  string `json:"detail,omitempty"`
}

// SecurityReport is the result of ValidateSecurity.
type SecurityReport struct {
	Checks []ProbeResult `json:"checks"`
	Issues []string      `json:"issues"`
}

// Passed reports whether every probe was blocked.
func (r *SecurityReport) Passed() bool {
	return len(r.Issues) == 0
}

// ValidateSecurity runs every registered runtime's probes in throwaway
// sandboxes and reports any that were not blocked.
func (m *Manager) ValidateSecurity(ctx context.Context) (*SecurityReport, error) {
	dir, err := os.MkdirTemp("", "mercury-probe-*")
	if err != nil {
		return nil, fmt.Errorf("create probe dir: %w", err)
	}
	defer os.RemoveAll(dir)

	report := &SecurityReport{Checks: []ProbeResult{}, Issues: []string{}}
	for _, name := range m.Runtimes() {
		for _, p := range m.runtimes[name].probes {
			res := m.runProbe(ctx, name, dir, p)
			report.Checks = append(report.Checks, res)
			if !res.Blocked {
				report.Issues = append(report.Issues, fmt.Sprintf("%s: %s was not blocked", name, p.Name))
			}
		}
	}

	if !report.Passed() {
		m.log.Warn().Strs("issues", report.Issues).Msg("sandbox security validation failed")
	}
	return report, nil
}

func (m *Manager) runProbe(ctx context.Context, runtime, dir string, p Probe) ProbeResult {
	res := ProbeResult{Runtime: runtime, Name: p.Name}

	result, err := m.probeRun(ctx, runtime, dir, "attack", p.Attack)
	if p.Verify != "" {
		result, err = m.probeRun(ctx, runtime, dir, "verify", p.Verify)
	}
	res.Blocked = p.Blocked(result, err)
	if err != nil {
		res.Detail = err.Error()
	} else if result != nil {
		res.Detail = fmt.Sprint(result)
	}
	return res
}

func (m *Manager) probeRun(ctx context.Context, runtime, dir, stage, code string) (any, error) {
	engine, err := m.runtimes[runtime].factory(EngineConfig{
		PluginID: "security-probe",
		Dir:      dir,
		Limits:   m.limits,
		Modules:  NewModuleTable(),
		Console:  func(string, string) {},
		Log:      logging.Nop(),
	})
	if err != nil {
		return nil, err
	}
	defer engine.Terminate()

	timeout := m.limits.MaxCPUTime
	if timeout <= 0 {
		timeout = DefaultResourceLimits().MaxCPUTime
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return engine.Run(ctx, code, "probe-"+stage)
}

// EntryPath returns the absolute path of a manifest's entry file within dir.
func EntryPath(mf *manifest.Manifest, dir string) string {
	return filepath.Join(dir, filepath.FromSlash(mf.Main))
}
