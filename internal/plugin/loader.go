package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/metrics"
	"github.com/dshills/mercury/internal/plugin/hook"
	"github.com/dshills/mercury/internal/plugin/manifest"
	"github.com/dshills/mercury/internal/plugin/registry"
	"github.com/dshills/mercury/internal/plugin/sandbox"
	"github.com/dshills/mercury/internal/plugin/sandbox/js"
	"github.com/dshills/mercury/internal/plugin/sandbox/lua"
	"github.com/dshills/mercury/internal/plugin/security"
	"github.com/dshills/mercury/internal/plugin/watch"
)

// Config configures the plugin loader.
type Config struct {
	// PluginDir holds one directory per plugin.
	PluginDir string

	// RegistryDir holds registry.json, installations.json and backups.
	RegistryDir string

	// LogDir holds the per-plugin log files.
	LogDir string

	// MercuryVersion is checked against each manifest's mercuryVersion range.
	// Empty skips the check.
	MercuryVersion string

	// Store is the store identifier exposed to plugins.
	Store string

	// HotReload reloads loaded plugins when their files change.
	HotReload bool

	// AutoLoad scans and loads active installations during Init.
	AutoLoad bool

	// MaxParallel is the maximum number of concurrent loads in LoadAll.
	MaxParallel int

	// Limits are the default sandbox resource limits.
	Limits sandbox.ResourceLimits

	Security security.Config

	// LogLevel is the minimum level written to plugin log files.
	LogLevel string
}

// DefaultConfig returns sensible default configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		PluginDir:      filepath.Join(dir, "plugins"),
		RegistryDir:    filepath.Join(dir, "registry"),
		LogDir:         filepath.Join(dir, "logs"),
		MercuryVersion: "2.0.0",
		MaxParallel:    4,
		Limits:         sandbox.DefaultResourceLimits(),
		Security:       security.DefaultConfig(),
		LogLevel:       "info",
	}
}

// PluginInfo contains discovery information about a plugin.
type PluginInfo struct {
	ID       string             `json:"id"`
	Name     string             `json:"name,omitempty"`
	Version  string             `json:"version,omitempty"`
	Path     string             `json:"path"`
	Runtime  string             `json:"runtime,omitempty"`
	Status   Status             `json:"status"`
	Error    string             `json:"error,omitempty"`
	Manifest *manifest.Manifest `json:"manifest,omitempty"`
}

// Loader discovers plugins and owns their lifecycle: validation, sandbox,
// module, context, hooks and teardown.
type Loader struct {
	cfg     Config
	log     *zerolog.Logger
	baseLog *zerolog.Logger
	metrics *metrics.Metrics
	user    *security.User
	api     map[string]any
	engines []sandbox.Option

	registry  *registry.Registry
	security  *security.Manager
	sandboxes *sandbox.Manager
	hooks     *hook.Bus
	logs      *logging.PluginLogs
	watcher   *watch.Watcher

	locks *keyedLock

	mu          sync.RWMutex
	instances   map[string]*Instance
	initialized bool

	subMu       sync.RWMutex
	subscribers map[uint64]EventHandler
	subSeq      uint64
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger. The registry, security, hook, sandbox and
// watch subsystems log through children of it.
func WithLogger(l *zerolog.Logger) Option {
	return func(ld *Loader) {
		ld.log = l
		ld.baseLog = l
	}
}

// WithMetrics records loads, permission checks, executions and hook
// dispatches.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ld *Loader) { ld.metrics = m }
}

// WithAPI exposes a host namespace under api.<name> in the plugin context
// and through require(name).
func WithAPI(name string, v any) Option {
	return func(ld *Loader) { ld.api[name] = v }
}

// WithUser sets the user plugin code acts for.
func WithUser(u *security.User) Option {
	return func(ld *Loader) { ld.user = u }
}

// WithEngine registers an additional runtime, or replaces a built-in one.
func WithEngine(name string, f sandbox.EngineFactory, probes ...sandbox.Probe) Option {
	return func(ld *Loader) {
		ld.engines = append(ld.engines, sandbox.WithEngine(name, f, probes...))
	}
}

// New creates a loader. Nothing touches the filesystem until Init.
func New(cfg Config, opts ...Option) *Loader {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}

	l := &Loader{
		cfg:         cfg,
		log:         logging.GetSubsystemLogger("plugins"),
		user:        &security.User{ID: "system", Role: "system"},
		api:         make(map[string]any),
		locks:       newKeyedLock(),
		instances:   make(map[string]*Instance),
		subscribers: make(map[uint64]EventHandler),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.registry = registry.New(cfg.RegistryDir,
		registry.WithLogger(l.subsystemLogger("registry")))
	l.security = security.NewManager(cfg.Security,
		security.WithLogger(l.subsystemLogger("security")),
		security.WithMetrics(l.metrics))
	l.hooks = hook.NewBus(
		hook.WithLogger(l.subsystemLogger("hooks")),
		hook.WithMetrics(l.metrics))
	l.logs = logging.NewPluginLogs(cfg.LogDir, logging.ParseLevel(cfg.LogLevel))

	sbOpts := []sandbox.Option{
		sandbox.WithEngine(manifest.RuntimeJavaScript, js.NewEngine, js.Probes()...),
		sandbox.WithEngine(manifest.RuntimeLua, lua.NewEngine, lua.Probes()...),
		sandbox.WithLimits(cfg.Limits),
		sandbox.WithLogger(l.subsystemLogger("sandbox")),
		sandbox.WithMetrics(l.metrics),
	}
	l.sandboxes = sandbox.NewManager(append(sbOpts, l.engines...)...)
	return l
}

func (l *Loader) subsystemLogger(name string) *zerolog.Logger {
	if l.baseLog == nil {
		return logging.GetSubsystemLogger(name)
	}
	sub := l.baseLog.With().Str("component", name).Logger()
	return &sub
}

// Init prepares the directories, reads the registry, validates sandbox
// isolation and, if configured, starts hot reload and loads active
// installations.
func (l *Loader) Init(ctx context.Context) error {
	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return ErrAlreadyInitialized
	}
	l.mu.Unlock()

	for _, dir := range []string{l.cfg.PluginDir, l.cfg.RegistryDir, l.cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := l.registry.Load(); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	report, err := l.sandboxes.ValidateSecurity(ctx)
	if err != nil {
		return fmt.Errorf("validate sandbox security: %w", err)
	}
	if !report.Passed() {
		l.log.Warn().Strs("issues", report.Issues).Msg("sandbox isolation is incomplete")
	}

	if l.cfg.HotReload {
		w, err := watch.New(l.hotReload, watch.WithLogger(l.subsystemLogger("watch")))
		if err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		l.watcher = w
	}

	l.security.Start()

	l.mu.Lock()
	l.initialized = true
	l.mu.Unlock()

	l.log.Info().
		Str("dir", l.cfg.PluginDir).
		Strs("runtimes", l.sandboxes.Runtimes()).
		Bool("hotReload", l.cfg.HotReload).
		Msg("plugin loader initialized")

	if l.cfg.AutoLoad {
		if _, err := l.Scan(ctx); err != nil {
			l.log.Warn().Err(err).Msg("plugin scan failed")
		}
		if err := l.LoadAll(ctx); err != nil {
			l.log.Warn().Err(err).Msg("some plugins failed to load")
		}
	}
	return nil
}

// Shutdown unloads every plugin in reverse load order and releases the
// loader's resources.
func (l *Loader) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return nil
	}
	l.initialized = false
	ids := l.loadOrderLocked()
	l.mu.Unlock()

	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := l.unloadLocked(ctx, ids[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if l.watcher != nil {
		if err := l.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.sandboxes.DestroyAll()
	l.security.Stop()
	if err := l.logs.CloseAll(); err != nil {
		errs = append(errs, err)
	}

	l.log.Info().Int("unloaded", len(ids)).Msg("plugin loader stopped")
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// unloadLocked takes the id lock and unloads.
func (l *Loader) unloadLocked(ctx context.Context, id string) error {
	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return &LifecycleError{PluginID: id, Op: "unload", Err: err}
	}
	defer unlock()
	return l.unload(ctx, id)
}

// Scan registers every plugin directory under the plugin root. Directories
// whose manifest is missing fields or malformed show up in the error state.
// Returns plugins sorted by id.
func (l *Loader) Scan(ctx context.Context) ([]*PluginInfo, error) {
	entries, err := os.ReadDir(l.cfg.PluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*PluginInfo{}, nil
		}
		return nil, fmt.Errorf("scan %s: %w", l.cfg.PluginDir, err)
	}

	infos := make([]*PluginInfo, 0, len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.cfg.PluginDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, manifest.FileName)); err != nil {
			continue
		}
		infos = append(infos, l.inspect(entry.Name(), dir))
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	l.log.Debug().Int("found", len(infos)).Msg("plugin scan complete")
	return infos, nil
}

// inspect reads and registers a single plugin directory.
func (l *Loader) inspect(name, dir string) *PluginInfo {
	info := &PluginInfo{ID: name, Path: dir, Status: StatusInactive}

	mf, err := manifest.LoadDir(dir)
	if err == nil {
		err = l.registry.Register(mf, mf.Dir())
	}
	if err != nil {
		info.Status = StatusError
		info.Error = err.Error()
		l.log.Warn().Err(err).Str("dir", dir).Msg("invalid plugin manifest")
		return info
	}

	info.ID = mf.ID
	info.Name = mf.Name
	info.Version = mf.Version
	info.Path = mf.Dir()
	info.Runtime = mf.Runtime()
	info.Manifest = mf
	if inst, ok := l.GetPlugin(mf.ID); ok {
		info.Status = inst.Status()
		if err := inst.Err(); err != nil {
			info.Error = err.Error()
		}
	}
	return info
}

// GetLoadedPlugins returns every instance in the table sorted by id,
// including ones in the error state.
func (l *Loader) GetLoadedPlugins() []*Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Instance, 0, len(l.instances))
	for _, inst := range l.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GetPlugin returns the instance of a plugin.
func (l *Loader) GetPlugin(id string) (*Instance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inst, ok := l.instances[id]
	return inst, ok
}

// Count returns the number of instances in the table.
func (l *Loader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.instances)
}

// CountActive returns the number of active instances.
func (l *Loader) CountActive() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.countActiveLocked()
}

func (l *Loader) countActiveLocked() int {
	n := 0
	for _, inst := range l.instances {
		if inst.Status() == StatusActive {
			n++
		}
	}
	return n
}

// Errors returns all plugins in the error state with their errors.
func (l *Loader) Errors() map[string]error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	errs := make(map[string]error)
	for id, inst := range l.instances {
		if inst.Status() == StatusError && inst.Err() != nil {
			errs[id] = inst.Err()
		}
	}
	return errs
}

// Registry returns the plugin registry.
func (l *Loader) Registry() *registry.Registry { return l.registry }

// Security returns the permission manager.
func (l *Loader) Security() *security.Manager { return l.security }

// Sandboxes returns the sandbox manager.
func (l *Loader) Sandboxes() *sandbox.Manager { return l.sandboxes }

// Hooks returns the hook bus.
func (l *Loader) Hooks() *hook.Bus { return l.hooks }

// Logs returns the per-plugin log files.
func (l *Loader) Logs() *logging.PluginLogs { return l.logs }

// Config returns the loader configuration.
func (l *Loader) Config() Config { return l.cfg }

func (l *Loader) ready() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.initialized {
		return ErrNotInitialized
	}
	return nil
}

// loadOrderLocked returns ids ordered by load time. Callers hold l.mu.
func (l *Loader) loadOrderLocked() []string {
	insts := make([]*Instance, 0, len(l.instances))
	for _, inst := range l.instances {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(i, j int) bool {
		return insts[i].loadedAt.Before(insts[j].loadedAt)
	})
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID()
	}
	return ids
}

func (l *Loader) hotReload(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := l.ReloadPlugin(ctx, id); err != nil {
		l.log.Error().Err(err).Str("plugin", id).Msg("hot reload failed")
		return
	}
	l.log.Info().Str("plugin", id).Msg("plugin hot reloaded")
}
