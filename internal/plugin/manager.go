package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/mercury/internal/plugin/hook"
	"github.com/dshills/mercury/internal/plugin/manifest"
	"github.com/dshills/mercury/internal/plugin/registry"
	"github.com/dshills/mercury/internal/plugin/sandbox"
	"github.com/dshills/mercury/internal/plugin/security"
)

// Names of the optional lifecycle exports of a plugin module.
const (
	initializeExport = "initialize"
	cleanupExport    = "cleanup"
)

// LoadPlugin validates, sandboxes and initializes a registered plugin.
//
// An already active plugin is returned as is. A plugin left in the error
// state by an earlier attempt is not retried; use ReloadPlugin.
func (l *Loader) LoadPlugin(ctx context.Context, id string) (*Instance, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}

	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return nil, &LifecycleError{PluginID: id, Op: "load", Err: err}
	}
	defer unlock()

	return l.load(ctx, id)
}

// load runs the load steps. Callers hold the id lock.
func (l *Loader) load(ctx context.Context, id string) (*Instance, error) {
	if inst, ok := l.GetPlugin(id); ok {
		switch inst.Status() {
		case StatusActive:
			return inst, nil
		case StatusError:
			return nil, &LifecycleError{PluginID: id, Op: "load", Err: fmt.Errorf("%w: %v", ErrPluginFailed, inst.Err())}
		}
	}

	mf, ok := l.registry.Get(id)
	if !ok {
		return nil, &LifecycleError{PluginID: id, Op: "load", Err: ErrPluginNotFound}
	}

	// Nothing may be created relative to the working directory.
	if mf.Dir() == "" {
		return nil, &LifecycleError{PluginID: id, Op: "load", Err: ErrNoPluginDir}
	}

	// Validation failures have no side effects.
	if err := l.validate(mf); err != nil {
		l.metrics.PluginLoaded(false)
		l.log.Warn().Err(err).Str("plugin", id).Msg("plugin rejected")
		return nil, err
	}

	inst := newInstance(mf)
	l.mu.Lock()
	l.instances[id] = inst
	l.mu.Unlock()

	dir := mf.Dir()
	dataDir := filepath.Join(dir, "data")
	tempDir := filepath.Join(dir, "temp")
	for _, d := range []string{dataDir, tempDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, l.failLoad(inst, "create directories", err)
		}
	}

	logger, err := l.logs.For(id)
	if err != nil {
		return nil, l.failLoad(inst, "open logs", err)
	}

	pctx := l.newContext(inst, mf, dataDir, tempDir, logger)
	inst.setContext(pctx)
	l.security.Declare(id, mf.Permissions)

	sb, err := l.sandboxes.CreateSandbox(mf, dir,
		sandbox.WithConsole(func(level, message string) { logger.Log(level, message, nil) }),
		sandbox.WithSDK(pctx.API()),
	)
	if err != nil {
		return nil, l.failLoad(inst, "create sandbox", err)
	}
	inst.attach(sb, nil)

	mod, err := sb.Load(ctx, mf.MainPath())
	if err != nil {
		return nil, l.failLoad(inst, "load module", err)
	}
	inst.attach(sb, mod)

	if mod.Has(initializeExport) {
		if _, err := inst.Call(ctx, initializeExport, pctx.Value()); err != nil {
			return nil, l.failLoad(inst, initializeExport, err)
		}
	}

	inst.activate()
	l.bindHooks(inst)
	l.markInstallation(id, registry.StatusActive)

	l.metrics.PluginLoaded(true)
	l.metrics.SetActive(l.CountActive())
	if l.watcher != nil {
		if err := l.watcher.Add(id, dir); err != nil {
			l.log.Warn().Err(err).Str("plugin", id).Msg("cannot watch plugin directory")
		}
	}

	l.log.Info().
		Str("plugin", id).
		Str("version", mf.Version).
		Str("runtime", mf.Runtime()).
		Int("hooks", len(l.hooks.Bindings(id))).
		Msg("plugin loaded")
	l.emitEvent(EventLoaded, id, nil)
	return inst, nil
}

func (l *Loader) validate(mf *manifest.Manifest) error {
	if err := mf.Validate(); err != nil {
		return &LifecycleError{PluginID: mf.ID, Op: "validate manifest", Err: err}
	}
	if l.cfg.MercuryVersion != "" && !registry.Satisfies(l.cfg.MercuryVersion, mf.MercuryVersion) {
		return &LifecycleError{
			PluginID: mf.ID,
			Op:       "validate manifest",
			Err:      fmt.Errorf("%w: requires mercury %s, have %s", ErrIncompatible, mf.MercuryVersion, l.cfg.MercuryVersion),
		}
	}
	if err := l.security.ValidatePermissions(mf.Permissions); err != nil {
		return &LifecycleError{PluginID: mf.ID, Op: "validate permissions", Err: err}
	}
	return nil
}

// bindHooks registers the manifest's hooks on the bus. Hooks naming a
// function the module does not export are skipped.
func (l *Loader) bindHooks(inst *Instance) {
	id := inst.ID()
	for _, h := range inst.Manifest().Hooks {
		if !inst.Has(h.Handler) {
			l.log.Warn().
				Str("plugin", id).
				Str("event", h.Event).
				Str("handler", h.Handler).
				Msg("hook handler is not exported, skipping")
			continue
		}
		handler := h.Handler
		l.hooks.Register(id, h.Event, handler, h.Priority, func(ctx context.Context, payload any) (any, error) {
			if st := inst.Status(); st != StatusActive {
				return nil, &LifecycleError{PluginID: id, Op: "hook " + handler, Err: fmt.Errorf("%w: %s", ErrNotActive, st)}
			}
			return inst.Call(ctx, handler, payload)
		})
	}
}

// failLoad tears down what a load built and leaves inst in the error state.
func (l *Loader) failLoad(inst *Instance, op string, err error) error {
	id := inst.ID()
	lerr := &LifecycleError{PluginID: id, Op: op, Err: err}

	l.hooks.UnregisterOwner(id)
	l.security.Forget(id)
	l.sandboxes.DestroySandbox(id)
	if cerr := l.logs.Close(id); cerr != nil {
		l.log.Warn().Err(cerr).Str("plugin", id).Msg("close plugin logs")
	}
	inst.fail(lerr)
	l.markInstallation(id, registry.StatusError)

	l.metrics.PluginLoaded(false)
	l.log.Error().Err(err).Str("plugin", id).Str("step", op).Msg("plugin failed to load")
	l.emitEvent(EventError, id, lerr)
	return lerr
}

// markInstallation records a load outcome on the plugin's installation, if
// it has one. Unloading leaves the status alone so LoadAll picks the plugin
// up again after a restart.
func (l *Loader) markInstallation(id string, status registry.Status) {
	in, ok := l.registry.GetInstallation(id)
	if !ok || in.Status == status {
		return
	}
	if err := l.registry.SetStatus(id, status); err != nil {
		l.log.Warn().Err(err).Str("plugin", id).Str("status", string(status)).Msg("cannot update installation status")
	}
}

// UnloadPlugin calls the module's cleanup, unregisters its hooks, withdraws
// its permissions, destroys its sandbox once in-flight calls finish and
// removes it from the table. A failing cleanup does not stop the unload;
// its error is returned afterwards.
func (l *Loader) UnloadPlugin(ctx context.Context, id string) error {
	if err := l.ready(); err != nil {
		return err
	}
	return l.unloadLocked(ctx, id)
}

// unload removes an instance. Callers hold the id lock.
func (l *Loader) unload(ctx context.Context, id string) error {
	inst, ok := l.GetPlugin(id)
	if !ok {
		return &LifecycleError{PluginID: id, Op: "unload", Err: ErrPluginNotFound}
	}

	var cleanupErr error
	if inst.Status() == StatusActive && inst.Has(cleanupExport) {
		if _, err := inst.Call(ctx, cleanupExport, inst.Context().Value()); err != nil {
			cleanupErr = &LifecycleError{PluginID: id, Op: cleanupExport, Err: err}
			l.log.Warn().Err(err).Str("plugin", id).Msg("plugin cleanup failed")
		}
	}

	l.hooks.UnregisterOwner(id)
	l.security.Forget(id)
	l.sandboxes.DestroySandbox(id)
	if l.watcher != nil {
		l.watcher.Remove(id)
	}
	if err := l.logs.Close(id); err != nil {
		l.log.Warn().Err(err).Str("plugin", id).Msg("close plugin logs")
	}
	inst.deactivate()

	l.mu.Lock()
	delete(l.instances, id)
	active := l.countActiveLocked()
	l.mu.Unlock()

	l.metrics.SetActive(active)
	l.log.Info().Str("plugin", id).Msg("plugin unloaded")
	l.emitEvent(EventUnloaded, id, nil)
	return cleanupErr
}

// ReloadPlugin unloads a plugin if it is in the table, evicts its cached
// modules, re-reads its manifest from disk and loads it again. The new
// instance starts with zeroed metrics.
func (l *Loader) ReloadPlugin(ctx context.Context, id string) (*Instance, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}

	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return nil, &LifecycleError{PluginID: id, Op: "reload", Err: err}
	}
	defer unlock()

	dir, ok := l.pluginDir(id)
	if !ok {
		return nil, &LifecycleError{PluginID: id, Op: "reload", Err: ErrPluginNotFound}
	}

	if _, loaded := l.GetPlugin(id); loaded {
		if err := l.unload(ctx, id); err != nil {
			l.log.Warn().Err(err).Str("plugin", id).Msg("unload before reload")
		}
	}

	evicted := l.sandboxes.Modules().Evict(id, dir)

	mf, err := manifest.LoadDir(dir)
	if err != nil {
		return nil, &LifecycleError{PluginID: id, Op: "reload", Err: err}
	}
	if mf.ID != id {
		return nil, &LifecycleError{PluginID: id, Op: "reload", Err: fmt.Errorf("manifest id changed to %q", mf.ID)}
	}
	if err := l.registry.Register(mf, mf.Dir()); err != nil {
		return nil, &LifecycleError{PluginID: id, Op: "reload", Err: err}
	}

	inst, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}

	l.log.Debug().Str("plugin", id).Int("evicted", evicted).Msg("module cache evicted")
	l.emitEvent(EventReloaded, id, nil)
	return inst, nil
}

func (l *Loader) pluginDir(id string) (string, bool) {
	if inst, ok := l.GetPlugin(id); ok {
		return inst.Manifest().Dir(), true
	}
	if mf, ok := l.registry.Get(id); ok && mf.Dir() != "" {
		return mf.Dir(), true
	}
	return "", false
}

// LoadAll loads every installation marked active, at most MaxParallel at a
// time. Failures do not stop other loads.
func (l *Loader) LoadAll(ctx context.Context) error {
	if err := l.ready(); err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(l.cfg.MaxParallel)

	for _, in := range l.registry.ListInstallations() {
		if in.Status != registry.StatusActive {
			continue
		}
		id := in.PluginID
		g.Go(func() error {
			if _, err := l.LoadPlugin(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("failed to load %d plugins: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// CheckPermission reports whether a loaded plugin may perform access on
// resource on behalf of user. A nil user falls back to the loader's user.
// Unknown or failed plugins are denied.
func (l *Loader) CheckPermission(id string, user *security.User, permType, resource string, access manifest.Access) bool {
	sctx := &security.Context{PluginID: id, User: l.user}
	if inst, ok := l.GetPlugin(id); ok && inst.Context() != nil {
		sctx = inst.Context().Security()
	}
	if user != nil {
		sctx.User = user
	}
	return l.security.CheckPermission(sctx, permType, resource, access)
}

// Emit dispatches a host event to the hooks bound to it, in priority order.
func (l *Loader) Emit(ctx context.Context, event string, payload any) []hook.Result {
	return l.hooks.Dispatch(ctx, event, payload)
}
