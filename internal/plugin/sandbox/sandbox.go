package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/match"

	"github.com/dshills/mercury/internal/metrics"
	"github.com/dshills/mercury/internal/plugin/manifest"
)

// Sandbox is the isolated execution context of one plugin. Calls share a read
// lock; Destroy takes the write lock, so it waits for in-flight calls.
type Sandbox struct {
	mu sync.RWMutex

	pluginID string
	dir      string
	runtime  string
	engine   Engine
	limits   ResourceLimits
	created  time.Time

	allowedHosts []string
	network      *RateLimiter
	metrics      *metrics.Metrics

	destroyed bool

	calls    atomic.Int64
	timeouts atomic.Int64
	cpuNanos atomic.Int64
	requests atomic.Int64
}

// PluginID returns the owning plugin's id.
func (s *Sandbox) PluginID() string { return s.pluginID }

// Dir returns the plugin directory.
func (s *Sandbox) Dir() string { return s.dir }

// DataDir returns the plugin's data directory.
func (s *Sandbox) DataDir() string { return filepath.Join(s.dir, "data") }

// Runtime returns the engine name.
func (s *Sandbox) Runtime() string { return s.runtime }

// Limits returns the sandbox's resource limits.
func (s *Sandbox) Limits() ResourceLimits { return s.limits }

// CreatedAt returns when the sandbox was created.
func (s *Sandbox) CreatedAt() time.Time { return s.created }

// Destroyed reports whether the sandbox has been torn down.
func (s *Sandbox) Destroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed
}

// Run evaluates code inside the sandbox.
func (s *Sandbox) Run(ctx context.Context, code, filename string) (any, error) {
	return s.exec(ctx, "run "+filename, func(ctx context.Context) (any, error) {
		return s.engine.Run(ctx, code, filename)
	})
}

// Load evaluates an entry file and returns its module. Calls on the module go
// through the sandbox's limits.
func (s *Sandbox) Load(ctx context.Context, path string) (Module, error) {
	v, err := s.exec(ctx, "load "+filepath.Base(path), func(ctx context.Context) (any, error) {
		return s.engine.Load(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	return &guardedModule{sb: s, mod: v.(Module)}, nil
}

func (s *Sandbox) exec(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, wrap(s.pluginID, op, ErrSandboxDestroyed)
	}

	if s.limits.MaxCPUTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.MaxCPUTime)
		defer cancel()
	}

	start := time.Now()
	v, err := fn(ctx)
	elapsed := time.Since(start)

	timedOut := errors.Is(err, ErrExecutionTimeout)
	s.calls.Add(1)
	s.cpuNanos.Add(int64(elapsed))
	if timedOut {
		s.timeouts.Add(1)
	}
	s.metrics.Executed(s.pluginID, elapsed, timedOut)

	if err != nil {
		return nil, wrap(s.pluginID, op, err)
	}
	return v, nil
}

// AllowRequest checks an outbound request to host against the network
// whitelist and consumes one token of the per-minute budget.
func (s *Sandbox) AllowRequest(host string) error {
	if s.Destroyed() {
		return wrap(s.pluginID, "request", ErrSandboxDestroyed)
	}
	host = strings.ToLower(host)
	allowed := false
	for _, pattern := range s.allowedHosts {
		if match.Match(host, pattern) {
			allowed = true
			break
		}
	}
	if !allowed {
		return wrap(s.pluginID, "request", fmt.Errorf("%w: %s", ErrHostNotAllowed, host))
	}
	if !s.network.Allow() {
		return wrap(s.pluginID, "request", ErrRateLimited)
	}
	s.requests.Add(1)
	return nil
}

// AllowedHosts returns the network whitelist.
func (s *Sandbox) AllowedHosts() []string {
	return append([]string(nil), s.allowedHosts...)
}

// CheckStorage measures the data directory and fails when it exceeds the
// storage quota.
func (s *Sandbox) CheckStorage() (int64, error) {
	var used int64
	err := filepath.WalkDir(s.DataDir(), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return used, wrap(s.pluginID, "storage", err)
	}
	if s.limits.StorageBytes > 0 && used > s.limits.StorageBytes {
		return used, wrap(s.pluginID, "storage", fmt.Errorf("%w: %d of %d bytes", ErrQuotaExceeded, used, s.limits.StorageBytes))
	}
	return used, nil
}

// Usage reports what the sandbox has consumed so far.
func (s *Sandbox) Usage() Usage {
	u := Usage{
		CPUTime:         time.Duration(s.cpuNanos.Load()),
		NetworkRequests: s.requests.Load(),
		Calls:           s.calls.Load(),
		Timeouts:        s.timeouts.Load(),
	}
	s.mu.RLock()
	if !s.destroyed {
		u.MemoryBytes = s.engine.ResourceUsage().MemoryBytes
	}
	s.mu.RUnlock()
	return u
}

// destroy waits for in-flight calls and terminates the engine.
func (s *Sandbox) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.engine.Terminate()
}

// networkHosts derives the host whitelist from network permissions.
func networkHosts(perms []manifest.Permission) []string {
	var hosts []string
	for _, p := range perms {
		if p.Type != "network" {
			continue
		}
		u, err := url.Parse(p.Resource)
		if err != nil || u.Hostname() == "" {
			continue
		}
		hosts = append(hosts, strings.ToLower(u.Hostname()))
	}
	return hosts
}

type guardedModule struct {
	sb  *Sandbox
	mod Module
}

func (g *guardedModule) Has(name string) bool { return g.mod.Has(name) }

func (g *guardedModule) Exports() []string { return g.mod.Exports() }

func (g *guardedModule) Call(ctx context.Context, name string, args ...any) (any, error) {
	if !g.mod.Has(name) {
		return nil, wrap(g.sb.pluginID, "call "+name, ErrNotExported)
	}
	return g.sb.exec(ctx, "call "+name, func(ctx context.Context) (any, error) {
		return g.mod.Call(ctx, name, args...)
	})
}
