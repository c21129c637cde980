// Package registry is the persisted catalogue of plugin manifests and their
// installation records.
//
// The whole catalogue lives in memory. Every mutation rewrites the affected
// JSON file in full while holding the registry lock, so concurrent writers are
// serialized and never lose updates.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/plugin/manifest"
)

// File names inside the registry directory.
const (
	RegistryFile      = "registry.json"
	InstallationsFile = "installations.json"
	BackupDir         = "backups"
)

// FormatVersion is written into every persisted document.
const FormatVersion = "1.0.0"

// Registry errors.
var (
	ErrManifestNotFound = errors.New("plugin manifest not found")
	ErrAlreadyInstalled = errors.New("plugin is already installed")
	ErrNotInstalled     = errors.New("plugin is not installed")
	ErrBadBackup        = errors.New("invalid backup")
)

// Status is the state of an installation.
type Status string

// Installation states.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusUpdating Status = "updating"
	StatusError    Status = "error"
)

// Installation is the mutable record of an installed plugin.
type Installation struct {
	PluginID    string         `json:"pluginId"`
	Version     string         `json:"version"`
	Config      map[string]any `json:"config"`
	Status      Status         `json:"status"`
	InstalledAt time.Time      `json:"installedAt"`
	InstalledBy string         `json:"installedBy"`
	AutoUpdate  bool           `json:"autoUpdate"`
	UpdatedAt   time.Time      `json:"updatedAt,omitempty"`
}

func (in *Installation) clone() *Installation {
	c := *in
	if in.Config != nil {
		c.Config = make(map[string]any, len(in.Config))
		for k, v := range in.Config {
			c.Config[k] = v
		}
	}
	return &c
}

// Registry holds manifests and installations.
type Registry struct {
	mu sync.RWMutex

	dir string
	log *zerolog.Logger
	now func() time.Time

	plugins       map[string]*manifest.Manifest
	paths         map[string]string
	installations map[string]*Installation

	saveMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry persisted under dir. Call Load to read
// existing state.
func New(dir string, opts ...Option) *Registry {
	r := &Registry{
		dir:           dir,
		log:           logging.GetSubsystemLogger("registry"),
		now:           time.Now,
		plugins:       make(map[string]*manifest.Manifest),
		paths:         make(map[string]string),
		installations: make(map[string]*Installation),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the directory holding the registry files.
func (r *Registry) Dir() string {
	return r.dir
}

// Load replaces the in-memory state with the persisted files. Missing files
// are treated as empty.
func (r *Registry) Load() error {
	plugins, paths, err := readPlugins(filepath.Join(r.dir, RegistryFile))
	if err != nil {
		return err
	}
	installs, err := readInstallations(filepath.Join(r.dir, InstallationsFile))
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.plugins = plugins
	r.paths = paths
	r.installations = installs
	r.mu.Unlock()

	r.log.Info().Int("plugins", len(plugins)).Int("installations", len(installs)).Msg("registry loaded")
	return nil
}

// Register validates and stores a manifest, replacing any manifest with the
// same id.
func (r *Registry) Register(m *manifest.Manifest, path string) error {
	if m == nil {
		return fmt.Errorf("register: %w", ErrManifestNotFound)
	}
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.installations[m.ID]; ok && inst.Version != m.Version {
		r.log.Warn().
			Str("plugin", m.ID).
			Str("installed", inst.Version).
			Str("registered", m.Version).
			Msg("registered manifest version differs from installed version")
	}

	r.plugins[m.ID] = m.Clone()
	if path != "" {
		r.paths[m.ID] = path
	}
	return r.saveRegistryLocked()
}

// Get returns the current manifest for an id.
func (r *Registry) Get(id string) (*manifest.Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.plugins[id]
	if !ok {
		return nil, false
	}
	dir := m.Dir()
	if p, ok := r.paths[id]; ok {
		dir = p
	}
	return m.WithDir(dir), true
}

// Path returns the directory a manifest was registered from.
func (r *Registry) Path(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[id]
	return p, ok
}

// List returns all manifests sorted by id.
func (r *Registry) List() []*manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*manifest.Manifest, 0, len(r.plugins))
	for _, m := range r.plugins {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered manifests.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
