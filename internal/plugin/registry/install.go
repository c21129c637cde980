package registry

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/dshills/mercury/internal/plugin/manifest"
)

// InstallPlugin creates an inactive installation for a registered manifest.
// An empty version means the registered version.
func (r *Registry) InstallPlugin(id, version string, config map[string]any, installedBy string) (*Installation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("install %q: %w", id, ErrManifestNotFound)
	}
	if version == "" {
		version = m.Version
	}
	if CompareVersions(version, m.Version) != 0 {
		return nil, fmt.Errorf("install %q@%s (registered %s): %w", id, version, m.Version, ErrManifestNotFound)
	}
	if _, exists := r.installations[id]; exists {
		return nil, fmt.Errorf("install %q: %w", id, ErrAlreadyInstalled)
	}

	cfg := m.ConfigDefaults()
	for k, v := range config {
		cfg[k] = v
	}

	now := r.now().UTC()
	inst := &Installation{
		PluginID:    id,
		Version:     version,
		Config:      cfg,
		Status:      StatusInactive,
		InstalledAt: now,
		InstalledBy: installedBy,
		UpdatedAt:   now,
	}
	r.installations[id] = inst

	if err := r.saveInstallationsLocked(); err != nil {
		delete(r.installations, id)
		return nil, err
	}

	r.log.Info().Str("plugin", id).Str("version", version).Str("by", installedBy).Msg("plugin installed")
	return inst.clone(), nil
}

// UninstallPlugin removes an installation.
func (r *Registry) UninstallPlugin(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.installations[id]
	if !ok {
		return fmt.Errorf("uninstall %q: %w", id, ErrNotInstalled)
	}
	delete(r.installations, id)

	if err := r.saveInstallationsLocked(); err != nil {
		r.installations[id] = prev
		return err
	}

	r.log.Info().Str("plugin", id).Msg("plugin uninstalled")
	return nil
}

// Update describes a partial change to an installation. Nil fields are left
// unchanged; Config entries are merged.
type Update struct {
	Version    *string
	Status     *Status
	AutoUpdate *bool
	Config     map[string]any
}

// UpdateInstallation applies an Update and returns the new record.
func (r *Registry) UpdateInstallation(id string, u Update) (*Installation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.installations[id]
	if !ok {
		return nil, fmt.Errorf("update %q: %w", id, ErrNotInstalled)
	}

	next := cur.clone()
	if u.Version != nil {
		next.Version = *u.Version
	}
	if u.Status != nil {
		next.Status = *u.Status
	}
	if u.AutoUpdate != nil {
		next.AutoUpdate = *u.AutoUpdate
	}
	if len(u.Config) > 0 {
		if next.Config == nil {
			next.Config = make(map[string]any, len(u.Config))
		}
		for k, v := range u.Config {
			next.Config[k] = v
		}
	}
	next.UpdatedAt = r.now().UTC()

	r.installations[id] = next
	if err := r.saveInstallationsLocked(); err != nil {
		r.installations[id] = cur
		return nil, err
	}
	return next.clone(), nil
}

// SetStatus is a shorthand for UpdateInstallation with only a status.
func (r *Registry) SetStatus(id string, status Status) error {
	_, err := r.UpdateInstallation(id, Update{Status: &status})
	return err
}

// GetInstallation returns the installation for an id.
func (r *Registry) GetInstallation(id string) (*Installation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.installations[id]
	if !ok {
		return nil, false
	}
	return in.clone(), true
}

// ListInstallations returns all installations sorted by plugin id.
func (r *Registry) ListInstallations() []*Installation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Installation, 0, len(r.installations))
	for _, in := range r.installations {
		out = append(out, in.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// Query filters SearchPlugins. Empty fields match everything.
type Query struct {
	Text     string
	Category string
}

// SearchPlugins returns manifests whose name, description or tags contain
// the query text, compared case-insensitively.
func (r *Registry) SearchPlugins(q Query) []*ManifestMatch {
	fold := cases.Fold()
	text := fold.String(strings.TrimSpace(q.Text))
	category := fold.String(q.Category)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ManifestMatch
	for id, m := range r.plugins {
		if category != "" && fold.String(m.Category) != category {
			continue
		}
		if text != "" && !matchesText(fold, text, m.Name, m.Description, m.Tags) {
			continue
		}
		_, installed := r.installations[id]
		out = append(out, &ManifestMatch{Manifest: m.Clone(), Installed: installed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// ManifestMatch is a search hit.
type ManifestMatch struct {
	Manifest  *manifest.Manifest `json:"manifest"`
	Installed bool               `json:"installed"`
}

func matchesText(fold cases.Caser, text, name, description string, tags []string) bool {
	if strings.Contains(fold.String(name), text) || strings.Contains(fold.String(description), text) {
		return true
	}
	for _, tag := range tags {
		if strings.Contains(fold.String(tag), text) {
			return true
		}
	}
	return false
}

// AvailableUpdate reports a registered manifest newer than its installation.
type AvailableUpdate struct {
	PluginID       string `json:"pluginId"`
	CurrentVersion string `json:"currentVersion"`
	LatestVersion  string `json:"latestVersion"`
	AutoUpdate     bool   `json:"autoUpdate"`
}

// CheckForUpdates lists installations whose registered manifest is newer
// than the installed version.
func (r *Registry) CheckForUpdates() []AvailableUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AvailableUpdate
	for id, in := range r.installations {
		m, ok := r.plugins[id]
		if !ok {
			continue
		}
		if CompareVersions(m.Version, in.Version) > 0 {
			out = append(out, AvailableUpdate{
				PluginID:       id,
				CurrentVersion: in.Version,
				LatestVersion:  m.Version,
				AutoUpdate:     in.AutoUpdate,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}
