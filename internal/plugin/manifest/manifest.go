// Package manifest defines the mercury-plugin.json document and its validation.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// FileName is the manifest file expected at the root of every plugin directory.
const FileName = "mercury-plugin.json"

// Runtime names, chosen from the extension of Main.
const (
	RuntimeJavaScript = "javascript"
	RuntimeLua        = "lua"
)

// Manifest describes a plugin's identity, entry point, permissions, hooks and
// dependencies. A registered manifest is never mutated; a newer scan replaces it.
type Manifest struct {
	// Identity
	ID          string   `json:"id" validate:"required,plugin_id"`
	Name        string   `json:"name" validate:"required"`
	Version     string   `json:"version" validate:"required,semver"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`
	License     string   `json:"license,omitempty"`
	Homepage    string   `json:"homepage,omitempty" validate:"omitempty,url"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Entry point, relative to the plugin directory
	Main string `json:"main" validate:"required"`

	// Host compatibility range, e.g. "^2.0.0"
	MercuryVersion string `json:"mercuryVersion" validate:"required"`

	Permissions []Permission `json:"permissions,omitempty" validate:"dive"`
	Hooks       []Hook       `json:"hooks,omitempty" validate:"dive"`

	// id -> semver range
	Dependencies     map[string]string `json:"dependencies,omitempty"`
	PeerDependencies map[string]string `json:"peerDependencies,omitempty"`

	// Configuration schema
	Config map[string]ConfigProperty `json:"config,omitempty"`

	dir string
}

// Permission is a single declared permission.
type Permission struct {
	Type     string `json:"type" validate:"required"`
	Resource string `json:"resource" validate:"required"`
	Access   Access `json:"access" validate:"required,oneof=read write admin"`
}

// String returns "type:resource:access".
func (p Permission) String() string {
	return p.Type + ":" + p.Resource + ":" + string(p.Access)
}

// Hook binds a host event to an exported handler function.
// Higher priorities run first.
type Hook struct {
	Event    string `json:"event" validate:"required"`
	Handler  string `json:"handler" validate:"required"`
	Priority int    `json:"priority,omitempty"`
}

// ConfigProperty describes a configuration option.
type ConfigProperty struct {
	Type        string   `json:"type"`
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// idPattern validates plugin ids.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// validConfigTypes are the allowed configuration property types.
var validConfigTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// Load reads, parses and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		abs = filepath.Dir(path)
	}
	m.dir = abs
	return m, nil
}

// LoadDir loads the manifest of a plugin directory.
func LoadDir(dir string) (*Manifest, error) {
	return Load(filepath.Join(dir, FileName))
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &Error{Field: "", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Dir returns the plugin directory the manifest was loaded from.
func (m *Manifest) Dir() string {
	return m.dir
}

// WithDir returns a copy of the manifest bound to dir.
func (m *Manifest) WithDir(dir string) *Manifest {
	c := m.Clone()
	c.dir = dir
	return c
}

// MainPath returns the absolute path of the entry file.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.dir, filepath.FromSlash(m.Main))
}

// Runtime returns the engine name that executes Main.
func (m *Manifest) Runtime() string {
	if strings.EqualFold(filepath.Ext(m.Main), ".lua") {
		return RuntimeLua
	}
	return RuntimeJavaScript
}

// DependencyIDs returns the ids of regular dependencies.
func (m *Manifest) DependencyIDs() []string {
	ids := make([]string, 0, len(m.Dependencies))
	for id := range m.Dependencies {
		ids = append(ids, id)
	}
	return ids
}

// ConfigDefaults returns the default value of every config property that has one.
func (m *Manifest) ConfigDefaults() map[string]any {
	defaults := make(map[string]any)
	for key, prop := range m.Config {
		if prop.Default != nil {
			defaults[key] = prop.Default
		}
	}
	return defaults
}

// String returns "name vX.Y.Z".
func (m *Manifest) String() string {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	return fmt.Sprintf("%s v%s", name, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.Tags != nil {
		clone.Tags = append([]string(nil), m.Tags...)
	}
	if m.Permissions != nil {
		clone.Permissions = append([]Permission(nil), m.Permissions...)
	}
	if m.Hooks != nil {
		clone.Hooks = append([]Hook(nil), m.Hooks...)
	}
	clone.Dependencies = cloneStrings(m.Dependencies)
	clone.PeerDependencies = cloneStrings(m.PeerDependencies)

	if m.Config != nil {
		clone.Config = make(map[string]ConfigProperty, len(m.Config))
		for k, v := range m.Config {
			v.Enum = append([]string(nil), v.Enum...)
			clone.Config[k] = v
		}
	}

	return &clone
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
