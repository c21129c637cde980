package registry

import (
	"fmt"
	"sort"
)

// Conflict is a dependency whose available version falls outside the
// required range.
type Conflict struct {
	PluginID  string `json:"pluginId"`
	Required  string `json:"required"`
	Available string `json:"available"`
	Peer      bool   `json:"peer"`
}

// DependencyReport is the result of ValidateDependencies.
type DependencyReport struct {
	Valid     bool       `json:"valid"`
	Missing   []string   `json:"missing"`
	Conflicts []Conflict `json:"conflicts"`
}

// ValidateDependencies checks a plugin's dependencies and peer dependencies
// against the catalogue. A dependency resolves to the installed version when
// installed, otherwise to the registered manifest version. Absent regular
// dependencies are reported missing; absent peers are ignored, since the host
// may never need them.
func (r *Registry) ValidateDependencies(id string) (*DependencyReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("validate dependencies of %q: %w", id, ErrManifestNotFound)
	}

	report := &DependencyReport{Missing: []string{}, Conflicts: []Conflict{}}

	for _, dep := range sortedKeys(m.Dependencies) {
		required := m.Dependencies[dep]
		available, ok := r.resolvedVersionLocked(dep)
		if !ok {
			report.Missing = append(report.Missing, dep)
			continue
		}
		if !Satisfies(available, required) {
			report.Conflicts = append(report.Conflicts, Conflict{PluginID: dep, Required: required, Available: available})
		}
	}

	for _, dep := range sortedKeys(m.PeerDependencies) {
		required := m.PeerDependencies[dep]
		available, ok := r.resolvedVersionLocked(dep)
		if !ok {
			continue
		}
		if !Satisfies(available, required) {
			report.Conflicts = append(report.Conflicts, Conflict{PluginID: dep, Required: required, Available: available, Peer: true})
		}
	}

	report.Valid = len(report.Missing) == 0 && len(report.Conflicts) == 0
	return report, nil
}

func (r *Registry) resolvedVersionLocked(id string) (string, bool) {
	if in, ok := r.installations[id]; ok {
		return in.Version, true
	}
	if m, ok := r.plugins[id]; ok {
		return m.Version, true
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
