package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dshills/mercury/internal/plugin/manifest"
)

// pair encodes as a two element JSON array [id, value].
type pair[T any] struct {
	ID    string
	Value T
}

func (p pair[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.ID, p.Value})
}

func (p *pair[T]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("entry has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Value)
}

type registryDoc struct {
	Version     string                     `json:"version"`
	LastUpdated time.Time                  `json:"lastUpdated"`
	Plugins     []pair[*manifest.Manifest] `json:"plugins"`
	// id -> plugin directory
	Paths map[string]string `json:"paths,omitempty"`
}

type installationsDoc struct {
	Version       string                `json:"version"`
	LastUpdated   time.Time             `json:"lastUpdated"`
	Installations []pair[*Installation] `json:"installations"`
}

func pluginPairs(plugins map[string]*manifest.Manifest) []pair[*manifest.Manifest] {
	out := make([]pair[*manifest.Manifest], 0, len(plugins))
	for id, m := range plugins {
		out = append(out, pair[*manifest.Manifest]{ID: id, Value: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func installationPairs(installs map[string]*Installation) []pair[*Installation] {
	out := make([]pair[*Installation], 0, len(installs))
	for id, in := range installs {
		out = append(out, pair[*Installation]{ID: id, Value: in})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// saveRegistryLocked persists manifests. Callers hold r.mu.
func (r *Registry) saveRegistryLocked() error {
	doc := registryDoc{
		Version:     FormatVersion,
		LastUpdated: r.now().UTC(),
		Plugins:     pluginPairs(r.plugins),
		Paths:       r.pathsLocked(),
	}
	return r.writeJSON(RegistryFile, doc)
}

// pathsLocked copies the directories of registered plugins. Callers hold r.mu.
func (r *Registry) pathsLocked() map[string]string {
	out := make(map[string]string, len(r.paths))
	for id, p := range r.paths {
		if _, ok := r.plugins[id]; ok {
			out[id] = p
		}
	}
	return out
}

// saveInstallationsLocked persists installations. Callers hold r.mu.
func (r *Registry) saveInstallationsLocked() error {
	doc := installationsDoc{
		Version:       FormatVersion,
		LastUpdated:   r.now().UTC(),
		Installations: installationPairs(r.installations),
	}
	return r.writeJSON(InstallationsFile, doc)
}

// writeJSON writes to a temp file and renames it over the target, so readers
// never observe a partial document.
func (r *Registry) writeJSON(name string, v any) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	target := filepath.Join(r.dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("move %s into place: %w", name, err)
	}
	return nil
}

func readPlugins(path string) (map[string]*manifest.Manifest, map[string]string, error) {
	out := make(map[string]*manifest.Manifest)
	paths := make(map[string]string)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, paths, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read registry: %w", err)
	}

	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode registry: %w", err)
	}
	for _, p := range doc.Plugins {
		if p.Value == nil {
			continue
		}
		out[p.ID] = p.Value
		if dir := doc.Paths[p.ID]; dir != "" {
			paths[p.ID] = dir
		}
	}
	return out, paths, nil
}

func readInstallations(path string) (map[string]*Installation, error) {
	out := make(map[string]*Installation)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read installations: %w", err)
	}

	var doc installationsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode installations: %w", err)
	}
	for _, p := range doc.Installations {
		if p.Value != nil {
			out[p.ID] = p.Value
		}
	}
	return out, nil
}
