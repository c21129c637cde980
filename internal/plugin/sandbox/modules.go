package sandbox

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ModuleKey identifies a cached module.
type ModuleKey struct {
	PluginID string
	Path     string
}

// ModuleEntry is a cached, engine-specific compiled module.
type ModuleEntry struct {
	ModuleKey
	Version uint64
	Size    int64
	ModTime time.Time
	Value   any
}

// ModuleTable caches compiled modules by plugin and resolved path. Every Put
// gets a new version so callers can tell a recompiled module from a stale one.
type ModuleTable struct {
	mu      sync.RWMutex
	entries map[ModuleKey]ModuleEntry
	version uint64
}

// NewModuleTable creates an empty table.
func NewModuleTable() *ModuleTable {
	return &ModuleTable{entries: make(map[ModuleKey]ModuleEntry)}
}

// Get returns the entry for a path.
func (t *ModuleTable) Get(pluginID, path string) (ModuleEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ModuleKey{pluginID, filepath.Clean(path)}]
	return e, ok
}

// Lookup returns the entry for a path only if it still matches the file's
// size and modification time.
func (t *ModuleTable) Lookup(pluginID, path string, size int64, modTime time.Time) (ModuleEntry, bool) {
	e, ok := t.Get(pluginID, path)
	if !ok || e.Size != size || !e.ModTime.Equal(modTime) {
		return ModuleEntry{}, false
	}
	return e, true
}

// Put stores a compiled module and returns the new entry.
func (t *ModuleTable) Put(pluginID, path string, value any, size int64, modTime time.Time) ModuleEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.version++
	e := ModuleEntry{
		ModuleKey: ModuleKey{pluginID, filepath.Clean(path)},
		Version:   t.version,
		Size:      size,
		ModTime:   modTime,
		Value:     value,
	}
	t.entries[e.ModuleKey] = e
	return e
}

// Evict removes every entry of pluginID whose path lies under dir and returns
// how many were removed. An empty dir evicts all of the plugin's entries.
func (t *ModuleTable) Evict(pluginID, dir string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dir = filepath.Clean(dir)
	n := 0
	for key := range t.entries {
		if key.PluginID != pluginID {
			continue
		}
		if dir != "." && dir != "" && !underDir(key.Path, dir) {
			continue
		}
		delete(t.entries, key)
		n++
	}
	if n > 0 {
		t.version++
	}
	return n
}

// Entries returns a plugin's entries sorted by path.
func (t *ModuleTable) Entries(pluginID string) []ModuleEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []ModuleEntry
	for key, e := range t.entries {
		if key.PluginID == pluginID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Version returns the table's current version.
func (t *ModuleTable) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func underDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
