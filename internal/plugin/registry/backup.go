package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pierrec/lz4"
	"github.com/tidwall/gjson"

	"github.com/dshills/mercury/internal/plugin/manifest"
)

// lz4Magic is the frame header of an lz4 stream.
var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

type backupDoc struct {
	Version       string                     `json:"version"`
	CreatedAt     time.Time                  `json:"createdAt"`
	Plugins       []pair[*manifest.Manifest] `json:"plugins"`
	Installations []pair[*Installation]      `json:"installations"`
	Paths         map[string]string          `json:"paths,omitempty"`
}

// CreateBackup writes the full catalogue to path and returns the path used.
// An empty path writes a timestamped file under the backups directory. Paths
// ending in ".lz4" are compressed.
func (r *Registry) CreateBackup(path string) (string, error) {
	r.mu.RLock()
	doc := backupDoc{
		Version:       FormatVersion,
		CreatedAt:     r.now().UTC(),
		Plugins:       pluginPairs(r.plugins),
		Installations: installationPairs(r.installations),
		Paths:         r.pathsLocked(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}

	if path == "" {
		name := fmt.Sprintf("registry-%s.json", doc.CreatedAt.Format("20060102T150405.000000000Z"))
		path = filepath.Join(r.dir, BackupDir, name)
	}

	if strings.HasSuffix(path, ".lz4") {
		if data, err = compressLZ4(data); err != nil {
			return "", fmt.Errorf("compress backup: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	r.log.Info().Str("path", path).Int("plugins", len(doc.Plugins)).Msg("registry backup created")
	return path, nil
}

// RestoreFromBackup replaces the entire in-memory catalogue with a backup and
// persists it. The current state is left untouched when the backup is invalid.
func (r *Registry) RestoreFromBackup(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if bytes.HasPrefix(data, lz4Magic) {
		if data, err = decompressLZ4(data); err != nil {
			return fmt.Errorf("%w: %v", ErrBadBackup, err)
		}
	}

	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: not json", ErrBadBackup)
	}
	version := gjson.GetBytes(data, "version")
	if !version.Exists() {
		return fmt.Errorf("%w: missing version", ErrBadBackup)
	}
	if major := strings.SplitN(version.String(), ".", 2)[0]; major != strings.SplitN(FormatVersion, ".", 2)[0] {
		return fmt.Errorf("%w: unsupported format version %s", ErrBadBackup, version.String())
	}
	if !gjson.GetBytes(data, "plugins").IsArray() {
		return fmt.Errorf("%w: missing plugins", ErrBadBackup)
	}

	var doc backupDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBackup, err)
	}

	plugins := make(map[string]*manifest.Manifest, len(doc.Plugins))
	for _, p := range doc.Plugins {
		if p.Value == nil {
			continue
		}
		if err := p.Value.Validate(); err != nil {
			return fmt.Errorf("%w: plugin %q: %v", ErrBadBackup, p.ID, err)
		}
		plugins[p.ID] = p.Value
	}
	installs := make(map[string]*Installation, len(doc.Installations))
	for _, p := range doc.Installations {
		if p.Value != nil {
			installs[p.ID] = p.Value
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Backups written before paths were recorded fall back to the
	// directory already known for the same id.
	paths := make(map[string]string, len(plugins))
	for id := range plugins {
		if dir := doc.Paths[id]; dir != "" {
			paths[id] = dir
		} else if dir, ok := r.paths[id]; ok {
			paths[id] = dir
		}
	}

	r.plugins = plugins
	r.paths = paths
	r.installations = installs
	if err := r.saveRegistryLocked(); err != nil {
		return err
	}
	if err := r.saveInstallationsLocked(); err != nil {
		return err
	}

	r.log.Info().Str("path", path).Int("plugins", len(plugins)).Int("installations", len(installs)).Msg("registry restored")
	return nil
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
