package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/plugin/manifest"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(t.TempDir(),
		WithLogger(logging.Nop()),
		WithClock(func() time.Time { return clock }),
	)
}

func testManifest(id, version string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:             id,
		Name:           id,
		Version:        version,
		Main:           "index.js",
		MercuryVersion: "^2.0.0",
		Config: map[string]manifest.ConfigProperty{
			"interval": {Type: "number", Default: 60},
		},
	}
}

func TestRegisterRejectsInvalidManifest(t *testing.T) {
	r := newTestRegistry(t)

	m := testManifest("pricing-sync", "1.0.0")
	m.Main = ""
	err := r.Register(m, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrMissingField)
	assert.Equal(t, 0, r.Count())

	require.ErrorIs(t, r.Register(nil, ""), ErrManifestNotFound)
}

func TestRegisterReplacesAndKeepsPath(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(testManifest("pricing-sync", "1.0.0"), "/plugins/pricing-sync"))
	require.NoError(t, r.Register(testManifest("pricing-sync", "1.1.0"), ""))

	m, ok := r.Get("pricing-sync")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", m.Version)
	assert.Equal(t, "/plugins/pricing-sync", m.Dir())
	assert.Equal(t, 1, r.Count())

	// Mutating the returned copy does not leak back.
	m.Name = "changed"
	again, _ := r.Get("pricing-sync")
	assert.Equal(t, "pricing-sync", again.Name)
}

func TestInstallLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(testManifest("pricing-sync", "1.0.0"), ""))

	_, err := r.InstallPlugin("unknown", "", nil, "admin")
	require.ErrorIs(t, err, ErrManifestNotFound)

	_, err = r.InstallPlugin("pricing-sync", "2.0.0", nil, "admin")
	require.ErrorIs(t, err, ErrManifestNotFound)

	inst, err := r.InstallPlugin("pricing-sync", "", map[string]any{"currency": "EUR"}, "admin")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", inst.Version)
	assert.Equal(t, StatusInactive, inst.Status)
	assert.Equal(t, "admin", inst.InstalledBy)
	assert.Equal(t, 60, inst.Config["interval"])
	assert.Equal(t, "EUR", inst.Config["currency"])

	_, err = r.InstallPlugin("pricing-sync", "1.0.0", nil, "admin")
	require.ErrorIs(t, err, ErrAlreadyInstalled)

	active := StatusActive
	auto := true
	updated, err := r.UpdateInstallation("pricing-sync", Update{
		Status:     &active,
		AutoUpdate: &auto,
		Config:     map[string]any{"interval": 30},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)
	assert.True(t, updated.AutoUpdate)
	assert.Equal(t, 30, updated.Config["interval"])
	assert.Equal(t, "EUR", updated.Config["currency"])

	require.NoError(t, r.SetStatus("pricing-sync", StatusError))
	got, ok := r.GetInstallation("pricing-sync")
	require.True(t, ok)
	assert.Equal(t, StatusError, got.Status)

	require.NoError(t, r.UninstallPlugin("pricing-sync"))
	_, ok = r.GetInstallation("pricing-sync")
	assert.False(t, ok)
	require.ErrorIs(t, r.UninstallPlugin("pricing-sync"), ErrNotInstalled)

	_, err = r.UpdateInstallation("pricing-sync", Update{})
	require.ErrorIs(t, err, ErrNotInstalled)
}

func TestSearchPlugins(t *testing.T) {
	r := newTestRegistry(t)

	stripe := testManifest("pricing-sync", "1.0.0")
	stripe.Description = "Keeps prices in sync with Stripe"
	stripe.Category = "integrations"
	stripe.Tags = []string{"billing"}
	require.NoError(t, r.Register(stripe, ""))

	mail := testManifest("mailer", "0.3.0")
	mail.Name = "Mailer"
	mail.Category = "notifications"
	mail.Tags = []string{"Email"}
	require.NoError(t, r.Register(mail, ""))

	_, err := r.InstallPlugin("mailer", "", nil, "admin")
	require.NoError(t, err)

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"empty query", Query{}, []string{"mailer", "pricing-sync"}},
		{"description", Query{Text: "STRIPE"}, []string{"pricing-sync"}},
		{"tag", Query{Text: "email"}, []string{"mailer"}},
		{"name", Query{Text: "mail"}, []string{"mailer"}},
		{"category", Query{Category: "Integrations"}, []string{"pricing-sync"}},
		{"category and text", Query{Text: "mail", Category: "integrations"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, hit := range r.SearchPlugins(tt.query) {
				ids = append(ids, hit.Manifest.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	hits := r.SearchPlugins(Query{Text: "mail"})
	require.Len(t, hits, 1)
	assert.True(t, hits[0].Installed)
}

func TestCheckForUpdates(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(testManifest("pricing-sync", "1.0.0"), ""))
	require.NoError(t, r.Register(testManifest("mailer", "1.0.0"), ""))

	_, err := r.InstallPlugin("pricing-sync", "", nil, "admin")
	require.NoError(t, err)
	_, err = r.InstallPlugin("mailer", "", nil, "admin")
	require.NoError(t, err)

	assert.Empty(t, r.CheckForUpdates())

	require.NoError(t, r.Register(testManifest("pricing-sync", "1.2.0"), ""))
	updates := r.CheckForUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, AvailableUpdate{
		PluginID:       "pricing-sync",
		CurrentVersion: "1.0.0",
		LatestVersion:  "1.2.0",
	}, updates[0])
}

func TestValidateDependencies(t *testing.T) {
	r := newTestRegistry(t)

	rates := testManifest("currency-rates", "1.4.0")
	require.NoError(t, r.Register(rates, ""))
	theme := testManifest("storefront-theme", "3.0.0")
	require.NoError(t, r.Register(theme, ""))

	m := testManifest("pricing-sync", "1.0.0")
	m.Dependencies = map[string]string{
		"currency-rates": "^1.2.0",
		"tax-tables":     "^1.0.0",
	}
	m.PeerDependencies = map[string]string{
		"storefront-theme": "^2.0.0",
		"analytics":        "*",
	}
	require.NoError(t, r.Register(m, ""))

	report, err := r.ValidateDependencies("pricing-sync")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, []string{"tax-tables"}, report.Missing)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, Conflict{PluginID: "storefront-theme", Required: "^2.0.0", Available: "3.0.0", Peer: true}, report.Conflicts[0])

	// The installed version wins over the registered one.
	require.NoError(t, r.Register(testManifest("tax-tables", "1.0.0"), ""))
	_, err = r.InstallPlugin("tax-tables", "", nil, "admin")
	require.NoError(t, err)
	require.NoError(t, r.Register(testManifest("tax-tables", "2.0.0"), ""))

	report, err = r.ValidateDependencies("pricing-sync")
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
	assert.Len(t, report.Conflicts, 1)

	_, err = r.ValidateDependencies("nope")
	require.ErrorIs(t, err, ErrManifestNotFound)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.3.0", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.0.0", "1.0.0", 0},
		{"1.0.0-beta", "1.0.0", -1},
		{"1.10.0", "1.9.0", 1},
		{"1.2", "1.2.0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b))
		})
	}
}

func TestSatisfies(t *testing.T) {
	tests := []struct {
		version    string
		constraint string
		want       bool
	}{
		{"1.5.0", "^1.2.3", true},
		{"2.0.0", "^1.2.3", false},
		{"1.2.9", "~1.2.3", true},
		{"1.3.0", "~1.2.3", false},
		{"0.9.0", "*", true},
		{"0.9.0", "", true},
		{"0.9.0", "latest", true},
		{"1.0.0", ">=1.0.0 <2.0.0", true},
		{"not-a-version", "^1.0.0", false},
		{"1.0.0", "^^^", false},
	}
	for _, tt := range tests {
		t.Run(tt.version+" "+tt.constraint, func(t *testing.T) {
			assert.Equal(t, tt.want, Satisfies(tt.version, tt.constraint))
		})
	}
}

func TestPersistenceReload(t *testing.T) {
	r := newTestRegistry(t)
	pluginDir := filepath.Join(t.TempDir(), "pricing-sync")
	require.NoError(t, r.Register(testManifest("pricing-sync", "1.0.0"), pluginDir))
	_, err := r.InstallPlugin("pricing-sync", "", nil, "admin")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(r.Dir(), RegistryFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pricing-sync",`)
	assert.Contains(t, string(data), `"version": "1.0.0"`)

	reloaded := New(r.Dir(), WithLogger(logging.Nop()))
	require.NoError(t, reloaded.Load())

	m, ok := reloaded.Get("pricing-sync")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Equal(t, pluginDir, m.Dir())
	assert.Equal(t, filepath.Join(pluginDir, "index.js"), m.MainPath())

	path, ok := reloaded.Path("pricing-sync")
	require.True(t, ok)
	assert.Equal(t, pluginDir, path)

	inst, ok := reloaded.GetInstallation("pricing-sync")
	require.True(t, ok)
	assert.Equal(t, StatusInactive, inst.Status)
	assert.EqualValues(t, 60, inst.Config["interval"])

	_, err = os.Stat(filepath.Join(r.Dir(), RegistryFile+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFiles(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "empty"), WithLogger(logging.Nop()))
	require.NoError(t, r.Load())
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.ListInstallations())
}

func TestConcurrentInstallsAreSerialized(t *testing.T) {
	r := newTestRegistry(t)
	ids := []string{"a-one", "a-two", "a-three", "a-four", "a-five", "a-six"}
	for _, id := range ids {
		require.NoError(t, r.Register(testManifest(id, "1.0.0"), ""))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.InstallPlugin(id, "", nil, "admin")
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	reloaded := New(r.Dir(), WithLogger(logging.Nop()))
	require.NoError(t, reloaded.Load())
	assert.Len(t, reloaded.ListInstallations(), len(ids))
}

func TestBackupRoundTrip(t *testing.T) {
	for _, name := range []string{"snapshot.json", "snapshot.json.lz4"} {
		t.Run(name, func(t *testing.T) {
			r := newTestRegistry(t)
			pluginDir := filepath.Join(t.TempDir(), "pricing-sync")
			require.NoError(t, r.Register(testManifest("pricing-sync", "1.0.0"), pluginDir))
			_, err := r.InstallPlugin("pricing-sync", "", nil, "admin")
			require.NoError(t, err)

			path, err := r.CreateBackup(filepath.Join(t.TempDir(), name))
			require.NoError(t, err)

			require.NoError(t, r.Register(testManifest("mailer", "1.0.0"), ""))
			require.NoError(t, r.UninstallPlugin("pricing-sync"))

			require.NoError(t, r.RestoreFromBackup(path))
			assert.Equal(t, 1, r.Count())
			_, ok := r.Get("mailer")
			assert.False(t, ok)
			_, ok = r.GetInstallation("pricing-sync")
			assert.True(t, ok)

			reloaded := New(r.Dir(), WithLogger(logging.Nop()))
			require.NoError(t, reloaded.Load())
			assert.Equal(t, 1, reloaded.Count())
			m, ok := reloaded.Get("pricing-sync")
			require.True(t, ok)
			assert.Equal(t, pluginDir, m.Dir())
		})
	}
}

func TestCreateBackupDefaultPath(t *testing.T) {
	r := newTestRegistry(t)
	path, err := r.CreateBackup("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Dir(), BackupDir), filepath.Dir(path))
	assert.FileExists(t, path)
}

func TestRestoreIntoFreshRegistryKeepsPaths(t *testing.T) {
	src := newTestRegistry(t)
	pluginDir := filepath.Join(t.TempDir(), "mailer")
	require.NoError(t, src.Register(testManifest("mailer", "1.0.0"), pluginDir))
	path, err := src.CreateBackup(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)

	dst := newTestRegistry(t)
	require.NoError(t, dst.Register(testManifest("pricing-sync", "1.0.0"), filepath.Join(t.TempDir(), "pricing-sync")))
	require.NoError(t, dst.RestoreFromBackup(path))

	_, ok := dst.Path("pricing-sync")
	assert.False(t, ok)
	m, ok := dst.Get("mailer")
	require.True(t, ok)
	assert.Equal(t, pluginDir, m.Dir())
}

func TestRestoreRejectsBadBackup(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(testManifest("pricing-sync", "1.0.0"), ""))

	dir := t.TempDir()
	cases := map[string]string{
		"not json":        `{"version":`,
		"no version":      `{"plugins": []}`,
		"future format":   `{"version": "2.0.0", "plugins": []}`,
		"no plugins":      `{"version": "1.0.0"}`,
		"invalid plugin":  `{"version": "1.0.0", "plugins": [["Bad", {"id": "Bad"}]]}`,
		"malformed entry": `{"version": "1.0.0", "plugins": [["only-id"]]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			require.ErrorIs(t, r.RestoreFromBackup(path), ErrBadBackup)
			assert.Equal(t, 1, r.Count())
		})
	}
}
