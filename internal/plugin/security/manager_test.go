package security

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/plugin/manifest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(DefaultConfig(), WithLogger(logging.Nop()), WithClock(clock.Now))
	return m, clock
}

func perm(typ, resource string, access manifest.Access) manifest.Permission {
	return manifest.Permission{Type: typ, Resource: resource, Access: access}
}

func pluginContext(t *testing.T, id string) *Context {
	dir := t.TempDir()
	return &Context{
		PluginID: id,
		DataDir:  filepath.Join(dir, "data"),
		TempDir:  filepath.Join(dir, "temp"),
	}
}

func TestValidatePermissions(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name    string
		perm    manifest.Permission
		wantErr bool
		unknown bool
	}{
		{"api namespace", perm("api", "products", "read"), false, false},
		{"api sub resource", perm("api", "orders/refunds", "write"), false, false},
		{"api wildcard", perm("api", "*", "read"), false, false},
		{"api unknown namespace", perm("api", "kernel", "read"), true, false},
		{"database table", perm("database", "plugin_x_prices", "write"), false, false},
		{"database glob", perm("database", "plugin_x_*", "read"), false, false},
		{"database bad name", perm("database", "prices; drop", "read"), true, false},
		{"file under data", perm("file", "data/cache.json", "write"), false, false},
		{"file under exports", perm("file", "exports/*", "read"), false, false},
		{"file absolute", perm("file", "/etc/passwd", "admin"), true, false},
		{"file traversal", perm("file", "data/../../secrets", "read"), true, false},
		{"file outside roots", perm("file", "config/settings.json", "read"), true, false},
		{"network https", perm("network", "https://api.stripe.com/*", "read"), false, false},
		{"network ftp", perm("network", "ftp://files.example.com", "read"), true, false},
		{"network no host", perm("network", "https:///path", "read"), true, false},
		{"storage key", perm("storage", "cache:*", "write"), false, false},
		{"storage traversal", perm("storage", "../other", "write"), true, false},
		{"analytics report", perm("analytics", "sales", "read"), false, false},
		{"analytics unknown", perm("analytics", "payroll", "read"), true, false},
		{"customer profile", perm("customer-data", "profile", "read"), false, false},
		{"customer unknown", perm("customer-data", "ssn", "read"), true, false},
		{"unknown type", perm("shell", "ls", "read"), true, true},
		{"bad access", perm("api", "products", "owner"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidatePermissions([]manifest.Permission{tt.perm})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPermissionDenied)
			var denied *DeniedError
			require.True(t, errors.As(err, &denied))
			assert.Equal(t, tt.perm, denied.Permission)
			assert.Equal(t, tt.unknown, errors.Is(err, ErrUnknownPermissionType))
		})
	}
}

func TestValidatePermissionsAllOrNothing(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.ValidatePermissions([]manifest.Permission{
		perm("api", "products", "read"),
		perm("file", "/etc/passwd", "admin"),
		perm("shell", "rm", "admin"),
	})
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "file", denied.Permission.Type)
}

func TestCheckPermissionDeclaredAccess(t *testing.T) {
	m, _ := newTestManager(t)
	m.Declare("catalog", []manifest.Permission{perm("api", "products", "read")})
	ctx := pluginContext(t, "catalog")

	assert.True(t, m.CheckPermission(ctx, "api", "products", manifest.AccessRead))
	assert.False(t, m.CheckPermission(ctx, "api", "products", manifest.AccessWrite))
	assert.False(t, m.CheckPermission(ctx, "api", "orders", manifest.AccessRead))

	admin := &Context{PluginID: "catalog", User: &User{ID: "u1", Role: "admin"}}
	assert.False(t, m.CheckPermission(admin, "customer-data", "profile", manifest.AccessRead))
	assert.False(t, m.CheckPermission(admin, "customer-data", "*", manifest.AccessRead))
}

func TestCheckPermissionPatterns(t *testing.T) {
	m, _ := newTestManager(t)
	m.Declare("sync", []manifest.Permission{
		perm("api", "*", "read"),
		perm("storage", "cache:*", "write"),
		perm("network", "https://api.stripe.com/*", "read"),
	})
	ctx := pluginContext(t, "sync")

	assert.True(t, m.CheckPermission(ctx, "api", "inventory", "read"))
	assert.True(t, m.CheckPermission(ctx, "storage", "cache:prices", "read"))
	assert.False(t, m.CheckPermission(ctx, "storage", "session:abc", "read"))
	assert.True(t, m.CheckPermission(ctx, "network", "https://api.stripe.com/v1/prices", "read"))
	assert.False(t, m.CheckPermission(ctx, "network", "https://evil.com/v1/prices", "read"))
}

func TestCheckPermissionRuntimeCheckers(t *testing.T) {
	m, _ := newTestManager(t)
	m.Declare("pricing-sync", []manifest.Permission{
		perm("database", "*", "write"),
		perm("file", "*", "write"),
		perm("network", "https://*", "read"),
		perm("analytics", "sales", "admin"),
		perm("customer-data", "email", "read"),
	})
	ctx := pluginContext(t, "pricing-sync")

	t.Run("database namespace", func(t *testing.T) {
		assert.True(t, m.CheckPermission(ctx, "database", "plugin_pricing_sync_prices", "write"))
		assert.False(t, m.CheckPermission(ctx, "database", "orders", "read"))
	})

	t.Run("file inside data and temp", func(t *testing.T) {
		assert.True(t, m.CheckPermission(ctx, "file", "data/cache.json", "write"))
		assert.True(t, m.CheckPermission(ctx, "file", "temp/upload.tmp", "read"))
		assert.True(t, m.CheckPermission(ctx, "file", filepath.Join(ctx.DataDir, "x"), "read"))
		assert.False(t, m.CheckPermission(ctx, "file", "data/../../outside", "read"))
		assert.False(t, m.CheckPermission(ctx, "file", "/etc/passwd", "read"))
		assert.False(t, m.CheckPermission(ctx, "file", "database/x", "read"))
	})

	t.Run("network hosts", func(t *testing.T) {
		assert.True(t, m.CheckPermission(ctx, "network", "https://api.stripe.com/v1", "read"))
		assert.True(t, m.CheckPermission(ctx, "network", "https://stripe.com", "read"))
		assert.False(t, m.CheckPermission(ctx, "network", "https://notstripe.com", "read"))
		assert.False(t, m.CheckPermission(ctx, "network", "https://localhost/admin", "read"))
		assert.False(t, m.CheckPermission(ctx, "network", "https://127.0.0.1", "read"))
		assert.False(t, m.CheckPermission(ctx, "network", "https://10.0.0.8", "read"))
	})

	t.Run("analytics refuses admin", func(t *testing.T) {
		assert.True(t, m.CheckPermission(ctx, "analytics", "sales", "write"))
		assert.False(t, m.CheckPermission(ctx, "analytics", "sales", "admin"))
	})

	t.Run("customer data needs user permission", func(t *testing.T) {
		assert.False(t, m.CheckPermission(ctx, "customer-data", "email", "read"))

		withPerm := *ctx
		withPerm.User = &User{ID: "u2", Role: "staff", Permissions: []string{"customer_data"}}
		assert.True(t, m.CheckPermission(&withPerm, "customer-data", "email", "read"))

		staff := *ctx
		staff.User = &User{ID: "u3", Role: "staff"}
		assert.False(t, m.CheckPermission(&staff, "customer-data", "email", "read"))
	})
}

func TestCheckPermissionAfterForget(t *testing.T) {
	m, _ := newTestManager(t)
	m.Declare("catalog", []manifest.Permission{perm("api", "products", "read")})
	ctx := pluginContext(t, "catalog")
	require.True(t, m.CheckPermission(ctx, "api", "products", "read"))

	m.Forget("catalog")
	assert.False(t, m.CheckPermission(ctx, "api", "products", "read"))
	assert.False(t, m.CheckPermission(nil, "api", "products", "read"))
}

func TestAuditLog(t *testing.T) {
	m, clock := newTestManager(t)
	m.Declare("catalog", []manifest.Permission{perm("api", "products", "read")})
	ctx := pluginContext(t, "catalog")

	m.CheckPermission(ctx, "api", "products", "read")
	clock.Advance(time.Minute)
	m.CheckPermission(ctx, "api", "products", "write")
	m.CheckPermission(&Context{PluginID: "other"}, "api", "products", "read")

	all := m.AuditLog(AuditFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "other", all[0].PluginID)
	assert.Equal(t, "plugin has no declared permissions", all[0].Reason)

	denied := false
	got := m.AuditLog(AuditFilter{PluginID: "catalog", Allowed: &denied})
	require.Len(t, got, 1)
	assert.Equal(t, manifest.AccessWrite, got[0].Access)
	assert.Equal(t, "insufficient access", got[0].Reason)
	assert.NotEmpty(t, got[0].ID)

	recent := m.AuditLog(AuditFilter{Since: clock.Now()})
	assert.Len(t, recent, 2)
	assert.Len(t, m.AuditLog(AuditFilter{Limit: 1}), 1)
}

func TestAuditRetention(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuditRetention = 20 * time.Millisecond
	cfg.AuditCapacity = 2
	m := NewManager(cfg, WithLogger(logging.Nop()))
	m.Declare("catalog", []manifest.Permission{perm("api", "products", "read")})
	ctx := &Context{PluginID: "catalog"}

	for i := 0; i < 3; i++ {
		m.CheckPermission(ctx, "api", "products", "read")
	}
	assert.Len(t, m.AuditLog(AuditFilter{}), 2)

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, m.AuditLog(AuditFilter{}))
}
