package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}
}

func TestParseYAML(t *testing.T) {
	cfg := Default()
	data := `
mercury:
  version: 2.3.0
  store: acme
plugins:
  dir: /srv/plugins
  hot_reload: true
  max_parallel: 8
sandbox:
  max_cpu_ms: 250
security:
  allowed_domains: [stripe.com, example.org]
logging:
  level: debug
`
	if err := Parse(cfg, "mercury.yaml", []byte(data)); err != nil {
		t.Fatalf("Parse error = %v", err)
	}

	if cfg.Mercury.Version != "2.3.0" || cfg.Mercury.Store != "acme" {
		t.Errorf("mercury = %+v", cfg.Mercury)
	}
	if cfg.Plugins.Dir != "/srv/plugins" || !cfg.Plugins.HotReload || cfg.Plugins.MaxParallel != 8 {
		t.Errorf("plugins = %+v", cfg.Plugins)
	}
	// untouched keys keep their defaults
	if cfg.Plugins.RegistryDir != "registry" {
		t.Errorf("RegistryDir = %q, want registry", cfg.Plugins.RegistryDir)
	}
	if got := cfg.Sandbox.Limits().MaxCPUTime; got != 250*time.Millisecond {
		t.Errorf("MaxCPUTime = %v, want 250ms", got)
	}
	if len(cfg.Security.AllowedDomains) != 2 || cfg.Security.AllowedDomains[1] != "example.org" {
		t.Errorf("AllowedDomains = %v", cfg.Security.AllowedDomains)
	}
}

func TestParseTOML(t *testing.T) {
	cfg := Default()
	data := `
[plugins]
dir = "/opt/mercury/plugins"
auto_load = false

[sandbox]
memory_mb = 64
storage_mb = 10

[server]
addr = ":9000"
`
	if err := Parse(cfg, "mercury.toml", []byte(data)); err != nil {
		t.Fatalf("Parse error = %v", err)
	}

	if cfg.Plugins.Dir != "/opt/mercury/plugins" || cfg.Plugins.AutoLoad {
		t.Errorf("plugins = %+v", cfg.Plugins)
	}
	limits := cfg.Sandbox.Limits()
	if limits.MemoryBytes != 64<<20 || limits.StorageBytes != 10<<20 {
		t.Errorf("limits = %+v", limits)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Server.Addr)
	}
}

func TestParseErrors(t *testing.T) {
	cfg := Default()

	err := Parse(cfg, "mercury.ini", []byte("x=1"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ini error = %v, want ErrUnsupportedFormat", err)
	}

	err = Parse(cfg, "bad.toml", []byte("[plugins\ndir = 1"))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("toml error = %v, want *ParseError", err)
	}
	if pe.Path != "bad.toml" || pe.Line == 0 {
		t.Errorf("ParseError = %+v, want path and line", pe)
	}

	err = Parse(cfg, "bad.yaml", []byte("plugins: [unclosed"))
	if !errors.As(err, &pe) {
		t.Errorf("yaml error = %v, want *ParseError", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "mercury.yml", "plugins:\n  dir: custom\n")
	t.Setenv("MERCURY_PLUGINS_MAX_PARALLEL", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.Plugins.Dir != "custom" {
		t.Errorf("Dir = %q, want custom", cfg.Plugins.Dir)
	}
	if cfg.Plugins.MaxParallel != 2 {
		t.Errorf("MaxParallel = %d, want 2", cfg.Plugins.MaxParallel)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("missing file error = %v, want ErrFileNotFound", err)
	}

	bad := writeConfig(t, "bad.yaml", "plugins:\n  max_parallel: 0\n")
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "plugins.max_parallel") {
		t.Errorf("invalid config error = %v, want plugins.max_parallel failure", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MERCURY_PLUGINS_HOT_RELOAD":       "yes",
		"MERCURY_SANDBOX_MAX_CPU_MS":       "1500",
		"MERCURY_SECURITY_ALLOWED_DOMAINS": "stripe.com, shopify.com,",
		"MERCURY_SECURITY_AUDIT_CAPACITY":  "500",
		"MERCURY_SERVER_ADMIN_USER":        "ops",
		"MERCURY_LOGGING_FORMAT":           "console",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv error = %v", err)
	}

	if !cfg.Plugins.HotReload {
		t.Error("HotReload = false, want true")
	}
	if cfg.Sandbox.MaxCPUMS != 1500 {
		t.Errorf("MaxCPUMS = %d, want 1500", cfg.Sandbox.MaxCPUMS)
	}
	if got := cfg.Security.AllowedDomains; len(got) != 2 || got[0] != "stripe.com" || got[1] != "shopify.com" {
		t.Errorf("AllowedDomains = %v", got)
	}
	if cfg.Security.AuditCapacity != 500 {
		t.Errorf("AuditCapacity = %d, want 500", cfg.Security.AuditCapacity)
	}
	if cfg.Server.AdminUser != "ops" || cfg.Logging.Format != "console" {
		t.Errorf("server/logging = %+v %+v", cfg.Server, cfg.Logging)
	}
}

func TestApplyEnvTypeMismatch(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "MERCURY_PLUGINS_MAX_PARALLEL" {
			return "lots", true
		}
		return "", false
	})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("error = %v, want ErrTypeMismatch", err)
	}
	if err != nil && !strings.Contains(err.Error(), "MERCURY_PLUGINS_MAX_PARALLEL") {
		t.Errorf("error = %q, want the variable name", err)
	}

	if err := Default().ApplyEnv(noEnv); err != nil {
		t.Errorf("no env error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"bad version", func(c *Config) { c.Mercury.Version = "two" }, "mercury.version"},
		{"no plugin dir", func(c *Config) { c.Plugins.Dir = "" }, "plugins.dir"},
		{"zero cpu", func(c *Config) { c.Sandbox.MaxCPUMS = 0 }, "sandbox.max_cpu_ms"},
		{"negative storage", func(c *Config) { c.Sandbox.StorageMB = -1 }, "sandbox.storage_mb"},
		{"short secret", func(c *Config) { c.Server.JWTSecret = "short" }, "server.jwt_secret"},
		{"plain password", func(c *Config) { c.Server.AdminPasswordHash = "hunter2" }, "server.admin_password_hash"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"valid auth", func(c *Config) {
			c.Server.JWTSecret = strings.Repeat("k", 32)
			c.Server.AdminPasswordHash = string(hash)
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.path == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				if !cfg.AuthEnabled() {
					t.Error("AuthEnabled() = false, want true")
				}
				return
			}

			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("errors.Is(%v, ErrInvalid) = false", err)
			}
			if ve.Path != tt.path {
				t.Errorf("Path = %q, want %q", ve.Path, tt.path)
			}
			if strings.Contains(err.Error(), "hunter2") {
				t.Error("error leaks the configured secret")
			}
		})
	}
}

func TestPluginConfig(t *testing.T) {
	cfg := Default()
	cfg.Plugins.Dir = "/p"
	cfg.Security.AuditRetentionHours = 2

	pc := cfg.PluginConfig()
	if pc.PluginDir != "/p" || pc.MercuryVersion != cfg.Mercury.Version {
		t.Errorf("PluginConfig = %+v", pc)
	}
	if pc.Security.AuditRetention != 2*time.Hour {
		t.Errorf("AuditRetention = %v, want 2h", pc.Security.AuditRetention)
	}
	if pc.Limits.MaxCPUTime != 5*time.Second {
		t.Errorf("MaxCPUTime = %v, want 5s", pc.Limits.MaxCPUTime)
	}

	pc.Security.AllowedDomains[0] = "changed"
	if cfg.Security.AllowedDomains[0] == "changed" {
		t.Error("PluginConfig shares AllowedDomains with Config")
	}
}

func TestEnvVarsSorted(t *testing.T) {
	vars := EnvVars()
	if len(vars) == 0 {
		t.Fatal("EnvVars() is empty")
	}
	for i := 1; i < len(vars); i++ {
		if vars[i-1] >= vars[i] {
			t.Fatalf("EnvVars() not sorted at %d: %v", i, vars)
		}
		if !strings.HasPrefix(vars[i], EnvPrefix) {
			t.Errorf("%s lacks prefix %s", vars[i], EnvPrefix)
		}
	}
}
