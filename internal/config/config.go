// Package config loads the Mercury host configuration from YAML or TOML
// files, with MERCURY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/plugin"
	"github.com/dshills/mercury/internal/plugin/sandbox"
	"github.com/dshills/mercury/internal/plugin/security"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MERCURY_"

// Config is the host configuration.
type Config struct {
	Mercury  MercuryConfig  `yaml:"mercury" toml:"mercury"`
	Plugins  PluginsConfig  `yaml:"plugins" toml:"plugins"`
	Sandbox  SandboxConfig  `yaml:"sandbox" toml:"sandbox"`
	Security SecurityConfig `yaml:"security" toml:"security"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

type MercuryConfig struct {
	Version string `yaml:"version" toml:"version"`
	Store   string `yaml:"store" toml:"store"`
}

type PluginsConfig struct {
	Dir         string `yaml:"dir" toml:"dir"`
	RegistryDir string `yaml:"registry_dir" toml:"registry_dir"`
	LogDir      string `yaml:"log_dir" toml:"log_dir"`
	HotReload   bool   `yaml:"hot_reload" toml:"hot_reload"`
	AutoLoad    bool   `yaml:"auto_load" toml:"auto_load"`
	MaxParallel int    `yaml:"max_parallel" toml:"max_parallel"`
}

type SandboxConfig struct {
	MaxCPUMS         int `yaml:"max_cpu_ms" toml:"max_cpu_ms"`
	MemoryMB         int `yaml:"memory_mb" toml:"memory_mb"`
	NetworkPerMinute int `yaml:"network_per_minute" toml:"network_per_minute"`
	StorageMB        int `yaml:"storage_mb" toml:"storage_mb"`
}

type SecurityConfig struct {
	AllowedDomains      []string `yaml:"allowed_domains" toml:"allowed_domains"`
	AuditRetentionHours int      `yaml:"audit_retention_hours" toml:"audit_retention_hours"`
	AuditCapacity       uint64   `yaml:"audit_capacity" toml:"audit_capacity"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr" toml:"addr"`
	JWTSecret         string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTExpiryMinutes  int    `yaml:"jwt_expiry_minutes" toml:"jwt_expiry_minutes"`
	AdminUser         string `yaml:"admin_user" toml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash" toml:"admin_password_hash"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	limits := sandbox.DefaultResourceLimits()
	sec := security.DefaultConfig()

	return &Config{
		Mercury: MercuryConfig{Version: "2.0.0", Store: "default"},
		Plugins: PluginsConfig{
			Dir:         "plugins",
			RegistryDir: "registry",
			LogDir:      "logs",
			AutoLoad:    true,
			MaxParallel: 4,
		},
		Sandbox: SandboxConfig{
			MaxCPUMS:         int(limits.MaxCPUTime / time.Millisecond),
			MemoryMB:         int(limits.MemoryBytes >> 20),
			NetworkPerMinute: limits.NetworkRequestsPerMinute,
			StorageMB:        int(limits.StorageBytes >> 20),
		},
		Security: SecurityConfig{
			AllowedDomains:      slices.Clone(sec.AllowedDomains),
			AuditRetentionHours: int(sec.AuditRetention / time.Hour),
			AuditCapacity:       sec.AuditCapacity,
		},
		Server: ServerConfig{
			Addr:             "127.0.0.1:8420",
			JWTExpiryMinutes: 60,
			AdminUser:        "admin",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file over the defaults,
// applies environment overrides and validates the result. An empty path
// yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := Parse(cfg, path, data); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes data into cfg, choosing the format from the extension of
// path. Keys missing from data keep their current values.
func Parse(cfg *Config, path string, data []byte) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return parseError(path, err)
	}
	return nil
}

func parseError(path string, err error) error {
	pe := &ParseError{Path: path, Message: err.Error(), Err: err}
	var de *toml.DecodeError
	if errors.As(err, &de) {
		pe.Line, pe.Column = de.Position()
	}
	return pe
}

// Validate checks every setting and reports all failures together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(path, msg string, v any) {
		errs = append(errs, &ValidationError{Path: path, Message: msg, Value: v})
	}

	if c.Mercury.Version == "" {
		fail("mercury.version", "is required", c.Mercury.Version)
	} else if _, err := semver.StrictNewVersion(c.Mercury.Version); err != nil {
		fail("mercury.version", "must be a semantic version", c.Mercury.Version)
	}

	if c.Plugins.Dir == "" {
		fail("plugins.dir", "is required", c.Plugins.Dir)
	}
	if c.Plugins.RegistryDir == "" {
		fail("plugins.registry_dir", "is required", c.Plugins.RegistryDir)
	}
	if c.Plugins.LogDir == "" {
		fail("plugins.log_dir", "is required", c.Plugins.LogDir)
	}
	if c.Plugins.MaxParallel < 1 {
		fail("plugins.max_parallel", "must be at least 1", c.Plugins.MaxParallel)
	}

	if c.Sandbox.MaxCPUMS <= 0 {
		fail("sandbox.max_cpu_ms", "must be positive", c.Sandbox.MaxCPUMS)
	}
	for path, v := range map[string]int{
		"sandbox.memory_mb":          c.Sandbox.MemoryMB,
		"sandbox.network_per_minute": c.Sandbox.NetworkPerMinute,
		"sandbox.storage_mb":         c.Sandbox.StorageMB,
	} {
		if v < 0 {
			fail(path, "must not be negative", v)
		}
	}

	if c.Security.AuditRetentionHours <= 0 {
		fail("security.audit_retention_hours", "must be positive", c.Security.AuditRetentionHours)
	}

	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 32 {
		fail("server.jwt_secret", "must be at least 32 characters", "[REDACTED]")
	}
	if c.Server.AdminPasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Server.AdminPasswordHash)); err != nil {
			fail("server.admin_password_hash", "must be a bcrypt hash", "[REDACTED]")
		}
	}
	if c.Server.JWTExpiryMinutes <= 0 {
		fail("server.jwt_expiry_minutes", "must be positive", c.Server.JWTExpiryMinutes)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "disabled", "off":
	default:
		fail("logging.level", "must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		fail("logging.format", "must be json or console", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// AuthEnabled reports whether the admin API requires a login.
func (c *Config) AuthEnabled() bool {
	return c.Server.AuthEnabled()
}

// AuthEnabled reports whether both a signing secret and an admin password
// hash are configured.
func (s *ServerConfig) AuthEnabled() bool {
	return s.JWTSecret != "" && s.AdminPasswordHash != ""
}

// JWTExpiry returns the lifetime of issued tokens.
func (s *ServerConfig) JWTExpiry() time.Duration {
	return time.Duration(s.JWTExpiryMinutes) * time.Minute
}

// Limits returns the sandbox resource limits.
func (s *SandboxConfig) Limits() sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		MemoryBytes:              int64(s.MemoryMB) << 20,
		MaxCPUTime:               time.Duration(s.MaxCPUMS) * time.Millisecond,
		NetworkRequestsPerMinute: s.NetworkPerMinute,
		StorageBytes:             int64(s.StorageMB) << 20,
	}
}

// PluginConfig returns the plugin loader configuration.
func (c *Config) PluginConfig() plugin.Config {
	return plugin.Config{
		PluginDir:      c.Plugins.Dir,
		RegistryDir:    c.Plugins.RegistryDir,
		LogDir:         c.Plugins.LogDir,
		MercuryVersion: c.Mercury.Version,
		Store:          c.Mercury.Store,
		HotReload:      c.Plugins.HotReload,
		AutoLoad:       c.Plugins.AutoLoad,
		MaxParallel:    c.Plugins.MaxParallel,
		Limits:         c.Sandbox.Limits(),
		Security: security.Config{
			AllowedDomains: slices.Clone(c.Security.AllowedDomains),
			AuditRetention: time.Duration(c.Security.AuditRetentionHours) * time.Hour,
			AuditCapacity:  c.Security.AuditCapacity,
		},
		LogLevel: c.Logging.Level,
	}
}

// LogSetup returns the root logger configuration.
func (c *Config) LogSetup() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}
