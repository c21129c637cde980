package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LookupFunc looks up an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// envBindings maps each override variable to the field it sets.
func (c *Config) envBindings() map[string]any {
	return map[string]any{
		"MERCURY_MERCURY_VERSION": &c.Mercury.Version,
		"MERCURY_MERCURY_STORE":   &c.Mercury.Store,

		"MERCURY_PLUGINS_DIR":          &c.Plugins.Dir,
		"MERCURY_PLUGINS_REGISTRY_DIR": &c.Plugins.RegistryDir,
		"MERCURY_PLUGINS_LOG_DIR":      &c.Plugins.LogDir,
		"MERCURY_PLUGINS_HOT_RELOAD":   &c.Plugins.HotReload,
		"MERCURY_PLUGINS_AUTO_LOAD":    &c.Plugins.AutoLoad,
		"MERCURY_PLUGINS_MAX_PARALLEL": &c.Plugins.MaxParallel,

		"MERCURY_SANDBOX_MAX_CPU_MS":         &c.Sandbox.MaxCPUMS,
		"MERCURY_SANDBOX_MEMORY_MB":          &c.Sandbox.MemoryMB,
		"MERCURY_SANDBOX_NETWORK_PER_MINUTE": &c.Sandbox.NetworkPerMinute,
		"MERCURY_SANDBOX_STORAGE_MB":         &c.Sandbox.StorageMB,

		"MERCURY_SECURITY_ALLOWED_DOMAINS":       &c.Security.AllowedDomains,
		"MERCURY_SECURITY_AUDIT_RETENTION_HOURS": &c.Security.AuditRetentionHours,
		"MERCURY_SECURITY_AUDIT_CAPACITY":        &c.Security.AuditCapacity,

		"MERCURY_SERVER_ADDR":                &c.Server.Addr,
		"MERCURY_SERVER_JWT_SECRET":          &c.Server.JWTSecret,
		"MERCURY_SERVER_JWT_EXPIRY_MINUTES":  &c.Server.JWTExpiryMinutes,
		"MERCURY_SERVER_ADMIN_USER":          &c.Server.AdminUser,
		"MERCURY_SERVER_ADMIN_PASSWORD_HASH": &c.Server.AdminPasswordHash,

		"MERCURY_LOGGING_LEVEL":  &c.Logging.Level,
		"MERCURY_LOGGING_FORMAT": &c.Logging.Format,
	}
}

// EnvVars lists the recognized override variables.
func EnvVars() []string {
	var c Config
	names := make([]string, 0, 24)
	for name := range c.envBindings() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyEnv applies MERCURY_* overrides. Empty values are treated as set.
// Lists are comma separated.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for name, field := range c.envBindings() {
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return &ParseError{Path: "$" + name, Message: err.Error(), Err: err}
		}
	}
	return nil
}

func setField(field any, raw string) error {
	raw = strings.TrimSpace(raw)
	switch p := field.(type) {
	case *string:
		*p = raw
	case *bool:
		b, err := parseBool(raw)
		if err != nil {
			return err
		}
		*p = b
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %q is not an integer", ErrTypeMismatch, raw)
		}
		*p = n
	case *uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not an unsigned integer", ErrTypeMismatch, raw)
		}
		*p = n
	case *[]string:
		var list []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
		*p = list
	default:
		return fmt.Errorf("%w: unsupported field %T", ErrTypeMismatch, field)
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrTypeMismatch, s)
}
