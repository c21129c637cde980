package security

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/match"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/metrics"
	"github.com/dshills/mercury/internal/plugin/manifest"
)

// DefaultAllowedDomains are the external hosts network permissions may reach
// when none are configured.
var DefaultAllowedDomains = []string{
	"stripe.com",
	"paypal.com",
	"shopify.com",
	"googleapis.com",
	"mailchimp.com",
	"sendgrid.net",
}

// Config configures a Manager.
type Config struct {
	// Domains a network permission may resolve to at runtime.
	AllowedDomains []string

	// How long audit entries are kept.
	AuditRetention time.Duration

	// Maximum number of audit entries held. Zero means unbounded.
	AuditCapacity uint64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		AllowedDomains: DefaultAllowedDomains,
		AuditRetention: 30 * 24 * time.Hour,
		AuditCapacity:  100_000,
	}
}

// Manager validates declared permissions, authorizes runtime requests and
// tracks grants and the audit log.
type Manager struct {
	mu sync.RWMutex

	checkers map[string]Checker
	declared map[string][]manifest.Permission
	grants   map[string]*Grant

	audit    *ttlcache.Cache[string, AuditEntry]
	auditSeq uint64

	log     *zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records permission checks.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithChecker installs or replaces the checker for a permission type.
func WithChecker(permType string, c Checker) Option {
	return func(m *Manager) { m.checkers[permType] = c }
}

// NewManager creates a Manager. Call Start to run audit expiry in the
// background.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = DefaultConfig().AuditRetention
	}
	if cfg.AllowedDomains == nil {
		cfg.AllowedDomains = DefaultAllowedDomains
	}

	cacheOpts := []ttlcache.Option[string, AuditEntry]{
		ttlcache.WithTTL[string, AuditEntry](cfg.AuditRetention),
		ttlcache.WithDisableTouchOnHit[string, AuditEntry](),
	}
	if cfg.AuditCapacity > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[string, AuditEntry](cfg.AuditCapacity))
	}

	m := &Manager{
		checkers: defaultCheckers(cfg),
		declared: make(map[string][]manifest.Permission),
		grants:   make(map[string]*Grant),
		audit:    ttlcache.New(cacheOpts...),
		log:      logging.GetSubsystemLogger("security"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the audit expiry loop until Stop is called.
func (m *Manager) Start() {
	go m.audit.Start()
}

// Stop ends the audit expiry loop.
func (m *Manager) Stop() {
	m.audit.Stop()
}

// ValidatePermissions checks every declared permission. It stops at the first
// unknown type or checker rejection.
func (m *Manager) ValidatePermissions(perms []manifest.Permission) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range perms {
		if !p.Access.Valid() {
			return deny(p, fmt.Errorf("invalid access level %q", p.Access))
		}
		c, ok := m.checkers[p.Type]
		if !ok {
			return deny(p, ErrUnknownPermissionType)
		}
		if err := c.Validate(p); err != nil {
			return deny(p, err)
		}
	}
	return nil
}

// Declare publishes the permissions a loaded plugin declared.
func (m *Manager) Declare(pluginID string, perms []manifest.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declared[pluginID] = append([]manifest.Permission(nil), perms...)
}

// Forget withdraws a plugin's declared permissions.
func (m *Manager) Forget(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.declared, pluginID)
}

// Declared returns the permissions a plugin declared, if it is loaded.
func (m *Manager) Declared(pluginID string) ([]manifest.Permission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perms, ok := m.declared[pluginID]
	if !ok {
		return nil, false
	}
	return append([]manifest.Permission(nil), perms...), true
}

// CheckPermission reports whether the plugin in ctx may perform access on
// resource. The result is recorded in the audit log.
func (m *Manager) CheckPermission(ctx *Context, permType, resource string, access manifest.Access) bool {
	allowed, reason := m.check(ctx, permType, resource, access)

	var userID string
	if ctx != nil && ctx.User != nil {
		userID = ctx.User.ID
	}
	entry := AuditEntry{
		PluginID: pluginIDOf(ctx),
		UserID:   userID,
		Type:     permType,
		Resource: resource,
		Access:   access,
		Allowed:  allowed,
		Reason:   reason,
	}
	m.record(entry)
	m.metrics.PermissionChecked(permType, allowed)

	if !allowed {
		m.log.Debug().
			Str("plugin", entry.PluginID).
			Str("type", permType).
			Str("resource", resource).
			Str("access", string(access)).
			Str("reason", reason).
			Msg("permission denied")
	}
	return allowed
}

func (m *Manager) check(ctx *Context, permType, resource string, access manifest.Access) (bool, string) {
	if ctx == nil || ctx.PluginID == "" {
		return false, "no plugin context"
	}
	if !access.Valid() {
		return false, "invalid access level"
	}

	m.mu.RLock()
	declared, loaded := m.declared[ctx.PluginID]
	checker, known := m.checkers[permType]
	m.mu.RUnlock()

	if !loaded {
		return false, "plugin has no declared permissions"
	}
	if !known {
		return false, "unknown permission type"
	}

	matched := false
	for _, p := range declared {
		if p.Type != permType || !matchResource(p.Resource, resource) {
			continue
		}
		matched = true
		if p.Access.Covers(access) {
			if checker.CheckRuntime(ctx, resource, access) {
				return true, ""
			}
			return false, "runtime check failed"
		}
	}
	if matched {
		return false, "insufficient access"
	}
	return false, "not declared"
}

// matchResource matches a declared pattern against a requested resource:
// exactly, "*" for anything, or as a glob where "*" spans any run of
// characters.
func matchResource(pattern, resource string) bool {
	if pattern == resource || pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return false
	}
	return match.Match(resource, pattern)
}

func pluginIDOf(ctx *Context) string {
	if ctx == nil {
		return ""
	}
	return ctx.PluginID
}
