package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/dshills/mercury/internal/plugin/manifest"
)

// User is the person on whose behalf a plugin acts.
type User struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

// Has reports whether the user holds a named permission.
func (u *User) Has(perm string) bool {
	return u != nil && slices.Contains(u.Permissions, perm)
}

// Context is the live plugin context a runtime check is evaluated against.
type Context struct {
	PluginID string
	DataDir  string
	TempDir  string
	User     *User
}

// Checker validates and enforces one permission type.
type Checker interface {
	// Validate checks a declared permission. It runs at load time.
	Validate(p manifest.Permission) error

	// CheckRuntime checks a concrete request against the plugin context.
	CheckRuntime(ctx *Context, resource string, access manifest.Access) bool
}

// Store API namespaces a plugin may request.
var apiNamespaces = []string{
	"products", "orders", "customers", "inventory", "categories", "collections",
	"discounts", "shipping", "payments", "checkout", "webhooks", "settings", "themes",
}

// Analytics reports a plugin may request.
var analyticsResources = []string{
	"sales", "traffic", "products", "customers", "conversions", "reports", "events",
}

// Customer data categories a plugin may request.
var customerDataResources = []string{
	"profile", "email", "phone", "addresses", "orders", "preferences", "segments",
}

// Top-level directories a file permission may name.
var fileRoots = []string{"data", "temp", "uploads", "exports"}

var identPattern = regexp.MustCompile(`^[A-Za-z_*][A-Za-z0-9_*]*$`)

func defaultCheckers(cfg Config) map[string]Checker {
	return map[string]Checker{
		TypeAPI:          apiChecker{},
		TypeDatabase:     databaseChecker{},
		TypeFile:         fileChecker{},
		TypeNetwork:      networkChecker{allowed: normalizeDomains(cfg.AllowedDomains)},
		TypeStorage:      storageChecker{},
		TypeAnalytics:    analyticsChecker{},
		TypeCustomerData: customerDataChecker{},
	}
}

type apiChecker struct{}

func (apiChecker) Validate(p manifest.Permission) error {
	if p.Resource == "*" {
		return nil
	}
	ns, _, _ := strings.Cut(p.Resource, "/")
	if !slices.Contains(apiNamespaces, ns) {
		return fmt.Errorf("unknown api namespace %q", ns)
	}
	return nil
}

func (apiChecker) CheckRuntime(*Context, string, manifest.Access) bool {
	return true
}

type databaseChecker struct{}

func (databaseChecker) Validate(p manifest.Permission) error {
	if !identPattern.MatchString(p.Resource) {
		return fmt.Errorf("invalid table name %q", p.Resource)
	}
	return nil
}

// CheckRuntime requires tables to live in the plugin's namespace.
func (databaseChecker) CheckRuntime(ctx *Context, resource string, _ manifest.Access) bool {
	return strings.HasPrefix(resource, TablePrefix(ctx.PluginID))
}

// TablePrefix returns the table name prefix reserved for a plugin.
func TablePrefix(pluginID string) string {
	return "plugin_" + strings.ReplaceAll(pluginID, "-", "_") + "_"
}

type fileChecker struct{}

func (fileChecker) Validate(p manifest.Permission) error {
	res := filepath.ToSlash(p.Resource)
	if path.IsAbs(res) || filepath.IsAbs(p.Resource) {
		return errors.New("absolute paths are not allowed")
	}
	for _, seg := range strings.Split(res, "/") {
		if seg == ".." {
			return errors.New("path escapes the plugin directory")
		}
	}
	root, _, _ := strings.Cut(path.Clean(res), "/")
	if !slices.Contains(fileRoots, root) {
		return fmt.Errorf("path must be under one of %s", strings.Join(fileRoots, ", "))
	}
	return nil
}

// CheckRuntime resolves the resource against the plugin directory and requires
// it to stay inside the data or temp directory.
func (fileChecker) CheckRuntime(ctx *Context, resource string, _ manifest.Access) bool {
	if ctx.DataDir == "" {
		return false
	}
	target := resource
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(ctx.DataDir), filepath.FromSlash(resource))
	}
	target = filepath.Clean(target)
	if isWithinPath(target, filepath.Clean(ctx.DataDir)) {
		return true
	}
	return ctx.TempDir != "" && isWithinPath(target, filepath.Clean(ctx.TempDir))
}

// isWithinPath checks if target is within or equal to base using filepath.Rel.
// "/tmp/data" does not contain "/tmp/database".
func isWithinPath(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

type networkChecker struct {
	allowed []string
}

func (networkChecker) Validate(p manifest.Permission) error {
	u, err := url.Parse(p.Resource)
	if err != nil {
		return fmt.Errorf("invalid url pattern: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("url pattern has no host")
	}
	return nil
}

// CheckRuntime requires the hostname to end with an allowed domain. Loopback
// and private addresses are always refused.
func (c networkChecker) CheckRuntime(_ *Context, resource string, _ manifest.Access) bool {
	host := hostOf(resource)
	if host == "" || isInternalHost(host) {
		return false
	}
	for _, domain := range c.allowed {
		if matchDomain(host, domain) {
			return true
		}
	}
	return false
}

// hostOf extracts a lowercased hostname from a URL or a host[:port].
func hostOf(resource string) string {
	if strings.Contains(resource, "://") {
		u, err := url.Parse(resource)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	return strings.ToLower(extractHost(resource))
}

// extractHost extracts the host from a host:port string.
// Handles IPv6 addresses like [::1]:8080 and regular host:port.
func extractHost(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host
	}
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return hostPort[1 : len(hostPort)-1]
	}
	return hostPort
}

func isInternalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// matchDomain reports whether host is domain or a subdomain of it.
func matchDomain(host, domain string) bool {
	domain = strings.TrimPrefix(domain, "*.")
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

type storageChecker struct{}

func (storageChecker) Validate(p manifest.Permission) error {
	if strings.HasPrefix(p.Resource, "/") || filepath.IsAbs(p.Resource) {
		return errors.New("storage keys cannot be absolute")
	}
	if strings.Contains(p.Resource, "..") {
		return errors.New("storage keys cannot contain \"..\"")
	}
	return nil
}

func (storageChecker) CheckRuntime(*Context, string, manifest.Access) bool {
	return true
}

type analyticsChecker struct{}

func (analyticsChecker) Validate(p manifest.Permission) error {
	if !slices.Contains(analyticsResources, p.Resource) {
		return fmt.Errorf("unknown analytics resource %q", p.Resource)
	}
	return nil
}

// CheckRuntime refuses admin access; analytics is read and write only.
func (analyticsChecker) CheckRuntime(_ *Context, _ string, access manifest.Access) bool {
	return access != manifest.AccessAdmin
}

type customerDataChecker struct{}

func (customerDataChecker) Validate(p manifest.Permission) error {
	if !slices.Contains(customerDataResources, p.Resource) {
		return fmt.Errorf("unknown customer data resource %q", p.Resource)
	}
	return nil
}

// CheckRuntime requires the acting user to hold customer_data or be an admin.
func (customerDataChecker) CheckRuntime(ctx *Context, _ string, _ manifest.Access) bool {
	if ctx.User == nil {
		return false
	}
	return ctx.User.Role == "admin" || ctx.User.Has("customer_data")
}
