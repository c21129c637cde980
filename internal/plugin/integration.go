package plugin

import (
	"context"
	"net/url"
	"reflect"
	"sort"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/plugin/manifest"
	"github.com/dshills/mercury/internal/plugin/security"
)

// Context is the PluginContext handed to a module's initialize and cleanup
// functions, and the source of the host SDK exposed through require.
type Context struct {
	PluginID string         `json:"id"`
	Version  string         `json:"version"`
	Config   map[string]any `json:"config"`
	DataDir  string         `json:"dataDir"`
	TempDir  string         `json:"tempDir"`

	MercuryVersion string         `json:"mercuryVersion"`
	Store          string         `json:"store"`
	User           *security.User `json:"user,omitempty"`

	api    map[string]any
	logger *logging.PluginLogger
}

// Security returns the context runtime permission checks are evaluated
// against.
func (c *Context) Security() *security.Context {
	return &security.Context{
		PluginID: c.PluginID,
		DataDir:  c.DataDir,
		TempDir:  c.TempDir,
		User:     c.User,
	}
}

// API returns the api object: permissions, events, network and any host
// namespaces.
func (c *Context) API() map[string]any {
	return c.api
}

// Value returns the object passed to plugin code.
func (c *Context) Value() map[string]any {
	return map[string]any{
		"plugin": map[string]any{
			"id":      c.PluginID,
			"version": c.Version,
			"config":  c.Config,
			"dataDir": c.DataDir,
			"tempDir": c.TempDir,
		},
		"mercury": map[string]any{
			"version": c.MercuryVersion,
			"store":   c.Store,
			"user":    c.User,
		},
		"api":    c.api,
		"logger": c.loggerValue(),
	}
}

func (c *Context) loggerValue() map[string]any {
	l := c.logger
	return map[string]any{
		"debug": func(msg string, data map[string]any) { l.Debug(msg, data) },
		"info":  func(msg string, data map[string]any) { l.Info(msg, data) },
		"warn":  func(msg string, data map[string]any) { l.Warn(msg, data) },
		"error": func(msg string, data map[string]any) { l.Error(msg, data) },
	}
}

// newContext builds the context of inst. Installation config overrides the
// manifest defaults.
func (l *Loader) newContext(inst *Instance, mf *manifest.Manifest, dataDir, tempDir string, logger *logging.PluginLogger) *Context {
	cfg := mf.ConfigDefaults()
	if in, ok := l.registry.GetInstallation(mf.ID); ok {
		for k, v := range in.Config {
			cfg[k] = v
		}
	}

	c := &Context{
		PluginID:       mf.ID,
		Version:        mf.Version,
		Config:         cfg,
		DataDir:        dataDir,
		TempDir:        tempDir,
		MercuryVersion: l.cfg.MercuryVersion,
		Store:          l.cfg.Store,
		User:           l.user,
		logger:         logger,
	}
	c.api = l.buildAPI(inst, c)
	return c
}

// buildAPI assembles the api object. Every function in it counts as one api
// call on the instance.
func (l *Loader) buildAPI(inst *Instance, c *Context) map[string]any {
	api := map[string]any{
		"permissions": map[string]any{
			"check": func(permType, resource, access string) bool {
				return l.security.CheckPermission(c.Security(), permType, resource, manifest.Access(access))
			},
		},
		"events": map[string]any{
			// Dispatch is asynchronous: a handler may live in the calling
			// plugin's own sandbox, which is busy until this call returns.
			"emit": func(event string, payload any) bool {
				if !l.hooks.HasHandlers(event) {
					return false
				}
				go l.Emit(context.Background(), event, payload)
				return true
			},
		},
		"network": map[string]any{
			"canRequest": func(rawURL string) bool {
				if !l.security.CheckPermission(c.Security(), "network", rawURL, manifest.AccessRead) {
					return false
				}
				u, err := url.Parse(rawURL)
				if err != nil {
					return false
				}
				sb := inst.Sandbox()
				return sb != nil && sb.AllowRequest(u.Hostname()) == nil
			},
		},
	}

	names := make([]string, 0, len(l.api))
	for name := range l.api {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, reserved := api[name]; reserved {
			l.log.Warn().Str("namespace", name).Msg("host api namespace shadows a built-in one, ignoring")
			continue
		}
		api[name] = l.api[name]
	}

	return counted(api, inst.countAPICall).(map[string]any)
}

// counted returns v with every function, at any depth of nested maps,
// wrapped to call inc first.
func counted(v any, inc func()) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = counted(item, inc)
		}
		return out
	case nil:
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return v
	}
	return reflect.MakeFunc(rv.Type(), func(args []reflect.Value) []reflect.Value {
		inc()
		if rv.Type().IsVariadic() {
			return rv.CallSlice(args)
		}
		return rv.Call(args)
	}).Interface()
}
