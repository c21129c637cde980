// Package security is the permission manager for plugins.
//
// Permissions are declared in a plugin's manifest as (type, resource, access)
// triples. Each type is handled by a Checker with two stages:
//
//   - Validate checks the declared shape when a plugin is loaded. Any
//     rejection fails the whole load before a sandbox exists.
//   - CheckRuntime checks a concrete request against the live plugin context.
//
// A runtime request is allowed only when a declared permission of the same
// type matches the resource (exactly, as "*", or as a glob), grants at least
// the requested access (read < write < admin), and the runtime checker passes.
// Runtime checks never return errors; a denial is simply false.
//
// Every runtime check is recorded in an audit log with time-based retention.
//
// Grants are a separate consent workflow: a user approves a set of permissions
// for a plugin for a fixed period, and can revoke them later.
//
// Example:
//
//	mgr := security.NewManager(security.DefaultConfig())
//	if err := mgr.ValidatePermissions(m.Permissions); err != nil {
//	    return err
//	}
//	mgr.Declare(m.ID, m.Permissions)
//
//	ctx := &security.Context{PluginID: m.ID, DataDir: dataDir, TempDir: tempDir}
//	if !mgr.CheckPermission(ctx, "api", "products", manifest.AccessWrite) {
//	    // denied
//	}
package security
