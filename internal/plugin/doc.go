// Package plugin provides the plugin runtime for Mercury.
//
// Plugins extend the store with JavaScript or Lua modules that can:
//   - React to host events through hooks
//   - Check their declared permissions at runtime
//   - Read their configuration and keep state in their data directory
//   - Emit events to other plugins
//   - Write structured logs
//
// # Quick Start
//
// The Loader is the entry point:
//
//	cfg := plugin.DefaultConfig("/var/lib/mercury")
//	cfg.HotReload = true
//
//	loader := plugin.New(cfg, plugin.WithMetrics(m))
//	if err := loader.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer loader.Shutdown(context.Background())
//
//	if _, err := loader.Scan(ctx); err != nil {
//	    log.Printf("scan: %v", err)
//	}
//	inst, err := loader.LoadPlugin(ctx, "pricing-sync")
//
// # Plugin Structure
//
//	plugins/pricing-sync/
//	├── mercury-plugin.json  # Manifest
//	├── index.js             # Entry point (or init.lua)
//	├── lib/                 # Additional modules
//	├── data/                # Created on load, writable by the plugin
//	└── temp/                # Created on load, writable by the plugin
//
// # Manifest
//
//	{
//	  "id": "pricing-sync",
//	  "name": "Pricing Sync",
//	  "version": "1.2.0",
//	  "main": "index.js",
//	  "mercuryVersion": "^2.0.0",
//	  "permissions": [
//	    {"type": "network", "resource": "api.stripe.com", "access": "read"},
//	    {"type": "api", "resource": "products", "access": "write"}
//	  ],
//	  "hooks": [
//	    {"event": "product.updated", "handler": "onProductUpdated", "priority": 10}
//	  ]
//	}
//
// # Lifecycle
//
// LoadPlugin validates the manifest and its permissions before anything is
// created. A plugin that fails validation leaves no trace. After validation
// the loader creates the data and temp directories and the sandbox, loads
// the entry module, calls its initialize export with the plugin context and
// binds its hooks. A failure in these steps leaves the plugin in the error
// state until it is reloaded or unloaded.
//
// UnloadPlugin calls the cleanup export, then tears everything down.
// ReloadPlugin re-reads the plugin from disk, dropping cached modules.
//
// Lifecycle operations on one plugin id are serialized; operations on
// different ids run concurrently.
//
// # Plugin Context
//
// initialize and cleanup receive:
//
//	{
//	  plugin:  {id, version, config, dataDir, tempDir},
//	  mercury: {version, store, user},
//	  api:     {permissions: {check}, events: {emit}, network: {canRequest}, ...},
//	  logger:  {debug, info, warn, error}
//	}
//
// The api namespaces are also available through require:
// require("@mercury/permissions") in JavaScript and
// require("mercury.permissions") in Lua.
//
// # Events
//
// Subscribe to lifecycle events:
//
//	unsub := loader.Subscribe(func(e plugin.Event) {
//	    log.Printf("%s: %s", e.PluginID, e.Type)
//	})
//	defer unsub()
package plugin
