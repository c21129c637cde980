// Package hook routes host events to the plugin functions bound to them.
//
// A plugin manifest binds events to exported handler functions:
//
//	"hooks": [{"event": "order.created", "handler": "onOrder", "priority": 10}]
//
// The loader registers those bindings on a Bus under the plugin id, and
// removes them again on unload:
//
//	bus := hook.NewBus(hook.WithMetrics(m))
//	bus.Register("pricing-sync", "order.created", "onOrder", 10, fn)
//	results := bus.Dispatch(ctx, "order.created", payload)
//	bus.UnregisterOwner("pricing-sync")
//
// Handlers run in priority order, highest first. A failing or panicking
// handler does not stop the ones after it.
package hook
