package js

import (
	"context"
	"fmt"
	"sort"

	"github.com/dop251/goja"

	"github.com/dshills/mercury/internal/plugin/sandbox"
)

type module struct {
	engine  *Engine
	exports *goja.Object
}

func (m *module) function(name string) (goja.Callable, bool) {
	v := m.exports.Get(name)
	if v == nil {
		return nil, false
	}
	return goja.AssertFunction(v)
}

func (m *module) Has(name string) bool {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	_, ok := m.function(name)
	return ok
}

func (m *module) Exports() []string {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	keys := m.exports.Keys()
	sort.Strings(keys)
	return keys
}

// Call invokes an exported function with this bound to the exports object.
// Go arguments are converted with goja's ToValue. A returned promise is
// settled before Call returns.
func (m *module) Call(ctx context.Context, name string, args ...any) (any, error) {
	e := m.engine
	return e.guard(ctx, func() (goja.Value, error) {
		fn, ok := m.function(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrNotExported, name)
		}
		vals := make([]goja.Value, len(args))
		for i, a := range args {
			vals[i] = e.vm.ToValue(a)
		}
		return fn(m.exports, vals...)
	})
}
