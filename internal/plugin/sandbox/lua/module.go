package lua

import (
	"context"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/mercury/internal/plugin/sandbox"
)

type module struct {
	engine  *Engine
	exports *lua.LTable
}

func (m *module) Has(name string) bool {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	_, ok := m.exports.RawGetString(name).(*lua.LFunction)
	return ok
}

func (m *module) Exports() []string {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	var names []string
	m.exports.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			names = append(names, string(s))
		}
	})
	sort.Strings(names)
	return names
}

// Call invokes an exported function. The exports table is not passed as self,
// so plugins define functions with "." rather than ":".
func (m *module) Call(ctx context.Context, name string, args ...any) (any, error) {
	e := m.engine
	return e.guard(ctx, func() (lua.LValue, error) {
		fn, ok := m.exports.RawGetString(name).(*lua.LFunction)
		if !ok {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrNotExported, name)
		}
		vals := make([]lua.LValue, len(args))
		for i, a := range args {
			vals[i] = toLua(e.L, a)
		}
		return e.call(fn, vals...)
	})
}
