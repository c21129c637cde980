// Package lua is the gopher-lua engine for plugin sandboxes.
//
// A state opens only the base, table, string and math libraries. dofile,
// loadfile, load, loadstring and module are removed, and require resolves
// only the safe built-ins, the host SDK ("mercury", "mercury.<ns>") and
// modules inside the plugin directory.
//
// gopher-lua's LState is not goroutine-safe; every entry point takes the
// engine mutex.
package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/dshills/mercury/internal/plugin/sandbox"
)

// Engine runs one plugin's Lua code.
type Engine struct {
	mu  sync.Mutex
	L   *lua.LState
	cfg sandbox.EngineConfig

	loaded     map[string]lua.LValue
	life       context.Context
	kill       context.CancelFunc
	terminated bool
	sourceSize atomic.Int64
}

// NewEngine creates an engine for cfg. It satisfies sandbox.EngineFactory.
func NewEngine(cfg sandbox.EngineConfig) (sandbox.Engine, error) {
	if cfg.Modules == nil {
		cfg.Modules = sandbox.NewModuleTable()
	}
	if cfg.Console == nil {
		cfg.Console = func(string, string) {}
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   512,
		RegistrySize:    1024 * 4,
		RegistryMaxSize: 1024 * 256,
	})
	openSafeLibraries(L)

	e := &Engine{
		L:      L,
		cfg:    cfg,
		loaded: make(map[string]lua.LValue),
	}
	e.life, e.kill = context.WithCancel(context.Background())
	e.install()
	return e, nil
}

// openSafeLibraries opens only libraries without host access. io, os, debug
// and package stay closed.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// Run compiles and runs a chunk and returns its first result.
func (e *Engine) Run(ctx context.Context, code, filename string) (any, error) {
	return e.guard(ctx, func() (lua.LValue, error) {
		proto, err := compile(strings.NewReader(code), filename)
		if err != nil {
			return nil, err
		}
		e.sourceSize.Add(int64(len(code)))
		return e.call(e.L.NewFunctionFromProto(proto))
	})
}

// Load runs the entry file. A chunk that returns a table exports it;
// otherwise the globals it defined are the exports.
func (e *Engine) Load(ctx context.Context, path string) (sandbox.Module, error) {
	path = e.abs(path)

	var exports *lua.LTable
	_, err := e.guard(ctx, func() (lua.LValue, error) {
		fn, err := e.compileFile(path)
		if err != nil {
			return nil, err
		}

		before := globalNames(e.L)
		ret, err := e.call(fn)
		if err != nil {
			return nil, err
		}
		if t, ok := ret.(*lua.LTable); ok {
			exports = t
		} else {
			exports = e.L.NewTable()
			e.L.G.Global.ForEach(func(k, v lua.LValue) {
				if name, ok := k.(lua.LString); ok && !before[string(name)] {
					exports.RawSetString(string(name), v)
				}
			})
		}
		e.loaded[path] = exports
		return lua.LNil, nil
	})
	if err != nil {
		return nil, err
	}
	return &module{engine: e, exports: exports}, nil
}

// Terminate stops any running call and closes the Lua state.
func (e *Engine) Terminate() {
	e.kill()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return
	}
	e.terminated = true
	e.L.Close()
}

// ResourceUsage reports the bytes of source compiled into the state.
func (e *Engine) ResourceUsage() sandbox.Usage {
	return sandbox.Usage{MemoryBytes: e.sourceSize.Load()}
}

// guard runs fn under the engine lock with ctx attached to the state, so the
// VM raises an error once ctx is done.
func (e *Engine) guard(ctx context.Context, fn func() (lua.LValue, error)) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return nil, sandbox.ErrSandboxDestroyed
	}
	if err := ctx.Err(); err != nil {
		return nil, e.interrupted(ctx, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(e.life, cancel)()

	top := e.L.GetTop()
	e.L.SetContext(ctx)
	ret, err := e.doWithRecovery(fn)
	e.L.RemoveContext()
	e.L.SetTop(top)

	if err != nil {
		if ctx.Err() != nil {
			return nil, e.interrupted(ctx, err)
		}
		return nil, unwrapLuaError(err)
	}
	return toGo(ret), nil
}

// doWithRecovery executes a function with panic recovery.
func (e *Engine) doWithRecovery(fn func() (lua.LValue, error)) (v lua.LValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

func (e *Engine) interrupted(ctx context.Context, err error) error {
	if e.life.Err() != nil {
		return sandbox.ErrSandboxDestroyed
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: exceeded %s", sandbox.ErrExecutionTimeout, e.cfg.Limits.MaxCPUTime)
	}
	return fmt.Errorf("execution interrupted: %w", err)
}

// call invokes fn with args in protected mode and returns its first result.
func (e *Engine) call(fn *lua.LFunction, args ...lua.LValue) (lua.LValue, error) {
	top := e.L.GetTop()
	e.L.Push(fn)
	for _, a := range args {
		e.L.Push(a)
	}
	if err := e.L.PCall(len(args), 1, nil); err != nil {
		e.L.SetTop(top)
		return nil, err
	}
	ret := e.L.Get(-1)
	e.L.SetTop(top)
	return ret, nil
}

// compileFile returns a function for a source file, reusing the compiled
// prototype from the module table while the file is unchanged.
func (e *Engine) compileFile(path string) (*lua.LFunction, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var proto *lua.FunctionProto
	if entry, ok := e.cfg.Modules.Lookup(e.cfg.PluginID, path, info.Size(), info.ModTime()); ok {
		proto, _ = entry.Value.(*lua.FunctionProto)
	}
	if proto == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		proto, err = compile(f, path)
		if err != nil {
			return nil, err
		}
		e.cfg.Modules.Put(e.cfg.PluginID, path, proto, info.Size(), info.ModTime())
	}
	e.sourceSize.Add(info.Size())
	return e.L.NewFunctionFromProto(proto), nil
}

func compile(r io.Reader, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(r, name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return proto, nil
}

func globalNames(L *lua.LState) map[string]bool {
	names := make(map[string]bool)
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			names[string(s)] = true
		}
	})
	return names
}

// unwrapLuaError recovers a Go error raised as userdata by raiseGo.
func unwrapLuaError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if ud, ok := apiErr.Object.(*lua.LUserData); ok {
			if goErr, ok := ud.Value.(error); ok {
				return goErr
			}
		}
	}
	return err
}
