// Package js is the goja-backed JavaScript engine for plugin sandboxes.
//
// Each engine owns one goja.Runtime. Plugin code sees a CommonJS environment:
// a require limited to a core whitelist, declared dependencies, the host SDK
// and files inside the plugin directory; a console that forwards to the host
// logger; and an inert process object. eval, the Function constructor and
// dynamic import are unavailable.
package js

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/plugin/sandbox"
)

//go:embed prelude.js shims/*.js
var sources embed.FS

// NodeVersion is what process.version reports.
const NodeVersion = "v18.19.0"

var prelude = mustCompile("prelude.js")

func mustCompile(name string) *goja.Program {
	src, err := sources.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return goja.MustCompile("mercury:"+name, string(src), false)
}

// Engine runs one plugin's JavaScript. Calls are serialized.
type Engine struct {
	mu  sync.Mutex
	vm  *goja.Runtime
	cfg sandbox.EngineConfig

	require goja.Callable
	core    map[string]goja.Value

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
	if cfg.SDK == nil {
		cfg.SDK = map[string]any{}
	}

	e := &Engine{
		vm:   goja.New(),
		cfg:  cfg,
		core: make(map[string]goja.Value),
	}
	e.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	e.vm.SetMaxCallStackSize(2048)

	if err := e.install(); err != nil {
		return nil, fmt.Errorf("initialize javascript engine: %w", err)
	}
	return e, nil
}

func (e *Engine) install() error {
	v, err := e.vm.RunProgram(prelude)
	if err != nil {
		return err
	}
	setup, ok := goja.AssertFunction(v)
	if !ok {
		return errors.New("prelude is not a function")
	}

	console := func(level, message string) {
		e.cfg.Console(level, fmt.Sprintf("[%s] %s", e.cfg.PluginID, message))
	}
	process := map[string]any{
		"version":  NodeVersion,
		"versions": map[string]any{"node": NodeVersion[1:], "mercury": "2"},
		"platform": runtime.GOOS,
		"arch":     runtime.GOARCH,
	}

	req, err := setup(goja.Undefined(),
		e.vm.GlobalObject(),
		e.vm.ToValue(e.load),
		e.vm.ToValue(console),
		e.vm.ToValue(process),
		e.vm.ToValue(e.cfg.Dir),
		e.vm.ToValue(func(s string) string { return string(logging.RedactJSON([]byte(s))) }),
	)
	if err != nil {
		return err
	}
	e.require, ok = goja.AssertFunction(req)
	if !ok {
		return errors.New("prelude did not return require")
	}

	buf, err := e.coreModule("buffer")
	if err != nil {
		return err
	}
	return e.vm.Set("Buffer", buf.ToObject(e.vm).Get("Buffer"))
}

// Run evaluates code as a script in the global scope.
func (e *Engine) Run(ctx context.Context, code, filename string) (any, error) {
	return e.guard(ctx, func() (goja.Value, error) {
		return e.vm.RunScript(filename, code)
	})
}

// Load requires the entry file at path and returns its exports.
func (e *Engine) Load(ctx context.Context, path string) (sandbox.Module, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.cfg.Dir, path)
	}

	var exports *goja.Object
	_, err := e.guard(ctx, func() (goja.Value, error) {
		v, err := e.require(goja.Undefined(), e.vm.ToValue(path))
		if err != nil {
			return nil, err
		}
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return nil, fmt.Errorf("%s has no exports", filepath.Base(path))
		}
		exports = v.ToObject(e.vm)
		return goja.Undefined(), nil
	})
	if err != nil {
		return nil, err
	}
	return &module{engine: e, exports: exports}, nil
}

// Terminate interrupts any running code and disables the engine.
func (e *Engine) Terminate() {
	e.vm.Interrupt(sandbox.ErrSandboxDestroyed)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = true
	e.core = nil
}

// ResourceUsage reports the bytes of source compiled into the engine.
// goja does not account heap usage per runtime.
func (e *Engine) ResourceUsage() sandbox.Usage {
	return sandbox.Usage{MemoryBytes: e.sourceSize.Load()}
}

// guard runs fn with the engine lock held and interrupts it when ctx ends.
func (e *Engine) guard(ctx context.Context, fn func() (goja.Value, error)) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return nil, sandbox.ErrSandboxDestroyed
	}
	if err := ctx.Err(); err != nil {
		return nil, e.interrupted(ctx, err)
	}

	done := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			e.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	v, err := e.call(fn)
	close(done)
	<-watcher
	e.vm.ClearInterrupt()

	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return nil, e.interrupted(ctx, err)
		}
		return nil, err
	}
	return e.export(v)
}

func (e *Engine) call(fn func() (goja.Value, error)) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("javascript engine panic: %v", r)
		}
	}()
	return fn()
}

func (e *Engine) interrupted(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: exceeded %s", sandbox.ErrExecutionTimeout, e.cfg.Limits.MaxCPUTime)
	}
	return fmt.Errorf("execution interrupted: %w", err)
}

// export converts a completion value to Go, settling promises first.
func (e *Engine) export(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return e.export(p.Result())
		case goja.PromiseStateRejected:
			return nil, rejection(p.Result())
		default:
			return nil, errors.New("promise did not settle")
		}
	}
	return v.Export(), nil
}

func rejection(reason goja.Value) error {
	if reason == nil {
		return errors.New("promise rejected")
	}
	if obj, ok := reason.(*goja.Object); ok {
		if v := obj.Get("value"); v != nil {
			if err, ok := v.Export().(error); ok {
				return err
			}
		}
	}
	return fmt.Errorf("promise rejected: %s", reason.String())
}
