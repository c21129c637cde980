package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/plugin/manifest"
	"github.com/dshills/mercury/internal/plugin/sandbox"
)

type captured struct {
	mu    sync.Mutex
	lines []string
}

func (c *captured) console(level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, level+" "+msg)
}

func (c *captured) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func newEngine(t *testing.T, dir string, mutate ...func(*sandbox.EngineConfig)) *Engine {
	t.Helper()
	cfg := sandbox.EngineConfig{
		PluginID: "test-plugin",
		Dir:      dir,
		Limits:   sandbox.DefaultResourceLimits(),
		Modules:  sandbox.NewModuleTable(),
		Log:      logging.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Terminate)
	return eng.(*Engine)
}

func TestLoadTableModule(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"main.lua": `
			local util = require("lib.util")
			local M = { name = "calc" }
			function M.initialize(ctx)
				return util.double(ctx.n) + #ctx.items
			end
			return M
		`,
		"lib/util.lua": `return { double = function(n) return n * 2 end }`,
	})

	eng := newEngine(t, dir)
	mod, err := eng.Load(context.Background(), "main.lua")
	require.NoError(t, err)

	assert.True(t, mod.Has("initialize"))
	assert.False(t, mod.Has("name"))
	assert.Equal(t, []string{"initialize", "name"}, mod.Exports())

	v, err := mod.Call(context.Background(), "initialize", map[string]any{
		"n":     2,
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)

	_, err = mod.Call(context.Background(), "cleanup")
	require.ErrorIs(t, err, sandbox.ErrNotExported)
}

func TestLoadGlobalsModule(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"main.lua": `
			function initialize() return "ready" end
			function cleanup() end
		`,
	})

	mod, err := newEngine(t, dir).Load(context.Background(), "main.lua")
	require.NoError(t, err)
	assert.Equal(t, []string{"cleanup", "initialize"}, mod.Exports())

	v, err := mod.Call(context.Background(), "initialize")
	require.NoError(t, err)
	assert.Equal(t, "ready", v)
}

func TestRequire(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	writeFiles(t, outside, map[string]string{"secret.lua": `return "secret"`})
	writeFiles(t, dir, map[string]string{
		"counter.lua":     `count = (count or 0) + 1 return { n = count }`,
		"pkg/init.lua":    `return "init"`,
		"strings/pad.lua": `return function(s, n) return string.rep(" ", n - #s) .. s end`,
	})

	var seen []string
	eng := newEngine(t, dir, func(cfg *sandbox.EngineConfig) {
		cfg.SDK = map[string]any{
			"store": map[string]any{"name": "demo-store"},
			"log": func(msg string) string {
				seen = append(seen, msg)
				return "logged"
			},
			"fail": func() error { return errors.New("sdk failure") },
		}
	})
	ctx := context.Background()

	tests := []struct {
		name string
		code string
		want any
	}{
		{"builtin", `return require("string").upper("x")`, "X"},
		{"dotted", `return require("strings.pad")("7", 3)`, "  7"},
		{"relative", `return require("./strings/pad.lua")("7", 2)`, " 7"},
		{"init", `return require("pkg")`, "init"},
		{"cached", `require("counter") return require("counter").n`, int64(1)},
		{"sdk", `return require("mercury").store.name .. "/" .. require("@mercury/store").name`, "demo-store/demo-store"},
		{"sdk func", `return require("mercury.log")("hi")`, "logged"},
		{"sdk error", `local ok, err = pcall(require("mercury").fail) return tostring(err)`, "sdk failure"},
		{"table result", `return {1, 2, 3}`, []any{int64(1), int64(2), int64(3)}},
		{"map result", `return {a = 1.5}`, map[string]any{"a": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := eng.Run(ctx, tt.code, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
	assert.Equal(t, []string{"hi"}, seen)

	denied := []string{
		`require("io")`,
		`require("os")`,
		`require("debug")`,
		`require("mercury.payments")`,
		`require("missing")`,
		`require("../` + filepath.Base(outside) + `/secret")`,
	}
	for _, code := range denied {
		_, err := eng.Run(ctx, code, "denied")
		require.ErrorIs(t, err, sandbox.ErrModuleNotAllowed, code)
	}

	v, err := eng.Run(ctx, `local ok, err = pcall(require, "io") return tostring(err)`, "caught")
	require.NoError(t, err)
	assert.Contains(t, v, "io")
}

func TestRestrictedGlobals(t *testing.T) {
	eng := newEngine(t, t.TempDir())
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module", "io", "debug", "package"} {
		v, err := eng.Run(context.Background(), fmt.Sprintf("return %s == nil", name), name)
		require.NoError(t, err)
		assert.Equal(t, true, v, name)
	}

	v, err := eng.Run(context.Background(), `return os.execute == nil and os.exit == nil and type(os.time()) == "number"`, "os")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestConsole(t *testing.T) {
	out := &captured{}
	eng := newEngine(t, t.TempDir(), func(cfg *sandbox.EngineConfig) {
		cfg.Console = out.console
	})

	_, err := eng.Run(context.Background(), `
		print("hello", 1)
		console.warn("careful")
		console.error("boom")
	`, "console")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"info [test-plugin] hello\t1",
		"warn [test-plugin] careful",
		"error [test-plugin] boom",
	}, out.all())
}

func TestConsoleRedactsTables(t *testing.T) {
	out := &captured{}
	eng := newEngine(t, t.TempDir(), func(cfg *sandbox.EngineConfig) {
		cfg.Console = out.console
	})

	_, err := eng.Run(context.Background(), `
		print("creds", {apiKey = "sk_live_123", nested = {Password = "hunter2"}, store = "main"})
		console.info({1, 2})
	`, "console")
	require.NoError(t, err)
	lines := out.all()
	require.Len(t, lines, 2)
	assert.Equal(t, `info [test-plugin] creds`+"\t"+`{"apiKey":"[REDACTED]","nested":{"Password":"[REDACTED]"},"store":"main"}`, lines[0])
	assert.Equal(t, `info [test-plugin] [1,2]`, lines[1])
}

func TestExecutionTimeoutKeepsEngineUsable(t *testing.T) {
	eng := newEngine(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := eng.Run(ctx, `while true do end`, "spin")
	require.ErrorIs(t, err, sandbox.ErrExecutionTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	v, err := eng.Run(context.Background(), `return 1 + 1`, "after")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestRuntimeError(t *testing.T) {
	eng := newEngine(t, t.TempDir())
	_, err := eng.Run(context.Background(), `error("bad input")`, "err")
	require.ErrorContains(t, err, "bad input")

	_, err = eng.Run(context.Background(), `return (`, "syntax")
	require.ErrorContains(t, err, "parse syntax")
}

func TestModuleTableReuse(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"main.lua": `return { v = function() return 1 end }`})
	table := sandbox.NewModuleTable()
	shared := func(cfg *sandbox.EngineConfig) { cfg.Modules = table }

	_, err := newEngine(t, dir, shared).Load(context.Background(), "main.lua")
	require.NoError(t, err)
	require.Len(t, table.Entries("test-plugin"), 1)
	version := table.Version()

	_, err = newEngine(t, dir, shared).Load(context.Background(), "main.lua")
	require.NoError(t, err)
	assert.Equal(t, version, table.Version())

	// A changed file is recompiled.
	writeFiles(t, dir, map[string]string{"main.lua": `return { v = function() return 22 end }`})
	mod, err := newEngine(t, dir, shared).Load(context.Background(), "main.lua")
	require.NoError(t, err)
	v, err := mod.Call(context.Background(), "v")
	require.NoError(t, err)
	assert.Equal(t, int64(22), v)
	assert.Greater(t, table.Version(), version)
}

func TestTerminate(t *testing.T) {
	eng := newEngine(t, t.TempDir())
	eng.Terminate()
	_, err := eng.Run(context.Background(), `return 1`, "x")
	require.ErrorIs(t, err, sandbox.ErrSandboxDestroyed)
}

func TestTerminateStopsRunningCall(t *testing.T) {
	eng := newEngine(t, t.TempDir())

	errc := make(chan error, 1)
	go func() {
		_, err := eng.Run(context.Background(), `while true do end`, "spin")
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	eng.Terminate()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, sandbox.ErrSandboxDestroyed)
	case <-time.After(2 * time.Second):
		t.Fatal("running call was not stopped")
	}
}

func TestSecurityProbes(t *testing.T) {
	m := sandbox.NewManager(
		sandbox.WithEngine(manifest.RuntimeLua, NewEngine, Probes()...),
		sandbox.WithLogger(logging.Nop()),
	)
	report, err := m.ValidateSecurity(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.True(t, report.Passed())
	assert.Len(t, report.Checks, len(Probes()))
}
