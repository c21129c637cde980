package lua

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/plugin/sandbox"
)

// SDKModule is the module name that exposes the host SDK.
const SDKModule = "mercury"

var removedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"module",
	"_printregs",
}

var builtinModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

const errorTypeName = "mercury.error"

func (e *Engine) install() {
	L := e.L
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	mt := L.NewTypeMetatable(errorTypeName)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		L.Push(lua.LString(fmt.Sprint(ud.Value)))
		return 1
	}))

	e.installConsole()
	e.installOS()
	L.SetGlobal("require", L.NewFunction(e.require))
}

// raiseGo raises err as a Lua error that keeps the Go error intact.
func raiseGo(L *lua.LState, err error) {
	ud := L.NewUserData()
	ud.Value = err
	L.SetMetatable(ud, L.GetTypeMetatable(errorTypeName))
	L.Error(ud, 1)
}

func (e *Engine) installConsole() {
	L := e.L
	emit := func(level string) lua.LGFunction {
		return func(L *lua.LState) int {
			parts := make([]string, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				parts = append(parts, consoleArg(L, L.Get(i)))
			}
			e.cfg.Console(level, fmt.Sprintf("[%s] %s", e.cfg.PluginID, strings.Join(parts, "\t")))
			return 0
		}
	}

	L.SetGlobal("print", L.NewFunction(emit("info")))
	console := L.NewTable()
	for name, level := range map[string]string{
		"log": "info", "info": "info", "debug": "debug", "warn": "warn", "error": "error",
	} {
		L.SetField(console, name, L.NewFunction(emit(level)))
	}
	L.SetGlobal("console", console)
}

// consoleArg formats one console argument. Tables without a __tostring
// metamethod print as JSON with sensitive keys redacted.
func consoleArg(L *lua.LState, v lua.LValue) string {
	if t, ok := v.(*lua.LTable); ok && L.GetMetaField(t, "__tostring") == lua.LNil {
		if data, err := json.Marshal(logging.Redact(toGo(t))); err == nil {
			return string(data)
		}
	}
	return L.ToStringMeta(v).String()
}

// installOS exposes the clock functions of os and nothing else.
func (e *Engine) installOS() {
	L := e.L
	start := time.Now()
	osMod := L.NewTable()
	L.SetField(osMod, "time", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.SetField(osMod, "clock", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Since(start).Seconds()))
		return 1
	}))
	// os.date returns RFC 3339; a format starting with "!" selects UTC.
	L.SetField(osMod, "date", L.NewFunction(func(L *lua.LState) int {
		now := time.Now()
		if strings.HasPrefix(L.OptString(1, ""), "!") {
			now = now.UTC()
		}
		L.Push(lua.LString(now.Format(time.RFC3339)))
		return 1
	}))
	L.SetGlobal("os", osMod)
}

// require resolves built-ins, the SDK and files inside the plugin directory.
// Anything else raises ErrModuleNotAllowed.
func (e *Engine) require(L *lua.LState) int {
	name := L.CheckString(1)

	if builtinModules[name] {
		L.Push(L.GetGlobal(name))
		return 1
	}

	if name == SDKModule {
		L.Push(toLua(L, e.cfg.SDK))
		return 1
	}
	ns, ok := strings.CutPrefix(name, SDKModule+".")
	if !ok {
		ns, ok = strings.CutPrefix(name, "@mercury/")
	}
	if ok {
		v, found := e.cfg.SDK[ns]
		if !found {
			raiseGo(L, fmt.Errorf("%w: %s", sandbox.ErrModuleNotAllowed, name))
		}
		L.Push(toLua(L, v))
		return 1
	}

	path := e.resolve(name)
	if path == "" {
		raiseGo(L, fmt.Errorf("%w: %s", sandbox.ErrModuleNotAllowed, name))
	}
	if v, ok := e.loaded[path]; ok {
		L.Push(v)
		return 1
	}

	fn, err := e.compileFile(path)
	if err != nil {
		raiseGo(L, err)
	}
	L.Push(fn)
	L.Call(0, 1)
	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		ret = lua.LTrue
	}
	e.loaded[path] = ret
	L.Push(ret)
	return 1
}

// resolve maps a module name to a file in the plugin directory. Dotted names
// follow Lua convention ("lib.util" is lib/util.lua).
func (e *Engine) resolve(name string) string {
	rel := name
	if !strings.HasPrefix(rel, "./") && !strings.HasPrefix(rel, "../") && !strings.HasSuffix(rel, ".lua") {
		rel = strings.ReplaceAll(rel, ".", "/")
	}
	rel = strings.TrimSuffix(rel, ".lua")

	base := filepath.Join(e.cfg.Dir, filepath.FromSlash(rel))
	for _, p := range []string{base + ".lua", filepath.Join(base, "init.lua")} {
		if inside(p, e.cfg.Dir) && isFile(p) {
			return p
		}
	}
	return ""
}

func (e *Engine) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.cfg.Dir, path)
}
