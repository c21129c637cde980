package js

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	"github.com/dshills/mercury/internal/plugin/sandbox"
)

// SDKModule is the bare module name that exposes the whole host SDK.
const SDKModule = "mercury"

// SDKScope prefixes per-namespace SDK modules, e.g. "@mercury/store".
const SDKScope = "@mercury/"

var fileSuffixes = []string{"", ".js", ".cjs", ".mjs", ".json", "/index.js", "/index.cjs"}

// load backs the prelude's require. It returns {kind: "value", exports} for
// modules provided by the host and {kind: "file", fn, filename, dirname} for
// source files, which the prelude evaluates and caches.
func (e *Engine) load(call goja.FunctionCall) goja.Value {
	dir := call.Argument(0).String()
	name := call.Argument(1).String()

	res, err := e.resolve(dir, name)
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	return e.vm.ToValue(res)
}

func (e *Engine) resolve(dir, name string) (map[string]any, error) {
	bare := strings.TrimPrefix(name, "node:")
	if prg, ok := shims[bare]; ok {
		return e.runShim(bare, prg)
	}
	if isCore(bare) {
		v, err := e.coreModule(bare)
		if err != nil {
			return nil, err
		}
		return map[string]any{"kind": "value", "exports": v}, nil
	}

	if name == SDKModule {
		return map[string]any{"kind": "value", "exports": e.cfg.SDK}, nil
	}
	if ns, ok := strings.CutPrefix(name, SDKScope); ok {
		if v, ok := e.cfg.SDK[ns]; ok {
			return map[string]any{"kind": "value", "exports": v}, nil
		}
		return nil, notAllowed(name)
	}

	var path string
	switch {
	case strings.HasPrefix(name, "./"), strings.HasPrefix(name, "../"):
		path = e.resolveFile(filepath.Join(dir, filepath.FromSlash(name)))
	case filepath.IsAbs(name):
		path = e.resolveFile(filepath.Clean(name))
	default:
		path = e.resolvePackage(name)
	}
	if path == "" {
		return nil, notAllowed(name)
	}
	return e.compileFile(path)
}

func notAllowed(name string) error {
	return fmt.Errorf("%w: %s", sandbox.ErrModuleNotAllowed, name)
}

// resolveFile finds the file a path refers to. Only paths inside the plugin
// directory resolve.
func (e *Engine) resolveFile(base string) string {
	if !inside(base, e.cfg.Dir) {
		return ""
	}
	for _, suffix := range fileSuffixes {
		p := base + filepath.FromSlash(suffix)
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() && inside(p, e.cfg.Dir) {
			return p
		}
	}
	return ""
}

// resolvePackage finds a declared dependency under node_modules.
func (e *Engine) resolvePackage(name string) string {
	pkg, sub := splitPackage(name)
	if !slices.Contains(e.cfg.Dependencies, pkg) {
		return ""
	}
	root := filepath.Join(e.cfg.Dir, "node_modules", filepath.FromSlash(pkg))
	if sub != "" {
		return e.resolveFile(filepath.Join(root, filepath.FromSlash(sub)))
	}

	main := "index.js"
	if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
		if m := gjson.GetBytes(data, "main"); m.Type == gjson.String && m.Str != "" {
			main = m.Str
		}
	}
	return e.resolveFile(filepath.Join(root, filepath.FromSlash(main)))
}

func splitPackage(name string) (pkg, sub string) {
	parts := strings.SplitN(name, "/", 3)
	if strings.HasPrefix(name, "@") && len(parts) >= 2 {
		pkg = parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			sub = parts[2]
		}
		return pkg, sub
	}
	pkg, sub, _ = strings.Cut(name, "/")
	return pkg, sub
}

func inside(path, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// compileFile returns the module wrapper for a source file, reusing the
// compiled program from the module table while the file is unchanged.
func (e *Engine) compileFile(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		return map[string]any{"kind": "value", "exports": v}, nil
	}

	var prg *goja.Program
	if entry, ok := e.cfg.Modules.Lookup(e.cfg.PluginID, path, info.Size(), info.ModTime()); ok {
		prg, _ = entry.Value.(*goja.Program)
	}
	if prg == nil {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		prg, err = compileModule(path, string(src))
		if err != nil {
			return nil, err
		}
		e.cfg.Modules.Put(e.cfg.PluginID, path, prg, info.Size(), info.ModTime())
	}
	e.sourceSize.Add(info.Size())

	fn, err := e.vm.RunProgram(prg)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"kind":     "file",
		"fn":       fn,
		"filename": path,
		"dirname":  filepath.Dir(path),
	}, nil
}

// compileModule wraps source in the CommonJS function shim.
func compileModule(name, src string) (*goja.Program, error) {
	if strings.HasPrefix(src, "#!") {
		if i := strings.IndexByte(src, '\n'); i >= 0 {
			src = "//" + src[i:]
		} else {
			src = ""
		}
	}
	if strings.EqualFold(filepath.Ext(name), ".mjs") || looksLikeESM(src) {
		src = rewriteESM(src)
	}
	wrapped := "(function (module, exports, require, __filename, __dirname) {" + src + "\n})"
	prg, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", filepath.Base(name), err)
	}
	return prg, nil
}

func (e *Engine) runShim(name string, prg *goja.Program) (map[string]any, error) {
	fn, err := e.vm.RunProgram(prg)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"kind":     "file",
		"fn":       fn,
		"filename": "node:" + name,
		"dirname":  "/",
	}, nil
}
