package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// toGo converts a Lua value to a Go value.
func toGo(lv lua.LValue) any {
	return toGoVisited(lv, make(map[*lua.LTable]bool))
}

func toGoVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	if lv == nil {
		return nil
	}
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

// tableToGo returns a slice for sequences and a map otherwise.
func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	maxN, count := 0, 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); ok {
			if n := int(kn); float64(n) == float64(kn) && n > 0 {
				maxN = max(maxN, n)
				return
			}
		}
		isArray = false
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = toGoVisited(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		if _, ok := v.(*lua.LFunction); ok {
			return
		}
		key := k.String()
		if kn, ok := k.(lua.LNumber); ok {
			key = fmt.Sprint(toGo(kn))
		}
		m[key] = toGoVisited(v, visited)
	})
	return m
}

// toLua converts a Go value to a Lua value. Go functions become Lua
// functions whose arguments are converted back with toGo.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	}
	return reflectToLua(L, reflect.ValueOf(v))
}

func reflectToLua(L *lua.LState, rv reflect.Value) lua.LValue {
	if !rv.IsValid() {
		return lua.LNil
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return lua.LNil
		}
		if rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Struct {
			return structToTable(L, rv.Elem())
		}
		return reflectToLua(L, rv.Elem())
	case reflect.Bool:
		return lua.LBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float())
	case reflect.String:
		return lua.LString(rv.String())
	case reflect.Slice, reflect.Array:
		t := L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, toLua(L, rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		t := L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			t.RawSet(toLua(L, iter.Key().Interface()), toLua(L, iter.Value().Interface()))
		}
		return t
	case reflect.Struct:
		return structToTable(L, rv)
	case reflect.Func:
		return goFunc(L, rv)
	}
	ud := L.NewUserData()
	ud.Value = rv.Interface()
	return ud
}

// structToTable converts exported fields, named by their json tags.
func structToTable(L *lua.LState, rv reflect.Value) *lua.LTable {
	t := L.NewTable()
	rt := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, _, _ := strings.Cut(field.Tag.Get("json"), ","); tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		t.RawSetString(name, toLua(L, rv.Field(i).Interface()))
	}
	return t
}

// goFunc wraps a Go function. A trailing error result is raised as a Lua
// error.
func goFunc(L *lua.LState, fn reflect.Value) *lua.LFunction {
	ft := fn.Type()
	return L.NewFunction(func(L *lua.LState) int {
		nfixed := ft.NumIn()
		if ft.IsVariadic() {
			nfixed--
		}

		in := make([]reflect.Value, 0, max(nfixed, L.GetTop()))
		for i := 0; i < nfixed; i++ {
			arg, err := convertArg(toGo(L.Get(i+1)), ft.In(i))
			if err != nil {
				L.ArgError(i+1, err.Error())
			}
			in = append(in, arg)
		}
		if ft.IsVariadic() {
			elem := ft.In(nfixed).Elem()
			for i := nfixed + 1; i <= L.GetTop(); i++ {
				arg, err := convertArg(toGo(L.Get(i)), elem)
				if err != nil {
					L.ArgError(i, err.Error())
				}
				in = append(in, arg)
			}
		}

		out := fn.Call(in)
		if n := len(out); n > 0 && ft.Out(n-1) == errorType {
			if err, _ := out[n-1].Interface().(error); err != nil {
				raiseGo(L, err)
			}
			out = out[:n-1]
		}
		for _, o := range out {
			L.Push(toLua(L, o.Interface()))
		}
		return len(out)
	})
}

func convertArg(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(t):
		return rv, nil
	case isNumeric(rv.Kind()) && isNumeric(t.Kind()):
		return rv.Convert(t), nil
	case t.Kind() == reflect.String && rv.Kind() == reflect.String:
		return rv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
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

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
