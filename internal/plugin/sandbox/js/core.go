package js

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"path"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// CoreModules is the whitelist of Node core modules plugins may require.
var CoreModules = []string{
	"crypto", "events", "url", "querystring", "path",
	"util", "stream", "buffer", "string_decoder",
}

// shims are the core modules implemented in JavaScript.
var shims = map[string]*goja.Program{
	"events":         mustCompileShim("events"),
	"util":           mustCompileShim("util"),
	"stream":         mustCompileShim("stream"),
	"string_decoder": mustCompileShim("string_decoder"),
}

func mustCompileShim(name string) *goja.Program {
	src, err := sources.ReadFile("shims/" + name + ".js")
	if err != nil {
		panic(err)
	}
	prg, err := compileModule("node:"+name, string(src))
	if err != nil {
		panic(err)
	}
	return prg
}

func isCore(name string) bool {
	for _, m := range CoreModules {
		if m == name {
			return true
		}
	}
	return false
}

// coreModule returns a Go-backed core module, building it once per engine.
func (e *Engine) coreModule(name string) (goja.Value, error) {
	if v, ok := e.core[name]; ok {
		return v, nil
	}

	var mod map[string]any
	switch name {
	case "path":
		mod = pathModule()
	case "url":
		mod = urlModule()
	case "querystring":
		mod = querystringModule()
	case "crypto":
		mod = cryptoModule()
	case "buffer":
		mod = bufferModule()
	default:
		return nil, notAllowed(name)
	}

	v := e.vm.ToValue(mod)
	e.core[name] = v
	return v, nil
}

func pathModule() map[string]any {
	return map[string]any{
		"sep":       "/",
		"delimiter": ":",
		"join":      path.Join,
		"normalize": path.Clean,
		"dirname":   path.Dir,
		"extname":   path.Ext,
		"isAbsolute": func(p string) bool {
			return path.IsAbs(p)
		},
		"basename": func(p, ext string) string {
			base := path.Base(p)
			if ext != "" {
				base = strings.TrimSuffix(base, ext)
			}
			return base
		},
		"resolve": func(parts ...string) string {
			out := "/"
			for _, p := range parts {
				if path.IsAbs(p) {
					out = p
				} else {
					out = path.Join(out, p)
				}
			}
			return path.Clean(out)
		},
		"relative": func(from, to string) string {
			f := strings.Split(strings.Trim(path.Clean("/"+from), "/"), "/")
			t := strings.Split(strings.Trim(path.Clean("/"+to), "/"), "/")
			i := 0
			for i < len(f) && i < len(t) && f[i] == t[i] {
				i++
			}
			var out []string
			for j := i; j < len(f); j++ {
				if f[j] != "" {
					out = append(out, "..")
				}
			}
			out = append(out, t[i:]...)
			return strings.Join(out, "/")
		},
	}
}

func urlModule() map[string]any {
	parse := func(raw string) (map[string]any, error) {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		search := ""
		if u.RawQuery != "" {
			search = "?" + u.RawQuery
		}
		hashPart := ""
		if u.Fragment != "" {
			hashPart = "#" + u.Fragment
		}
		protocol := ""
		if u.Scheme != "" {
			protocol = u.Scheme + ":"
		}
		return map[string]any{
			"href":     u.String(),
			"protocol": protocol,
			"host":     u.Host,
			"hostname": u.Hostname(),
			"port":     u.Port(),
			"pathname": u.EscapedPath(),
			"search":   search,
			"query":    u.RawQuery,
			"hash":     hashPart,
		}, nil
	}
	return map[string]any{
		"parse": parse,
		"resolve": func(from, to string) (string, error) {
			base, err := url.Parse(from)
			if err != nil {
				return "", err
			}
			ref, err := url.Parse(to)
			if err != nil {
				return "", err
			}
			return base.ResolveReference(ref).String(), nil
		},
	}
}

func querystringModule() map[string]any {
	return map[string]any{
		"parse": func(s string) (map[string]any, error) {
			vals, err := url.ParseQuery(strings.TrimPrefix(s, "?"))
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(vals))
			for k, v := range vals {
				if len(v) == 1 {
					out[k] = v[0]
				} else {
					out[k] = v
				}
			}
			return out, nil
		},
		"stringify": func(obj map[string]any) string {
			vals := url.Values{}
			for k, v := range obj {
				switch x := v.(type) {
				case []any:
					for _, item := range x {
						vals.Add(k, fmt.Sprint(item))
					}
				case nil:
					vals.Set(k, "")
				default:
					vals.Set(k, fmt.Sprint(x))
				}
			}
			return vals.Encode()
		},
		"escape":   url.QueryEscape,
		"unescape": url.QueryUnescape,
	}
}

// Buffer is the byte container returned by buffer, crypto and friends.
type Buffer struct {
	data   []byte
	Length int `json:"length"`
}

func newBuffer(b []byte) *Buffer {
	return &Buffer{data: b, Length: len(b)}
}

// Bytes returns the buffer's contents.
func (b *Buffer) Bytes() []byte { return b.data }

// ToString encodes the buffer as utf8 (default), hex or base64.
func (b *Buffer) ToString(enc string) (string, error) {
	return encode(b.data, enc)
}

// ToJSON mirrors Node's Buffer#toJSON.
func (b *Buffer) ToJSON() map[string]any {
	data := make([]int, len(b.data))
	for i, c := range b.data {
		data[i] = int(c)
	}
	return map[string]any{"type": "Buffer", "data": data}
}

// Equals compares two buffers.
func (b *Buffer) Equals(other *Buffer) bool {
	return other != nil && hmac.Equal(b.data, other.data)
}

func encode(b []byte, enc string) (string, error) {
	switch strings.ToLower(enc) {
	case "", "utf8", "utf-8":
		return string(b), nil
	case "hex":
		return hex.EncodeToString(b), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(b), nil
	case "base64url":
		return base64.RawURLEncoding.EncodeToString(b), nil
	case "latin1", "binary", "ascii":
		r := make([]rune, len(b))
		for i, c := range b {
			r[i] = rune(c)
		}
		return string(r), nil
	}
	return "", fmt.Errorf("unknown encoding %q", enc)
}

func decode(s, enc string) ([]byte, error) {
	switch strings.ToLower(enc) {
	case "", "utf8", "utf-8":
		return []byte(s), nil
	case "hex":
		return hex.DecodeString(s)
	case "base64":
		return base64.StdEncoding.DecodeString(s)
	case "base64url":
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	case "latin1", "binary", "ascii":
		out := make([]byte, 0, len(s))
		for _, r := range s {
			out = append(out, byte(r))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown encoding %q", enc)
}

// bytesOf accepts a string or a Buffer.
func bytesOf(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case *Buffer:
		return x.data, nil
	case []any:
		out := make([]byte, len(x))
		for i, item := range x {
			n, ok := item.(int64)
			if !ok {
				return nil, fmt.Errorf("byte %d is not an integer", i)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string or Buffer, got %T", v)
}

func bufferModule() map[string]any {
	buffer := map[string]any{
		"from": func(v any, enc string) (*Buffer, error) {
			if s, ok := v.(string); ok {
				b, err := decode(s, enc)
				if err != nil {
					return nil, err
				}
				return newBuffer(b), nil
			}
			b, err := bytesOf(v)
			if err != nil {
				return nil, err
			}
			return newBuffer(append([]byte(nil), b...)), nil
		},
		"alloc": func(n int) *Buffer {
			return newBuffer(make([]byte, n))
		},
		"byteLength": func(s, enc string) (int, error) {
			b, err := decode(s, enc)
			return len(b), err
		},
		"isBuffer": func(v any) bool {
			_, ok := v.(*Buffer)
			return ok
		},
		"concat": func(list []*Buffer) *Buffer {
			var out []byte
			for _, b := range list {
				if b != nil {
					out = append(out, b.data...)
				}
			}
			return newBuffer(out)
		},
	}
	return map[string]any{"Buffer": buffer}
}

type digest struct {
	h hash.Hash
}

// Update feeds data into the digest.
func (d *digest) Update(v any) (*digest, error) {
	b, err := bytesOf(v)
	if err != nil {
		return nil, err
	}
	d.h.Write(b)
	return d, nil
}

// Digest returns the sum as a Buffer, or encoded when enc is set.
func (d *digest) Digest(enc string) (any, error) {
	sum := d.h.Sum(nil)
	if enc == "" {
		return newBuffer(sum), nil
	}
	return encode(sum, enc)
}

func hashFunc(alg string) (func() hash.Hash, error) {
	switch strings.ToLower(alg) {
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	}
	return nil, fmt.Errorf("digest method not supported: %s", alg)
}

func cryptoModule() map[string]any {
	return map[string]any{
		"randomUUID": uuid.NewString,
		"randomBytes": func(n int) (*Buffer, error) {
			if n < 0 || n > 1<<16 {
				return nil, fmt.Errorf("randomBytes: size %d out of range", n)
			}
			b := make([]byte, n)
			if _, err := rand.Read(b); err != nil {
				return nil, err
			}
			return newBuffer(b), nil
		},
		"createHash": func(alg string) (*digest, error) {
			f, err := hashFunc(alg)
			if err != nil {
				return nil, err
			}
			return &digest{h: f()}, nil
		},
		"createHmac": func(alg string, key any) (*digest, error) {
			f, err := hashFunc(alg)
			if err != nil {
				return nil, err
			}
			k, err := bytesOf(key)
			if err != nil {
				return nil, err
			}
			return &digest{h: hmac.New(f, k)}, nil
		},
		"timingSafeEqual": func(a, b *Buffer) bool {
			return a != nil && b != nil && hmac.Equal(a.data, b.data)
		},
		"getHashes": func() []string {
			return []string{"md5", "sha1", "sha256", "sha384", "sha512"}
		},
	}
}
