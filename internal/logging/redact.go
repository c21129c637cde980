package logging

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Redacted replaces the value of every sensitive key.
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"key",
	"apikey",
	"authorization",
	"credential",
	"private",
}

// IsSensitiveKey reports whether a field name looks like it holds a secret.
// Matching is case-insensitive and by substring, so "apiKey" and
// "X-Auth-Token" are both caught.
func IsSensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with sensitive map keys replaced, descending into
// nested maps and slices. The input is never modified.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}

// RedactFields is Redact specialised for a field map.
func RedactFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	return Redact(fields).(map[string]any)
}

// RedactJSON redacts a JSON document. Numbers keep their original text and
// object keys come out sorted. Input that does not parse is returned as is.
func RedactJSON(data []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return data
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Redact(v)); err != nil {
		return data
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}
