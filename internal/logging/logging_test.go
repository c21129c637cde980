package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestSubsystemLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "debug", Output: &buf})
	defer Setup(Config{Level: "info"})

	GetSubsystemLogger("registry").Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"registry"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestRedactJSON(t *testing.T) {
	out := string(RedactJSON([]byte(`{"user":"ann","apiKey":"sk_live_123","nested":{"Password":"hunter2","n":1.50},"list":[{"token":"t"}]}`)))
	assert.NotContains(t, out, "sk_live_123")
	assert.NotContains(t, out, "hunter2")
	assert.Equal(t, `{"apiKey":"[REDACTED]","list":[{"token":"[REDACTED]"}],"nested":{"Password":"[REDACTED]","n":1.50},"user":"ann"}`, out)

	assert.Equal(t, `[1,"<b>"]`, string(RedactJSON([]byte(`[1,"<b>"]`))))
	assert.Equal(t, `{"broken"`, string(RedactJSON([]byte(`{"broken"`))))
}

func TestRedactNested(t *testing.T) {
	in := map[string]any{
		"user":     "alice",
		"Password": "hunter2",
		"nested": map[string]any{
			"apiKey": "abc",
			"list":   []any{map[string]any{"Authorization": "Bearer x", "ok": 1}},
		},
		"headers": map[string]string{"X-Auth-Token": "t", "Accept": "json"},
	}

	out := RedactFields(in)

	assert.Equal(t, "alice", out["user"])
	assert.Equal(t, Redacted, out["Password"])

	nested := out["nested"].(map[string]any)
	assert.Equal(t, Redacted, nested["apiKey"])
	item := nested["list"].([]any)[0].(map[string]any)
	assert.Equal(t, Redacted, item["Authorization"])
	assert.Equal(t, 1, item["ok"])

	headers := out["headers"].(map[string]any)
	assert.Equal(t, Redacted, headers["X-Auth-Token"])
	assert.Equal(t, "json", headers["Accept"])

	// input untouched
	assert.Equal(t, "hunter2", in["Password"])
}

func TestPluginLogsSplitsErrorLevel(t *testing.T) {
	dir := t.TempDir()
	logs := NewPluginLogs(dir, zerolog.DebugLevel)
	defer logs.CloseAll()

	l, err := logs.For("pricing-sync")
	require.NoError(t, err)

	l.Info("synced", map[string]any{"count": 3, "token": "s3cr3t"})
	l.Error("failed", map[string]any{"reason": "timeout"})
	l.Log("warn", "slow", nil)

	all, err := os.ReadFile(filepath.Join(dir, "pricing-sync", PluginLogFile))
	require.NoError(t, err)
	errs, err := os.ReadFile(filepath.Join(dir, "pricing-sync", ErrorLogFile))
	require.NoError(t, err)

	assert.Equal(t, 3, strings.Count(string(all), "\n"))
	assert.Equal(t, 1, strings.Count(string(errs), "\n"))
	assert.Contains(t, string(errs), `"message":"failed"`)
	assert.NotContains(t, string(all), "s3cr3t")

	entries, err := logs.Tail("pricing-sync", PluginLogFile, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "failed", entries[0].Message)
	assert.Equal(t, "warn", entries[1].Level)
	assert.Equal(t, "pricing-sync", entries[1].Plugin)
}

func TestPluginLogsReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	logs := NewPluginLogs(dir, zerolog.InfoLevel)

	l, err := logs.For("a")
	require.NoError(t, err)
	l.Info("one", nil)
	require.NoError(t, logs.Close("a"))

	l, err = logs.For("a")
	require.NoError(t, err)
	l.Info("two", nil)
	require.NoError(t, logs.CloseAll())

	entries, err := logs.Tail("a", PluginLogFile, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", entries[0].Message)
	assert.Equal(t, "two", entries[1].Message)
}

func TestTailMissingFile(t *testing.T) {
	logs := NewPluginLogs(t.TempDir(), zerolog.InfoLevel)
	entries, err := logs.Tail("nope", PluginLogFile, 10)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
