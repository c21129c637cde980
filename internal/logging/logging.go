// Package logging provides the process-wide zerolog loggers and the
// per-plugin log file sink.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the root logger.
type Config struct {
	// Level is the minimum level written (debug, info, warn, error).
	Level string
	// Format is "json" or "console".
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

var (
	mu   sync.RWMutex
	root = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Setup replaces the root logger. Subsystem loggers created afterwards
// inherit the new output and level.
func Setup(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()

	mu.Lock()
	root = l
	mu.Unlock()
}

// ParseLevel parses a level name. Unknown names map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Root returns the root logger.
func Root() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := root
	return &l
}

// GetSubsystemLogger returns a logger tagged with the given component name.
func GetSubsystemLogger(subsystem string) *zerolog.Logger {
	mu.RLock()
	l := root.With().Str("component", subsystem).Logger()
	mu.RUnlock()
	return &l
}

// Nop returns a disabled logger, used by tests and optional dependencies.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
