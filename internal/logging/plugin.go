package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log file names inside each plugin's log directory.
const (
	PluginLogFile = "plugin.log"
	ErrorLogFile  = "error.log"
)

// Entry is one JSON line of a plugin log file.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Plugin  string         `json:"plugin"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// PluginLogs owns the append-only log files of every plugin.
type PluginLogs struct {
	mu      sync.Mutex
	dir     string
	level   zerolog.Level
	loggers map[string]*PluginLogger
}

// NewPluginLogs creates a sink rooted at dir. Files are opened lazily.
func NewPluginLogs(dir string, level zerolog.Level) *PluginLogs {
	return &PluginLogs{
		dir:     dir,
		level:   level,
		loggers: make(map[string]*PluginLogger),
	}
}

// Dir returns the root log directory.
func (p *PluginLogs) Dir() string {
	return p.dir
}

// For returns the logger for a plugin, opening its files on first use.
func (p *PluginLogs) For(pluginID string) (*PluginLogger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.loggers[pluginID]; ok {
		return l, nil
	}

	dir := filepath.Join(p.dir, pluginID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	all, err := os.OpenFile(filepath.Join(dir, PluginLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open plugin log: %w", err)
	}
	errs, err := os.OpenFile(filepath.Join(dir, ErrorLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		all.Close()
		return nil, fmt.Errorf("open error log: %w", err)
	}

	w := zerolog.MultiLevelWriter(all, levelFilter{w: errs, min: zerolog.ErrorLevel})
	l := &PluginLogger{
		id:    pluginID,
		log:   zerolog.New(w).Level(p.level).With().Timestamp().Str("plugin", pluginID).Logger(),
		files: []*os.File{all, errs},
	}
	p.loggers[pluginID] = l
	return l, nil
}

// Close closes the files of one plugin. Later calls to For reopen them.
func (p *PluginLogs) Close(pluginID string) error {
	p.mu.Lock()
	l, ok := p.loggers[pluginID]
	delete(p.loggers, pluginID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return l.close()
}

// CloseAll closes every open plugin log.
func (p *PluginLogs) CloseAll() error {
	p.mu.Lock()
	loggers := p.loggers
	p.loggers = make(map[string]*PluginLogger)
	p.mu.Unlock()

	var errs []error
	for _, l := range loggers {
		if err := l.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tail returns up to n of the most recent entries of a plugin's log file.
// file is PluginLogFile or ErrorLogFile. Lines that fail to decode are skipped.
func (p *PluginLogs) Tail(pluginID, file string, n int) ([]Entry, error) {
	f, err := os.Open(filepath.Join(p.dir, pluginID, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	return entries, sc.Err()
}

// PluginLogger writes one plugin's log lines.
type PluginLogger struct {
	id    string
	log   zerolog.Logger
	mu    sync.Mutex
	files []*os.File
}

// Debug logs at debug level.
func (l *PluginLogger) Debug(msg string, data map[string]any) {
	l.write(l.log.Debug(), msg, data)
}

// Info logs at info level.
func (l *PluginLogger) Info(msg string, data map[string]any) {
	l.write(l.log.Info(), msg, data)
}

// Warn logs at warn level.
func (l *PluginLogger) Warn(msg string, data map[string]any) {
	l.write(l.log.Warn(), msg, data)
}

// Error logs at error level. These lines also land in error.log.
func (l *PluginLogger) Error(msg string, data map[string]any) {
	l.write(l.log.Error(), msg, data)
}

// Log logs at a named level; unknown names log at info.
func (l *PluginLogger) Log(level, msg string, data map[string]any) {
	switch ParseLevel(level) {
	case zerolog.DebugLevel:
		l.Debug(msg, data)
	case zerolog.WarnLevel:
		l.Warn(msg, data)
	case zerolog.ErrorLevel:
		l.Error(msg, data)
	default:
		l.Info(msg, data)
	}
}

func (l *PluginLogger) write(ev *zerolog.Event, msg string, data map[string]any) {
	if ev == nil {
		return
	}
	if len(data) > 0 {
		ev = ev.Interface("data", RedactFields(data))
	}
	l.mu.Lock()
	ev.Msg(msg)
	l.mu.Unlock()
}

func (l *PluginLogger) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.files = nil
	return errors.Join(errs...)
}

// levelFilter drops lines below min.
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f levelFilter) Write(p []byte) (int, error) {
	return len(p), nil
}

func (f levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}
