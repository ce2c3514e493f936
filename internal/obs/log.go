package obs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	console "github.com/phsym/console-slog"
)

var (
	mu    sync.RWMutex
	level = new(slog.LevelVar)
	base  = newLogger(os.Stdout, FormatJSON)
)

// Log output formats accepted by Configure.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

type Fields map[string]any

// Configure replaces the process logger. level is one of debug, info, warn,
// error; format is json or console.
func Configure(lvl, format string, w io.Writer) error {
	l, err := ParseLevel(lvl)
	if err != nil {
		return err
	}
	switch format {
	case "", FormatJSON, FormatConsole:
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	if w == nil {
		w = os.Stdout
	}
	level.Set(l)
	mu.Lock()
	base = newLogger(w, format)
	mu.Unlock()
	return nil
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// ParseLevel maps a level name onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func newLogger(w io.Writer, format string) *slog.Logger {
	if format == FormatConsole {
		return slog.New(console.NewHandler(w, &console.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	}))
}

func logWith(l slog.Level, msg string, f Fields) {
	mu.RLock()
	lg := base
	mu.RUnlock()
	ctx := context.Background()
	if !lg.Enabled(ctx, l) {
		return
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, f[k]))
	}
	lg.LogAttrs(ctx, l, msg, attrs...)
}

func Info(msg string, f Fields)  { logWith(slog.LevelInfo, msg, f) }
func Warn(msg string, f Fields)  { logWith(slog.LevelWarn, msg, f) }
func Error(msg string, f Fields) { logWith(slog.LevelError, msg, f) }
func Debug(msg string, f Fields) { logWith(slog.LevelDebug, msg, f) }
