// Package log is the process-wide structured logger. Records carry ts, level
// and msg keys and are written as logfmt text or JSON lines.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Output formats accepted by SetFormat.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	levelVar = new(slog.LevelVar)
	loggerMu sync.RWMutex
	logger   = slog.New(newHandler(os.Stdout))
)

func init() {
	levelVar.Set(slog.LevelInfo)
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "ts"
		if attr.Value.Kind() == slog.KindTime {
			attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339Nano))
		}
	case slog.LevelKey:
		attr.Key = "level"
		attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "msg"
	}
	return attr
}

func newHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar, ReplaceAttr: replaceAttr})
}

func newJSONHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar, ReplaceAttr: replaceAttr})
}

// SetLevel updates the minimum level of the global logger. Accepted values are
// debug, info, warn and error, case-insensitively; empty means info.
func SetLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		levelVar.Set(slog.LevelInfo)
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %s", level)
	}
	return nil
}

// SetFormat switches the global logger between logfmt text and JSON lines on
// stdout. Empty means text.
func SetFormat(format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		setLogger(slog.New(newHandler(os.Stdout)))
	case FormatJSON:
		setLogger(slog.New(newJSONHandler(os.Stdout)))
	default:
		return fmt.Errorf("unknown log format: %s", format)
	}
	return nil
}

// Logger returns the underlying slog.Logger instance.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func setLogger(l *slog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

// ReplaceLogger installs a custom slog.Logger.
func ReplaceLogger(l *slog.Logger) {
	if l == nil {
		panic("log: nil logger provided")
	}
	setLogger(l)
}

func Debug(ctx context.Context, msg string, args ...any) {
	Logger().DebugContext(orBackground(ctx), msg, args...)
}

func Info(ctx context.Context, msg string, args ...any) {
	Logger().InfoContext(orBackground(ctx), msg, args...)
}

// Warn reports degraded but recoverable conditions: tier fallbacks,
// integrity warnings and failed cache writes.
func Warn(ctx context.Context, msg string, args ...any) {
	Logger().WarnContext(orBackground(ctx), msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	Logger().ErrorContext(orBackground(ctx), msg, args...)
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
