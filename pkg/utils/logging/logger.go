package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/m-mizutani/clog"
)

// Output formats accepted by NewWithFormat
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type ctxLoggerKey struct{}

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	defaultLogger.Store(New("info", os.Stderr))
}

// levelOf converts a level name to slog.Level. ok is false for unknown names,
// which fall back to info.
func levelOf(name string) (level slog.Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New creates a console logger.
// Accepts: "debug", "info", "warn", "warning", "error" (case-insensitive)
func New(level string, w io.Writer) *slog.Logger {
	return NewWithFormat(FormatConsole, level, w)
}

// NewWithFormat creates a logger writing to w (stderr when nil). FormatJSON
// writes one JSON object per record; any other format writes colored
// console output.
func NewWithFormat(format, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lv, ok := levelOf(level)

	var handler slog.Handler
	if strings.EqualFold(format, FormatJSON) {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	} else {
		handler = clog.New(
			clog.WithWriter(w),
			clog.WithLevel(lv),
			clog.WithTimeFmt("15:04:05"),
			clog.WithSource(false),
			clog.WithAttrHook(clog.GoerrHook),
		)
	}

	logger := slog.New(handler)
	if !ok {
		logger.Warn("invalid log level, using info", "level", level)
	}
	return logger
}

// Default returns the process-wide logger
func Default() *slog.Logger {
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide logger. nil is ignored.
func SetDefault(logger *slog.Logger) {
	if logger == nil {
		return
	}
	defaultLogger.Store(logger)
}

// With returns a context carrying logger
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

// From returns the logger carried by ctx, or Default when there is none
func From(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return Default()
}
