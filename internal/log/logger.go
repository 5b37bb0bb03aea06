package log

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

var (
	once   sync.Once
	logger *slog.Logger
	level  = new(slog.LevelVar)
)

// Setup initializes the global logger writing to stdout.
// logic: default to INFO. If level is invalid, fallback to INFO.
// format is "json" (default), "text", or "auto" (text on a terminal, json otherwise).
func Setup(lvl, format string) {
	once.Do(func() {
		install(os.Stdout, lvl, resolveFormat(format, os.Stdout))
	})
}

// SetupWriter replaces the global logger with one writing to w. Unlike Setup it
// always takes effect; tests and the CLI use it to redirect output.
func SetupWriter(w io.Writer, lvl, format string) {
	once.Do(func() {})
	install(w, lvl, resolveFormat(format, w))
}

func install(w io.Writer, lvl, format string) {
	level.Set(ParseLevel(lvl))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func resolveFormat(format string, w io.Writer) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return "text"
	case "auto":
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			return "text"
		}
		return "json"
	default:
		return "json"
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to INFO.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(lvl)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the level of the global logger in place.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithURL returns a logger with the url field set.
func WithURL(url string) *slog.Logger {
	return Get().With(slog.String("url", url))
}

// WithInstance returns a logger with the url and instance_id fields set.
func WithInstance(url string, id uint32) *slog.Logger {
	return Get().With(slog.String("url", url), slog.String("instance_id", strconv.FormatUint(uint64(id), 10)))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
