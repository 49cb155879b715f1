package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Jelling-test/flytining/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "device-sync"

// levels maps config spellings to slog levels. Anything else is info.
var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// bootstrap is the configuration used before config.yaml is read.
var bootstrap = config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}

// Logger is a slog.Logger carrying the service and version fields.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New builds the service logger from the logging section of config.yaml.
//
// Parameters:
//   - cfg: level (debug|info|warn|error), format (json|text) and
//     output (stdout|stderr)
//   - version: build version stamped on every entry
//
// Returns:
//   - *Logger: ready for use; debug level also records the call site
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithWriter(writerFor(cfg.Output), cfg, version)
}

// NewWithWriter is New with an explicit destination, used by tests.
func NewWithWriter(output io.Writer, cfg config.LoggingConfig, version string) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler = slog.NewJSONHandler(output, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler).With(
		slog.String("service", ServiceName),
		slog.String("version", version),
	)}
}

func writerFor(output string) io.Writer {
	if strings.EqualFold(output, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func parseLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return slog.LevelInfo
}

// With returns a child Logger with extra default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child Logger tagged component=name, the form every
// service part receives.
//
// Example:
//
//	log.Component("reconciler").Info("meter renamed", "from", a, "to", b)
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the logger used before configuration is loaded: JSON on
// stdout at info level, version "dev".
//
// Returns:
//   - *Logger: the bootstrap logger
func Default() *Logger {
	return New(bootstrap, "dev")
}
