package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/netbro-agent/internal/infrastructure/config"
)

// Logger wraps slog.Logger with agent-specific default fields.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger.
//
// It configures:
//   - Output format (JSON by default, text for interactive use)
//   - Level filtering from the record's log_level
//   - Default fields (service, version)
//
// Parameters:
//   - cfg: Logging section of the agent record
//   - level: The record's log_level (debug, info, warn, error; any case)
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, level, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return newWithWriter(output, cfg.Format, level, version)
}

func newWithWriter(w io.Writer, format, level, version string) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "netbro"),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	supLogger := logger.With("component", "supervisor")
//	supLogger.Info("failover", "to", "secondary") // Includes component=supervisor
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default creates a logger for use before the record is loaded.
//
// This logger outputs to stdout in JSON format at info level.
func Default() *Logger {
	return New(config.LoggingConfig{
		Format: "json",
		Output: "stdout",
	}, "info", "dev")
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
