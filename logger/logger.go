// Package logger provides structured logging for the quota policy server.
//
// This package wraps Go's standard library slog for structured logging with
// support for multiple outputs:
//   - Console (stdout/stderr)
//   - File
//   - Syslog (local)
//
// # Initialization
//
// Initialize the logger once at application startup:
//
//	cfg := config.LoggingConfig{
//		Output: "syslog",
//		Level:  "info",
//		Format: "console",
//	}
//	logFile, err := logger.Initialize(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logFile.Close()
//
// # Usage
//
// Use the package-level functions for logging:
//
//	logger.Info("Policy server started", "addr", addr)
//	logger.Warn("Query in unexpected MTA state", "state", state)
//	logger.Error("User lookup failed", "error", err)
//	logger.Fatal("Missing -p parameter")
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"

	"github.com/migadu/quotastatus/config"
)

var (
	// Global logger instance
	globalLogger *slog.Logger
)

// syslogHandler wraps syslog.Writer to implement slog.Handler
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func newSyslogHandler(w *syslog.Writer, level slog.Level) *syslogHandler {
	return &syslogHandler{
		writer: w,
		level:  level,
		attrs:  []slog.Attr{},
		groups: []string{},
	}
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message

	// Add attributes
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		attrs := make([]any, 0, len(h.attrs)*2+r.NumAttrs()*2)
		for _, a := range h.attrs {
			attrs = append(attrs, a.Key, a.Value.Any())
		}
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a.Key, a.Value.Any())
			return true
		})
		if len(attrs) > 0 {
			msg = fmt.Sprintf("%s %v", msg, attrs)
		}
	}

	switch r.Level {
	case slog.LevelDebug:
		return h.writer.Debug(msg)
	case slog.LevelInfo:
		return h.writer.Info(msg)
	case slog.LevelWarn:
		return h.writer.Warning(msg)
	case slog.LevelError:
		return h.writer.Err(msg)
	default:
		return h.writer.Info(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &syslogHandler{
		writer: h.writer,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name
	return &syslogHandler{
		writer: h.writer,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// Initialize sets up the global logger based on configuration
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	var logFile *os.File

	// Determine output
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	// Determine format
	format := cfg.Format
	if format == "" {
		format = "console"
	}

	// Determine level
	level := cfg.Level
	if level == "" {
		level = "info"
	}

	// Parse log level
	slogLevel := parseLogLevel(level)

	// Create handler options
	handlerOpts := &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: false, // Disabled because wrapper functions report incorrect source locations
	}

	var handler slog.Handler

	// Create handler based on output
	switch output {
	case "stdout":
		if format == "json" {
			handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
		} else {
			handler = slog.NewTextHandler(os.Stdout, handlerOpts)
		}

	case "stderr":
		if format == "json" {
			handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
		} else {
			handler = slog.NewTextHandler(os.Stderr, handlerOpts)
		}

	case "syslog":
		if runtime.GOOS != "windows" {
			syslogWriter, sysErr := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "quotastatus")
			if sysErr != nil {
				// Fall back to stderr if syslog fails
				fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", sysErr)
				if format == "json" {
					handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
				} else {
					handler = slog.NewTextHandler(os.Stderr, handlerOpts)
				}
			} else {
				handler = newSyslogHandler(syslogWriter, slogLevel)
			}
		} else {
			fmt.Fprintf(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.\n")
			if format == "json" {
				handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
			} else {
				handler = slog.NewTextHandler(os.Stderr, handlerOpts)
			}
		}

	default:
		// Assume it's a file path
		var err error
		logFile, err = os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			if format == "json" {
				handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
			} else {
				handler = slog.NewTextHandler(os.Stderr, handlerOpts)
			}
			logFile = nil
		} else {
			if format == "json" {
				handler = slog.NewJSONHandler(logFile, handlerOpts)
			} else {
				handler = slog.NewTextHandler(logFile, handlerOpts)
			}
		}
	}

	// Create and set global logger
	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)

	return logFile, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Info logs an info message with optional key-value pairs
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs a debug message with optional key-value pairs
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs a warning message with optional key-value pairs
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error message with optional key-value pairs
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Fatal logs a fatal message and exits
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
