// Package logging provides structured logging for Muti Relay.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NewConsoleLogger creates a logger for a process whose terminal is also an
// interactive chat console. Info is raised to warn so routine records do not
// interleave with chat lines; debug is kept for troubleshooting.
func NewConsoleLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(ConsoleLevel(level).String(), format, os.Stderr)
}

// ConsoleLevel returns the level NewConsoleLogger applies for level.
func ConsoleLevel(level string) slog.Level {
	l := ParseLevel(level)
	if l == slog.LevelInfo {
		return slog.LevelWarn
	}
	return l
}

// Component names used with ForComponent.
const (
	ComponentRelay   = "relay"
	ComponentClient  = "client"
	ComponentConsole = "console"
	ComponentServer  = "server"
)

// ForComponent tags logger with a component name. A nil logger yields a
// NopLogger so callers can take the logger as an optional dependency.
func ForComponent(logger *slog.Logger, component string, args ...any) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(append([]any{KeyComponent, component}, args...)...)
}

// ForSession tags logger with a registered session's id and username.
func ForSession(logger *slog.Logger, id uint64, username string) *slog.Logger {
	return logger.With(KeySessionID, id, KeyUsername, username)
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeySessionID  = "session_id"
	KeyUsername   = "username"
	KeyTarget     = "target"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyAddress    = "address"
	KeyTransport  = "transport"
	KeyKind       = "kind"
	KeyTransferID = "transfer_id"
	KeyFilename   = "filename"
	KeyPath       = "path"
	KeyBytes      = "bytes"
	KeyChunks     = "chunks"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyDuration   = "duration"
	KeyCount      = "count"
)
