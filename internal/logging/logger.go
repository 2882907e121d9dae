// Package logging provides structured logging for the client and the server.
package logging

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with mode-specific behavior.
type Logger struct {
	zlog   zerolog.Logger
	mode   string    // "cli", "server" or "nop"
	output io.Writer // destination before any console formatting
}

// NewLogger creates a new logger for the specified mode.
func NewLogger(mode string, out io.Writer) *Logger {
	var output io.Writer

	switch mode {
	case "cli":
		// CLI mode: Use stdout for logs (stderr reserved for progress bars)
		if out == nil {
			out = os.Stdout
		}
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	case "nop":
		output = io.Discard
	default:
		// Server mode: JSON lines for log shipping
		if out == nil {
			out = os.Stderr
		}
		output = out
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Logger()
	if mode == "nop" {
		logger = zerolog.Nop()
	}

	if out == nil {
		out = io.Discard
	}
	return &Logger{
		zlog:   logger,
		mode:   mode,
		output: out,
	}
}

// NewDefaultCLILogger creates a default CLI logger.
func NewDefaultCLILogger() *Logger {
	return NewLogger("cli", nil)
}

// NewServerLogger creates a JSON logger for the transfer server.
func NewServerLogger() *Logger {
	return NewLogger("server", nil)
}

// NewNopLogger creates a logger that discards everything. Used in tests and
// where a caller passes no logger.
func NewNopLogger() *Logger {
	return NewLogger("nop", nil)
}

// OrNop returns l, or a nop logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// Fatal returns a fatal level event.
func (l *Logger) Fatal() *zerolog.Event {
	return l.zlog.Fatal()
}

// With creates a child logger context with additional fields.
func (l *Logger) With() zerolog.Context {
	return l.zlog.With()
}

// Child returns a Logger carrying the fields added to ctx.
func (l *Logger) Child(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), mode: l.mode, output: l.output}
}

// SetOutput changes the output writer for the logger.
// This is useful for redirecting logs through progress bars.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	switch l.mode {
	case "cli":
		l.zlog = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "15:04:05",
		}).With().Timestamp().Logger()
	case "nop":
	default:
		l.zlog = zerolog.New(w).With().Timestamp().Logger()
	}
}

// Output returns the current destination, suitable for passing back to SetOutput.
func (l *Logger) Output() io.Writer {
	return l.output
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel converts a level name to a zerolog level, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// HashToken returns the MD5 hex digest of a credential.
// Access tokens are never logged; only this hash is.
func HashToken(token string) string {
	if token == "" {
		return ""
	}
	sum := md5.Sum([]byte(token))
	return hex.EncodeToString(sum[:])
}

func init() {
	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Configure global logger
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
