// Package log provides structured, colored logging for cointerm.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	RPC       zerolog.Logger
	Daemon    zerolog.Logger
	Backend   zerolog.Logger
	Explorer  zerolog.Logger
	Normalize zerolog.Logger
	Wallet    zerolog.Logger
	Storage   zerolog.Logger
)

// File rotation limits for log.file.
const (
	fileMaxSizeMB  = 50
	fileMaxBackups = 5
	fileMaxAgeDays = 28
)

func init() {
	// Libraries stay quiet until the caller installs a logger.
	Logger = NewConsoleLogger(os.Stderr, "warn")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and a size-rotated file (always JSON).
func Init(level string, jsonOutput bool, file string) error {
	lvl := parseLevel(level)

	var consoleWriter io.Writer
	if jsonOutput {
		consoleWriter = os.Stderr
	} else {
		consoleWriter = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
	}

	if file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    fileMaxSizeMB,
			MaxBackups: fileMaxBackups,
			MaxAge:     fileMaxAgeDays,
		}
		multi := zerolog.MultiLevelWriter(consoleWriter, rotated)
		Logger = zerolog.New(multi).
			Level(lvl).
			With().
			Timestamp().
			Logger()
	} else {
		Logger = zerolog.New(consoleWriter).
			Level(lvl).
			With().
			Timestamp().
			Logger()
	}

	initComponentLoggers()
	return nil
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// Disable silences every logger. Tests use it to keep output clean.
func Disable() {
	Logger = zerolog.Nop()
	initComponentLoggers()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	RPC = Logger.With().Str("component", "rpc").Logger()
	Daemon = Logger.With().Str("component", "daemon").Logger()
	Backend = Logger.With().Str("component", "backend").Logger()
	Explorer = Logger.With().Str("component", "explorer").Logger()
	Normalize = Logger.With().Str("component", "normalize").Logger()
	Wallet = Logger.With().Str("component", "wallet").Logger()
	Storage = Logger.With().Str("component", "storage").Logger()
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Benchmark helper for timing operations.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
