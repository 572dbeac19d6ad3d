// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package logger provides structured logging using zerolog.
//
// A single process-wide logger is configured once at startup; every package
// logs through the level helpers (Info, Warn, ...) so that call sites read
// as logger.Warn().Err(err).Str("device_id", id).Msg("...").
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	log     = zerolog.New(os.Stdout).With().Timestamp().Logger()
	logFile *os.File
	fileMu  sync.Mutex
)

// Initialize sets up the global logger with the specified level, writing to stdout.
func Initialize(level string) {
	configure(level, consoleWriter(os.Stdout))
}

// InitializeWithFile sets up the global logger to write both to stdout and to
// the log file at path. The parent directory is created when missing. When the
// file cannot be opened the logger falls back to stdout only and the error is
// returned so the caller can report it.
func InitializeWithFile(level, path string) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	closeFileLocked()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		configure(level, consoleWriter(os.Stdout))
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304
	if err != nil {
		configure(level, consoleWriter(os.Stdout))
		return fmt.Errorf("open log file: %w", err)
	}
	logFile = f

	configure(level, zerolog.MultiLevelWriter(consoleWriter(os.Stdout), f))
	return nil
}

// Close releases the log file opened by InitializeWithFile, if any.
func Close() {
	fileMu.Lock()
	defer fileMu.Unlock()
	closeFileLocked()
}

func closeFileLocked() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
}

func configure(level string, output io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339

	log = zerolog.New(output).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel changes the minimum level of the global logger.
func SetLevel(level string) {
	log = log.Level(ParseLevel(level))
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &log
}

// Debug logs a debug message
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info logs an info message
func Info() *zerolog.Event {
	return log.Info()
}

// Warn logs a warning message
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error logs an error message
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal logs a fatal message and exits
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// With creates a child logger with additional fields
func With() zerolog.Context {
	return log.With()
}

// SetOutput sets the output writer for the logger
func SetOutput(w io.Writer) {
	log = log.Output(w)
}
