// Package logger defines the logging abstraction used by every go-ecat package.
//
// The master, the link layer and the simulator never talk to a concrete logging
// framework directly. They receive a Logger from their configuration and derive
// child loggers with With, so a caller can route EtherCAT diagnostics into any
// structured logging backend by implementing this small interface.
//
// Log Levels:
//
//   - DebugLevel: frame and datagram level tracing, disabled in production.
//   - InfoLevel: bus lifecycle events such as discovery and state changes.
//   - WarnLevel: degraded cycles, excluded slaves, retried operations.
//   - ErrorLevel: failed configuration steps and link failures.
//   - FatalLevel: unrecoverable errors that terminate the program.
package logger

// Level indicates the logging severity level.
type Level = int8

const (
	// DebugLevel logs are voluminous and usually disabled in production.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual
	// human review.
	WarnLevel
	// ErrorLevel logs are high-priority. A healthy bus shouldn't generate any
	// error-level logs.
	ErrorLevel
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel
)

// Logger defines a common interface for logging.
type Logger interface {
	// Debug logs a message at DebugLevel with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)
	// Info logs a message at InfoLevel with optional key-value pairs.
	Info(msg string, keysAndValues ...any)
	// Warn logs a message at WarnLevel with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)
	// Error logs a message at ErrorLevel with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
	// Fatal logs a message at FatalLevel, then calls os.Exit(1).
	Fatal(msg string, keysAndValues ...any)
	// With creates a child logger and adds structured context to it.
	// Key-values added to the child don't affect the parent, and vice versa.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() Level
	// SetLevel sets the minimum enabled level for this logger.
	SetLevel(level Level)
}
