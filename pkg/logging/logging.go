// Package logging provides the logger interface used across txtheory
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level log level for Logger
type Level uint8

const (
	// Error error log level
	Error Level = iota
	// Warn warn log level
	Warn
	// Info info log level
	Info
	// Debug debug log level
	Debug
)

// Logger is the interface txtheory components log through. The library never
// requires a logger; the default is NoOp and callers inject one via the
// session configuration.
type Logger interface {
	Debug(fmt string, a ...any)
	Info(fmt string, a ...any)
	Warn(fmt string, a ...any)
	Error(fmt string, a ...any)

	WithFields(fields map[string]any) Logger

	GetLevel() Level
	SetLevel(level Level)
}

// StandardLogger is the default logrus-backed implementation.
type StandardLogger struct {
	logger *logrus.Logger
	fields map[string]any
}

// New returns a new standard logger.
func New() *StandardLogger {
	logger := logrus.New()
	return &StandardLogger{logger: logger}
}

// SetOutput sets the underlying logrus output.
func (l *StandardLogger) SetOutput(w io.Writer) {
	l.logger.SetOutput(w)
}

// SetFormatter sets the underlying logrus formatter.
func (l *StandardLogger) SetFormatter(formatter logrus.Formatter) {
	l.logger.SetFormatter(formatter)
}

// WithFields provides additional fields to include in log output
func (l *StandardLogger) WithFields(fields map[string]any) Logger {
	cp := *l
	cp.fields = make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		cp.fields[k] = v
	}
	for k, v := range fields {
		cp.fields[k] = v
	}
	return &cp
}

// SetLevel sets the standard logger level.
func (l *StandardLogger) SetLevel(level Level) {
	var logrusLevel logrus.Level
	switch level {
	case Debug:
		logrusLevel = logrus.DebugLevel
	case Info:
		logrusLevel = logrus.InfoLevel
	case Warn:
		logrusLevel = logrus.WarnLevel
	case Error:
		logrusLevel = logrus.ErrorLevel
	default:
		logrusLevel = logrus.InfoLevel
	}
	l.logger.SetLevel(logrusLevel)
}

// GetLevel returns the standard logger level.
func (l *StandardLogger) GetLevel() Level {
	switch l.logger.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return Debug
	case logrus.InfoLevel:
		return Info
	case logrus.WarnLevel:
		return Warn
	default:
		return Error
	}
}

// Debug logs at Debug level
func (l *StandardLogger) Debug(fmt string, a ...any) {
	l.logger.WithFields(logrus.Fields(l.fields)).Debugf(fmt, a...)
}

// Info logs at Info level
func (l *StandardLogger) Info(fmt string, a ...any) {
	l.logger.WithFields(logrus.Fields(l.fields)).Infof(fmt, a...)
}

// Warn logs at Warn level
func (l *StandardLogger) Warn(fmt string, a ...any) {
	l.logger.WithFields(logrus.Fields(l.fields)).Warnf(fmt, a...)
}

// Error logs at Error level
func (l *StandardLogger) Error(fmt string, a ...any) {
	l.logger.WithFields(logrus.Fields(l.fields)).Errorf(fmt, a...)
}

// NoOpLogger is a logging implementation that discards everything.
type NoOpLogger struct {
	level Level
}

// NewNoOpLogger instantiates a new NoOpLogger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{level: Info}
}

// WithFields returns the logger unchanged
func (l *NoOpLogger) WithFields(map[string]any) Logger { return l }

// Debug discards the message
func (*NoOpLogger) Debug(string, ...any) {}

// Info discards the message
func (*NoOpLogger) Info(string, ...any) {}

// Warn discards the message
func (*NoOpLogger) Warn(string, ...any) {}

// Error discards the message
func (*NoOpLogger) Error(string, ...any) {}

// SetLevel records the level without effect
func (l *NoOpLogger) SetLevel(level Level) { l.level = level }

// GetLevel returns the recorded level
func (l *NoOpLogger) GetLevel() Level { return l.level }
