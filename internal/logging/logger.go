// Package logging wraps logrus with the leveled, structured interface this
// lineage's components expect (Debug/Info/Warn/Error/Fatal), plus
// With-field helpers for attaching step/epoch/sphere_id context.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a thin leveled wrapper around a logrus entry.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger at the given level ("debug", "info", "warn", "error").
// An unrecognized level falls back to info.
func New(level string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	return &Logger{entry: logrus.NewEntry(base)}
}

// WithField returns a derived Logger carrying an additional structured field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a derived Logger carrying several structured fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Fatal(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// Noop returns a Logger that discards everything, for tests that don't care
// about log output.
func Noop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.PanicLevel)
	return &Logger{entry: logrus.NewEntry(base)}
}
