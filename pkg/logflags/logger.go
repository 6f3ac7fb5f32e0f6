package logflags

import (
	"github.com/sirupsen/logrus"
)

// Logger is what the dlock packages log through. Every Logger returned by
// this package carries a "layer" field naming the component it belongs to.
type Logger interface {
	// WithField returns a new Logger enriched with the given field.
	WithField(key string, value interface{}) Logger
	// WithFields returns a new Logger enriched with the given fields.
	WithFields(fields Fields) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Info(args ...interface{})
}

// Fields are the structured fields of a log entry.
type Fields map[string]interface{}

// entryLogger adapts a logrus entry to Logger.
type entryLogger struct {
	*logrus.Entry
}

func (l entryLogger) WithField(key string, value interface{}) Logger {
	return entryLogger{l.Entry.WithField(key, value)}
}

func (l entryLogger) WithFields(fields Fields) Logger {
	return entryLogger{l.Entry.WithFields(logrus.Fields(fields))}
}
