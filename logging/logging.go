// Package logging provides the leveled logger threaded through the
// reactor, protocol engine, and client (the router and TLS adapter take no
// logger). It wraps logrus the
// way the retrieval pack's kitchen-sink library wraps it for its own
// components: a small interface callers depend on, never a package-level
// global, so an embedder can hand the runtime its own logger instance.
package logging

import "github.com/sirupsen/logrus"

// Logger is the subset of logging behavior the runtime depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	SetDebug(on bool)
}

type logrusLogger struct {
	entry *logrus.Logger
}

// New returns a Logger backed by a fresh logrus.Logger writing text-
// formatted lines, defaulting to Info level.
func New() Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: l}
}

// Discard returns a Logger that drops everything; useful for tests and for
// embedders that wire their own sink through SetDebug(false) permanently.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return &logrusLogger{entry: l}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// SetDebug raises the logger to Debug level when on, and back to Info
// otherwise. This is what -http-debug (spec.md §6) toggles at runtime.
func (l *logrusLogger) SetDebug(on bool) {
	if on {
		l.entry.SetLevel(logrus.DebugLevel)
		return
	}
	l.entry.SetLevel(logrus.InfoLevel)
}
