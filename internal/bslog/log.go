// Package bslog carries a structured logger through a context.Context,
// adapted from the teacher's internal/dcontext logger (itself a thin
// context-scoped wrapper over logrus) so every component — scheduler,
// store, cache, transfer — logs through the same leveled interface
// without needing a logger parameter threaded explicitly everywhere.
package bslog

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	defaultLogger   = logrus.StandardLogger().WithField("go.version", runtime.Version())
	defaultLoggerMu sync.RWMutex
)

// Logger is the leveled-logging interface every component depends on,
// instead of a concrete *logrus.Entry, so tests can substitute a no-op
// implementation.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	WithError(err error) *logrus.Entry
	WithField(key string, value any) *logrus.Entry
}

type loggerKey struct{}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Get returns the logger carried by ctx, falling back to the package
// default logger if none was attached.
func Get(ctx context.Context) Logger {
	if v := ctx.Value(loggerKey{}); v != nil {
		if l, ok := v.(Logger); ok {
			return l
		}
	}
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// WithFields returns a logger scoped to ctx plus the given fields,
// without mutating ctx — used at component entry points to attach a
// store-path, goal-id, or cache-key to every subsequent log line.
func WithFields(ctx context.Context, fields map[string]any) Logger {
	lfields := make(logrus.Fields, len(fields))
	for k, v := range fields {
		lfields[k] = v
	}
	return logrusEntry(Get(ctx)).WithFields(lfields)
}

func logrusEntry(l Logger) *logrus.Entry {
	if e, ok := l.(*logrus.Entry); ok {
		return e
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// SetDefault replaces the package default logger (e.g. from cmd/buildstore's
// root command, after parsing the configured log level/format).
func SetDefault(logger *logrus.Entry) {
	defaultLoggerMu.Lock()
	defaultLogger = logger
	defaultLoggerMu.Unlock()
}

// ForStorePath is a convenience wrapper that scopes a logger to one
// artifact by adding a "path" field.
func ForStorePath(ctx context.Context, path fmt.Stringer) Logger {
	return WithFields(ctx, map[string]any{"path": path.String()})
}
