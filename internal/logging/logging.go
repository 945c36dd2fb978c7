// Package logging adapts zap into the conditional, keyword-pair logging
// shape used throughout the teacher codebase (p.API.LogDebug(msg, kv...)),
// generalized so that every component can obtain a logger already carrying
// a task id without re-threading it through every call.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the interface components depend on. It mirrors the teacher's
// pluginLogger / cursor.Logger shape (message plus alternating key-value
// pairs) so call sites read the same way whether posting to the CLI Driver,
// the Service Gateway, or the Flow Log.
type Logger interface {
	LogDebug(msg string, keyValuePairs ...any)
	LogInfo(msg string, keyValuePairs ...any)
	LogWarn(msg string, keyValuePairs ...any)
	LogError(msg string, keyValuePairs ...any)
}

type zapLogger struct {
	base *zap.SugaredLogger
}

// New builds a zap logger (development config when debug is set,
// production config otherwise) wrapped to satisfy Logger.
func New(debug bool) (Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{base: base.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{base: zap.NewNop().Sugar()}
}

func (l *zapLogger) LogDebug(msg string, kv ...any) { l.base.Debugw(msg, kv...) }
func (l *zapLogger) LogInfo(msg string, kv ...any)  { l.base.Infow(msg, kv...) }
func (l *zapLogger) LogWarn(msg string, kv ...any)  { l.base.Warnw(msg, kv...) }
func (l *zapLogger) LogError(msg string, kv ...any) { l.base.Errorw(msg, kv...) }

// With returns a child Logger carrying the given structured fields on every
// subsequent line — the per-task "registry entry" described in the Flow
// Log design notes (§9): one of these is created per task id and handed to
// every component that touches that task.
func With(l Logger, kv ...any) Logger {
	zl, ok := l.(*zapLogger)
	if !ok {
		return l
	}
	return &zapLogger{base: zl.base.With(kv...)}
}

// ForTask returns a child logger with task_id (and optional extra fields)
// attached, the concrete realization of the per-task logger factory.
func ForTask(l Logger, taskID string, extra ...any) Logger {
	kv := append([]any{"task_id", taskID}, extra...)
	return With(l, kv...)
}
