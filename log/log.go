package log

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// Logger defines interface of structured logger
type Logger interface {
	With(keyValues ...interface{}) Logger
	Info(message string, keyValues ...interface{})
	Error(message string, keyValues ...interface{})
}

// New is the constructor of logger that triggers when it absents in context.
// Redefine it to change the process-wide default.
var New = func() Logger {
	return NewZeroLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
}

type logKeyType struct{}

var logKey = logKeyType{}

func NewContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, logKey, logger)
}

func FromContext(ctx context.Context) Logger {
	logger, _ := ctx.Value(logKey).(Logger)
	if logger == nil {
		logger = New()
	}

	return logger
}

// Info logs through the context logger.
func Info(ctx context.Context, message string, keyValues ...interface{}) {
	FromContext(ctx).Info(message, keyValues...)
}

// Error logs through the context logger.
func Error(ctx context.Context, message string, keyValues ...interface{}) {
	FromContext(ctx).Error(message, keyValues...)
}

// ZeroLogger adapts a zerolog.Logger to the Logger interface.
type ZeroLogger struct {
	zl zerolog.Logger
}

func NewZeroLogger(zl zerolog.Logger) ZeroLogger {
	return ZeroLogger{zl}
}

func (l ZeroLogger) With(keyValues ...interface{}) Logger {
	return ZeroLogger{l.zl.With().Fields(pairs(keyValues)).Logger()}
}

func (l ZeroLogger) Info(message string, keyValues ...interface{}) {
	l.zl.Info().Fields(pairs(keyValues)).Msg(message)
}

func (l ZeroLogger) Error(message string, keyValues ...interface{}) {
	l.zl.Error().Fields(pairs(keyValues)).Msg(message)
}

// pairs makes the key/value list safe for zerolog: even length only.
func pairs(keyValues []interface{}) []interface{} {
	if len(keyValues)%2 != 0 {
		keyValues = append(keyValues, nil)
	}
	return keyValues
}

// logger that does nothing
type dummyLogger struct{}

func (dummyLogger) With(keyValues ...interface{}) Logger           { return dummyLogger{} }
func (dummyLogger) Info(message string, keyValues ...interface{})  {}
func (dummyLogger) Error(message string, keyValues ...interface{}) {}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() Logger {
	return dummyLogger{}
}
