package broker

import (
	"context"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// kgoLogger forwards franz-go client logs to slog.
type kgoLogger struct {
	logger *slog.Logger
	level  kgo.LogLevel
}

func newKgoLogger(logger *slog.Logger) *kgoLogger {
	return &kgoLogger{logger: logger.With("subsystem", "kgo"), level: kgo.LogLevelWarn}
}

func (l *kgoLogger) Level() kgo.LogLevel {
	return l.level
}

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	l.logger.Log(context.Background(), slogLevel(level), msg, keyvals...)
}

func slogLevel(level kgo.LogLevel) slog.Level {
	switch level {
	case kgo.LogLevelError:
		return slog.LevelError
	case kgo.LogLevelWarn:
		return slog.LevelWarn
	case kgo.LogLevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
