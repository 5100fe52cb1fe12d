package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel разбирает уровень логирования (регистр не важен).
// Возможные значения: DEBUG, INFO, WARN, ERROR; остальное — INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger создаёт логгер, пишущий в w.
//
// format "text" — человекочитаемый вывод, иначе JSON.
// На уровне DEBUG в записи добавляется источник.
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupLogger инициализирует глобальный логгер из LOG_FORMAT и LOG_LEVEL.
func SetupLogger() *slog.Logger {
	logger := NewLogger(os.Stdout, os.Getenv("LOG_FORMAT"), ParseLevel(os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)
	return logger
}

type ctxKey struct{}

// WithLogger кладёт логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext извлекает логгер из контекста, иначе возвращает fallback
// (или slog.Default(), если fallback nil).
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// WithStepID возвращает логгер с step_id.
func WithStepID(logger *slog.Logger, stepID string) *slog.Logger {
	return logger.With("step_id", stepID)
}

// WithCorrelationID возвращает логгер с correlation_id.
func WithCorrelationID(logger *slog.Logger, correlationID string) *slog.Logger {
	return logger.With("correlation_id", correlationID)
}

// WithUnit возвращает логгер с unit.
func WithUnit(logger *slog.Logger, unit string) *slog.Logger {
	return logger.With("unit", unit)
}
