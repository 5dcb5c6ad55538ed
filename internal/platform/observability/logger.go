package observability

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stocksync/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// EventLogger is the logging signature services accept.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewLogger constructs a zap logger emitting Cloud Logging compatible JSON. Unknown levels fall
// back to info.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if err := atomic.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil || level == "" {
		_ = atomic.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    atomic,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "message",
			TimeKey:    "timestamp",
			LevelKey:   "severity",
			EncodeTime: zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(level.String()))
			},
			EncodeDuration: zapcore.MillisDurationEncoder,
			CallerKey:      "caller",
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// NewEventLogger adapts zap to the services' event logger. The request-scoped logger wins over
// base so request and delivery fields ride along. Failure events are logged at warn level.
func NewEventLogger(base *zap.Logger) EventLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx)
		}
		zapFields := make([]zap.Field, 0, len(fields)+3)
		zapFields = append(zapFields, zap.String("event", event))
		if delivery, ok := requestctx.Delivery(ctx); ok {
			zapFields = append(zapFields,
				zap.String("delivery_source", delivery.Source),
				zap.String("delivery_id", delivery.ID),
			)
		}
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}

		if isWarning(event) {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

func isWarning(event string) bool {
	if strings.Contains(event, "failed") {
		return true
	}
	for _, suffix := range []string{"_unavailable", "_blocked", ".rejected"} {
		if strings.HasSuffix(event, suffix) {
			return true
		}
	}
	return false
}
