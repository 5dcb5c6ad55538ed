package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey   contextKey = "github.com/stocksync/api/internal/platform/requestctx/logger"
	traceContextKey    contextKey = "github.com/stocksync/api/internal/platform/requestctx/trace"
	deliveryContextKey contextKey = "github.com/stocksync/api/internal/platform/requestctx/delivery"
	tenantContextKey   contextKey = "github.com/stocksync/api/internal/platform/requestctx/tenant"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// DeliveryInfo identifies an inbound event delivery (a webhook call or a queue message) so every
// log line produced while handling it can be correlated with the sender's retries.
type DeliveryInfo struct {
	Source  string
	ID      string
	Attempt int
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// HasLogger reports whether a request-scoped logger was installed.
func HasLogger(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	logger, ok := ctx.Value(loggerContextKey).(*zap.Logger)
	return ok && logger != nil && logger != noopLogger
}

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithDelivery records the inbound delivery being handled.
func WithDelivery(ctx context.Context, info DeliveryInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, deliveryContextKey, info)
}

// Delivery returns the delivery recorded on the context.
func Delivery(ctx context.Context) (DeliveryInfo, bool) {
	if ctx == nil {
		return DeliveryInfo{}, false
	}
	info, ok := ctx.Value(deliveryContextKey).(DeliveryInfo)
	return info, ok
}

// TenantSlot is filled by authentication deep in the handler chain and read back by outer
// middleware once the request completes.
type TenantSlot struct {
	mu sync.Mutex
	id string
}

// Get returns the recorded tenant, if any.
func (s *TenantSlot) Get() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// WithTenantSlot installs an empty slot on ctx.
func WithTenantSlot(ctx context.Context) (context.Context, *TenantSlot) {
	if ctx == nil {
		ctx = context.Background()
	}
	slot := &TenantSlot{}
	return context.WithValue(ctx, tenantContextKey, slot), slot
}

// RecordTenant stores id in the slot installed further up the chain. It is a no-op without one.
func RecordTenant(ctx context.Context, id string) {
	if ctx == nil {
		return
	}
	if slot, ok := ctx.Value(tenantContextKey).(*TenantSlot); ok && slot != nil {
		slot.mu.Lock()
		slot.id = id
		slot.mu.Unlock()
	}
}
