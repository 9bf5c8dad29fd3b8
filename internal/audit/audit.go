// -------------------------------------------------------------------------------
// Audit - Request Correlation and Structured Audit Events
//
// Author: Alex Freidah
//
// Request ID propagation for landing requests (honoring a client or ingress
// supplied X-Request-Id) and correlation IDs for background work such as scan
// flushes and prewarm cycles. Audit events are emitted as structured slog
// entries carrying an "audit" marker for log pipeline filtering.
// -------------------------------------------------------------------------------

package audit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/afreidah/qr-landing/internal/telemetry"
)

// RequestIDHeader is the header used to accept and echo request IDs.
const RequestIDHeader = "X-Request-Id"

// maxInboundIDLen bounds client supplied request IDs.
const maxInboundIDLen = 128

type contextKey int

const (
	requestIDKey contextKey = iota
)

// -------------------------------------------------------------------------
// REQUEST ID
// -------------------------------------------------------------------------

// NewID generates a hex-encoded 16-byte random ID. Falls back to a
// timestamp-based ID if crypto/rand fails.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}

// FromHeader returns the inbound request ID when it is usable, otherwise a
// freshly generated one. Usable means non-empty, bounded, and printable ASCII.
func FromHeader(value string) string {
	if value == "" || len(value) > maxInboundIDLen {
		return NewID()
	}
	for i := 0; i < len(value); i++ {
		if value[i] < 0x21 || value[i] > 0x7e {
			return NewID()
		}
	}
	return value
}

// WithRequestID stores a request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context, or "" when unset.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// -------------------------------------------------------------------------
// AUDIT LOGGING
// -------------------------------------------------------------------------

// Log emits an audit entry at Info level with the request ID from ctx and
// counts it by event name.
func Log(ctx context.Context, event string, attrs ...slog.Attr) {
	telemetry.AuditEventsTotal.WithLabelValues(event).Inc()

	base := make([]slog.Attr, 0, len(attrs)+3)
	base = append(base,
		slog.Bool("audit", true),
		slog.String("event", event),
	)
	if id := RequestID(ctx); id != "" {
		base = append(base, slog.String("request_id", id))
	}
	base = append(base, attrs...)

	slog.LogAttrs(ctx, slog.LevelInfo, "audit", base...)
}
