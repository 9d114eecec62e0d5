package audit

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	clientKey    ctxKey = "audit_client"
)

// ClientMeta identifies the caller of an operation for audit purposes.
type ClientMeta struct {
	IPAddress string
	UserAgent string
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClient records the caller's address and user agent.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey, ClientMeta{IPAddress: ip, UserAgent: userAgent})
}

// ClientFromContext returns caller metadata attached by WithClient.
func ClientFromContext(ctx context.Context) (ClientMeta, bool) {
	if ctx == nil {
		return ClientMeta{}, false
	}
	v, ok := ctx.Value(clientKey).(ClientMeta)
	return v, ok
}
