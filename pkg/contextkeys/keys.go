// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that the
// producer and the consumers of a value agree on its key and type.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithMemberID(ctx, 42)
//	memberID, ok := contextkeys.GetMemberID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// MemberIDKey contains the authenticated member id
	// Set by: middleware.Identity (pkg/middleware/identity.go)
	// Required by: every membership, usage and seat endpoint
	// Type: int64
	MemberIDKey Key = "member_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, gateway idempotency keys
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.RequestID
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithMemberID adds the authenticated member id to the context
func WithMemberID(ctx context.Context, memberID int64) context.Context {
	return context.WithValue(ctx, MemberIDKey, memberID)
}

// GetMemberID retrieves the authenticated member id from context
func GetMemberID(ctx context.Context) (int64, bool) {
	memberID, ok := ctx.Value(MemberIDKey).(int64)
	return memberID, ok
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}
