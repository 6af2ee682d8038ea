package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close flushes buffered events and releases resources
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextkeys.AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context, or a no-op logger
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoOpLogger()
}

// NewEvent builds an event stamped with an ID, the current time and the
// request ID carried in ctx
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	return &AuditEvent{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		EventType:      eventType,
		Status:         status,
		RequestID:      observability.GetRequestID(ctx),
		OrganizationID: observability.GetOrganizationID(ctx),
		Metadata:       make(map[string]interface{}),
	}
}

// NoOpLogger returns a logger that discards everything
func NoOpLogger() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }

func (noOpLogger) Close() error { return nil }

// LogDenied records an access denial for a permission
func LogDenied(ctx context.Context, logger Logger, actorID, permission, reason string) error {
	event := NewEvent(ctx, EventTypeAuthzAccessDenied, EventStatusDenied)
	event.ActorID = actorID
	event.Permission = permission
	event.Message = "Access denied: " + reason
	return logger.Log(ctx, event)
}
