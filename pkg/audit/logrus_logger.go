package audit

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusLogger writes audit events as JSON lines through logrus
type LogrusLogger struct {
	log *logrus.Logger
}

// NewLogrusLogger creates a stream audit logger. A nil writer means stdout.
func NewLogrusLogger(out io.Writer) *LogrusLogger {
	if out == nil {
		out = os.Stdout
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	})
	return &LogrusLogger{log: log}
}

// Log writes the event. Denials and failures are emitted at warn level.
func (l *LogrusLogger) Log(ctx context.Context, event *AuditEvent) error {
	fields := logrus.Fields{
		"audit_id":   event.ID,
		"event_type": string(event.EventType),
		"status":     string(event.Status),
	}
	addField(fields, "actor_id", event.ActorID)
	addField(fields, "organization_id", event.OrganizationID)
	addField(fields, "target_user_id", event.TargetUserID)
	addField(fields, "resource_type", string(event.ResourceType))
	addField(fields, "resource_id", event.ResourceID)
	addField(fields, "permission", event.Permission)
	addField(fields, "request_id", event.RequestID)
	addField(fields, "error", event.ErrorMessage)
	if len(event.Metadata) > 0 {
		fields["metadata"] = event.Metadata
	}
	if event.Changes != nil {
		fields["changes"] = event.Changes
	}

	entry := l.log.WithContext(ctx).WithTime(event.Timestamp).WithFields(fields)
	switch event.Status {
	case EventStatusDenied, EventStatusFailure:
		entry.Warn(event.Message)
	default:
		entry.Info(event.Message)
	}
	return nil
}

// Close is a no-op; the writer is owned by the caller
func (l *LogrusLogger) Close() error {
	return nil
}

func addField(fields logrus.Fields, key, value string) {
	if value != "" {
		fields[key] = value
	}
}
