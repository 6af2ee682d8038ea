package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// DBLogger persists audit events to the audit_logs table created by the rbac migrations
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-backed audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log inserts an audit event
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	var metadataJSON, changesJSON []byte
	var err error

	if len(event.Metadata) > 0 {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	if event.Changes != nil {
		changesJSON, err = json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			id, occurred_at, event_type, status,
			actor_id, organization_id, target_user_id,
			resource_type, resource_id, permission,
			request_id, message, error_message,
			metadata, changes
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15
		)
	`

	_, err = l.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, string(event.EventType), string(event.Status),
		nullString(event.ActorID), nullString(event.OrganizationID), nullString(event.TargetUserID),
		nullString(string(event.ResourceType)), nullString(event.ResourceID), nullString(event.Permission),
		nullString(event.RequestID), nullString(event.Message), nullString(event.ErrorMessage),
		nullBytes(metadataJSON), nullBytes(changesJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Search returns events matching filter, newest first
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	query := `
		SELECT
			id, occurred_at, event_type, status,
			actor_id, organization_id, target_user_id,
			resource_type, resource_id, permission,
			request_id, message, error_message,
			metadata, changes
		FROM audit_logs
		WHERE 1=1
	`

	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.StartTime != nil {
		add("occurred_at >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("occurred_at <= $%d", *filter.EndTime)
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.TargetUserID != "" {
		add("target_user_id = $%d", filter.TargetUserID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", string(filter.ResourceType))
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}

	for _, c := range conds {
		query += " AND " + c
	}
	query += " ORDER BY occurred_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := l.db.QueryContext(ctx, strings.TrimSpace(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var (
			event                                        AuditEvent
			actorID, orgID, targetID, resType, resID     sql.NullString
			permission, requestID, message, errorMessage sql.NullString
			metadataJSON, changesJSON                    []byte
			eventType, status                            string
		)
		if err := rows.Scan(
			&event.ID, &event.Timestamp, &eventType, &status,
			&actorID, &orgID, &targetID,
			&resType, &resID, &permission,
			&requestID, &message, &errorMessage,
			&metadataJSON, &changesJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		event.EventType = EventType(eventType)
		event.Status = EventStatus(status)
		event.ActorID = actorID.String
		event.OrganizationID = orgID.String
		event.TargetUserID = targetID.String
		event.ResourceType = ResourceType(resType.String)
		event.ResourceID = resID.String
		event.Permission = permission.String
		event.RequestID = requestID.String
		event.Message = message.String
		event.ErrorMessage = errorMessage.String

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		if len(changesJSON) > 0 {
			event.Changes = &ChangeDetails{}
			if err := json.Unmarshal(changesJSON, event.Changes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
			}
		}

		events = append(events, &event)
	}
	return events, rows.Err()
}

// Close does not close the shared *sql.DB
func (l *DBLogger) Close() error {
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
