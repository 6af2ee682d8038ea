package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization decisions
	EventTypeAuthzPermissionCheck EventType = "authz.permission_check"
	EventTypeAuthzAccessDenied    EventType = "authz.access_denied"
	EventTypeAuthzCheckFailed     EventType = "authz.check_failed"

	// Role assignment
	EventTypeRoleAssign EventType = "authz.role_assign"
	EventTypeRoleRevoke EventType = "authz.role_revoke"

	// Catalog and bindings
	EventTypePermissionCreate    EventType = "authz.permission_create"
	EventTypePermissionBind      EventType = "authz.permission_bind"
	EventTypePermissionUnbind    EventType = "authz.permission_unbind"
	EventTypeHierarchyChange     EventType = "authz.hierarchy_change"
	EventTypeCatalogApply        EventType = "authz.catalog_apply"
	EventTypeResourceGrant       EventType = "authz.resource_grant"
	EventTypeResourceGrantRevoke EventType = "authz.resource_grant_revoke"

	// Override workflow
	EventTypeOverrideRequest EventType = "authz.override_request"
	EventTypeOverrideApprove EventType = "authz.override_approve"
	EventTypeOverrideReject  EventType = "authz.override_reject"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of entity an event touches
type ResourceType string

const (
	ResourceTypeRole               ResourceType = "role"
	ResourceTypePermission         ResourceType = "permission"
	ResourceTypeAssignment         ResourceType = "assignment"
	ResourceTypeResourcePermission ResourceType = "resource_permission"
	ResourceTypeOverride           ResourceType = "override"
	ResourceTypeHierarchy          ResourceType = "role_hierarchy"
	ResourceTypeCatalog            ResourceType = "catalog"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Who acted, in which tenant, and on whose behalf
	ActorID        string `json:"actor_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	TargetUserID   string `json:"target_user_id,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Permission   string       `json:"permission,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Changes      *ChangeDetails         `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID        string
	OrganizationID string
	TargetUserID   string

	EventTypes []EventType
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string

	Limit  int
	Offset int
}
