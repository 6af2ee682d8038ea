package rbac

import (
	"time"
)

// ScopeType identifies who a resource-level grant is issued to
type ScopeType string

const (
	ScopeUser         ScopeType = "user"
	ScopeRole         ScopeType = "role"
	ScopeOrganization ScopeType = "organization"
	ScopePublic       ScopeType = "public"
)

// Valid reports whether the scope type is one of the known values
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeUser, ScopeRole, ScopeOrganization, ScopePublic:
		return true
	}
	return false
}

// OverrideType is the effect of a permission override
type OverrideType string

const (
	OverrideGrant   OverrideType = "grant"
	OverrideDeny    OverrideType = "deny"
	OverrideElevate OverrideType = "elevate"
)

// Valid reports whether the override type is one of the known values
func (o OverrideType) Valid() bool {
	switch o {
	case OverrideGrant, OverrideDeny, OverrideElevate:
		return true
	}
	return false
}

// ApprovalStatus is the workflow state of a permission override
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

// Role represents a named bundle of default permissions with a hierarchy level
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	Level       int       `json:"level"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission represents an atomic resource.action capability
type Permission struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Category    string    `json:"category"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
}

// RolePermission binds a permission to a role
type RolePermission struct {
	ID           string    `json:"id"`
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserRoleAssignment grants a role to a user within an organization
type UserRoleAssignment struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	RoleID         string     `json:"role_id"`
	OrganizationID string     `json:"organization_id"`
	ScopeType      string     `json:"scope_type,omitempty"`
	ScopeID        string     `json:"scope_id,omitempty"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	GrantedBy      string     `json:"granted_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsActiveAt reports whether t falls within [ValidFrom, ValidUntil)
func (a UserRoleAssignment) IsActiveAt(t time.Time) bool {
	if t.Before(a.ValidFrom) {
		return false
	}
	if a.ValidUntil != nil && !t.Before(*a.ValidUntil) {
		return false
	}
	return true
}

// AppliesTo reports whether a sub-resource scoped assignment covers the requested resource.
// Assignments without a scope cover the whole organization.
func (a UserRoleAssignment) AppliesTo(ref *ResourceRef) bool {
	if a.ScopeType == "" {
		return true
	}
	if ref == nil {
		return false
	}
	if a.ScopeType != ref.Type {
		return false
	}
	return a.ScopeID == "" || a.ScopeID == ref.ID
}

// AssignedRole pairs a role with the assignment that grants it
type AssignedRole struct {
	Role       Role               `json:"role"`
	Assignment UserRoleAssignment `json:"assignment"`
}

// ResourcePermission is a fine-grained grant of one permission to a scope.
// A grant with an OrganizationID only applies inside that organization;
// platform grants leave it empty.
type ResourcePermission struct {
	ID             string     `json:"id"`
	PermissionID   string     `json:"permission_id"`
	PermissionSlug string     `json:"permission_slug"`
	OrganizationID string     `json:"organization_id,omitempty"`
	ScopeType      ScopeType  `json:"scope_type"`
	ScopeID        string     `json:"scope_id,omitempty"`
	ResourceType   string     `json:"resource_type,omitempty"`
	ResourceID     string     `json:"resource_id,omitempty"`
	GrantedBy      string     `json:"granted_by"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsExpiredAt reports whether the grant has lapsed at t
func (g ResourcePermission) IsExpiredAt(t time.Time) bool {
	return g.ExpiresAt != nil && !t.Before(*g.ExpiresAt)
}

// AppliesIn reports whether the grant is usable in the organization
func (g ResourcePermission) AppliesIn(organizationID string) bool {
	return g.OrganizationID == "" || g.OrganizationID == organizationID
}

// PermissionOverride is an approvable exception to role-derived permissions,
// bound to one user in one organization
type PermissionOverride struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id"`
	PermissionID   string         `json:"permission_id"`
	PermissionSlug string         `json:"permission_slug"`
	OverrideType   OverrideType   `json:"override_type"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Reason         string         `json:"reason"`
	RequestedBy    string         `json:"requested_by"`
	ApprovedBy     *string        `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IsEffectiveAt reports whether the override participates in evaluation at t
func (o PermissionOverride) IsEffectiveAt(t time.Time) bool {
	if o.ApprovalStatus != StatusApproved {
		return false
	}
	return o.ExpiresAt == nil || t.Before(*o.ExpiresAt)
}

// ResourceRef identifies a specific resource instance
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Key returns the cache key fragment for the reference
func (r *ResourceRef) Key() string {
	if r == nil {
		return ""
	}
	return r.Type + ":" + r.ID
}

// matchesBinding reports whether a grant or override bound to (resourceType, resourceID)
// covers the request. Unbound entries cover every resource; bound entries cover only
// requests naming the same type (and instance, when one is set).
func matchesBinding(resourceType, resourceID string, ref *ResourceRef) bool {
	if resourceType == "" && resourceID == "" {
		return true
	}
	if ref == nil {
		return false
	}
	if resourceType != "" && resourceType != ref.Type {
		return false
	}
	return resourceID == "" || resourceID == ref.ID
}

// Request is a single permission question
type Request struct {
	UserID         string       `json:"user_id"`
	OrganizationID string       `json:"organization_id"`
	Permission     string       `json:"permission"`
	Resource       *ResourceRef `json:"resource,omitempty"`
}

// Source identifies which layer of the precedence order produced a decision
type Source string

const (
	SourceOverride      Source = "override"
	SourceResourceGrant Source = "resource_grant"
	SourceRole          Source = "role"
	SourceNone          Source = "none"
)

// Reason explains a decision for audit purposes
type Reason string

const (
	ReasonDenyOverride      Reason = "deny_override"
	ReasonGrantOverride     Reason = "grant_override"
	ReasonElevateOverride   Reason = "elevate_override"
	ReasonResourceGrant     Reason = "resource_grant"
	ReasonRoleBinding       Reason = "role_binding"
	ReasonNoMatchingGrant   Reason = "no_matching_grant"
	ReasonNotMember         Reason = "not_member"
	ReasonUnknownPermission Reason = "unknown_permission"
	ReasonCheckFailed       Reason = "check_failed"
	ReasonUnauthenticated   Reason = "unauthenticated"
)

// Decision is the result of evaluating a Request
type Decision struct {
	Allowed      bool      `json:"allowed"`
	Reason       Reason    `json:"reason"`
	Source       Source    `json:"source"`
	MatchedRoles []string  `json:"matched_roles,omitempty"`
	Cached       bool      `json:"cached"`
	CheckedAt    time.Time `json:"checked_at"`
}

// PermissionMatrixRow maps one permission to the roles bound to it
type PermissionMatrixRow struct {
	Permission Permission      `json:"permission"`
	Roles      map[string]bool `json:"roles"`
}
