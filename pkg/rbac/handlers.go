package rbac

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Handlers provides HTTP handlers for RBAC administration
type Handlers struct {
	service *Service
	guard   *PermissionMiddleware
	logger  *observability.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(service *Service, guard *PermissionMiddleware, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handlers{
		service: service,
		guard:   guard,
		logger:  logger.WithField("component", "rbac.handlers"),
	}
}

// RegisterRoutes registers all RBAC routes under /rbac. Read routes are
// guarded by roles.view; write routes are authorized inside the Service.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/rbac").Subrouter()
	view := h.guard.RequirePermission(PermViewRoles)

	// Catalog
	r.Handle("/permissions", view(http.HandlerFunc(h.ListPermissions))).Methods("GET")
	r.HandleFunc("/permissions", h.CreatePermission).Methods("POST")
	r.Handle("/roles", view(http.HandlerFunc(h.ListRoles))).Methods("GET")
	r.Handle("/matrix", view(http.HandlerFunc(h.GetMatrix))).Methods("GET")

	// Role bindings
	r.Handle("/roles/{roleId}/permissions", view(http.HandlerFunc(h.GetRolePermissions))).Methods("GET")
	r.HandleFunc("/roles/{roleId}/permissions", h.BindPermissions).Methods("POST")
	r.HandleFunc("/roles/{roleId}/permissions", h.UnbindPermission).Methods("DELETE")

	// Role hierarchy
	r.HandleFunc("/roles/{roleId}/inherits", h.AddInheritance).Methods("POST")
	r.HandleFunc("/roles/{roleId}/inherits/{childId}", h.RemoveInheritance).Methods("DELETE")

	// Assignments
	r.Handle("/assignments", view(http.HandlerFunc(h.ListAssignments))).Methods("GET")
	r.HandleFunc("/assignments", h.AssignRole).Methods("POST")
	r.HandleFunc("/assignments", h.RevokeRole).Methods("DELETE")

	// Resource grants
	r.HandleFunc("/resource-permissions", h.GrantResourcePermission).Methods("POST")
	r.HandleFunc("/resource-permissions/{id}", h.RevokeResourcePermission).Methods("DELETE")

	// Overrides
	r.Handle("/overrides", view(http.HandlerFunc(h.ListOverrides))).Methods("GET")
	r.HandleFunc("/overrides", h.RequestOverride).Methods("POST")
	r.HandleFunc("/overrides/{id}/approve", h.ApproveOverride).Methods("POST")
	r.HandleFunc("/overrides/{id}/reject", h.RejectOverride).Methods("POST")

	// Evaluation
	r.HandleFunc("/check", h.CheckPermission).Methods("POST")
	r.HandleFunc("/users/{userId}/effective-permissions", h.GetEffectivePermissions).Methods("GET")
}

// actorFrom builds the Actor for the request, writing a 401 when there is none
func actorFrom(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		httputil.WriteUnauthorized(w, "Authentication required")
		return Actor{}, false
	}
	return Actor{UserID: id.UserID, OrganizationID: id.OrganizationID}, true
}

// writeError maps domain errors to HTTP statuses. Authorization failures of
// every kind collapse to a bare 403 so no reason leaks to the caller.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusForbidden:
		httputil.WriteForbidden(w, "Forbidden")
	case http.StatusUnauthorized:
		httputil.WriteUnauthorized(w, "Authentication required")
	case http.StatusNotFound:
		httputil.WriteNotFoundError(w, "not found")
	case http.StatusConflict:
		httputil.WriteConflict(w, err.Error())
	case http.StatusBadRequest:
		httputil.WriteBadRequest(w, err.Error())
	case http.StatusServiceUnavailable:
		h.requestLogger(r).WithError(err).Error("Permission store unavailable")
		httputil.WriteServiceUnavailable(w, "permission store unavailable")
	default:
		h.requestLogger(r).WithError(err).Error("RBAC request failed")
		httputil.WriteInternalError(w)
	}
}

// failed writes err and reports true. A change that committed but could not
// invalidate the cache is logged and treated as success.
func (h *Handlers) failed(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCacheInvalidation) {
		h.requestLogger(r).WithError(err).Warn("Decision cache may serve stale results until TTL")
		return false
	}
	h.writeError(w, r, err)
	return true
}

func (h *Handlers) requestLogger(r *http.Request) *observability.Logger {
	return observability.FromContext(r.Context(), h.logger).WithField("path", r.URL.Path)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInsufficientLevel),
		errors.Is(err, ErrSystemRole),
		errors.Is(err, ErrSystemPermission),
		IsConfigurationError(err):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrPermissionInUse),
		errors.Is(err, ErrRoleInUse),
		errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrOrganizationRequired):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ListPermissions lists the catalog, optionally filtered
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	systemOnly, err := httputil.ParseQueryBool(r, "system_only", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter := PermissionFilter{
		Category:   httputil.ParseQueryString(r, "category", ""),
		Resource:   httputil.ParseQueryString(r, "resource", ""),
		SystemOnly: systemOnly,
	}

	perms, err := h.service.Store().ListPermissions(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, storeError("list permissions", err))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"permissions": perms,
		"count":       len(perms),
	})
}

type createPermissionRequest struct {
	Slug        string `json:"slug" validate:"required,min=3,max=100"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=1000"`
}

// CreatePermission adds a custom permission
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req createPermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	perm, err := NewPermission(req.Slug, req.Name, req.Description, false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if h.failed(w, r, h.service.CreatePermission(r.Context(), actor, &perm)) {
		return
	}
	httputil.WriteCreated(w, perm)
}

// ListRoles lists every role ordered by level
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.Store().ListRoles(r.Context())
	if err != nil {
		h.writeError(w, r, storeError("list roles", err))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

// GetMatrix returns role x permission booleans
func (h *Handlers) GetMatrix(w http.ResponseWriter, r *http.Request) {
	matrix, err := h.service.Store().PermissionMatrix(r.Context())
	if err != nil {
		h.writeError(w, r, storeError("permission matrix", err))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"matrix": matrix})
}

// GetRolePermissions lists permissions bound directly to a role
func (h *Handlers) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleId")
	if !ok {
		return
	}
	if _, err := h.service.Store().GetRole(r.Context(), roleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	perms, err := h.service.Store().GetRolePermissions(r.Context(), roleID)
	if err != nil {
		h.writeError(w, r, storeError("role permissions", err))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"permissions": perms})
}

type bindRequest struct {
	Permission  string   `json:"permission" validate:"max=100"`
	Permissions []string `json:"permissions" validate:"max=500,dive,required,max=100"`
}

// BindPermissions binds one or many permissions to a role. Existing bindings are ignored.
func (h *Handlers) BindPermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleId")
	if !ok {
		return
	}
	var req bindRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	slugs := req.Permissions
	if req.Permission != "" {
		slugs = append(slugs, req.Permission)
	}

	if len(slugs) == 0 {
		httputil.WriteBadRequest(w, "permission or permissions is required")
		return
	}

	added, err := h.service.BindPermissions(r.Context(), actor, roleID, slugs)
	if h.failed(w, r, err) {
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{"assigned": added})
}

// UnbindPermission removes ?permission=<slug> from a role
func (h *Handlers) UnbindPermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleId")
	if !ok {
		return
	}
	slug := httputil.ParseQueryString(r, "permission", "")
	if slug == "" {
		httputil.WriteBadRequest(w, "permission query parameter is required")
		return
	}

	if h.failed(w, r, h.service.UnbindPermission(r.Context(), actor, roleID, slug)) {
		return
	}
	httputil.WriteNoContent(w)
}

type inheritRequest struct {
	ChildRoleID string `json:"child_role_id" validate:"required"`
}

// AddInheritance makes the role inherit the bindings of a junior role
func (h *Handlers) AddInheritance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleId")
	if !ok {
		return
	}
	var req inheritRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if h.failed(w, r, h.service.AddRoleInheritance(r.Context(), actor, roleID, req.ChildRoleID)) {
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveInheritance deletes an inheritance edge
func (h *Handlers) RemoveInheritance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleId")
	if !ok {
		return
	}
	childID, ok := httputil.ParsePathStringOrError(w, r, "childId")
	if !ok {
		return
	}
	if h.failed(w, r, h.service.RemoveRoleInheritance(r.Context(), actor, roleID, childID)) {
		return
	}
	httputil.WriteNoContent(w)
}

// ListAssignments lists assignments in the caller's organization
func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	filter := AssignmentFilter{
		OrganizationID: actor.OrganizationID,
		UserID:         httputil.ParseQueryString(r, "user_id", ""),
		RoleID:         httputil.ParseQueryString(r, "role_id", ""),
	}
	assignments, err := h.service.Store().ListAssignments(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, storeError("list assignments", err))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"assignments": assignments})
}

type assignRequest struct {
	UserID     string     `json:"user_id" validate:"required,max=255"`
	RoleID     string     `json:"role_id" validate:"required"`
	ScopeType  string     `json:"scope_type" validate:"required_with=ScopeID,max=50"`
	ScopeID    string     `json:"scope_id" validate:"max=255"`
	ValidFrom  *time.Time `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until"`
}

// AssignRole grants a role to a user in the caller's organization
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	a := &UserRoleAssignment{
		UserID:     req.UserID,
		RoleID:     req.RoleID,
		ScopeType:  req.ScopeType,
		ScopeID:    req.ScopeID,
		ValidUntil: req.ValidUntil,
	}
	if req.ValidFrom != nil {
		a.ValidFrom = *req.ValidFrom
	}
	if h.failed(w, r, h.service.AssignRole(r.Context(), actor, a)) {
		return
	}
	httputil.WriteCreated(w, a)
}

// RevokeRole deletes the assignment named by ?id=
func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id := httputil.ParseQueryString(r, "id", "")
	if id == "" {
		httputil.WriteBadRequest(w, "id query parameter is required")
		return
	}
	if h.failed(w, r, h.service.RevokeRole(r.Context(), actor, id)) {
		return
	}
	httputil.WriteNoContent(w)
}

type grantRequest struct {
	Permission   string     `json:"permission" validate:"required"`
	ScopeType    ScopeType  `json:"scope_type" validate:"required,oneof=user role organization public"`
	ScopeID      string     `json:"scope_id" validate:"required_unless=ScopeType public,max=255"`
	ResourceType string     `json:"resource_type" validate:"required_with=ResourceID,max=100"`
	ResourceID   string     `json:"resource_id" validate:"max=255"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// GrantResourcePermission creates a resource-level grant
func (h *Handlers) GrantResourcePermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	g := &ResourcePermission{
		PermissionSlug: req.Permission,
		ScopeType:      req.ScopeType,
		ScopeID:        req.ScopeID,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		ExpiresAt:      req.ExpiresAt,
	}
	if h.failed(w, r, h.service.GrantResourcePermission(r.Context(), actor, g)) {
		return
	}
	httputil.WriteCreated(w, g)
}

// RevokeResourcePermission deletes a resource-level grant
func (h *Handlers) RevokeResourcePermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if h.failed(w, r, h.service.RevokeResourcePermission(r.Context(), actor, id)) {
		return
	}
	httputil.WriteNoContent(w)
}

// ListOverrides lists the caller's organization's overrides, filterable by user_id and status
func (h *Handlers) ListOverrides(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	filter := OverrideFilter{
		UserID:         httputil.ParseQueryString(r, "user_id", ""),
		OrganizationID: actor.OrganizationID,
		Status:         ApprovalStatus(httputil.ParseQueryString(r, "status", "")),
	}
	overrides, err := h.service.Store().ListOverrides(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, storeError("list overrides", err))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"overrides": overrides})
}

type overrideRequest struct {
	UserID       string       `json:"user_id" validate:"required,max=255"`
	Permission   string       `json:"permission" validate:"required"`
	OverrideType OverrideType `json:"override_type" validate:"required,oneof=grant deny elevate"`
	ResourceType string       `json:"resource_type" validate:"required_with=ResourceID,max=100"`
	ResourceID   string       `json:"resource_id" validate:"max=255"`
	Reason       string       `json:"reason" validate:"required,max=2000"`
	ExpiresAt    *time.Time   `json:"expires_at"`
}

// RequestOverride files a pending override
func (h *Handlers) RequestOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	o := &PermissionOverride{
		UserID:         req.UserID,
		PermissionSlug: req.Permission,
		OverrideType:   req.OverrideType,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Reason:         req.Reason,
		ExpiresAt:      req.ExpiresAt,
	}
	if h.failed(w, r, h.service.RequestOverride(r.Context(), actor, o)) {
		return
	}
	httputil.WriteCreated(w, o)
}

// ApproveOverride approves a pending override
func (h *Handlers) ApproveOverride(w http.ResponseWriter, r *http.Request) {
	h.decideOverride(w, r, EventApprove)
}

// RejectOverride rejects a pending override
func (h *Handlers) RejectOverride(w http.ResponseWriter, r *http.Request) {
	h.decideOverride(w, r, EventReject)
}

func (h *Handlers) decideOverride(w http.ResponseWriter, r *http.Request, evt OverrideEvent) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var (
		o   *PermissionOverride
		err error
	)
	if evt == EventApprove {
		o, err = h.service.ApproveOverride(r.Context(), actor, id)
	} else {
		o, err = h.service.RejectOverride(r.Context(), actor, id)
	}
	if h.failed(w, r, err) {
		return
	}
	httputil.WriteSuccess(w, o)
}

type checkRequest struct {
	UserID     string       `json:"user_id" validate:"max=255"`
	Permission string       `json:"permission" validate:"required,max=100"`
	Resource   *ResourceRef `json:"resource"`
}

// CheckPermission answers a single permission question for the caller, or
// for another user when the caller holds roles.view. Only the outcome is
// returned; the reason goes to the audit trail.
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Resource != nil && (req.Resource.Type == "" || req.Resource.ID == "") {
		httputil.WriteBadRequest(w, "resource requires type and id")
		return
	}

	subject := actor.UserID
	if req.UserID != "" && req.UserID != actor.UserID {
		if err := h.guard.authorize(r.Context(), actor, PermViewRoles); err != nil {
			h.writeError(w, r, err)
			return
		}
		subject = req.UserID
	}

	decision, err := h.service.Checker().Evaluate(r.Context(), Request{
		UserID:         subject,
		OrganizationID: actor.OrganizationID,
		Permission:     req.Permission,
		Resource:       req.Resource,
	})
	if err != nil && !IsConfigurationError(err) {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"allowed": decision.Allowed})
}

// GetEffectivePermissions lists every permission slug a user holds in the
// caller's organization. Users may always read their own.
func (h *Handlers) GetEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	if userID != actor.UserID {
		if err := h.guard.authorize(r.Context(), actor, PermViewRoles); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	perms, err := h.service.EffectivePermissions(r.Context(), userID, actor.OrganizationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":         userID,
		"organization_id": actor.OrganizationID,
		"permissions":     perms,
	})
}
