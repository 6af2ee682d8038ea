package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store handles RBAC data persistence. It implements DataSource.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) isPostgres() bool {
	_, ok := s.db.Driver().(*pq.Driver)
	return ok
}

const (
	roleColumns       = "r.id, r.name, r.slug, r.description, r.level, r.is_system, r.created_at"
	permissionColumns = "p.id, p.slug, p.name, p.description, p.resource, p.action, p.category, p.is_system, p.created_at"
	assignmentColumns = "ur.id, ur.user_id, ur.role_id, ur.organization_id, ur.scope_type, ur.scope_id, ur.valid_from, ur.valid_until, ur.granted_by, ur.created_at"
	grantColumns      = "rp.id, rp.permission_id, p.slug, rp.organization_id, rp.scope_type, rp.scope_id, rp.resource_type, rp.resource_id, rp.granted_by, rp.expires_at, rp.created_at"
	overrideColumns   = "o.id, o.user_id, o.organization_id, o.permission_id, p.slug, o.override_type, o.approval_status, o.resource_type, o.resource_id, o.reason, o.requested_by, o.approved_by, o.approved_at, o.expires_at, o.created_at"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Roles

func scanRole(row rowScanner) (*Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.Slug, &r.Description, &r.Level, &r.IsSystem, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRole inserts a role. ID and CreatedAt are assigned here.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if role.Slug == "" || role.Name == "" {
		return fmt.Errorf("%w: role name and slug are required", ErrInvalidInput)
	}

	role.ID = uuid.NewString()
	role.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (id, name, slug, description, level, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, role.ID, role.Name, role.Slug, role.Description, role.Level, role.IsSystem, role.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("role %q: %w", role.Slug, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID string) (*Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles r WHERE r.id = $1", roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleBySlug retrieves a role by slug
func (s *Store) GetRoleBySlug(ctx context.Context, slug string) (*Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles r WHERE r.slug = $1", slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles returns every role ordered by level
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+roleColumns+" FROM roles r ORDER BY r.level, r.slug")
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// UpdateRoleDescription is the only update allowed on a role
func (s *Store) UpdateRoleDescription(ctx context.Context, roleID, description string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE roles SET description = $1 WHERE id = $2", description, roleID)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	return nil
}

// DeleteRole removes a custom role with no assignments, along with its bindings and hierarchy edges
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("role %q: %w", role.Slug, ErrSystemRole)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var assignments int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_roles WHERE role_id = $1", roleID).Scan(&assignments); err != nil {
		return fmt.Errorf("failed to count assignments: %w", err)
	}
	if assignments > 0 {
		return fmt.Errorf("role %q has %d assignments: %w", role.Slug, assignments, ErrRoleInUse)
	}

	for _, q := range []string{
		"DELETE FROM role_permissions WHERE role_id = $1",
		"DELETE FROM role_hierarchy WHERE parent_role_id = $1 OR child_role_id = $1",
		"DELETE FROM roles WHERE id = $1",
	} {
		if _, err := tx.ExecContext(ctx, q, roleID); err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
	}
	return tx.Commit()
}

// Permissions

// PermissionFilter narrows ListPermissions. Zero values match everything.
type PermissionFilter struct {
	Category   string
	Resource   string
	SystemOnly bool
}

func scanPermission(row rowScanner) (*Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Description, &p.Resource, &p.Action, &p.Category, &p.IsSystem, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePermission inserts a catalog entry. Resource, action and category are
// derived from the slug.
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	derived, err := NewPermission(perm.Slug, perm.Name, perm.Description, perm.IsSystem)
	if err != nil {
		return err
	}
	derived.ID = uuid.NewString()
	derived.CreatedAt = s.now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permissions (id, slug, name, description, resource, action, category, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, derived.ID, derived.Slug, derived.Name, derived.Description, derived.Resource, derived.Action, derived.Category, derived.IsSystem, derived.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("permission %q: %w", perm.Slug, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}

	*perm = derived
	return nil
}

// GetPermissionBySlug returns ErrNotFound when the slug is not in the catalog
func (s *Store) GetPermissionBySlug(ctx context.Context, slug string) (*Permission, error) {
	perm, err := scanPermission(s.db.QueryRowContext(ctx, "SELECT "+permissionColumns+" FROM permissions p WHERE p.slug = $1", slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// ListPermissions returns catalog entries ordered by slug
func (s *Store) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	query := "SELECT " + permissionColumns + " FROM permissions p WHERE 1=1"
	var args []interface{}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND p.category = $%d", len(args))
	}
	if filter.Resource != "" {
		args = append(args, filter.Resource)
		query += fmt.Sprintf(" AND p.resource = $%d", len(args))
	}
	if filter.SystemOnly {
		query += " AND p.is_system = TRUE"
	}
	query += " ORDER BY p.slug"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// DeletePermission removes a custom permission nothing references
func (s *Store) DeletePermission(ctx context.Context, slug string) error {
	perm, err := s.GetPermissionBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if perm.IsSystem {
		return fmt.Errorf("permission %q: %w", slug, ErrSystemPermission)
	}

	var refs int
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM role_permissions WHERE permission_id = $1) +
			(SELECT COUNT(*) FROM resource_permissions WHERE permission_id = $1) +
			(SELECT COUNT(*) FROM permission_overrides WHERE permission_id = $1)
	`, perm.ID).Scan(&refs)
	if err != nil {
		return fmt.Errorf("failed to count permission references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("permission %q has %d references: %w", slug, refs, ErrPermissionInUse)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM permissions WHERE id = $1", perm.ID); err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	return nil
}

// Role bindings

// BindPermissions binds every slug to the role and returns how many bindings were new.
// Existing bindings are left alone. Unknown slugs fail the whole batch.
func (s *Store) BindPermissions(ctx context.Context, roleID string, slugs []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM roles WHERE id = $1", roleID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to look up role: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}

	now := s.now().UTC()
	added := 0
	for _, slug := range slugs {
		var permID string
		err := tx.QueryRowContext(ctx, "SELECT id FROM permissions WHERE slug = $1", slug).Scan(&permID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("permission %q: %w", slug, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to look up permission: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO role_permissions (id, role_id, permission_id, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (role_id, permission_id) DO NOTHING
		`, uuid.NewString(), roleID, permID, now)
		if err != nil {
			return 0, fmt.Errorf("failed to bind permission: %w", err)
		}
		n, _ := result.RowsAffected()
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bindings: %w", err)
	}
	return added, nil
}

// UnbindPermission removes one binding
func (s *Store) UnbindPermission(ctx context.Context, roleID, slug string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM role_permissions
		WHERE role_id = $1 AND permission_id = (SELECT id FROM permissions WHERE slug = $2)
	`, roleID, slug)
	if err != nil {
		return fmt.Errorf("failed to unbind permission: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("binding %s/%s: %w", roleID, slug, ErrNotFound)
	}
	return nil
}

// GetRolePermissions returns the permissions bound directly to a role
func (s *Store) GetRolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+permissionColumns+`
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.slug
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// Role hierarchy

// GetChildRoles returns the junior roles a role directly inherits from
func (s *Store) GetChildRoles(ctx context.Context, roleID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roleColumns+`
		FROM roles r
		JOIN role_hierarchy h ON h.child_role_id = r.id
		WHERE h.parent_role_id = $1
		ORDER BY r.level DESC, r.slug
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get child roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// AddRoleInheritance makes parent inherit child's bindings. Edges that would
// close a cycle are rejected. Adding an existing edge is a no-op.
func (s *Store) AddRoleInheritance(ctx context.Context, parentRoleID, childRoleID string) error {
	if parentRoleID == childRoleID {
		return fmt.Errorf("%w: a role cannot inherit from itself", ErrInvalidInput)
	}
	if _, err := s.GetRole(ctx, parentRoleID); err != nil {
		return err
	}
	child, err := s.GetRole(ctx, childRoleID)
	if err != nil {
		return err
	}

	descendants, err := expandRoles(ctx, s, []Role{*child})
	if err != nil {
		return fmt.Errorf("failed to walk hierarchy: %w", err)
	}
	for _, d := range descendants {
		if d.ID == parentRoleID {
			return fmt.Errorf("%w: inheritance from %s would create a cycle", ErrInvalidInput, child.Slug)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_hierarchy (parent_role_id, child_role_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (parent_role_id, child_role_id) DO NOTHING
	`, parentRoleID, childRoleID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add role inheritance: %w", err)
	}
	return nil
}

// RemoveRoleInheritance deletes an edge
func (s *Store) RemoveRoleInheritance(ctx context.Context, parentRoleID, childRoleID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM role_hierarchy WHERE parent_role_id = $1 AND child_role_id = $2",
		parentRoleID, childRoleID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove role inheritance: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("inheritance %s -> %s: %w", parentRoleID, childRoleID, ErrNotFound)
	}
	return nil
}

// Assignments

// AssignmentFilter narrows ListAssignments. Zero values match everything.
type AssignmentFilter struct {
	UserID         string
	OrganizationID string
	RoleID         string
}

func scanAssignment(row rowScanner, a *UserRoleAssignment) error {
	var validUntil sql.NullTime
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.OrganizationID, &a.ScopeType, &a.ScopeID, &a.ValidFrom, &validUntil, &a.GrantedBy, &a.CreatedAt); err != nil {
		return err
	}
	a.ValidUntil = timePtr(validUntil)
	return nil
}

// AssignRole inserts an assignment. A zero ValidFrom means now. An identical
// tuple that is still active is rejected with ErrAlreadyExists.
func (s *Store) AssignRole(ctx context.Context, a *UserRoleAssignment) error {
	if a.UserID == "" || a.RoleID == "" || a.OrganizationID == "" {
		return fmt.Errorf("%w: user, role and organization are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	if a.ValidFrom.IsZero() {
		a.ValidFrom = now
	}
	if a.ValidUntil != nil && a.ValidUntil.Before(a.ValidFrom) {
		return fmt.Errorf("%w: valid_until precedes valid_from", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Serializes concurrent assignments of the same tuple on PostgreSQL. The
	// partial unique index covers open-ended rows on every backend.
	if s.isPostgres() {
		lockKey := strings.Join([]string{a.UserID, a.RoleID, a.OrganizationID, a.ScopeType, a.ScopeID}, "|")
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockKey); err != nil {
			return fmt.Errorf("failed to lock assignment: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM user_roles ur
		WHERE ur.user_id = $1 AND ur.role_id = $2 AND ur.organization_id = $3
			AND ur.scope_type = $4 AND ur.scope_id = $5
	`, a.UserID, a.RoleID, a.OrganizationID, a.ScopeType, a.ScopeID)
	if err != nil {
		return fmt.Errorf("failed to check existing assignments: %w", err)
	}
	for rows.Next() {
		var existing UserRoleAssignment
		if err := scanAssignment(rows, &existing); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan assignment: %w", err)
		}
		if existing.IsActiveAt(now) {
			rows.Close()
			return fmt.Errorf("assignment %s: %w", existing.ID, ErrAlreadyExists)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to check existing assignments: %w", err)
	}

	a.ID = uuid.NewString()
	a.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_roles (id, user_id, role_id, organization_id, scope_type, scope_id, valid_from, valid_until, granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.UserID, a.RoleID, a.OrganizationID, a.ScopeType, a.ScopeID, a.ValidFrom.UTC(), nullTime(a.ValidUntil), a.GrantedBy, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("assignment for %s: %w", a.UserID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return tx.Commit()
}

// GetAssignment retrieves an assignment by ID
func (s *Store) GetAssignment(ctx context.Context, id string) (*UserRoleAssignment, error) {
	var a UserRoleAssignment
	err := scanAssignment(s.db.QueryRowContext(ctx, "SELECT "+assignmentColumns+" FROM user_roles ur WHERE ur.id = $1", id), &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

// RevokeAssignment deletes an assignment and returns what was removed
func (s *Store) RevokeAssignment(ctx context.Context, id string) (*UserRoleAssignment, error) {
	a, err := s.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM user_roles WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke assignment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("assignment %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// ListAssignments returns assignments matching filter, including inactive ones
func (s *Store) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]UserRoleAssignment, error) {
	query := "SELECT " + assignmentColumns + " FROM user_roles ur WHERE 1=1"
	var args []interface{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND ur.user_id = $%d", len(args))
	}
	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		query += fmt.Sprintf(" AND ur.organization_id = $%d", len(args))
	}
	if filter.RoleID != "" {
		args = append(args, filter.RoleID)
		query += fmt.Sprintf(" AND ur.role_id = $%d", len(args))
	}
	query += " ORDER BY ur.created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []UserRoleAssignment
	for rows.Next() {
		var a UserRoleAssignment
		if err := scanAssignment(rows, &a); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetRolesForUser returns every assignment the user holds in the organization with its role
func (s *Store) GetRolesForUser(ctx context.Context, userID, organizationID string) ([]AssignedRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assignmentColumns+`, `+roleColumns+`
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.organization_id = $2
		ORDER BY r.level DESC
	`, userID, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	var out []AssignedRole
	for rows.Next() {
		var (
			ar         AssignedRole
			validUntil sql.NullTime
		)
		a := &ar.Assignment
		r := &ar.Role
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.RoleID, &a.OrganizationID, &a.ScopeType, &a.ScopeID, &a.ValidFrom, &validUntil, &a.GrantedBy, &a.CreatedAt,
			&r.ID, &r.Name, &r.Slug, &r.Description, &r.Level, &r.IsSystem, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		a.ValidUntil = timePtr(validUntil)
		out = append(out, ar)
	}
	return out, rows.Err()
}

// Resource grants

func scanGrant(row rowScanner) (*ResourcePermission, error) {
	var (
		g         ResourcePermission
		scopeType string
		expiresAt sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.PermissionID, &g.PermissionSlug, &g.OrganizationID, &scopeType, &g.ScopeID, &g.ResourceType, &g.ResourceID, &g.GrantedBy, &expiresAt, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.ScopeType = ScopeType(scopeType)
	g.ExpiresAt = timePtr(expiresAt)
	return &g, nil
}

// CreateResourcePermission inserts a grant of PermissionSlug to a scope
func (s *Store) CreateResourcePermission(ctx context.Context, g *ResourcePermission) error {
	if !g.ScopeType.Valid() {
		return fmt.Errorf("%w: unknown scope type %q", ErrInvalidInput, g.ScopeType)
	}
	if g.ScopeType != ScopePublic && g.ScopeID == "" {
		return fmt.Errorf("%w: scope_id is required for %s grants", ErrInvalidInput, g.ScopeType)
	}
	if g.ResourceID != "" && g.ResourceType == "" {
		return fmt.Errorf("%w: resource_id requires resource_type", ErrInvalidInput)
	}
	if g.GrantedBy == "" {
		return fmt.Errorf("%w: granted_by is required", ErrInvalidInput)
	}

	perm, err := s.GetPermissionBySlug(ctx, g.PermissionSlug)
	if err != nil {
		return err
	}

	g.ID = uuid.NewString()
	g.PermissionID = perm.ID
	g.CreatedAt = s.now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resource_permissions (id, permission_id, organization_id, scope_type, scope_id, resource_type, resource_id, granted_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, g.ID, g.PermissionID, g.OrganizationID, string(g.ScopeType), g.ScopeID, g.ResourceType, g.ResourceID, g.GrantedBy, nullTime(g.ExpiresAt), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create resource permission: %w", err)
	}
	return nil
}

// GetResourcePermission retrieves a grant by ID
func (s *Store) GetResourcePermission(ctx context.Context, id string) (*ResourcePermission, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		SELECT `+grantColumns+`
		FROM resource_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource permission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource permission: %w", err)
	}
	return g, nil
}

// DeleteResourcePermission removes a grant and returns it
func (s *Store) DeleteResourcePermission(ctx context.Context, id string) (*ResourcePermission, error) {
	g, err := s.GetResourcePermission(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM resource_permissions WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("failed to delete resource permission: %w", err)
	}
	return g, nil
}

// GetResourcePermissions returns every grant of a permission, expired ones included
func (s *Store) GetResourcePermissions(ctx context.Context, permissionSlug string) ([]ResourcePermission, error) {
	return s.listGrants(ctx, permissionSlug)
}

// ListResourcePermissions returns grants of one permission, or all grants for an empty slug
func (s *Store) ListResourcePermissions(ctx context.Context, permissionSlug string) ([]ResourcePermission, error) {
	return s.listGrants(ctx, permissionSlug)
}

func (s *Store) listGrants(ctx context.Context, permissionSlug string) ([]ResourcePermission, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM resource_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
	`
	var args []interface{}
	if permissionSlug != "" {
		query += " WHERE p.slug = $1"
		args = append(args, permissionSlug)
	}
	query += " ORDER BY rp.created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get resource permissions: %w", err)
	}
	defer rows.Close()

	var out []ResourcePermission
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource permission: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// Overrides

// OverrideFilter narrows ListOverrides. Zero values match everything.
type OverrideFilter struct {
	UserID         string
	OrganizationID string
	Status         ApprovalStatus
}

func scanOverride(row rowScanner) (*PermissionOverride, error) {
	var (
		o                     PermissionOverride
		overrideType, status  string
		approvedBy            sql.NullString
		approvedAt, expiresAt sql.NullTime
	)
	if err := row.Scan(
		&o.ID, &o.UserID, &o.OrganizationID, &o.PermissionID, &o.PermissionSlug, &overrideType, &status,
		&o.ResourceType, &o.ResourceID, &o.Reason, &o.RequestedBy,
		&approvedBy, &approvedAt, &expiresAt, &o.CreatedAt,
	); err != nil {
		return nil, err
	}
	o.OverrideType = OverrideType(overrideType)
	o.ApprovalStatus = ApprovalStatus(status)
	if approvedBy.Valid {
		o.ApprovedBy = &approvedBy.String
	}
	o.ApprovedAt = timePtr(approvedAt)
	o.ExpiresAt = timePtr(expiresAt)
	return &o, nil
}

// CreateOverride inserts a pending override request
func (s *Store) CreateOverride(ctx context.Context, o *PermissionOverride) error {
	if !o.OverrideType.Valid() {
		return fmt.Errorf("%w: unknown override type %q", ErrInvalidInput, o.OverrideType)
	}
	if o.UserID == "" || o.OrganizationID == "" || o.RequestedBy == "" {
		return fmt.Errorf("%w: user_id, organization_id and requested_by are required", ErrInvalidInput)
	}
	if o.ResourceID != "" && o.ResourceType == "" {
		return fmt.Errorf("%w: resource_id requires resource_type", ErrInvalidInput)
	}

	perm, err := s.GetPermissionBySlug(ctx, o.PermissionSlug)
	if err != nil {
		return err
	}

	o.ID = uuid.NewString()
	o.PermissionID = perm.ID
	o.ApprovalStatus = StatusPending
	o.ApprovedBy = nil
	o.ApprovedAt = nil
	o.CreatedAt = s.now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permission_overrides (id, user_id, organization_id, permission_id, override_type, approval_status, resource_type, resource_id, reason, requested_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, o.ID, o.UserID, o.OrganizationID, o.PermissionID, string(o.OverrideType), string(o.ApprovalStatus), o.ResourceType, o.ResourceID, o.Reason, o.RequestedBy, nullTime(o.ExpiresAt), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create override: %w", err)
	}
	return nil
}

// GetOverride retrieves an override by ID
func (s *Store) GetOverride(ctx context.Context, id string) (*PermissionOverride, error) {
	o, err := scanOverride(s.db.QueryRowContext(ctx, `
		SELECT `+overrideColumns+`
		FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("override %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override: %w", err)
	}
	return o, nil
}

// UpdateOverrideStatus persists a decided override. The update only applies
// while the stored row is still pending, so concurrent decisions cannot both win.
func (s *Store) UpdateOverrideStatus(ctx context.Context, o *PermissionOverride) error {
	var approvedBy interface{}
	if o.ApprovedBy != nil {
		approvedBy = *o.ApprovedBy
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE permission_overrides
		SET approval_status = $1, approved_by = $2, approved_at = $3
		WHERE id = $4 AND approval_status = $5
	`, string(o.ApprovalStatus), approvedBy, nullTime(o.ApprovedAt), o.ID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to update override: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetOverride(ctx, o.ID); err != nil {
			return err
		}
		return fmt.Errorf("override %s is no longer pending: %w", o.ID, ErrInvalidTransition)
	}
	return nil
}

// ListOverrides returns overrides matching filter, newest first
func (s *Store) ListOverrides(ctx context.Context, filter OverrideFilter) ([]PermissionOverride, error) {
	query := `
		SELECT ` + overrideColumns + `
		FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE 1=1
	`
	var args []interface{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND o.user_id = $%d", len(args))
	}
	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		query += fmt.Sprintf(" AND o.organization_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND o.approval_status = $%d", len(args))
	}
	query += " ORDER BY o.created_at DESC"

	return s.queryOverrides(ctx, query, args...)
}

// GetApprovedOverrides returns the user's approved overrides for a permission, expired ones included
func (s *Store) GetApprovedOverrides(ctx context.Context, userID, permissionSlug string) ([]PermissionOverride, error) {
	return s.queryOverrides(ctx, `
		SELECT `+overrideColumns+`
		FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.user_id = $1 AND p.slug = $2 AND o.approval_status = $3
	`, userID, permissionSlug, string(StatusApproved))
}

func (s *Store) queryOverrides(ctx context.Context, query string, args ...interface{}) ([]PermissionOverride, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []PermissionOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// Reporting and maintenance

// PermissionMatrix returns one row per permission with a flag for every role
func (s *Store) PermissionMatrix(ctx context.Context) ([]PermissionMatrixRow, error) {
	perms, err := s.ListPermissions(ctx, PermissionFilter{})
	if err != nil {
		return nil, err
	}
	roles, err := s.ListRoles(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rp.permission_id, r.slug
		FROM role_permissions rp
		JOIN roles r ON r.id = rp.role_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}
	defer rows.Close()

	bound := make(map[string]map[string]bool)
	for rows.Next() {
		var permID, roleSlug string
		if err := rows.Scan(&permID, &roleSlug); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		if bound[permID] == nil {
			bound[permID] = make(map[string]bool)
		}
		bound[permID][roleSlug] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matrix := make([]PermissionMatrixRow, 0, len(perms))
	for _, p := range perms {
		row := PermissionMatrixRow{Permission: p, Roles: make(map[string]bool, len(roles))}
		for _, r := range roles {
			row.Roles[r.Slug] = bound[p.ID][r.Slug]
		}
		matrix = append(matrix, row)
	}
	return matrix, nil
}

// PurgeExpired deletes assignments, grants and overrides whose window closed before
// cutoff. It returns the number of rows removed per table.
func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	cutoff = cutoff.UTC()
	statements := []struct {
		table string
		query string
	}{
		{"user_roles", "DELETE FROM user_roles WHERE valid_until IS NOT NULL AND valid_until <= $1"},
		{"resource_permissions", "DELETE FROM resource_permissions WHERE expires_at IS NOT NULL AND expires_at <= $1"},
		{"permission_overrides", "DELETE FROM permission_overrides WHERE expires_at IS NOT NULL AND expires_at <= $1"},
	}

	purged := make(map[string]int64, len(statements))
	for _, st := range statements {
		result, err := s.db.ExecContext(ctx, st.query, cutoff)
		if err != nil {
			return purged, fmt.Errorf("failed to purge %s: %w", st.table, err)
		}
		n, _ := result.RowsAffected()
		purged[st.table] = n
	}
	return purged, nil
}
