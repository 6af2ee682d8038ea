// Package rbac provides permission evaluation for the multi-tenant learning platform.
//
// # Overview
//
// The package answers one question, "may user U perform permission P in
// organization O, optionally on resource R?", and owns the data that
// determines the answer:
//
//  1. Permissions: catalog entries named "resource.action" (e.g. "courses.publish")
//  2. Roles: named bundles of permissions with a numeric level
//  3. Hierarchy: directed edges through which a role inherits another role's bindings
//  4. Assignments: time-bounded grants of a role to a user within an organization
//  5. Resource grants: a permission on one resource for a user, role, organization or everyone
//  6. Overrides: per-user grant, deny or elevate entries that pass through an approval workflow
//
// # Built-In Roles
//
// The embedded catalog (catalog.yaml) defines eight system roles:
//
//	guest        0   browse the public catalog
//	learner     10   enroll, take quizzes, use the AI tutor
//	instructor  20   author and publish courses
//	analyst     30   view and export analytics
//	manager     40   manage teams, issue certificates
//	org_admin   50   manage users, roles and billing of one organization
//	super_admin 60   platform administration
//	system      70   maintenance jobs
//
// A role inherits the bindings of the roles listed under it, so manager
// holds everything instructor and analyst hold. Levels decide who may assign
// what: an actor may only assign roles strictly below their own effective level.
//
//	ok := rbac.CanAssignRole(actorLevel, role.Level)
//
// # Evaluation
//
// Evaluate walks the sources in a fixed order and stops at the first match:
//
//  1. an approved, unexpired deny override
//  2. an approved, unexpired grant or elevate override
//  3. a resource grant whose scope covers the user and whose binding covers the resource
//  4. a binding on an active assigned role or any role it inherits
//  5. otherwise the request is denied
//
// Errors never allow. A store failure yields a deny with a *PermissionCheckError
// that matches ErrStoreUnavailable; a slug missing from the catalog yields a deny
// with a *ConfigurationError.
//
//	d, err := checker.Evaluate(ctx, rbac.Request{
//		UserID:         userID,
//		OrganizationID: orgID,
//		Permission:     "courses.update",
//		Resource:       &rbac.ResourceRef{Type: "course", ID: courseID},
//	})
//	if err != nil || !d.Allowed {
//		return errForbidden
//	}
//
// # Decision Cache
//
// Decisions are cached per (user, organization, permission, resource) in one of
// the backends under pkg/rbac/cache (memory, redis or sql). Every entry records
// the invalidation generations current when its computation began, so a write
// that lands mid-computation is never masked by the result. Entries live no
// longer than the configured TTL and never past the next assignment, grant or
// override expiry that would change them.
//
// All writes go through Service, which invalidates the affected users after
// the change commits:
//
//	err := service.AssignRole(ctx, actor, &rbac.UserRoleAssignment{UserID: id, RoleID: roleID})
//	if errors.Is(err, rbac.ErrCacheInvalidation) {
//		// committed; cached decisions may be stale until they expire
//	}
//
// # HTTP
//
// PermissionMiddleware guards routes by permission, by resource permission,
// by any-of or all-of a set of permissions, or by plain membership. Every
// denial is audited and answered with a bare 403. Handlers exposes the
// administration API under /rbac.
//
//	guard := manager.GetMiddleware()
//	router.Handle("/courses/{courseId}",
//		guard.RequireResourcePermission("courses.update", "course", "courseId")(updateCourse),
//	).Methods("PUT")
//
// # Database Schema
//
//   - roles, permissions, role_permissions: the catalog
//   - role_hierarchy: inheritance edges
//   - user_roles: assignments with validity windows
//   - resource_permissions: resource-level grants
//   - permission_overrides: overrides and their approval state
//   - permission_cache, permission_cache_generations: the sql cache backend
//
// Migrations run with RunMigrations and are safe to repeat. ApplyCatalog seeds
// the catalog idempotently; CatalogWatcher re-applies it when the file changes.
package rbac
