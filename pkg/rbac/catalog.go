package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// Built-in role levels. Higher levels may assign lower ones.
const (
	LevelGuest      = 0
	LevelLearner    = 10
	LevelInstructor = 20
	LevelAnalyst    = 30
	LevelManager    = 40
	LevelOrgAdmin   = 50
	LevelSuperAdmin = 60
	LevelSystem     = 70
)

// Built-in role slugs
const (
	RoleGuest      = "guest"
	RoleLearner    = "learner"
	RoleInstructor = "instructor"
	RoleAnalyst    = "analyst"
	RoleManager    = "manager"
	RoleOrgAdmin   = "org_admin"
	RoleSuperAdmin = "super_admin"
	RoleSystem     = "system"
)

// BuiltInRoleLevels maps every built-in role slug to its level
func BuiltInRoleLevels() map[string]int {
	return map[string]int{
		RoleGuest:      LevelGuest,
		RoleLearner:    LevelLearner,
		RoleInstructor: LevelInstructor,
		RoleAnalyst:    LevelAnalyst,
		RoleManager:    LevelManager,
		RoleOrgAdmin:   LevelOrgAdmin,
		RoleSuperAdmin: LevelSuperAdmin,
		RoleSystem:     LevelSystem,
	}
}

// Permissions that gate the administration of the permission system itself
const (
	PermManagePermissions         = "roles.manage_permissions"
	PermManagePermissionOverrides = "roles.manage_permission_overrides"
	PermApprovePermissionOverride = "roles.approve_permission_overrides"
	PermManageRoles               = "roles.manage"
	PermViewRoles                 = "roles.view"

	// PermManagePlatform gates changes that reach every organization: the
	// catalog, role bindings, the hierarchy and public grants
	PermManagePlatform = "admin.manage"
)

// ParseSlug splits a permission slug into resource and action.
// The resource is everything before the first dot: "admin.ai.manage" is ("admin", "ai.manage").
func ParseSlug(slug string) (resource, action string, err error) {
	if slug != strings.ToLower(slug) || strings.ContainsAny(slug, " \t\n") {
		return "", "", fmt.Errorf("%w: malformed permission slug %q", ErrInvalidInput, slug)
	}
	resource, action, ok := strings.Cut(slug, ".")
	if !ok || resource == "" || action == "" || strings.HasSuffix(action, ".") {
		return "", "", fmt.Errorf("%w: permission slug %q must be resource.action", ErrInvalidInput, slug)
	}
	return resource, action, nil
}

// Category groups permissions for administration
type Category string

const (
	CategoryAI           Category = "ai"
	CategoryEmbeddings   Category = "embeddings"
	CategoryCourses      Category = "courses"
	CategoryCases        Category = "cases"
	CategoryGamification Category = "gamification"
	CategoryOrganization Category = "organization"
	CategoryAnalytics    Category = "analytics"
	CategoryAudit        Category = "audit"
	CategoryUsers        Category = "users"
	CategoryRoles        Category = "roles"
	CategorySocial       Category = "social"
	CategoryAdmin        Category = "admin"
	CategoryCompliance   Category = "compliance"
	CategoryBilling      Category = "billing"
	CategorySystem       Category = "system"
)

// CategoryInfo describes a category for display
type CategoryInfo struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

var categoryInfo = map[Category]CategoryInfo{
	CategoryAI:           {"AI & Machine Learning", "AI chat, coaching, training, and automation"},
	CategoryEmbeddings:   {"Semantic Search", "Vector embeddings and semantic search"},
	CategoryCourses:      {"Courses & Learning", "Course content, lessons, quizzes, and certificates"},
	CategoryCases:        {"Case Law", "Tribunal cases database and search"},
	CategoryGamification: {"Gamification", "Points, achievements, leaderboards, and social features"},
	CategoryOrganization: {"Organization", "Organization settings, teams, and subscriptions"},
	CategoryAnalytics:    {"Analytics", "Usage analytics and reporting"},
	CategoryAudit:        {"Audit & Compliance", "Audit logs, compliance reports, and security"},
	CategoryUsers:        {"User Management", "User accounts, profiles, and invitations"},
	CategoryRoles:        {"Roles & Permissions", "Role management and permission assignment"},
	CategorySocial:       {"Social Features", "Study groups, follows, peer reviews"},
	CategoryAdmin:        {"Administration", "Platform administration and configuration"},
	CategoryCompliance:   {"Compliance", "Data compliance, privacy, and regulations"},
	CategoryBilling:      {"Billing", "Subscription billing and payment management"},
	CategorySystem:       {"System", "System-level operations and maintenance"},
}

var resourceCategories = map[string]Category{
	"ai":            CategoryAI,
	"embeddings":    CategoryEmbeddings,
	"courses":       CategoryCourses,
	"lessons":       CategoryCourses,
	"quizzes":       CategoryCourses,
	"certificates":  CategoryCourses,
	"ce_credits":    CategoryCourses,
	"cases":         CategoryCases,
	"gamification":  CategoryGamification,
	"achievements":  CategoryGamification,
	"leaderboards":  CategoryGamification,
	"points":        CategoryGamification,
	"organization":  CategoryOrganization,
	"subscriptions": CategoryOrganization,
	"teams":         CategoryOrganization,
	"analytics":     CategoryAnalytics,
	"audit_logs":    CategoryAudit,
	"compliance":    CategoryAudit,
	"users":         CategoryUsers,
	"profiles":      CategoryUsers,
	"roles":         CategoryRoles,
	"social":        CategorySocial,
	"admin":         CategoryAdmin,
	"billing":       CategoryBilling,
}

// CategoryForResource derives the category of a permission from its resource.
// Unknown resources fall into the system category.
func CategoryForResource(resource string) Category {
	if c, ok := resourceCategories[strings.ToLower(resource)]; ok {
		return c
	}
	return CategorySystem
}

// Categories returns every category with its display info
func Categories() map[Category]CategoryInfo {
	out := make(map[Category]CategoryInfo, len(categoryInfo))
	for k, v := range categoryInfo {
		out[k] = v
	}
	return out
}

// GroupByCategory buckets permissions by category. Every category is present in the result.
func GroupByCategory(perms []Permission) map[Category][]Permission {
	grouped := make(map[Category][]Permission, len(categoryInfo))
	for c := range categoryInfo {
		grouped[c] = []Permission{}
	}
	for _, p := range perms {
		c := CategoryForResource(p.Resource)
		grouped[c] = append(grouped[c], p)
	}
	for c := range grouped {
		sort.Slice(grouped[c], func(i, j int) bool { return grouped[c][i].Slug < grouped[c][j].Slug })
	}
	return grouped
}

// NewPermission builds a catalog entry from a slug, deriving resource, action and category
func NewPermission(slug, name, description string, isSystem bool) (Permission, error) {
	resource, action, err := ParseSlug(slug)
	if err != nil {
		return Permission{}, err
	}
	if name == "" {
		name = slug
	}
	return Permission{
		Slug:        slug,
		Name:        name,
		Description: description,
		Resource:    resource,
		Action:      action,
		Category:    string(CategoryForResource(resource)),
		IsSystem:    isSystem,
	}, nil
}
