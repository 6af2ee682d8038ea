package rbac

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the declarative seed of roles, permissions, bindings and hierarchy
type Catalog struct {
	Roles       []CatalogRole       `yaml:"roles"`
	Permissions []CatalogPermission `yaml:"permissions"`
	Bindings    map[string][]string `yaml:"bindings"` // role slug -> permission slugs
}

// CatalogRole declares a role and the junior roles it inherits from
type CatalogRole struct {
	Slug        string   `yaml:"slug"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Level       int      `yaml:"level"`
	System      bool     `yaml:"system"`
	Inherits    []string `yaml:"inherits"`
}

// CatalogPermission declares a permission
type CatalogPermission struct {
	Slug        string `yaml:"slug"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	System      bool   `yaml:"system"`
}

// ApplyResult counts what ApplyCatalog changed
type ApplyResult struct {
	RolesCreated       int `json:"roles_created"`
	PermissionsCreated int `json:"permissions_created"`
	BindingsAdded      int `json:"bindings_added"`
	EdgesEnsured       int `json:"edges_ensured"`
}

// Changed reports whether anything new was written
func (r ApplyResult) Changed() bool {
	return r.RolesCreated+r.PermissionsCreated+r.BindingsAdded > 0
}

// ParseCatalog decodes and validates a catalog document
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// LoadCatalog reads a catalog from a YAML file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() *Catalog {
	cat, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return cat
}

// Validate checks the catalog is internally consistent. Built-in role slugs
// must keep their built-in levels.
func (c *Catalog) Validate() error {
	builtIn := BuiltInRoleLevels()
	roles := make(map[string]CatalogRole, len(c.Roles))
	for _, r := range c.Roles {
		if r.Slug == "" {
			return fmt.Errorf("%w: catalog role without slug", ErrInvalidInput)
		}
		if _, dup := roles[r.Slug]; dup {
			return fmt.Errorf("%w: duplicate catalog role %q", ErrInvalidInput, r.Slug)
		}
		if level, ok := builtIn[r.Slug]; ok && level != r.Level {
			return fmt.Errorf("%w: built-in role %q must have level %d", ErrInvalidInput, r.Slug, level)
		}
		roles[r.Slug] = r
	}
	for _, r := range c.Roles {
		for _, child := range r.Inherits {
			junior, ok := roles[child]
			if !ok {
				return fmt.Errorf("%w: role %q inherits unknown role %q", ErrInvalidInput, r.Slug, child)
			}
			if junior.Level >= r.Level {
				return fmt.Errorf("%w: role %q may only inherit junior roles, %q is not", ErrInvalidInput, r.Slug, child)
			}
		}
	}

	perms := make(map[string]bool, len(c.Permissions))
	for _, p := range c.Permissions {
		if _, _, err := ParseSlug(p.Slug); err != nil {
			return err
		}
		if perms[p.Slug] {
			return fmt.Errorf("%w: duplicate catalog permission %q", ErrInvalidInput, p.Slug)
		}
		perms[p.Slug] = true
	}

	for role, slugs := range c.Bindings {
		if _, ok := roles[role]; !ok {
			return fmt.Errorf("%w: bindings for unknown role %q", ErrInvalidInput, role)
		}
		for _, slug := range slugs {
			if !perms[slug] {
				return fmt.Errorf("%w: role %q binds unknown permission %q", ErrInvalidInput, role, slug)
			}
		}
	}
	return nil
}

// ApplyCatalog seeds the store from cat. Existing rows are left alone, so
// applying the same catalog twice changes nothing. Callers own cache invalidation.
func ApplyCatalog(ctx context.Context, store *Store, cat *Catalog) (ApplyResult, error) {
	var result ApplyResult

	roleIDs := make(map[string]string, len(cat.Roles))
	for _, cr := range cat.Roles {
		role, err := store.GetRoleBySlug(ctx, cr.Slug)
		if errors.Is(err, ErrNotFound) {
			role = &Role{Name: cr.Name, Slug: cr.Slug, Description: cr.Description, Level: cr.Level, IsSystem: cr.System}
			if err := store.CreateRole(ctx, role); err != nil {
				return result, err
			}
			result.RolesCreated++
		} else if err != nil {
			return result, err
		} else if role.Description != cr.Description {
			if err := store.UpdateRoleDescription(ctx, role.ID, cr.Description); err != nil {
				return result, err
			}
		}
		roleIDs[cr.Slug] = role.ID
	}

	for _, cp := range cat.Permissions {
		_, err := store.GetPermissionBySlug(ctx, cp.Slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return result, err
		}
		perm := &Permission{Slug: cp.Slug, Name: cp.Name, Description: cp.Description, IsSystem: cp.System}
		if err := store.CreatePermission(ctx, perm); err != nil {
			return result, err
		}
		result.PermissionsCreated++
	}

	for _, cr := range cat.Roles {
		for _, child := range cr.Inherits {
			if err := store.AddRoleInheritance(ctx, roleIDs[cr.Slug], roleIDs[child]); err != nil {
				return result, fmt.Errorf("failed to link %s -> %s: %w", cr.Slug, child, err)
			}
			result.EdgesEnsured++
		}
	}

	roles := make([]string, 0, len(cat.Bindings))
	for role := range cat.Bindings {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		added, err := store.BindPermissions(ctx, roleIDs[role], cat.Bindings[role])
		if err != nil {
			return result, fmt.Errorf("failed to bind permissions to %s: %w", role, err)
		}
		result.BindingsAdded += added
	}

	return result, nil
}

// Slugs returns every permission slug in the catalog
func (c *Catalog) Slugs() []string {
	out := make([]string, len(c.Permissions))
	for i, p := range c.Permissions {
		out[i] = p.Slug
	}
	return out
}
