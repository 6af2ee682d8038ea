package rbac

import (
	"context"
)

// maxHierarchyDepth bounds the inheritance walk
const maxHierarchyDepth = 10

// CanAssignRole reports whether a principal at assignerLevel may assign a role at targetLevel.
// The comparison is strict, so no one can assign their own level or above.
func CanAssignRole(assignerLevel, targetLevel int) bool {
	return assignerLevel > targetLevel
}

// EffectiveLevel returns the highest level among roles, or LevelGuest when there are none
func EffectiveLevel(roles []Role) int {
	level := LevelGuest
	for _, r := range roles {
		if r.Level > level {
			level = r.Level
		}
	}
	return level
}

// CanAssign reports whether a principal holding assigner roles may assign target
func CanAssign(assigner []Role, target Role) bool {
	return CanAssignRole(EffectiveLevel(assigner), target.Level)
}

// expandRoles returns roles plus every junior role they inherit through role_hierarchy.
// The walk is breadth first, visits each role once and stops at maxHierarchyDepth.
func expandRoles(ctx context.Context, ds DataSource, roles []Role) ([]Role, error) {
	seen := make(map[string]bool, len(roles))
	out := make([]Role, 0, len(roles))
	frontier := make([]Role, 0, len(roles))
	for _, r := range roles {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
		frontier = append(frontier, r)
	}

	for depth := 0; depth < maxHierarchyDepth && len(frontier) > 0; depth++ {
		var next []Role
		for _, r := range frontier {
			children, err := ds.GetChildRoles(ctx, r.ID)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if seen[c.ID] {
					continue
				}
				seen[c.ID] = true
				out = append(out, c)
				next = append(next, c)
			}
		}
		frontier = next
	}
	return out, nil
}
