package rbac

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/rbac/cache"
)

const smallCatalog = `
roles:
  - {slug: guest, name: Guest, level: 0, system: true}
  - {slug: learner, name: Learner, level: 10, system: true, inherits: [guest]}
permissions:
  - {slug: courses.view, name: View courses}
  - {slug: lessons.view, name: View lessons}
bindings:
  guest: [courses.view]
  learner: [lessons.view]
`

const updatedCatalog = `
roles:
  - {slug: guest, name: Guest, level: 0, system: true}
  - {slug: learner, name: Learner, level: 10, system: true, inherits: [guest]}
permissions:
  - {slug: courses.view, name: View courses}
  - {slug: lessons.view, name: View lessons}
  - {slug: quizzes.take, name: Take quizzes}
bindings:
  guest: [courses.view]
  learner: [lessons.view, quizzes.take]
`

func TestDefaultCatalog(t *testing.T) {
	cat := DefaultCatalog()
	require.NoError(t, cat.Validate())

	levels := BuiltInRoleLevels()
	assert.Len(t, cat.Roles, len(levels))
	for _, r := range cat.Roles {
		assert.Equal(t, levels[r.Slug], r.Level, r.Slug)
	}

	slugs := cat.Slugs()
	assert.Len(t, slugs, len(cat.Permissions))
	for _, guarded := range []string{PermManagePermissions, PermManagePermissionOverrides, PermApprovePermissionOverride, PermManageRoles, PermViewRoles} {
		assert.Contains(t, slugs, guarded)
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"built-in level changed": `
roles:
  - {slug: learner, name: Learner, level: 15}
`,
		"unknown junior": `
roles:
  - {slug: learner, name: Learner, level: 10, inherits: [ghost]}
`,
		"senior inheritance": `
roles:
  - {slug: guest, name: Guest, level: 0, inherits: [learner]}
  - {slug: learner, name: Learner, level: 10}
`,
		"duplicate role": `
roles:
  - {slug: guest, name: Guest, level: 0}
  - {slug: guest, name: Guest, level: 0}
`,
		"malformed slug": `
permissions:
  - {slug: Courses, name: Courses}
`,
		"binding to unknown permission": `
roles:
  - {slug: guest, name: Guest, level: 0}
bindings:
  guest: [courses.view]
`,
		"binding for unknown role": `
permissions:
  - {slug: courses.view, name: View}
bindings:
  ghost: [courses.view]
`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := ParseCatalog([]byte("roles: [unterminated"))
	assert.Error(t, err)
}

func TestApplyCatalog_Idempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	cat := DefaultCatalog()

	first, err := ApplyCatalog(ctx, store, cat)
	require.NoError(t, err)
	assert.True(t, first.Changed())
	assert.Equal(t, len(cat.Roles), first.RolesCreated)
	assert.Equal(t, len(cat.Permissions), first.PermissionsCreated)

	second, err := ApplyCatalog(ctx, store, cat)
	require.NoError(t, err)
	assert.False(t, second.Changed())

	cat.Roles[0].Description = "Updated guest description"
	_, err = ApplyCatalog(ctx, store, cat)
	require.NoError(t, err)
	guest := mustRole(t, store, cat.Roles[0].Slug)
	assert.Equal(t, "Updated guest description", guest.Description)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallCatalog), 0o600))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, cat.Roles, 2)
	assert.Equal(t, []string{"courses.view", "lessons.view"}, cat.Slugs())

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// invalidationRecorder is a Checker stub that only records invalidations
type invalidationRecorder struct {
	Checker
	mu        sync.Mutex
	selectors []cache.Selector
}

func (r *invalidationRecorder) Invalidate(ctx context.Context, sel cache.Selector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectors = append(r.selectors, sel)
	return nil
}

func (r *invalidationRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.selectors)
}

func TestCatalogWatcher_Reload(t *testing.T) {
	store, _ := setupTestStore(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallCatalog), 0o600))

	recorder := &invalidationRecorder{}
	w := NewCatalogWatcher(path, store, recorder, nil, testLogger())

	result, err := w.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.RolesCreated)
	assert.Equal(t, 2, result.BindingsAdded)
	require.Equal(t, 1, recorder.count())
	assert.True(t, recorder.selectors[0].IsAll())

	require.NoError(t, os.WriteFile(path, []byte("roles: [unterminated"), 0o600))
	_, err = w.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, recorder.count(), "a bad catalog changes nothing")
}

func TestCatalogWatcher_AppliesChanges(t *testing.T) {
	store, _ := setupTestStore(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallCatalog), 0o600))

	recorder := &invalidationRecorder{}
	w := NewCatalogWatcher(path, store, recorder, nil, testLogger())
	w.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(updatedCatalog), 0o600))

	assert.Eventually(t, func() bool {
		_, err := store.GetPermissionBySlug(context.Background(), "quizzes.take")
		return err == nil && recorder.count() > 0
	}, 5*time.Second, 20*time.Millisecond)
}
