package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const globalScopeKey = "*"

// SQLCache stores decisions in the permission_cache table of the primary database
type SQLCache struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLCache creates a cache over the permission_cache and permission_cache_generations tables
func NewSQLCache(db *sql.DB) *SQLCache {
	return &SQLCache{db: db, now: time.Now}
}

func (c *SQLCache) Name() string { return "sql" }

func userScopeKey(userID string) string {
	return "user:" + userID
}

// Get returns the entry if it is unexpired and both stored generations are current
func (c *SQLCache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	query := `
		SELECT c.allowed, c.reason, c.source, c.matched_roles, c.computed_at, c.expires_at,
			c.global_generation, c.user_generation,
			COALESCE((SELECT g.generation FROM permission_cache_generations g WHERE g.scope_key = $1), 0),
			COALESCE((SELECT u.generation FROM permission_cache_generations u WHERE u.scope_key = $2), 0)
		FROM permission_cache c
		WHERE c.user_id = $3 AND c.organization_id = $4 AND c.permission_slug = $5 AND c.resource_key = $6
			AND c.expires_at > $7
	`

	var (
		entry         Entry
		matchedRoles  string
		currentGlobal uint64
		currentUser   uint64
	)
	err := c.db.QueryRowContext(ctx, query,
		globalScopeKey, userScopeKey(key.UserID),
		key.UserID, key.OrganizationID, key.PermissionSlug, key.ResourceKey, c.now().UTC(),
	).Scan(
		&entry.Allowed, &entry.Reason, &entry.Source, &matchedRoles, &entry.ComputedAt, &entry.ExpiresAt,
		&entry.Stamp.Global, &entry.Stamp.User, &currentGlobal, &currentUser,
	)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read cached decision: %w", err)
	}

	if entry.Stamp != (Stamp{Global: currentGlobal, User: currentUser}) {
		return Entry{}, false, nil
	}
	if matchedRoles != "" {
		if err := json.Unmarshal([]byte(matchedRoles), &entry.MatchedRoles); err != nil {
			return Entry{}, false, fmt.Errorf("failed to decode matched roles: %w", err)
		}
	}
	return entry, true, nil
}

// Put upserts the entry
func (c *SQLCache) Put(ctx context.Context, key Key, entry Entry, ttl time.Duration) error {
	entry = prepare(entry, ttl, c.now().UTC())
	matchedRoles, err := json.Marshal(entry.MatchedRoles)
	if err != nil {
		return fmt.Errorf("failed to encode matched roles: %w", err)
	}

	query := `
		INSERT INTO permission_cache (user_id, organization_id, permission_slug, resource_key,
			allowed, reason, source, matched_roles, global_generation, user_generation, computed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, organization_id, permission_slug, resource_key)
		DO UPDATE SET allowed = EXCLUDED.allowed, reason = EXCLUDED.reason, source = EXCLUDED.source,
			matched_roles = EXCLUDED.matched_roles, global_generation = EXCLUDED.global_generation,
			user_generation = EXCLUDED.user_generation, computed_at = EXCLUDED.computed_at,
			expires_at = EXCLUDED.expires_at
	`
	_, err = c.db.ExecContext(ctx, query,
		key.UserID, key.OrganizationID, key.PermissionSlug, key.ResourceKey,
		entry.Allowed, entry.Reason, entry.Source, string(matchedRoles),
		entry.Stamp.Global, entry.Stamp.User, entry.ComputedAt.UTC(), entry.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to cache decision: %w", err)
	}
	return nil
}

// Stamp returns the current generations for userID
func (c *SQLCache) Stamp(ctx context.Context, userID string) (Stamp, error) {
	var s Stamp
	err := c.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT generation FROM permission_cache_generations WHERE scope_key = $1), 0),
			COALESCE((SELECT generation FROM permission_cache_generations WHERE scope_key = $2), 0)
	`, globalScopeKey, userScopeKey(userID)).Scan(&s.Global, &s.User)
	if err != nil {
		return Stamp{}, fmt.Errorf("failed to read cache generations: %w", err)
	}
	return s, nil
}

// Invalidate bumps the generation and deletes the selected rows in one transaction
func (c *SQLCache) Invalidate(ctx context.Context, sel Selector) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	scope := globalScopeKey
	if !sel.IsAll() {
		scope = userScopeKey(sel.UserID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO permission_cache_generations (scope_key, generation) VALUES ($1, 1)
		ON CONFLICT (scope_key) DO UPDATE SET generation = permission_cache_generations.generation + 1
	`, scope)
	if err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}

	if sel.IsAll() {
		_, err = tx.ExecContext(ctx, "DELETE FROM permission_cache")
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM permission_cache WHERE user_id = $1", sel.UserID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete cached decisions: %w", err)
	}

	return tx.Commit()
}

// PurgeExpired deletes rows that can no longer be served
func (c *SQLCache) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := c.db.ExecContext(ctx, "DELETE FROM permission_cache WHERE expires_at <= $1", c.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired decisions: %w", err)
	}
	return result.RowsAffected()
}

func (c *SQLCache) Close() error {
	return nil
}
