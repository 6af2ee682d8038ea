package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/warden/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// The DDL sticks to types and clauses shared by PostgreSQL and SQLite.
// IDs are generated by the application and all timestamps are written explicitly.

// GetMigrations returns all RBAC migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create roles and permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(100) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					level INTEGER NOT NULL DEFAULT 0,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS permissions (
					id VARCHAR(64) PRIMARY KEY,
					slug VARCHAR(150) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					resource VARCHAR(100) NOT NULL,
					action VARCHAR(100) NOT NULL,
					category VARCHAR(50) NOT NULL,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_resource ON permissions(resource);
				CREATE INDEX IF NOT EXISTS idx_permissions_category ON permissions(category);
			`,
		},
		{
			Version:     2,
			Description: "Create role_permissions and role_hierarchy tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					id VARCHAR(64) PRIMARY KEY,
					role_id VARCHAR(64) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id VARCHAR(64) NOT NULL REFERENCES permissions(id),
					created_at TIMESTAMP NOT NULL,
					UNIQUE(role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission_id ON role_permissions(permission_id);

				CREATE TABLE IF NOT EXISTS role_hierarchy (
					parent_role_id VARCHAR(64) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					child_role_id VARCHAR(64) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (parent_role_id, child_role_id),
					CHECK (parent_role_id <> child_role_id)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id VARCHAR(64) PRIMARY KEY,
					user_id VARCHAR(64) NOT NULL,
					role_id VARCHAR(64) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					organization_id VARCHAR(64) NOT NULL,
					scope_type VARCHAR(50) NOT NULL DEFAULT '',
					scope_id VARCHAR(255) NOT NULL DEFAULT '',
					valid_from TIMESTAMP NOT NULL,
					valid_until TIMESTAMP,
					granted_by VARCHAR(64) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL,
					CHECK (valid_until IS NULL OR valid_until >= valid_from)
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_user_org ON user_roles(user_id, organization_id);
				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create resource_permissions and permission_overrides tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS resource_permissions (
					id VARCHAR(64) PRIMARY KEY,
					permission_id VARCHAR(64) NOT NULL REFERENCES permissions(id),
					scope_type VARCHAR(20) NOT NULL,
					scope_id VARCHAR(255) NOT NULL DEFAULT '',
					resource_type VARCHAR(100) NOT NULL DEFAULT '',
					resource_id VARCHAR(255) NOT NULL DEFAULT '',
					granted_by VARCHAR(64) NOT NULL,
					expires_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL,
					CHECK (scope_type IN ('user', 'role', 'organization', 'public'))
				);

				CREATE INDEX IF NOT EXISTS idx_resource_permissions_permission_id ON resource_permissions(permission_id);

				CREATE TABLE IF NOT EXISTS permission_overrides (
					id VARCHAR(64) PRIMARY KEY,
					user_id VARCHAR(64) NOT NULL,
					permission_id VARCHAR(64) NOT NULL REFERENCES permissions(id),
					override_type VARCHAR(20) NOT NULL,
					approval_status VARCHAR(20) NOT NULL DEFAULT 'pending',
					resource_type VARCHAR(100) NOT NULL DEFAULT '',
					resource_id VARCHAR(255) NOT NULL DEFAULT '',
					reason TEXT NOT NULL DEFAULT '',
					requested_by VARCHAR(64) NOT NULL,
					approved_by VARCHAR(64),
					approved_at TIMESTAMP,
					expires_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL,
					CHECK (override_type IN ('grant', 'deny', 'elevate')),
					CHECK (approval_status IN ('pending', 'approved', 'rejected'))
				);

				CREATE INDEX IF NOT EXISTS idx_permission_overrides_user_permission ON permission_overrides(user_id, permission_id);
				CREATE INDEX IF NOT EXISTS idx_permission_overrides_status ON permission_overrides(approval_status);
			`,
		},
		{
			Version:     5,
			Description: "Create decision cache tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_cache (
					user_id VARCHAR(64) NOT NULL,
					organization_id VARCHAR(64) NOT NULL,
					permission_slug VARCHAR(150) NOT NULL,
					resource_key VARCHAR(400) NOT NULL DEFAULT '',
					allowed BOOLEAN NOT NULL,
					reason VARCHAR(50) NOT NULL DEFAULT '',
					source VARCHAR(50) NOT NULL DEFAULT '',
					matched_roles TEXT NOT NULL DEFAULT '[]',
					global_generation BIGINT NOT NULL DEFAULT 0,
					user_generation BIGINT NOT NULL DEFAULT 0,
					computed_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, organization_id, permission_slug, resource_key)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_cache_expires_at ON permission_cache(expires_at);

				CREATE TABLE IF NOT EXISTS permission_cache_generations (
					scope_key VARCHAR(100) PRIMARY KEY,
					generation BIGINT NOT NULL DEFAULT 0
				);
			`,
		},
		{
			Version:     6,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id VARCHAR(64) PRIMARY KEY,
					occurred_at TIMESTAMP NOT NULL,
					event_type VARCHAR(100) NOT NULL,
					status VARCHAR(20) NOT NULL,
					actor_id VARCHAR(64),
					organization_id VARCHAR(64),
					target_user_id VARCHAR(64),
					resource_type VARCHAR(50),
					resource_id VARCHAR(255),
					permission VARCHAR(150),
					request_id VARCHAR(100),
					message TEXT,
					error_message TEXT,
					metadata TEXT,
					changes TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_occurred_at ON audit_logs(occurred_at);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_organization_id ON audit_logs(organization_id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_actor_id ON audit_logs(actor_id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
			`,
		},
		{
			Version:     7,
			Description: "Bind overrides and resource grants to an organization",
			SQL: `
				ALTER TABLE permission_overrides ADD COLUMN organization_id VARCHAR(64) NOT NULL DEFAULT '';
				ALTER TABLE resource_permissions ADD COLUMN organization_id VARCHAR(64) NOT NULL DEFAULT '';

				CREATE INDEX IF NOT EXISTS idx_permission_overrides_organization_id ON permission_overrides(organization_id);
			`,
		},
		{
			Version:     8,
			Description: "Enforce one open-ended assignment per user, role, organization and scope",
			SQL: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_user_roles_open_ended
					ON user_roles(user_id, role_id, organization_id, scope_type, scope_id)
					WHERE valid_until IS NULL;
			`,
		},
	}
}

// RunMigrations applies pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.WithField("version", migration.Version).Infof("Running migration: %s", migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// CurrentVersion returns the highest applied migration version, or 0
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM rbac_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	return int(version.Int64), nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
