// Package cli provides the warden-cli command-line interface for operating a
// permission database.
//
// # Commands
//
// migrate: Apply pending schema migrations
//
//	warden-cli migrate -database postgres://localhost/warden
//
// seed: Apply the permission catalog. Safe to re-run; existing rows are left alone.
//
//	warden-cli seed -catalog ./catalog.yaml
//
// check: Evaluate one permission. Exits non-zero on deny.
//
//	warden-cli check \
//		-user u-123 \
//		-org org-9 \
//		-permission courses.publish \
//		-resource-type course \
//		-resource-id c-42
//
// matrix: Print which roles are directly bound to which permissions
//
//	warden-cli matrix -category courses
//	warden-cli matrix -format json
//
// categories: List permission categories from a catalog, without a database
//
//	warden-cli categories -json
//
// # Database
//
// Commands that touch the database read -database, falling back to
// WARDEN_DATABASE_URL. -driver selects the database/sql driver and defaults
// to postgres.
package cli
