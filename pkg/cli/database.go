package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/platinummonkey/warden/pkg/observability"
)

const connectTimeout = 10 * time.Second

// addDatabaseFlags registers -database and -driver on fs
func addDatabaseFlags(fs *flag.FlagSet) {
	fs.String("database", os.Getenv("WARDEN_DATABASE_URL"), "Database URL (defaults to $WARDEN_DATABASE_URL)")
	fs.String("driver", "postgres", "database/sql driver name")
}

// openDatabase connects using the parsed database flags
func openDatabase(ctx context.Context, fs *flag.FlagSet) (*sql.DB, error) {
	url := fs.Lookup("database").Value.String()
	if url == "" {
		return nil, fmt.Errorf("database URL is required (-database or WARDEN_DATABASE_URL)")
	}
	driver := fs.Lookup("driver").Value.String()

	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// cliLogger only surfaces warnings; command results go to stdout
func cliLogger() *observability.Logger {
	return observability.NewLogger(observability.WarnLevel, os.Stderr)
}
