package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func newMigrateCommand() *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply pending schema migrations",
		Flags:       flag.NewFlagSet("migrate", flag.ExitOnError),
		Run:         runMigrate,
	}
	addDatabaseFlags(cmd.Flags)
	return cmd
}

func runMigrate(args []string) error {
	cmd := newMigrateCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openDatabase(ctx, cmd.Flags)
	if err != nil {
		return err
	}
	defer db.Close()

	// a fresh database has no migrations table yet
	before, _ := rbac.CurrentVersion(ctx, db)
	if err := rbac.RunMigrations(ctx, db, cliLogger()); err != nil {
		return err
	}
	after, err := rbac.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}

	if before == after {
		fmt.Fprintf(stdout, "Schema is up to date at version %d\n", after)
		return nil
	}
	fmt.Fprintf(stdout, "Migrated schema from version %d to %d\n", before, after)
	return nil
}
