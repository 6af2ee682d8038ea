package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func newSeedCommand() *Command {
	cmd := &Command{
		Name:        "seed",
		Description: "Apply the permission catalog (idempotent)",
		Flags:       flag.NewFlagSet("seed", flag.ExitOnError),
		Run:         runSeed,
	}
	addDatabaseFlags(cmd.Flags)
	cmd.Flags.String("catalog", "", "Catalog YAML file (defaults to the built-in catalog)")
	cmd.Flags.Bool("migrate", true, "Apply pending migrations first")
	return cmd
}

func runSeed(args []string) error {
	cmd := newSeedCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	cat, err := loadCatalogFlag(cmd.Flags)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openDatabase(ctx, cmd.Flags)
	if err != nil {
		return err
	}
	defer db.Close()

	if cmd.Flags.Lookup("migrate").Value.String() == "true" {
		if err := rbac.RunMigrations(ctx, db, cliLogger()); err != nil {
			return err
		}
	}

	result, err := rbac.ApplyCatalog(ctx, rbac.NewStore(db), cat)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Roles created:       %d\n", result.RolesCreated)
	fmt.Fprintf(stdout, "Permissions created: %d\n", result.PermissionsCreated)
	fmt.Fprintf(stdout, "Bindings added:      %d\n", result.BindingsAdded)
	fmt.Fprintf(stdout, "Hierarchy edges:     %d\n", result.EdgesEnsured)
	if !result.Changed() {
		fmt.Fprintln(stdout, "Catalog already up to date")
	}
	return nil
}

// loadCatalogFlag reads -catalog, falling back to the built-in catalog
func loadCatalogFlag(fs *flag.FlagSet) (*rbac.Catalog, error) {
	path := fs.Lookup("catalog").Value.String()
	if path == "" {
		return rbac.DefaultCatalog(), nil
	}
	return rbac.LoadCatalog(path)
}
