package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func newMatrixCommand() *Command {
	cmd := &Command{
		Name:        "matrix",
		Description: "Print the role x permission binding matrix",
		Flags:       flag.NewFlagSet("matrix", flag.ExitOnError),
		Run:         runMatrix,
	}
	addDatabaseFlags(cmd.Flags)
	cmd.Flags.String("format", "table", "Output format: table or json")
	cmd.Flags.String("category", "", "Only show permissions in this category")
	return cmd
}

func runMatrix(args []string) error {
	cmd := newMatrixCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}
	format := cmd.Flags.Lookup("format").Value.String()
	if format != "table" && format != "json" {
		return fmt.Errorf("unknown format %q (must be table or json)", format)
	}
	category := cmd.Flags.Lookup("category").Value.String()

	ctx := context.Background()
	db, err := openDatabase(ctx, cmd.Flags)
	if err != nil {
		return err
	}
	defer db.Close()

	store := rbac.NewStore(db)
	matrix, err := store.PermissionMatrix(ctx)
	if err != nil {
		return err
	}
	if category != "" {
		filtered := matrix[:0]
		for _, row := range matrix {
			if row.Permission.Category == category {
				filtered = append(filtered, row)
			}
		}
		matrix = filtered
	}

	if format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(matrix)
	}

	roles, err := store.ListRoles(ctx)
	if err != nil {
		return err
	}
	return writeMatrixTable(matrix, roles)
}

// writeMatrixTable prints one row per permission and one column per role,
// ordered by level. Only direct bindings are marked.
func writeMatrixTable(matrix []rbac.PermissionMatrixRow, roles []rbac.Role) error {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)

	header := []string{"PERMISSION"}
	for _, r := range roles {
		header = append(header, strings.ToUpper(r.Slug))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))

	for _, row := range matrix {
		cells := []string{row.Permission.Slug}
		for _, r := range roles {
			mark := "."
			if row.Roles[r.Slug] {
				mark = "x"
			}
			cells = append(cells, mark)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	return w.Flush()
}
