package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"sort"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func newCategoriesCommand() *Command {
	cmd := &Command{
		Name:        "categories",
		Description: "List permission categories and their catalog permissions",
		Flags:       flag.NewFlagSet("categories", flag.ExitOnError),
		Run:         runCategories,
	}
	cmd.Flags.String("catalog", "", "Catalog YAML file (defaults to the built-in catalog)")
	cmd.Flags.Bool("json", false, "Print as JSON")
	return cmd
}

type categoryListing struct {
	Category    rbac.Category `json:"category"`
	Label       string        `json:"label"`
	Description string        `json:"description"`
	Permissions []string      `json:"permissions"`
}

func runCategories(args []string) error {
	cmd := newCategoriesCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	cat, err := loadCatalogFlag(cmd.Flags)
	if err != nil {
		return err
	}

	perms := make([]rbac.Permission, 0, len(cat.Permissions))
	for _, cp := range cat.Permissions {
		p, err := rbac.NewPermission(cp.Slug, cp.Name, cp.Description, cp.System)
		if err != nil {
			return err
		}
		perms = append(perms, p)
	}

	info := rbac.Categories()
	var listings []categoryListing
	for category, grouped := range rbac.GroupByCategory(perms) {
		if len(grouped) == 0 {
			continue
		}
		slugs := make([]string, len(grouped))
		for i, p := range grouped {
			slugs[i] = p.Slug
		}
		sort.Strings(slugs)
		listings = append(listings, categoryListing{
			Category:    category,
			Label:       info[category].Label,
			Description: info[category].Description,
			Permissions: slugs,
		})
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Category < listings[j].Category })

	if cmd.Flags.Lookup("json").Value.String() == "true" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(listings)
	}

	for _, l := range listings {
		fmt.Fprintf(stdout, "%s (%s) - %d permissions\n", l.Label, l.Category, len(l.Permissions))
		for _, slug := range l.Permissions {
			fmt.Fprintf(stdout, "  %s\n", slug)
		}
	}
	return nil
}
