package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/platinummonkey/warden/pkg/rbac"
)

// ErrDenied is returned by check when the decision is a deny, so scripts can
// branch on the exit status
var ErrDenied = errors.New("permission denied")

func newCheckCommand() *Command {
	cmd := &Command{
		Name:        "check",
		Description: "Evaluate one permission for a user",
		Flags:       flag.NewFlagSet("check", flag.ExitOnError),
		Run:         runCheck,
	}
	addDatabaseFlags(cmd.Flags)
	cmd.Flags.String("user", "", "User ID")
	cmd.Flags.String("org", "", "Organization ID")
	cmd.Flags.String("permission", "", "Permission slug, e.g. courses.publish")
	cmd.Flags.String("resource-type", "", "Resource type for resource-level checks")
	cmd.Flags.String("resource-id", "", "Resource ID for resource-level checks")
	cmd.Flags.Bool("json", false, "Print the full decision as JSON")
	return cmd
}

func runCheck(args []string) error {
	cmd := newCheckCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	flagValue := func(name string) string { return cmd.Flags.Lookup(name).Value.String() }
	req := rbac.Request{
		UserID:         flagValue("user"),
		OrganizationID: flagValue("org"),
		Permission:     flagValue("permission"),
	}
	if req.UserID == "" || req.OrganizationID == "" || req.Permission == "" {
		return fmt.Errorf("user, org and permission are required")
	}

	resourceType, resourceID := flagValue("resource-type"), flagValue("resource-id")
	if (resourceType == "") != (resourceID == "") {
		return fmt.Errorf("resource-type and resource-id must be given together")
	}
	if resourceType != "" {
		req.Resource = &rbac.ResourceRef{Type: resourceType, ID: resourceID}
	}

	ctx := context.Background()
	db, err := openDatabase(ctx, cmd.Flags)
	if err != nil {
		return err
	}
	defer db.Close()

	checker := rbac.NewPermissionChecker(rbac.NewStore(db), rbac.CheckerConfig{Logger: cliLogger()})
	decision, err := checker.Evaluate(ctx, req)
	if err != nil {
		return err
	}

	if flagValue("json") == "true" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(decision); err != nil {
			return err
		}
	} else {
		verdict := "DENY"
		if decision.Allowed {
			verdict = "ALLOW"
		}
		fmt.Fprintf(stdout, "%s %s for %s in %s\n", verdict, req.Permission, req.UserID, req.OrganizationID)
		fmt.Fprintf(stdout, "  reason: %s\n", decision.Reason)
		if decision.Source != "" {
			fmt.Fprintf(stdout, "  source: %s\n", decision.Source)
		}
		if len(decision.MatchedRoles) > 0 {
			fmt.Fprintf(stdout, "  roles:  %s\n", strings.Join(decision.MatchedRoles, ", "))
		}
	}

	if !decision.Allowed {
		return ErrDenied
	}
	return nil
}
