package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entryctl/entryctl/internal/entry"
	"github.com/entryctl/entryctl/internal/reconcile"
	"github.com/entryctl/entryctl/internal/spec"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what changes would be made without applying",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := spec.Load(specFile)
			if err != nil {
				return err
			}

			rec := newReconciler(newLogger(), nil, nil)
			changes, err := rec.Plan(cmd.Context(), doc)
			if err != nil {
				return err
			}

			fmt.Print(formatPlan(changes))
			if hasChanges(changes) {
				os.Exit(2)
			}
			return nil
		},
	}
	return cmd
}

func formatPlan(changes []reconcile.PlannedChange) string {
	if !hasChanges(changes) {
		return "No changes. Hub entries are up-to-date.\n"
	}
	var b strings.Builder
	b.WriteString("Planned changes:\n")
	for _, c := range changes {
		marker := changeMarker(c.Action)
		if marker == "" {
			continue
		}
		fmt.Fprintf(&b, "  %s %s (%s): %s\n", marker, c.ConfigurationID, c.Platform, c.Action)
	}
	return b.String()
}

func hasChanges(changes []reconcile.PlannedChange) bool {
	for _, c := range changes {
		if c.Action != entry.ActionNone {
			return true
		}
	}
	return false
}

func changeMarker(a entry.Action) string {
	switch a {
	case entry.ActionCreate:
		return "+"
	case entry.ActionRecreate:
		return "~"
	case entry.ActionOptions:
		return "*"
	case entry.ActionDelete:
		return "-"
	}
	return ""
}
