package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entryctl/entryctl/internal/events"
	"github.com/entryctl/entryctl/internal/reconcile"
	"github.com/entryctl/entryctl/internal/spec"
)

func newApplyCmd() *cobra.Command {
	var eventLog string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile the hub against the specification",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := spec.Load(specFile)
			if err != nil {
				return err
			}

			log := newLogger()
			collector := &events.CollectorEmitter{}
			rec := newReconciler(log, collector, nil)

			res, err := rec.Run(cmd.Context(), doc)
			if eventLog != "" && collector.Events != nil {
				if werr := events.ExportLog(collector.Events, eventLog); werr != nil {
					log.Warn("failed to write event log", "path", eventLog, "error", werr)
				}
			}
			if err != nil {
				return err
			}

			fmt.Print(formatResult(res))
			if !res.Converged() {
				return fmt.Errorf("%d of %d entries failed to reconcile", res.Failed, len(doc.Integrations))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventLog, "event-log", "", "Write pass events to a JSON file")

	return cmd
}

func formatResult(res *reconcile.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pass %s: %d created, %d recreated, %d options updated, %d deleted, %d unchanged, %d failed\n",
		res.PassID, res.Created, res.Recreated, res.OptionsUpdated, res.Deleted, res.Unchanged, res.Failed)
	for _, e := range res.Errors {
		fmt.Fprintf(&b, "  %s (%s): %v\n", e.ConfigurationID, e.Platform, e.Err)
	}
	return b.String()
}
