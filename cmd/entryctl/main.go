// Package main is the entry point for the entryctl CLI tool.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/entryctl/entryctl/internal/entry"
	"github.com/entryctl/entryctl/internal/events"
	"github.com/entryctl/entryctl/internal/flow"
	"github.com/entryctl/entryctl/internal/hub"
	"github.com/entryctl/entryctl/internal/reconcile"
	"github.com/entryctl/entryctl/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	specFile  string
	stateFile string
	hubURL    string
	hubToken  string
	verbose   bool
)

const tokenEnv = "ENTRYCTL_HUB_TOKEN"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "entryctl",
		Short: "Declarative reconciliation of hub config entries",
		Long: `Entryctl reconciles a declaratively specified set of managed
integration entries against the live state of a hub's config-entry
subsystem, driving its multi-step setup flows to create, reconfigure
or delete each entry with minimal churn.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&specFile, "spec-file", "entryctl.yaml", "Path to the integration specification")
	root.PersistentFlags().StringVar(&stateFile, "state-file", ".entryctl.state.json", "Path to the state file")
	root.PersistentFlags().StringVar(&hubURL, "hub-url", "http://localhost:8123", "Base URL of the hub API")
	root.PersistentFlags().StringVar(&hubToken, "hub-token", "", "Bearer token for the hub API (defaults to $"+tokenEnv+")")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newApplyCmd())
	root.AddCommand(newWatchCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("entryctl %s\n", version)
		},
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return telemetry.NewLogger(os.Stderr, level)
}

// hubDeps resolves the hub collaborators from the global flags.
func hubDeps() (entry.Lifecycle, flow.Protocol, flow.Protocol) {
	token := hubToken
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	client := hub.New(hubURL, token)
	return client, client.CreateFlows(), client.OptionsFlows()
}

func newReconciler(log *slog.Logger, emitter events.Emitter, metrics *telemetry.Metrics) *reconcile.Reconciler {
	lifecycle, create, options := hubDeps()
	return reconcile.New(stateFile, lifecycle, create, options, reconcile.Options{
		Log:     log,
		Emitter: emitter,
		Metrics: metrics,
	})
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
