package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/singleflight"

	"github.com/entryctl/entryctl/internal/spec"
	"github.com/entryctl/entryctl/internal/telemetry"
)

// passRunner runs reconciliation passes for watch triggers. Each
// trigger gets its own goroutine, but only one pass may be active at
// a time: triggers that arrive while a pass is in flight join it
// instead of starting a second one.
type passRunner struct {
	run   func(reason string)
	group singleflight.Group
	wg    sync.WaitGroup
}

func (p *passRunner) dispatch(reason string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _, _ = p.group.Do("pass", func() (any, error) {
			p.run(reason)
			return nil, nil
		})
	}()
}

// wait blocks until every dispatched pass has finished.
func (p *passRunner) wait() { p.wg.Wait() }

func newWatchCmd() *cobra.Command {
	var (
		schedule    string
		metricsAddr string
		debounce    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconcile continuously on specification changes and a schedule",
		Long: `Watch runs an immediate reconciliation pass, then re-runs whenever
the specification file changes or the cron schedule fires. Triggers
that arrive while a pass is in flight are collapsed into it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			metrics := telemetry.NewMetrics()
			rec := newReconciler(log, nil, metrics)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					<-ctx.Done()
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics server stopped", "error", err)
					}
				}()
				log.Info("serving metrics", "addr", metricsAddr)
			}

			runner := &passRunner{run: func(reason string) {
				doc, err := spec.Load(specFile)
				if err != nil {
					log.Error("reconciliation pass failed", "reason", reason, "error", err)
					return
				}
				res, err := rec.Run(ctx, doc)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						log.Error("reconciliation pass failed", "reason", reason, "error", err)
					}
					return
				}
				if !res.Converged() {
					log.Warn("pass finished degraded",
						"reason", reason,
						"failed", res.Failed)
				}
			}}

			// The hub is assumed ready once watch starts, so converge
			// immediately instead of waiting for the first trigger.
			runner.dispatch("startup")

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("starting file watcher: %w", err)
			}
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(specFile)); err != nil {
				return fmt.Errorf("watching %s: %w", filepath.Dir(specFile), err)
			}

			if schedule != "" {
				c := cron.New()
				if _, err := c.AddFunc(schedule, func() { runner.dispatch("schedule") }); err != nil {
					return fmt.Errorf("invalid schedule %q: %w", schedule, err)
				}
				c.Start()
				defer c.Stop()
			}

			specName := filepath.Clean(specFile)
			var pending *time.Timer
			for {
				select {
				case <-ctx.Done():
					log.Info("shutting down")
					runner.wait()
					return nil
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if filepath.Clean(ev.Name) != specName {
						continue
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
						continue
					}
					// Editors produce bursts of writes; let them settle.
					if pending != nil {
						pending.Stop()
					}
					pending = time.AfterFunc(debounce, func() { runner.dispatch("specification change") })
				case werr, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Warn("file watcher error", "error", werr)
				}
			}
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression for periodic passes (e.g. \"@every 5m\")")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "Quiet period after a specification change")

	return cmd
}
