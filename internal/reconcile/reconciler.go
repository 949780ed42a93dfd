// Package reconcile merges the declarative specification into the
// persisted state store and converges every managed entry against the
// hub, one at a time, in specification order.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/entryctl/entryctl/internal/entry"
	"github.com/entryctl/entryctl/internal/events"
	"github.com/entryctl/entryctl/internal/flow"
	"github.com/entryctl/entryctl/internal/spec"
	"github.com/entryctl/entryctl/internal/store"
	"github.com/entryctl/entryctl/internal/telemetry"
)

// EntryError records a single entry's failure with enough context to
// find it in the specification.
type EntryError struct {
	Platform        string
	ConfigurationID string
	Err             error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry %s (%s): %v", e.ConfigurationID, e.Platform, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Result summarizes one reconciliation pass.
type Result struct {
	PassID         string
	Created        int
	Recreated      int
	OptionsUpdated int
	Deleted        int
	Unchanged      int
	Failed         int
	Errors         []EntryError
}

// Converged reports whether every entry reached its desired state.
func (r *Result) Converged() bool { return r.Failed == 0 }

// PlannedChange is one entry's pending action, for dry runs.
type PlannedChange struct {
	Platform        string
	ConfigurationID string
	Action          entry.Action
}

// Reconciler drives reconciliation passes. It assumes at most one
// pass is active at a time; overlap prevention is the caller's job.
type Reconciler struct {
	statePath string
	lifecycle entry.Lifecycle
	create    flow.Protocol
	options   flow.Protocol
	driver    *flow.Driver
	log       *slog.Logger
	emitter   events.Emitter
	metrics   *telemetry.Metrics
}

// Options configures optional reconciler collaborators.
type Options struct {
	Log     *slog.Logger
	Emitter events.Emitter
	Metrics *telemetry.Metrics
}

// New creates a reconciler persisting state at statePath and talking
// to the hub through the given lifecycle subsystem and flow managers.
func New(statePath string, lifecycle entry.Lifecycle, create, options flow.Protocol, opts Options) *Reconciler {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Reconciler{
		statePath: statePath,
		lifecycle: lifecycle,
		create:    create,
		options:   options,
		driver:    flow.NewDriver(log),
		log:       log,
		emitter:   emitter,
		metrics:   metrics,
	}
}

// Run executes one reconciliation pass: load state, merge the
// specification, configure every entry in order, and persist the
// store exactly once at the end. A single entry's failure is recorded
// and does not block the others or the final save.
func (r *Reconciler) Run(ctx context.Context, doc *spec.Document) (*Result, error) {
	passID := telemetry.PassID(ctx)
	if passID == "" {
		passID = telemetry.NewPassID()
		ctx = telemetry.WithPassID(ctx, passID)
	}
	log := r.log.With(slog.String("pass_id", passID))
	start := time.Now()

	st := store.New(r.statePath)
	if err := st.Load(); err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	r.merge(st, doc)

	log.Info("reconciliation pass started",
		slog.Int("integrations", len(doc.Integrations)),
		slog.Int("tracked", len(st.Entries)))
	r.emitter.Emit(events.New(events.PassStarted, passID).
		WithData("integrations", len(doc.Integrations)).
		WithData("tracked", len(st.Entries)))

	res := &Result{PassID: passID}
	deps := entry.Deps{
		Lifecycle: r.lifecycle,
		Driver:    r.driver,
		Create:    r.create,
		Options:   r.options,
		Log:       log,
	}

	for _, m := range st.Entries {
		action, err := m.Configure(ctx, deps)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, EntryError{
				Platform:        m.Platform,
				ConfigurationID: m.ConfigurationID,
				Err:             err,
			})
			// Flow failures mean the answers and the hub disagree and
			// a retry without a specification change is unlikely to
			// help; transport failures are transient.
			kind := "transport"
			if flow.IsFlowError(err) {
				kind = "flow"
			}
			log.Error("entry reconciliation failed",
				slog.String("platform", m.Platform),
				slog.String("configuration_id", m.ConfigurationID),
				slog.String("action", action.String()),
				slog.String("error_kind", kind),
				slog.Any("error", err))
			r.emitter.Emit(r.entryEvent(events.EntryFailed, passID, m).
				WithData("action", action.String()).
				WithData("error_kind", kind).
				WithData("error", err.Error()))
			r.metrics.ObserveEntry(action.String(), kind+"_error")
			continue
		}

		switch action {
		case entry.ActionCreate:
			res.Created++
			r.emitter.Emit(r.entryEvent(events.EntryCreated, passID, m))
		case entry.ActionRecreate:
			res.Recreated++
			r.emitter.Emit(r.entryEvent(events.EntryRecreated, passID, m))
		case entry.ActionOptions:
			res.OptionsUpdated++
			r.emitter.Emit(r.entryEvent(events.EntryOptionsUpdated, passID, m))
		case entry.ActionDelete:
			res.Deleted++
			r.emitter.Emit(r.entryEvent(events.EntryDeleted, passID, m))
		case entry.ActionNone:
			res.Unchanged++
			r.emitter.Emit(r.entryEvent(events.EntryUnchanged, passID, m))
		}
		r.metrics.ObserveEntry(action.String(), "ok")
	}

	if err := st.Save(); err != nil {
		return res, fmt.Errorf("saving state: %w", err)
	}

	duration := time.Since(start)
	r.metrics.ObservePass(res.Converged(), duration)
	log.Info("reconciliation pass completed",
		slog.Int("created", res.Created),
		slog.Int("recreated", res.Recreated),
		slog.Int("options_updated", res.OptionsUpdated),
		slog.Int("deleted", res.Deleted),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("failed", res.Failed),
		slog.Duration("duration", duration))
	r.emitter.Emit(events.New(events.PassCompleted, passID).
		WithData("created", res.Created).
		WithData("recreated", res.Recreated).
		WithData("options_updated", res.OptionsUpdated).
		WithData("deleted", res.Deleted).
		WithData("unchanged", res.Unchanged).
		WithData("failed", res.Failed))
	return res, nil
}

// Plan computes every entry's pending action without executing any of
// them. Nothing is persisted; drift lookups still hit the hub.
func (r *Reconciler) Plan(ctx context.Context, doc *spec.Document) ([]PlannedChange, error) {
	st := store.New(r.statePath)
	if err := st.Load(); err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	r.merge(st, doc)

	changes := make([]PlannedChange, 0, len(st.Entries))
	for _, m := range st.Entries {
		action, err := m.Plan(ctx, r.lifecycle)
		if err != nil {
			return nil, &EntryError{Platform: m.Platform, ConfigurationID: m.ConfigurationID, Err: err}
		}
		changes = append(changes, PlannedChange{
			Platform:        m.Platform,
			ConfigurationID: m.ConfigurationID,
			Action:          action,
		})
	}
	return changes, nil
}

// merge matches specification items to tracked entries by their
// stable configuration id, allocating new entries for unmatched items
// and fully refreshing desired state on all of them. Tracked entries
// no longer present in the specification get a nil desired config so
// they are deleted.
func (r *Reconciler) merge(st *store.Store, doc *spec.Document) {
	desired := make(map[string]bool, len(doc.Integrations))
	for i := range doc.Integrations {
		it := &doc.Integrations[i]
		desired[it.ConfigurationID] = true

		m, err := st.ForConfigurationID(it.ConfigurationID)
		if err != nil {
			m = &entry.Managed{
				Platform:        it.Platform,
				ConfigurationID: it.ConfigurationID,
			}
			st.Add(m)
		} else if m.Platform != it.Platform {
			// A platform rename under a stable id cannot be edited in
			// place; force a full recreate.
			m.Platform = it.Platform
			m.MarkPlatformChanged()
		}
		m.DesiredConfig = it.Answers
		m.DesiredOptions = it.Options
		m.OptionsNeedsRecreate = it.OptionsNeedsRecreate
	}

	for _, m := range st.Entries {
		if !desired[m.ConfigurationID] {
			m.DesiredConfig = nil
			m.DesiredOptions = nil
		}
	}
}

func (r *Reconciler) entryEvent(t events.Type, passID string, m *entry.Managed) *events.Event {
	return events.New(t, passID).
		WithData("platform", m.Platform).
		WithData("configuration_id", m.ConfigurationID)
}
