package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Driver feeds an ordered list of answer sets into one protocol run
// and turns the outcome into a terminal result or a classified
// failure. On any failure other than AlreadyConfiguredError it makes
// a best-effort abort of the run so a half-finished interactive
// session is not leaked on the hub.
type Driver struct {
	log *slog.Logger
}

// NewDriver creates a driver logging to log. A nil logger discards
// all output.
func NewDriver(log *slog.Logger) *Driver {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Driver{log: log}
}

// Run drives one flow run for entryPoint. Each answer set satisfies
// at most one form step; leftover answer sets after the flow reaches
// a terminal result are not an error. Running out of answer sets
// while the flow still wants input is surfaced as a
// SchemaMismatchError.
func (d *Driver) Run(ctx context.Context, proto Protocol, entryPoint string, fc Context, answerSets []AnswerSet) (*Result, error) {
	runID, step, err := proto.Init(ctx, entryPoint, fc)
	if err != nil {
		return nil, err
	}

	for _, answers := range answerSets {
		d.log.Debug("flow step",
			slog.String("entry_point", entryPoint),
			slog.String("run_id", runID),
			slog.String("kind", step.Kind.String()))

		if step.HasFieldErrors() {
			return nil, d.fail(ctx, proto, runID, &StepValidationError{EntryPoint: entryPoint, Errors: step.Errors})
		}
		if step.Kind == KindAbort {
			if step.Reason == ReasonAlreadyConfigured {
				// Terminal on the hub side; nothing to abort.
				return nil, &AlreadyConfiguredError{EntryPoint: entryPoint}
			}
			return nil, d.fail(ctx, proto, runID, &AbortedError{EntryPoint: entryPoint, Reason: step.Reason})
		}
		if step.Kind == KindResult {
			return step.Result, nil
		}

		next, err := proto.Configure(ctx, runID, step.Schema.Filter(answers))
		if err != nil {
			var inv *InvalidAnswersError
			if errors.As(err, &inv) {
				return nil, d.fail(ctx, proto, runID, &SchemaMismatchError{EntryPoint: entryPoint, Schema: step.Schema, Err: err})
			}
			return nil, d.fail(ctx, proto, runID, err)
		}
		step = next
	}

	// Out of answer sets; the run may still have finished on the last
	// submission.
	if step.HasFieldErrors() {
		return nil, d.fail(ctx, proto, runID, &StepValidationError{EntryPoint: entryPoint, Errors: step.Errors})
	}
	switch step.Kind {
	case KindResult:
		return step.Result, nil
	case KindAbort:
		if step.Reason == ReasonAlreadyConfigured {
			return nil, &AlreadyConfiguredError{EntryPoint: entryPoint}
		}
		return nil, d.fail(ctx, proto, runID, &AbortedError{EntryPoint: entryPoint, Reason: step.Reason})
	}
	return nil, d.fail(ctx, proto, runID, &SchemaMismatchError{EntryPoint: entryPoint, Schema: step.Schema})
}

// fail aborts the in-progress run before handing back err. An
// already-gone run is a no-op.
func (d *Driver) fail(ctx context.Context, proto Protocol, runID string, err error) error {
	if aerr := proto.Abort(ctx, runID); aerr != nil && !errors.Is(aerr, ErrUnknownRun) {
		d.log.Warn("failed to abort flow run",
			slog.String("run_id", runID),
			slog.Any("error", aerr))
	}
	return err
}
