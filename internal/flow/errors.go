package flow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// flowError marks the error family the reconciler catches per entry.
type flowError interface {
	isFlowError()
}

// IsFlowError reports whether err belongs to the flow error taxonomy
// (StepValidationError, AlreadyConfiguredError, SchemaMismatchError,
// AbortedError).
func IsFlowError(err error) bool {
	var fe flowError
	return errors.As(err, &fe)
}

// StepValidationError is returned when a step comes back with
// non-empty field error indicators.
type StepValidationError struct {
	EntryPoint string
	Errors     map[string]string
}

func (e *StepValidationError) Error() string {
	return fmt.Sprintf("flow %q returned field errors: %s", e.EntryPoint, formatFieldErrors(e.Errors))
}

func (e *StepValidationError) isFlowError() {}

// AlreadyConfiguredError is returned when the hub aborts the run
// because an equivalent entry already exists but is not tracked in
// the state file. The run is already terminal on the hub side, so no
// abort call is issued for this failure.
type AlreadyConfiguredError struct {
	EntryPoint string
}

func (e *AlreadyConfiguredError) Error() string {
	return fmt.Sprintf("flow %q: an equivalent entry is already configured but not tracked in state", e.EntryPoint)
}

func (e *AlreadyConfiguredError) isFlowError() {}

// SchemaMismatchError is returned when the supplied answers do not
// satisfy a step's schema, or when the answer sets run out before the
// flow reaches a terminal result. Schema is the last schema seen, for
// diagnostics.
type SchemaMismatchError struct {
	EntryPoint string
	Schema     Schema
	Err        error // protocol rejection; nil for the incomplete-flow case
}

func (e *SchemaMismatchError) Error() string {
	fields := strings.Join(e.Schema.FieldNames(), ", ")
	if e.Err != nil {
		return fmt.Sprintf("flow %q: answers did not satisfy step schema (fields: %s): %v", e.EntryPoint, fields, e.Err)
	}
	return fmt.Sprintf("flow %q: ran out of answer sets before the flow finished (next step wants fields: %s)", e.EntryPoint, fields)
}

func (e *SchemaMismatchError) Unwrap() error { return e.Err }

func (e *SchemaMismatchError) isFlowError() {}

// AbortedError is returned when the hub terminates the run with an
// abort reason other than already_configured.
type AbortedError struct {
	EntryPoint string
	Reason     string
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("flow %q aborted by the hub: %s", e.EntryPoint, e.Reason)
}

func (e *AbortedError) isFlowError() {}

// InvalidAnswersError is returned by Protocol implementations when
// the hub rejects submitted answers against the step's own schema.
// The driver wraps it in a SchemaMismatchError.
type InvalidAnswersError struct {
	Reason string
}

func (e *InvalidAnswersError) Error() string {
	return fmt.Sprintf("flow: answers rejected by step schema: %s", e.Reason)
}

func formatFieldErrors(errs map[string]string) string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, errs[k]))
	}
	return strings.Join(parts, " ")
}
