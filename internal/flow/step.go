// Package flow models the hub's multi-step question/answer
// configuration protocol and implements the driver that feeds a list
// of declarative answer sets into one protocol run.
package flow

import (
	"context"
	"errors"
)

// AnswerSet is one answer mapping, intended to satisfy a single
// protocol step.
type AnswerSet map[string]any

// Kind discriminates the three step variants the protocol can return.
type Kind int

const (
	// KindForm is an intermediate step asking for more answers.
	KindForm Kind = iota
	// KindResult is a terminal step carrying the created entry.
	KindResult
	// KindAbort is a terminal step ending the run without an entry.
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindForm:
		return "form"
	case KindResult:
		return "result"
	case KindAbort:
		return "abort"
	}
	return "unknown"
}

// ReasonAlreadyConfigured is the abort reason the hub uses when an
// equivalent entry already exists.
const ReasonAlreadyConfigured = "already_configured"

// Field is one input declared by a form step's schema.
type Field struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// Schema describes the inputs a form step accepts.
type Schema struct {
	Fields []Field `json:"fields"`
}

// Filter reduces answers to exactly the fields the schema declares.
// Extra answer fields are dropped silently so one declarative answer
// blob can be reused across steps with different sub-schemas.
func (s Schema) Filter(answers AnswerSet) AnswerSet {
	out := AnswerSet{}
	for _, f := range s.Fields {
		if v, ok := answers[f.Name]; ok {
			out[f.Name] = v
		}
	}
	return out
}

// FieldNames returns the declared field names in schema order.
func (s Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Result is the terminal payload of a successfully finished flow.
type Result struct {
	// ExternalID is the identifier the hub assigned to the entry.
	ExternalID string
	Title      string
	Data       map[string]any
}

// Step is one state of an in-progress flow run.
type Step struct {
	Kind   Kind
	Schema Schema            // KindForm
	Errors map[string]string // KindForm; values may be empty
	Result *Result           // KindResult
	Reason string            // KindAbort
}

// HasFieldErrors reports whether the step carries at least one
// non-empty error indicator. Some integrations return an errors map
// whose values are all empty on the first step, so presence of the
// map alone does not mean the step failed.
func (s Step) HasFieldErrors() bool {
	for _, v := range s.Errors {
		if v != "" {
			return true
		}
	}
	return false
}

// Context carries flow initialization hints.
type Context struct {
	Source       string
	ShowAdvanced bool
}

// DefaultContext mirrors a user-initiated flow with advanced options
// visible, which is what declarative answer sets are written against.
func DefaultContext() Context {
	return Context{Source: "user", ShowAdvanced: true}
}

// ErrUnknownRun is returned by Protocol implementations when the run
// id no longer exists on the hub. The driver treats it as a no-op
// when aborting.
var ErrUnknownRun = errors.New("flow: unknown run id")

// ErrUnknownHandler is returned by Protocol implementations when no
// flow handler exists for the entry point, e.g. an options flow for a
// platform without options support.
var ErrUnknownHandler = errors.New("flow: no handler for entry point")

// Protocol is the hub-side flow subsystem. A creation flow manager
// and an options flow manager both satisfy it; they differ only in
// what the entry point identifies (a platform vs. an external id).
type Protocol interface {
	// Init starts a new run and returns its id and initial step.
	Init(ctx context.Context, entryPoint string, fc Context) (string, Step, error)
	// Configure submits answers for the current step and returns the
	// next one.
	Configure(ctx context.Context, runID string, answers AnswerSet) (Step, error)
	// Abort terminates an in-progress run. Implementations return
	// ErrUnknownRun when the run is already gone.
	Abort(ctx context.Context, runID string) error
}
