package flow

import (
	"context"
	"errors"
	"testing"
)

// scriptProtocol replays a fixed sequence of steps: the first is
// returned by Init, the rest by successive Configure calls.
type scriptProtocol struct {
	steps         []Step
	initErr       error
	configureErrs map[int]error // keyed by Configure call index
	abortErr      error

	initCalls  int
	configured []AnswerSet
	aborted    []string
}

func (p *scriptProtocol) Init(ctx context.Context, entryPoint string, fc Context) (string, Step, error) {
	p.initCalls++
	if p.initErr != nil {
		return "", Step{}, p.initErr
	}
	return "run-1", p.pop(), nil
}

func (p *scriptProtocol) Configure(ctx context.Context, runID string, answers AnswerSet) (Step, error) {
	idx := len(p.configured)
	p.configured = append(p.configured, answers)
	if err := p.configureErrs[idx]; err != nil {
		return Step{}, err
	}
	return p.pop(), nil
}

func (p *scriptProtocol) Abort(ctx context.Context, runID string) error {
	p.aborted = append(p.aborted, runID)
	return p.abortErr
}

func (p *scriptProtocol) pop() Step {
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step
}

func formStep(fields ...string) Step {
	s := Step{Kind: KindForm}
	for _, f := range fields {
		s.Schema.Fields = append(s.Schema.Fields, Field{Name: f})
	}
	return s
}

func errorStep(errs map[string]string, fields ...string) Step {
	s := formStep(fields...)
	s.Errors = errs
	return s
}

func resultStep(externalID string) Step {
	return Step{Kind: KindResult, Result: &Result{ExternalID: externalID}}
}

func abortStep(reason string) Step {
	return Step{Kind: KindAbort, Reason: reason}
}

func TestDriverRunMultiStep(t *testing.T) {
	proto := &scriptProtocol{steps: []Step{
		formStep("host", "port"),
		formStep("username"),
		resultStep("ext-1"),
	}}
	d := NewDriver(nil)

	res, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{
		{"host": "1.2.3.4", "port": 80, "username": "admin", "unrelated": true},
		{"username": "admin", "unrelated": true},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExternalID != "ext-1" {
		t.Errorf("ExternalID = %q, want %q", res.ExternalID, "ext-1")
	}

	if len(proto.configured) != 2 {
		t.Fatalf("Configure called %d times, want 2", len(proto.configured))
	}
	// Answers must be filtered to the step's schema; extra fields are
	// dropped so one answer blob can serve multiple steps.
	first := proto.configured[0]
	if len(first) != 2 || first["host"] != "1.2.3.4" || first["port"] != 80 {
		t.Errorf("first step answers = %v, want host and port only", first)
	}
	second := proto.configured[1]
	if len(second) != 1 || second["username"] != "admin" {
		t.Errorf("second step answers = %v, want username only", second)
	}
	if len(proto.aborted) != 0 {
		t.Errorf("abort called %d times, want 0", len(proto.aborted))
	}
}

func TestDriverRunLeftoverAnswerSets(t *testing.T) {
	proto := &scriptProtocol{steps: []Step{
		formStep("host"),
		resultStep("ext-2"),
	}}
	d := NewDriver(nil)

	// Three answer sets for a two-step flow: the leftovers are simply
	// not consumed.
	res, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{
		{"host": "a"}, {"host": "b"}, {"host": "c"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExternalID != "ext-2" {
		t.Errorf("ExternalID = %q, want %q", res.ExternalID, "ext-2")
	}
	if len(proto.configured) != 1 {
		t.Errorf("Configure called %d times, want 1", len(proto.configured))
	}
}

func TestDriverRunResultAfterLastAnswer(t *testing.T) {
	proto := &scriptProtocol{steps: []Step{
		formStep("host"),
		resultStep("ext-3"),
	}}
	d := NewDriver(nil)

	// The terminal result arrives on the submission that consumed the
	// final answer set; the post-loop check must pick it up.
	res, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{{"host": "a"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExternalID != "ext-3" {
		t.Errorf("ExternalID = %q, want %q", res.ExternalID, "ext-3")
	}
}

func TestDriverRunStepErrors(t *testing.T) {
	proto := &scriptProtocol{steps: []Step{
		errorStep(map[string]string{"host": "invalid"}, "host"),
	}}
	d := NewDriver(nil)

	_, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{{"host": "a"}})
	var sve *StepValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("error = %v (%T), want *StepValidationError", err, err)
	}
	if sve.Errors["host"] != "invalid" {
		t.Errorf("Errors = %v, want raw error payload carried", sve.Errors)
	}
	if len(proto.aborted) != 1 {
		t.Errorf("abort called %d times, want 1", len(proto.aborted))
	}
	if len(proto.configured) != 0 {
		t.Errorf("Configure called %d times, want 0", len(proto.configured))
	}
}

func TestDriverRunEmptyErrorValuesIgnored(t *testing.T) {
	// Some integrations return {"errors": {"base": ""}} on the first
	// step; only non-empty values count as failures.
	proto := &scriptProtocol{steps: []Step{
		errorStep(map[string]string{"base": ""}, "host"),
		resultStep("ext-4"),
	}}
	d := NewDriver(nil)

	res, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{{"host": "a"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExternalID != "ext-4" {
		t.Errorf("ExternalID = %q, want %q", res.ExternalID, "ext-4")
	}
}

func TestDriverRunAlreadyConfigured(t *testing.T) {
	proto := &scriptProtocol{steps: []Step{
		abortStep(ReasonAlreadyConfigured),
	}}
	d := NewDriver(nil)

	_, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{{"host": "a"}})
	var ace *AlreadyConfiguredError
	if !errors.As(err, &ace) {
		t.Fatalf("error = %v (%T), want *AlreadyConfiguredError", err, err)
	}
	// The run is already terminal on the hub; no abort call.
	if len(proto.aborted) != 0 {
		t.Errorf("abort called %d times, want 0", len(proto.aborted))
	}
}

func TestDriverRunAbortedOtherReason(t *testing.T) {
	proto := &scriptProtocol{steps: []Step{
		abortStep("cannot_connect"),
	}}
	d := NewDriver(nil)

	_, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{{"host": "a"}})
	var ae *AbortedError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v (%T), want *AbortedError", err, err)
	}
	if ae.Reason != "cannot_connect" {
		t.Errorf("Reason = %q, want %q", ae.Reason, "cannot_connect")
	}
	if len(proto.aborted) != 1 {
		t.Errorf("abort called %d times, want 1", len(proto.aborted))
	}
}

func TestDriverRunOutOfAnswers(t *testing.T) {
	proto := &scriptProtocol{steps: []Step{
		formStep("host"),
		formStep("api_key"),
	}}
	d := NewDriver(nil)

	_, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{{"host": "a"}})
	var sme *SchemaMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("error = %v (%T), want *SchemaMismatchError", err, err)
	}
	if got := sme.Schema.FieldNames(); len(got) != 1 || got[0] != "api_key" {
		t.Errorf("Schema fields = %v, want the unsatisfied step's schema", got)
	}
	if len(proto.aborted) != 1 {
		t.Errorf("abort called %d times, want 1", len(proto.aborted))
	}
}

func TestDriverRunInvalidAnswers(t *testing.T) {
	proto := &scriptProtocol{
		steps:         []Step{formStep("port")},
		configureErrs: map[int]error{0: &InvalidAnswersError{Reason: "expected int for port"}},
	}
	d := NewDriver(nil)

	_, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{{"port": "eighty"}})
	var sme *SchemaMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("error = %v (%T), want *SchemaMismatchError", err, err)
	}
	var inv *InvalidAnswersError
	if !errors.As(err, &inv) {
		t.Error("SchemaMismatchError should wrap the protocol rejection")
	}
	if len(proto.aborted) != 1 {
		t.Errorf("abort called %d times, want 1", len(proto.aborted))
	}
}

func TestDriverRunProtocolErrorPassthrough(t *testing.T) {
	transport := errors.New("connection reset")
	proto := &scriptProtocol{
		steps:         []Step{formStep("host")},
		configureErrs: map[int]error{0: transport},
	}
	d := NewDriver(nil)

	_, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{{"host": "a"}})
	if !errors.Is(err, transport) {
		t.Fatalf("error = %v, want the transport error unchanged", err)
	}
	if IsFlowError(err) {
		t.Error("transport errors must not be classified as flow errors")
	}
	if len(proto.aborted) != 1 {
		t.Errorf("abort called %d times, want 1", len(proto.aborted))
	}
}

func TestDriverRunAbortUnknownRunTolerated(t *testing.T) {
	proto := &scriptProtocol{
		steps:    []Step{errorStep(map[string]string{"host": "invalid"}, "host")},
		abortErr: ErrUnknownRun,
	}
	d := NewDriver(nil)

	_, err := d.Run(context.Background(), proto, "demo", DefaultContext(), []AnswerSet{{"host": "a"}})
	var sve *StepValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("error = %v (%T), want *StepValidationError despite abort failure", err, err)
	}
}

func TestDriverRunInitError(t *testing.T) {
	initErr := errors.New("unavailable")
	proto := &scriptProtocol{initErr: initErr}
	d := NewDriver(nil)

	_, err := d.Run(context.Background(), proto, "demo", DefaultContext(), nil)
	if !errors.Is(err, initErr) {
		t.Fatalf("error = %v, want init error", err)
	}
	if len(proto.aborted) != 0 {
		t.Errorf("abort called %d times, want 0 (no run was started)", len(proto.aborted))
	}
}

func TestIsFlowError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"step validation", &StepValidationError{EntryPoint: "p"}, true},
		{"already configured", &AlreadyConfiguredError{EntryPoint: "p"}, true},
		{"schema mismatch", &SchemaMismatchError{EntryPoint: "p"}, true},
		{"aborted", &AbortedError{EntryPoint: "p", Reason: "r"}, true},
		{"plain", errors.New("boom"), false},
		{"unknown handler", ErrUnknownHandler, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsFlowError(tc.err); got != tc.want {
				t.Errorf("IsFlowError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestSchemaFilter(t *testing.T) {
	s := Schema{Fields: []Field{{Name: "host"}, {Name: "port"}}}
	got := s.Filter(AnswerSet{"host": "h", "extra": 1})
	if len(got) != 1 || got["host"] != "h" {
		t.Errorf("Filter = %v, want host only", got)
	}
	if got := s.Filter(nil); len(got) != 0 {
		t.Errorf("Filter(nil) = %v, want empty", got)
	}
}
