// Package hub is an HTTP client for the hub's config-entry REST API.
// It implements the flow protocol and entry lifecycle interfaces the
// reconciliation engine consumes.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/entryctl/entryctl/internal/flow"
)

// Client talks to one hub instance. The zero value is not usable;
// create clients with New.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the hub at baseURL authenticating with a
// bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the hub that has no more
// specific classification.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
}

// CreateFlows returns the creation flow manager; entry points are
// platform names.
func (c *Client) CreateFlows() flow.Protocol {
	return &flowManager{client: c, base: "/api/config/config_entries/flow"}
}

// OptionsFlows returns the options flow manager; entry points are
// external entry ids.
func (c *Client) OptionsFlows() flow.Protocol {
	return &flowManager{client: c, base: "/api/config/config_entries/options/flow"}
}

// Lookup reports whether the hub knows an entry by this id.
func (c *Client) Lookup(ctx context.Context, externalID string) (bool, error) {
	status, _, err := c.do(ctx, http.MethodGet, "/api/config/config_entries/entry/"+url.PathEscape(externalID), nil)
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status >= 300:
		return false, &APIError{StatusCode: status, Message: "entry lookup failed"}
	}
	return true, nil
}

// Remove deletes an entry from the hub.
func (c *Client) Remove(ctx context.Context, externalID string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/api/config/config_entries/entry/"+url.PathEscape(externalID), nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return &APIError{StatusCode: status, Message: errorMessage(body)}
	}
	return nil
}

// flowManager implements flow.Protocol for one flow family (creation
// or options), which share the same wire shape under different paths.
type flowManager struct {
	client *Client
	base   string
}

func (f *flowManager) Init(ctx context.Context, entryPoint string, fc flow.Context) (string, flow.Step, error) {
	payload := map[string]any{
		"handler":               entryPoint,
		"show_advanced_options": fc.ShowAdvanced,
	}
	if fc.Source != "" {
		payload["source"] = fc.Source
	}
	status, body, err := f.client.do(ctx, http.MethodPost, f.base, payload)
	if err != nil {
		return "", flow.Step{}, err
	}
	if status == http.StatusNotFound {
		return "", flow.Step{}, fmt.Errorf("%w: %s", flow.ErrUnknownHandler, entryPoint)
	}
	if status >= 300 {
		return "", flow.Step{}, &APIError{StatusCode: status, Message: errorMessage(body)}
	}
	return decodeStep(body)
}

func (f *flowManager) Configure(ctx context.Context, runID string, answers flow.AnswerSet) (flow.Step, error) {
	if answers == nil {
		answers = flow.AnswerSet{}
	}
	status, body, err := f.client.do(ctx, http.MethodPost, f.base+"/"+url.PathEscape(runID), answers)
	if err != nil {
		return flow.Step{}, err
	}
	switch {
	case status == http.StatusNotFound:
		return flow.Step{}, fmt.Errorf("%w: %s", flow.ErrUnknownRun, runID)
	case status == http.StatusBadRequest:
		return flow.Step{}, &flow.InvalidAnswersError{Reason: errorMessage(body)}
	case status >= 300:
		return flow.Step{}, &APIError{StatusCode: status, Message: errorMessage(body)}
	}
	_, step, err := decodeStep(body)
	return step, err
}

func (f *flowManager) Abort(ctx context.Context, runID string) error {
	status, body, err := f.client.do(ctx, http.MethodDelete, f.base+"/"+url.PathEscape(runID), nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", flow.ErrUnknownRun, runID)
	}
	if status >= 300 {
		return &APIError{StatusCode: status, Message: errorMessage(body)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// stepPayload is the wire shape of a flow step.
type stepPayload struct {
	Type       string         `json:"type"`
	FlowID     string         `json:"flow_id"`
	DataSchema []fieldPayload `json:"data_schema"`
	Errors     map[string]any `json:"errors"`
	Reason     string         `json:"reason"`
	Result     *resultPayload `json:"result"`
}

type fieldPayload struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

type resultPayload struct {
	EntryID string         `json:"entry_id"`
	Title   string         `json:"title"`
	Data    map[string]any `json:"data"`
}

func decodeStep(body []byte) (string, flow.Step, error) {
	var p stepPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", flow.Step{}, fmt.Errorf("decoding flow step: %w", err)
	}

	step := flow.Step{Errors: stepErrors(p.Errors)}
	switch p.Type {
	case "form":
		step.Kind = flow.KindForm
		for _, f := range p.DataSchema {
			step.Schema.Fields = append(step.Schema.Fields, flow.Field{Name: f.Name, Required: f.Required})
		}
	case "create_entry":
		step.Kind = flow.KindResult
		if p.Result == nil {
			return "", flow.Step{}, fmt.Errorf("decoding flow step: create_entry without result")
		}
		step.Result = &flow.Result{
			ExternalID: p.Result.EntryID,
			Title:      p.Result.Title,
			Data:       p.Result.Data,
		}
	case "abort":
		step.Kind = flow.KindAbort
		step.Reason = p.Reason
	default:
		return "", flow.Step{}, fmt.Errorf("decoding flow step: unknown type %q", p.Type)
	}
	return p.FlowID, step, nil
}

// stepErrors normalizes the wire errors map. Some integrations send
// null or empty values for fields that are fine.
func stepErrors(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = ""
		}
	}
	return out
}

func errorMessage(body []byte) string {
	var p struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &p); err == nil && p.Message != "" {
		return p.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "no error detail"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
