// Package entry implements the per-entry reconciliation state
// machine: given desired and last-applied answer sets, it decides
// whether an entry must be created, recreated, reconfigured, deleted,
// or left alone, and executes that decision against the hub.
package entry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/entryctl/entryctl/internal/flow"
)

// Lifecycle is the hub's entry lifecycle subsystem.
type Lifecycle interface {
	// Lookup reports whether the hub still knows an entry by this id.
	Lookup(ctx context.Context, externalID string) (bool, error)
	// Remove deletes the entry from the hub.
	Remove(ctx context.Context, externalID string) error
}

// Action is the lifecycle decision for one entry on one pass.
type Action int

const (
	ActionNone Action = iota
	ActionCreate
	ActionRecreate
	ActionOptions
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionCreate:
		return "create"
	case ActionRecreate:
		return "recreate"
	case ActionOptions:
		return "options"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

// Deps are the collaborators needed to reconcile one entry.
type Deps struct {
	Lifecycle Lifecycle
	Driver    *flow.Driver
	// Create is the creation flow manager; its entry point is a
	// platform name.
	Create flow.Protocol
	// Options is the options flow manager; its entry point is an
	// external entry id.
	Options flow.Protocol
	Log     *slog.Logger
}

// Managed is one declaratively managed entry. ConfigurationID is the
// stable user-assigned key; ExternalID is the hub-assigned identity,
// empty until the entry has been created and re-validated before it
// is ever trusted.
type Managed struct {
	ConfigurationID string
	Platform        string
	ExternalID      string

	// Last-applied answer sets, persisted across passes and used only
	// for diffing, never for replay.
	LastConfig  []flow.AnswerSet
	LastOptions []flow.AnswerSet

	// Desired state, refreshed from the specification every pass and
	// never persisted. A nil DesiredConfig means the entry should not
	// exist. A nil DesiredOptions means "leave options alone"; an
	// empty-but-present options list is applied explicitly.
	DesiredConfig  []flow.AnswerSet
	DesiredOptions []flow.AnswerSet

	OptionsNeedsRecreate bool

	// platformChanged is set by the reconciler when the specification
	// renames the platform under an existing configuration id. The
	// old entry cannot be edited in place, so this forces a recreate.
	platformChanged bool
}

// MarkPlatformChanged flags the entry for a full recreate because its
// platform was renamed in the specification.
func (m *Managed) MarkPlatformChanged() { m.platformChanged = true }

// Plan decides which action this entry needs. A stale external id is
// self-healed first: if the hub no longer knows the entry, it is
// treated as never created. The drift lookup is the only I/O.
func (m *Managed) Plan(ctx context.Context, lc Lifecycle) (Action, error) {
	if m.DesiredConfig == nil {
		if m.ExternalID == "" {
			return ActionNone, nil
		}
		known, err := lc.Lookup(ctx, m.ExternalID)
		if err != nil {
			return ActionNone, err
		}
		if !known {
			// Already removed out-of-band; there is nothing left to
			// delete.
			m.ExternalID = ""
			return ActionNone, nil
		}
		return ActionDelete, nil
	}

	if m.ExternalID != "" {
		known, err := lc.Lookup(ctx, m.ExternalID)
		if err != nil {
			return ActionNone, err
		}
		if !known {
			// Something outside this engine removed the entry. Start
			// fresh rather than reconciling against unknown state.
			m.ExternalID = ""
		}
	}

	if m.ExternalID == "" {
		return ActionCreate, nil
	}
	if m.platformChanged || !answersEqual(m.DesiredConfig, m.LastConfig) {
		return ActionRecreate, nil
	}
	if m.optionsChanged() {
		if m.OptionsNeedsRecreate {
			return ActionRecreate, nil
		}
		return ActionOptions, nil
	}
	return ActionNone, nil
}

// Configure plans and executes this entry's action, returning the
// action taken. Failures leave ExternalID, LastConfig and LastOptions
// unchanged so the next pass retries from persisted state; a recreate
// whose create half fails leaves a stale ExternalID behind, which the
// next pass's drift lookup heals into a fresh create.
func (m *Managed) Configure(ctx context.Context, deps Deps) (Action, error) {
	log := deps.Log.With(
		slog.String("platform", m.Platform),
		slog.String("configuration_id", m.ConfigurationID))

	action, err := m.Plan(ctx, deps.Lifecycle)
	if err != nil {
		return action, err
	}

	switch action {
	case ActionDelete:
		log.Info("removing entry", slog.String("external_id", m.ExternalID))
		if err := deps.Lifecycle.Remove(ctx, m.ExternalID); err != nil {
			return action, err
		}
		m.ExternalID = ""
		m.LastConfig = nil
		m.LastOptions = nil
		return action, nil

	case ActionCreate:
		log.Info("creating entry")
		res, err := deps.Driver.Run(ctx, deps.Create, m.Platform, flow.DefaultContext(), m.DesiredConfig)
		if err != nil {
			return action, err
		}
		m.ExternalID = res.ExternalID

	case ActionRecreate:
		log.Info("recreating entry", slog.String("external_id", m.ExternalID))
		if err := deps.Lifecycle.Remove(ctx, m.ExternalID); err != nil {
			return action, err
		}
		res, err := deps.Driver.Run(ctx, deps.Create, m.Platform, flow.DefaultContext(), m.DesiredConfig)
		if err != nil {
			return action, err
		}
		m.ExternalID = res.ExternalID
		// The new entry starts without options; force the options
		// flow to run fresh below.
		m.LastOptions = nil
	}

	m.platformChanged = false
	m.LastConfig = m.DesiredConfig

	if m.optionsChanged() {
		log.Info("configuring entry options", slog.String("external_id", m.ExternalID))
		_, err := deps.Driver.Run(ctx, deps.Options, m.ExternalID, flow.DefaultContext(), m.DesiredOptions)
		if err != nil {
			if errors.Is(err, flow.ErrUnknownHandler) {
				// Expected for platforms without an options flow.
				log.Warn("platform does not support options")
				return action, nil
			}
			return action, err
		}
		m.LastOptions = m.DesiredOptions
	}
	return action, nil
}

func (m *Managed) optionsChanged() bool {
	return m.DesiredOptions != nil && !answersEqual(m.DesiredOptions, m.LastOptions)
}

// answersEqual compares two answer-set sequences structurally through
// canonical JSON. Desired values come from YAML and last-applied
// values from the JSON state file, so a direct DeepEqual would treat
// the integer 80 and the number 80 as different.
func answersEqual(a, b []flow.AnswerSet) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
