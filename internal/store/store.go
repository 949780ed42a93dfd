// Package store persists reconciliation state between passes as a
// local JSON file. Only entries that are both desired and
// materialized are written, so a crash mid-creation retries the
// creation on the next pass instead of recording a half-applied
// entry.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/entryctl/entryctl/internal/entry"
	"github.com/entryctl/entryctl/internal/flow"
)

// NotFoundError is returned by ForConfigurationID on a miss. The
// reconciler uses it to branch between matching an existing entry and
// allocating a new one; it is not a user-facing failure.
type NotFoundError struct {
	ConfigurationID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no managed entry for configuration id %q", e.ConfigurationID)
}

// CorruptError is returned when the state file cannot be decoded and
// no usable backup exists.
type CorruptError struct {
	Path        string
	BackupTried bool
	Err         error
}

func (e *CorruptError) Error() string {
	if e.BackupTried {
		return fmt.Sprintf("state file %q and backup are both unreadable: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("state file %q is unreadable: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// record is the on-disk shape of one entry. Desired state and the
// recreate policy are re-derived from the specification every pass
// and never persisted.
type record struct {
	Platform        string           `json:"platform"`
	ExternalID      string           `json:"external_id"`
	ConfigurationID string           `json:"configuration_id"`
	LastConfig      []flow.AnswerSet `json:"last_config"`
	LastOptions     []flow.AnswerSet `json:"last_options,omitempty"`
}

type stateFile struct {
	Version string   `json:"version"`
	Entries []record `json:"entries"`
}

const stateVersion = "1"

// Store is the ordered collection of managed entries for one
// specification. It is exclusively owned by a single reconciliation
// pass; concurrent passes are not supported.
type Store struct {
	path    string
	Entries []*entry.Managed
}

// New creates a store backed by the JSON file at path. Nothing is
// read until Load.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted records and reconstructs managed entries.
// An absent state file means a first run, not an error. A corrupted
// or missing main file falls back to the .bak sidecar left by the
// previous Save.
func (s *Store) Load() error {
	sf, err := s.read(s.path)
	if err == nil {
		s.setEntries(sf)
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		bak, bakErr := s.read(s.path + ".bak")
		if bakErr != nil {
			if errors.Is(bakErr, os.ErrNotExist) {
				s.Entries = nil
				return nil
			}
			return &CorruptError{Path: s.path, BackupTried: true, Err: bakErr}
		}
		s.setEntries(bak)
		return nil
	}

	bak, bakErr := s.read(s.path + ".bak")
	if bakErr != nil {
		return &CorruptError{Path: s.path, BackupTried: true, Err: err}
	}
	s.setEntries(bak)
	return nil
}

// Save serializes the entries that are both desired and materialized,
// keeping the previous file as a .bak sidecar and writing the new one
// atomically via a temp file and rename.
func (s *Store) Save() error {
	sf := stateFile{Version: stateVersion}
	for _, m := range s.Entries {
		if m.DesiredConfig == nil || m.ExternalID == "" {
			continue
		}
		sf.Entries = append(sf.Entries, record{
			Platform:        m.Platform,
			ExternalID:      m.ExternalID,
			ConfigurationID: m.ConfigurationID,
			LastConfig:      m.LastConfig,
			LastOptions:     m.LastOptions,
		})
	}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	data = append(data, '\n')

	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.path+".bak", prev, 0o600); err != nil {
			return fmt.Errorf("writing state backup: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".entryctl-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// ForConfigurationID finds the managed entry with the given stable
// id, returning NotFoundError on a miss.
func (s *Store) ForConfigurationID(id string) (*entry.Managed, error) {
	for _, m := range s.Entries {
		if m.ConfigurationID == id {
			return m, nil
		}
	}
	return nil, &NotFoundError{ConfigurationID: id}
}

// Add appends a managed entry to the store.
func (s *Store) Add(m *entry.Managed) {
	s.Entries = append(s.Entries, m)
}

func (s *Store) setEntries(sf *stateFile) {
	s.Entries = make([]*entry.Managed, 0, len(sf.Entries))
	for _, rec := range sf.Entries {
		s.Entries = append(s.Entries, &entry.Managed{
			Platform:        rec.Platform,
			ExternalID:      rec.ExternalID,
			ConfigurationID: rec.ConfigurationID,
			LastConfig:      rec.LastConfig,
			LastOptions:     rec.LastOptions,
		})
	}
}

func (s *Store) read(path string) (*stateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, err
	}
	return &sf, nil
}
