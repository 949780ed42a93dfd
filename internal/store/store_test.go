package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/entryctl/entryctl/internal/entry"
	"github.com/entryctl/entryctl/internal/flow"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), ".entryctl.state.json"))
}

func TestStoreLoadAbsentFile(t *testing.T) {
	s := testStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Entries) != 0 {
		t.Errorf("Entries = %v, want empty store on first run", s.Entries)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := testStore(t)
	s.Add(&entry.Managed{
		ConfigurationID: "a",
		Platform:        "p1",
		ExternalID:      "ext-1",
		LastConfig:      []flow.AnswerSet{{"host": "1.2.3.4"}},
		LastOptions:     []flow.AnswerSet{{"mode": "fast"}},
		DesiredConfig:   []flow.AnswerSet{{"host": "1.2.3.4"}},
		DesiredOptions:  []flow.AnswerSet{{"mode": "fast"}},
	})
	s.Add(&entry.Managed{
		ConfigurationID: "b",
		Platform:        "p2",
		ExternalID:      "ext-2",
		LastConfig:      []flow.AnswerSet{{"port": 80}},
		DesiredConfig:   []flow.AnswerSet{{"port": 80}},
	})

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := New(s.Path())
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(loaded.Entries))
	}

	// Order is preserved.
	first := loaded.Entries[0]
	if first.ConfigurationID != "a" || first.Platform != "p1" || first.ExternalID != "ext-1" {
		t.Errorf("entry[0] = %+v, want a/p1/ext-1", first)
	}
	if !reflect.DeepEqual(first.LastConfig, []flow.AnswerSet{{"host": "1.2.3.4"}}) {
		t.Errorf("LastConfig = %v, want round-tripped answers", first.LastConfig)
	}
	if !reflect.DeepEqual(first.LastOptions, []flow.AnswerSet{{"mode": "fast"}}) {
		t.Errorf("LastOptions = %v, want round-tripped answers", first.LastOptions)
	}

	// Desired state is never persisted.
	for _, m := range loaded.Entries {
		if m.DesiredConfig != nil || m.DesiredOptions != nil || m.OptionsNeedsRecreate {
			t.Errorf("entry %s carries desired state after load: %+v", m.ConfigurationID, m)
		}
	}
}

func TestStoreSaveSkipsUnmaterializedEntries(t *testing.T) {
	s := testStore(t)
	// Pending deletion: no desired config.
	s.Add(&entry.Managed{ConfigurationID: "gone", Platform: "p1", ExternalID: "ext-1"})
	// Never created: creation failed or has not run yet.
	s.Add(&entry.Managed{ConfigurationID: "pending", Platform: "p2", DesiredConfig: []flow.AnswerSet{{"a": 1}}})
	// Desired and materialized.
	s.Add(&entry.Managed{
		ConfigurationID: "ok",
		Platform:        "p3",
		ExternalID:      "ext-3",
		DesiredConfig:   []flow.AnswerSet{{"a": 1}},
	})

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := New(s.Path())
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Entries) != 1 || loaded.Entries[0].ConfigurationID != "ok" {
		t.Errorf("persisted entries = %+v, want only %q", loaded.Entries, "ok")
	}
}

func TestStoreForConfigurationID(t *testing.T) {
	s := testStore(t)
	s.Add(&entry.Managed{ConfigurationID: "a", Platform: "p1"})

	m, err := s.ForConfigurationID("a")
	if err != nil {
		t.Fatalf("ForConfigurationID: %v", err)
	}
	if m.Platform != "p1" {
		t.Errorf("Platform = %q, want %q", m.Platform, "p1")
	}

	_, err = s.ForConfigurationID("missing")
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("error = %v (%T), want *NotFoundError", err, err)
	}
	if nfe.ConfigurationID != "missing" {
		t.Errorf("NotFoundError.ConfigurationID = %q, want %q", nfe.ConfigurationID, "missing")
	}
}

func TestStoreBackupRecovery(t *testing.T) {
	s := testStore(t)
	s.Add(&entry.Managed{
		ConfigurationID: "a",
		Platform:        "p1",
		ExternalID:      "ext-1",
		DesiredConfig:   []flow.AnswerSet{{"h": "x"}},
		LastConfig:      []flow.AnswerSet{{"h": "x"}},
	})
	if err := s.Save(); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	// Second save creates the .bak sidecar.
	if err := s.Save(); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if _, err := os.Stat(s.Path() + ".bak"); err != nil {
		t.Fatalf(".bak missing after second save: %v", err)
	}

	// Corrupt the main file; Load must fall back to the backup.
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt state file: %v", err)
	}
	recovered := New(s.Path())
	if err := recovered.Load(); err != nil {
		t.Fatalf("Load with backup: %v", err)
	}
	if len(recovered.Entries) != 1 || recovered.Entries[0].ConfigurationID != "a" {
		t.Errorf("recovered entries = %+v, want the backed-up entry", recovered.Entries)
	}
}

func TestStoreLoadCorruptedNoBackup(t *testing.T) {
	s := testStore(t)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupted file: %v", err)
	}

	err := s.Load()
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v (%T), want *CorruptError", err, err)
	}
	if ce.Path != s.Path() {
		t.Errorf("CorruptError.Path = %q, want %q", ce.Path, s.Path())
	}
	if !ce.BackupTried {
		t.Error("CorruptError.BackupTried = false, want true")
	}
}

func TestStoreSaveLeavesNoTempFiles(t *testing.T) {
	s := testStore(t)
	s.Add(&entry.Managed{
		ConfigurationID: "a",
		Platform:        "p1",
		ExternalID:      "ext-1",
		DesiredConfig:   []flow.AnswerSet{{"h": "x"}},
	})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dir := filepath.Dir(s.Path())
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", f.Name())
		}
	}
}
