package connection

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return s
}

func TestLoadWithRecoveryMissingFileReturnsDefaults(t *testing.T) {
	s := newTestStorage(t)
	snap, warnings, err := s.LoadWithRecovery()
	if err != nil {
		t.Fatalf("LoadWithRecovery: %v", err)
	}
	if len(warnings) != 0 || len(snap.Connections) != 0 || len(snap.Folders) != 0 || len(snap.Agents) != 0 {
		t.Fatalf("snap = %+v, warnings = %+v", snap, warnings)
	}
}

func TestSaveSnapshotRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	snap := Snapshot{
		Connections: []Connection{
			{ID: "Work/SSH", Name: "SSH", Type: "ssh", FolderID: "Work", Settings: map[string]interface{}{"host": "example.com"}},
		},
		Folders: []Folder{{ID: "Work", Name: "Work", IsExpanded: true}},
	}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, warnings, err := s.LoadWithRecovery()
	if err != nil {
		t.Fatalf("LoadWithRecovery: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %+v", warnings)
	}
	if len(loaded.Connections) != 1 || loaded.Connections[0].ID != "Work/SSH" {
		t.Fatalf("connections = %+v", loaded.Connections)
	}
	if len(loaded.Folders) != 1 || loaded.Folders[0].ID != "Work" {
		t.Fatalf("folders = %+v", loaded.Folders)
	}
}

func TestLoadWithRecoveryCompletelyCorrupt(t *testing.T) {
	s := newTestStorage(t)
	if err := os.WriteFile(s.filePath, []byte("this is not json at all!!!"), 0600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	snap, warnings, err := s.LoadWithRecovery()
	if err != nil {
		t.Fatalf("LoadWithRecovery: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %+v, want exactly 1", warnings)
	}
	if len(snap.Connections) != 0 {
		t.Fatalf("connections = %+v, want empty", snap.Connections)
	}
	backup := s.filePath + ".bak"
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
}

func TestLoadWithRecoveryPartialChildren(t *testing.T) {
	s := newTestStorage(t)
	raw := `{
		"version": "2",
		"children": [
			{"type": "connection", "name": "Good Connection", "config": {"type": "local", "settings": {}}},
			{"type": "connection", "broken": true}
		],
		"agents": []
	}`
	if err := os.WriteFile(s.filePath, []byte(raw), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, warnings, err := s.LoadWithRecovery()
	if err != nil {
		t.Fatalf("LoadWithRecovery: %v", err)
	}
	if len(snap.Connections) != 1 || snap.Connections[0].Name != "Good Connection" {
		t.Fatalf("connections = %+v", snap.Connections)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %+v, want 1", warnings)
	}
}

func TestLoadWithRecoveryInvalidStructureValidJSON(t *testing.T) {
	s := newTestStorage(t)
	if err := os.WriteFile(s.filePath, []byte(`{"foo": "bar"}`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, warnings, err := s.LoadWithRecovery()
	if err != nil {
		t.Fatalf("LoadWithRecovery: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a warning")
	}
	if len(snap.Connections) != 0 {
		t.Fatalf("connections = %+v", snap.Connections)
	}
}

func TestSaveSnapshotWritesNestedTreeOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(dir)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	snap := Snapshot{
		Connections: []Connection{{ID: "Work/SSH", Name: "SSH", Type: "ssh", FolderID: "Work"}},
		Folders:     []Folder{{ID: "Work", Name: "Work", IsExpanded: true}},
	}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fileName)); err != nil {
		t.Fatalf("expected connections.json: %v", err)
	}
}
