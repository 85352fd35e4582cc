package connection

import "testing"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	storage := newTestStorage(t)
	mgr, warnings, err := NewManager(storage)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	return mgr
}

func TestManagerCreateConnectionAndFolder(t *testing.T) {
	mgr := newTestManager(t)

	folder, err := mgr.CreateFolder("", "Work")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if folder.ID != "Work" {
		t.Fatalf("folder.ID = %q", folder.ID)
	}

	conn, err := mgr.CreateConnection(folder.ID, "Prod", "ssh", map[string]interface{}{"host": "h"})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if conn.ID != "Work/Prod" {
		t.Fatalf("conn.ID = %q", conn.ID)
	}

	conns, folders := mgr.List()
	if len(conns) != 1 || len(folders) != 1 {
		t.Fatalf("conns=%d folders=%d", len(conns), len(folders))
	}
}

func TestManagerDeleteFolderRelocatesChildren(t *testing.T) {
	mgr := newTestManager(t)

	parent, _ := mgr.CreateFolder("", "Parent")
	child, _ := mgr.CreateFolder(parent.ID, "Child")
	conn, _ := mgr.CreateConnection(child.ID, "SSH", "ssh", nil)
	_ = conn

	if err := mgr.DeleteFolder(child.ID); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}

	conns, folders := mgr.List()
	if len(folders) != 1 || folders[0].ID != "Parent" {
		t.Fatalf("folders = %+v", folders)
	}
	if len(conns) != 1 || conns[0].FolderID != "Parent" {
		t.Fatalf("conns = %+v, want relocated to Parent", conns)
	}
}

func TestManagerDeleteConnection(t *testing.T) {
	mgr := newTestManager(t)
	conn, _ := mgr.CreateConnection("", "Local", "local", nil)

	if err := mgr.DeleteConnection(conn.ID); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	conns, _ := mgr.List()
	if len(conns) != 0 {
		t.Fatalf("conns = %+v, want empty", conns)
	}
}

func TestManagerMoveConnection(t *testing.T) {
	mgr := newTestManager(t)
	folder, _ := mgr.CreateFolder("", "Dest")
	conn, _ := mgr.CreateConnection("", "SSH", "ssh", nil)

	if err := mgr.MoveConnection(conn.ID, folder.ID); err != nil {
		t.Fatalf("MoveConnection: %v", err)
	}

	conns, _ := mgr.List()
	if len(conns) != 1 || conns[0].FolderID != "Dest" || conns[0].ID != "Dest/SSH" {
		t.Fatalf("conns = %+v", conns)
	}
}

func TestManagerSaveAndRemoveAgent(t *testing.T) {
	mgr := newTestManager(t)

	if err := mgr.SaveAgent(RemoteAgent{ID: "a1", Name: "box", Settings: map[string]interface{}{"host": "h"}}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	agents := mgr.Agents()
	if len(agents) != 1 || agents[0].ID != "a1" {
		t.Fatalf("agents = %+v", agents)
	}

	if err := mgr.RemoveAgent("a1"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	if agents := mgr.Agents(); len(agents) != 0 {
		t.Fatalf("agents = %+v, want empty", agents)
	}
}

func TestManagerPersistsAcrossReload(t *testing.T) {
	storage := newTestStorage(t)
	mgr, _, err := NewManager(storage)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := mgr.CreateConnection("", "Persisted", "local", nil); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	reloaded, warnings, err := NewManager(storage)
	if err != nil {
		t.Fatalf("NewManager (reload): %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %+v", warnings)
	}
	conns, _ := reloaded.List()
	if len(conns) != 1 || conns[0].Name != "Persisted" {
		t.Fatalf("conns = %+v", conns)
	}
}
