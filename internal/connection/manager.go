package connection

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Manager is the in-memory, mutex-guarded view of the connection tree,
// backed by a Storage for persistence. Every mutation is saved to
// storage before it returns. No other package in this module constructs
// one.
type Manager struct {
	mu      sync.Mutex
	storage *Storage
	snap    Snapshot
}

// NewManager loads the current snapshot from storage, returning any
// recovery warnings alongside the ready-to-use Manager.
func NewManager(storage *Storage) (*Manager, []Warning, error) {
	snap, warnings, err := storage.LoadWithRecovery()
	if err != nil {
		return nil, nil, err
	}
	return &Manager{storage: storage, snap: snap}, warnings, nil
}

// List returns a copy of the current flattened connections and
// folders.
func (m *Manager) List() ([]Connection, []Folder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := append([]Connection(nil), m.snap.Connections...)
	folders := append([]Folder(nil), m.snap.Folders...)
	return conns, folders
}

// Agents returns a copy of the saved remote-agent descriptors.
func (m *Manager) Agents() []RemoteAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RemoteAgent(nil), m.snap.Agents...)
}

// CreateFolder adds a new folder under parentID (empty for root) and
// persists the result. name is deduplicated against existing siblings
// before its ID is computed, so two folders under the same parent can
// never collide on ID (spec §3, §8).
func (m *Manager) CreateFolder(parentID, name string) (Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = UniqueSiblingName(name, parentID, m.snap.Connections, m.snap.Folders)
	f := Folder{ID: ComputeFolderID(parentID, name), Name: name, ParentID: parentID, IsExpanded: true}
	m.snap.Folders = append(m.snap.Folders, f)
	if err := m.persistLocked(); err != nil {
		return Folder{}, err
	}
	return f, nil
}

// CreateConnection adds a new connection under folderID (empty for
// root) and persists the result. name is deduplicated against existing
// siblings before its ID is computed, so a connection and a folder (or
// two connections) sharing a name under the same parent can never
// collide on ID (spec §3, §8).
func (m *Manager) CreateConnection(folderID, name, typeID string, settings map[string]interface{}) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = UniqueSiblingName(name, folderID, m.snap.Connections, m.snap.Folders)
	c := Connection{
		ID:       ComputeConnectionID(folderID, name),
		Name:     name,
		Type:     typeID,
		Settings: settings,
		FolderID: folderID,
	}
	m.snap.Connections = append(m.snap.Connections, c)
	if err := m.persistLocked(); err != nil {
		return Connection{}, err
	}
	return c, nil
}

// DeleteFolder removes folderID, relocating its direct children (both
// folders and connections) to its own parent (spec §3: "Deleting a
// folder relocates direct children... to its parent").
func (m *Manager) DeleteFolder(folderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *Folder
	kept := make([]Folder, 0, len(m.snap.Folders))
	for i := range m.snap.Folders {
		if m.snap.Folders[i].ID == folderID {
			f := m.snap.Folders[i]
			target = &f
			continue
		}
		kept = append(kept, m.snap.Folders[i])
	}
	if target == nil {
		return fmt.Errorf("connection: folder %q not found", folderID)
	}

	for i := range kept {
		if kept[i].ParentID == folderID {
			kept[i].ParentID = target.ParentID
		}
	}
	for i := range m.snap.Connections {
		if m.snap.Connections[i].FolderID == folderID {
			m.snap.Connections[i].FolderID = target.ParentID
		}
	}
	m.snap.Folders = kept
	return m.persistLocked()
}

// DeleteConnection removes connID.
func (m *Manager) DeleteConnection(connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]Connection, 0, len(m.snap.Connections))
	found := false
	for _, c := range m.snap.Connections {
		if c.ID == connID {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return fmt.Errorf("connection: connection %q not found", connID)
	}
	m.snap.Connections = kept
	return m.persistLocked()
}

// MoveConnection reassigns connID to newFolderID (empty for root),
// deduplicating its name against newFolderID's existing children before
// recomputing its ID so it can never collide with a sibling already
// there (spec §3, §8).
func (m *Manager) MoveConnection(connID, newFolderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.snap.Connections {
		if m.snap.Connections[i].ID == connID {
			others := make([]Connection, 0, len(m.snap.Connections)-1)
			for j, c := range m.snap.Connections {
				if j != i {
					others = append(others, c)
				}
			}
			name := UniqueSiblingName(m.snap.Connections[i].Name, newFolderID, others, m.snap.Folders)
			m.snap.Connections[i].Name = name
			m.snap.Connections[i].FolderID = newFolderID
			m.snap.Connections[i].ID = ComputeConnectionID(newFolderID, name)
			return m.persistLocked()
		}
	}
	return fmt.Errorf("connection: connection %q not found", connID)
}

// SaveAgent inserts or replaces a saved remote-agent descriptor.
func (m *Manager) SaveAgent(agent RemoteAgent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	for i := range m.snap.Agents {
		if m.snap.Agents[i].ID == agent.ID {
			m.snap.Agents[i] = agent
			return m.persistLocked()
		}
	}
	m.snap.Agents = append(m.snap.Agents, agent)
	return m.persistLocked()
}

// RemoveAgent deletes a saved remote-agent descriptor by ID.
func (m *Manager) RemoveAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]RemoteAgent, 0, len(m.snap.Agents))
	for _, a := range m.snap.Agents {
		if a.ID != agentID {
			kept = append(kept, a)
		}
	}
	m.snap.Agents = kept
	return m.persistLocked()
}

// persistLocked saves the current snapshot and, since SaveSnapshot
// re-runs deduplication, reloads the (possibly renamed) result back
// into memory so in-memory IDs never drift from what's on disk.
func (m *Manager) persistLocked() error {
	if err := m.storage.SaveSnapshot(m.snap); err != nil {
		return err
	}
	snap, _, err := m.storage.LoadWithRecovery()
	if err != nil {
		return err
	}
	m.snap = snap
	return nil
}
