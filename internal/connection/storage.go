package connection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const fileName = "connections.json"

// RemoteAgent is a saved remote-agent definition (host/port/auth),
// persisted alongside the connection tree per spec §4.13.
type RemoteAgent struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Settings map[string]interface{} `json:"settings"`
}

// Warning describes one entry dropped or repaired during a corrupt
// load, surfaced to the user rather than silently discarded.
type Warning struct {
	FileName string `json:"file_name"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
}

// Snapshot is the in-memory flattened form of the whole store.
type Snapshot struct {
	Connections []Connection
	Folders     []Folder
	Agents      []RemoteAgent
}

// onDiskNode/onDiskStore mirror the nested JSON file format. Fields
// use the "type" discriminator the original Rust internally-tagged
// enum produces, kept for format compatibility with original_source's
// connections.json.
type onDiskNode struct {
	Type            string                 `json:"type"`
	Name            string                 `json:"name"`
	IsExpanded      bool                   `json:"isExpanded,omitempty"`
	Children        []onDiskNode           `json:"children,omitempty"`
	Config          onDiskConfig           `json:"config,omitempty"`
	TerminalOptions map[string]interface{} `json:"terminalOptions,omitempty"`
}

type onDiskConfig struct {
	TypeID   string                 `json:"type"`
	Settings map[string]interface{} `json:"settings"`
}

type onDiskStore struct {
	Version  string        `json:"version"`
	Children []onDiskNode  `json:"children"`
	Agents   []RemoteAgent `json:"agents"`
}

func nodeToOnDisk(n Node) onDiskNode {
	if n.Folder != nil {
		children := make([]onDiskNode, len(n.Folder.Children))
		for i, c := range n.Folder.Children {
			children[i] = nodeToOnDisk(c)
		}
		return onDiskNode{
			Type:       "folder",
			Name:       n.Folder.Name,
			IsExpanded: n.Folder.IsExpanded,
			Children:   children,
		}
	}
	c := n.Connection
	return onDiskNode{
		Type:            "connection",
		Name:            c.Name,
		Config:          onDiskConfig{TypeID: c.Type, Settings: c.Settings},
		TerminalOptions: c.TerminalOptions,
	}
}

func onDiskToNode(n onDiskNode) (Node, bool) {
	switch n.Type {
	case "folder":
		children := make([]Node, 0, len(n.Children))
		for _, c := range n.Children {
			if node, ok := onDiskToNode(c); ok {
				children = append(children, node)
			}
		}
		return Node{Folder: &FolderNode{Name: n.Name, IsExpanded: n.IsExpanded, Children: children}}, true
	case "connection":
		return Node{Connection: &ConnectionNode{
			Name:            n.Name,
			Type:            n.Config.TypeID,
			Settings:        n.Config.Settings,
			TerminalOptions: n.TerminalOptions,
		}}, true
	default:
		return Node{}, false
	}
}

// Storage reads and writes the connections.json file, recovering
// gracefully from corruption instead of failing the whole load.
// Grounded on original_source's ConnectionStorage (src-tauri/src/
// connection/storage.rs).
type Storage struct {
	filePath string
}

// NewStorage returns a Storage rooted at configDir/connections.json,
// creating configDir if needed.
func NewStorage(configDir string) (*Storage, error) {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("connection: create config dir: %w", err)
	}
	return &Storage{filePath: filepath.Join(configDir, fileName)}, nil
}

// LoadWithRecovery loads the store, falling back to a backed-up,
// per-node recovery pass when the file is corrupt. A missing file is
// not an error: it yields empty defaults with no warnings.
func (s *Storage) LoadWithRecovery() (Snapshot, []Warning, error) {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return Snapshot{}, nil, nil
	}
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("connection: read store: %w", err)
	}

	var store onDiskStore
	if err := json.Unmarshal(data, &store); err == nil && isWellFormed(store) {
		conns, folders := FlattenTree(onDiskChildrenToNodes(store.Children), "")
		return Snapshot{Connections: conns, Folders: folders, Agents: store.Agents}, nil, nil
	}

	backupPath := s.filePath + ".bak"
	_ = os.WriteFile(backupPath, data, 0600)

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		warning := Warning{
			FileName: fileName,
			Message:  "Connections file was completely corrupt and has been reset.",
			Details:  err.Error(),
		}
		if err := s.SaveSnapshot(Snapshot{}); err != nil {
			return Snapshot{}, nil, fmt.Errorf("connection: save default after recovery: %w", err)
		}
		return Snapshot{}, []Warning{warning}, nil
	}

	var warnings []Warning
	var recoveredChildren []onDiskNode
	if arr, ok := raw["children"].([]interface{}); ok {
		recoveredChildren = recoverNodesRecursive(arr, &warnings, "")
	}

	var recoveredAgents []RemoteAgent
	if arr, ok := raw["agents"].([]interface{}); ok {
		for i, entry := range arr {
			encoded, _ := json.Marshal(entry)
			var agent RemoteAgent
			if err := json.Unmarshal(encoded, &agent); err != nil {
				name := entryName(entry)
				warnings = append(warnings, Warning{
					FileName: fileName,
					Message:  fmt.Sprintf("Removed corrupt agent entry at index %d (%q).", i, name),
					Details:  err.Error(),
				})
				continue
			}
			recoveredAgents = append(recoveredAgents, agent)
		}
	}

	if len(warnings) == 0 {
		warnings = append(warnings, Warning{
			FileName: fileName,
			Message:  "Connections file had an invalid structure and has been repaired.",
		})
	}

	recoveredStore := onDiskStore{Version: "2", Children: recoveredChildren, Agents: recoveredAgents}
	if err := s.saveOnDisk(recoveredStore); err != nil {
		return Snapshot{}, nil, fmt.Errorf("connection: save recovered store: %w", err)
	}

	conns, folders := FlattenTree(onDiskChildrenToNodes(recoveredStore.Children), "")
	return Snapshot{Connections: conns, Folders: folders, Agents: recoveredStore.Agents}, warnings, nil
}

// isWellFormed rejects a structurally-valid-JSON-but-semantically-empty
// decode, e.g. `{"foo": "bar"}`, which Unmarshal accepts into a zero
// onDiskStore without error, and any tree holding a node of unknown type
// or a connection without a config type, so those go through the
// per-node recovery pass and produce a warning.
func isWellFormed(s onDiskStore) bool {
	var nodesOK func([]onDiskNode) bool
	nodesOK = func(nodes []onDiskNode) bool {
		for _, n := range nodes {
			switch {
			case n.Type == "folder" && nodesOK(n.Children):
			case n.Type == "connection" && n.Config.TypeID != "":
			default:
				return false
			}
		}
		return true
	}
	return (s.Version != "" || len(s.Children) > 0 || len(s.Agents) > 0) && nodesOK(s.Children)
}

func onDiskChildrenToNodes(children []onDiskNode) []Node {
	nodes := make([]Node, 0, len(children))
	for _, c := range children {
		if n, ok := onDiskToNode(c); ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func entryName(entry interface{}) string {
	m, ok := entry.(map[string]interface{})
	if !ok {
		return "unknown"
	}
	if name, ok := m["name"].(string); ok {
		return name
	}
	return "unknown"
}

func recoverNodesRecursive(arr []interface{}, warnings *[]Warning, pathContext string) []onDiskNode {
	var recovered []onDiskNode
	for i, raw := range arr {
		m, ok := raw.(map[string]interface{})
		name := "unknown"
		if ok {
			if n, ok := m["name"].(string); ok {
				name = n
			}
		}
		nodePath := name
		if pathContext != "" {
			nodePath = pathContext + "/" + name
		}

		typeStr, _ := m["type"].(string)
		switch typeStr {
		case "folder":
			isExpanded, _ := m["isExpanded"].(bool)
			var childNodes []onDiskNode
			if childArr, ok := m["children"].([]interface{}); ok {
				childNodes = recoverNodesRecursive(childArr, warnings, nodePath)
			}
			recovered = append(recovered, onDiskNode{Type: "folder", Name: name, IsExpanded: isExpanded, Children: childNodes})
		case "connection":
			encoded, _ := json.Marshal(raw)
			var node onDiskNode
			if err := json.Unmarshal(encoded, &node); err != nil || node.Config.TypeID == "" {
				*warnings = append(*warnings, Warning{
					FileName: fileName,
					Message:  fmt.Sprintf("Removed corrupt connection at index %d (%q).", i, nodePath),
				})
				continue
			}
			recovered = append(recovered, node)
		default:
			*warnings = append(*warnings, Warning{
				FileName: fileName,
				Message:  fmt.Sprintf("Removed unrecognized entry at index %d (%q).", i, nodePath),
				Details:  fmt.Sprintf("Expected type 'folder' or 'connection', got %q", typeStr),
			})
		}
	}
	return recovered
}

// SaveSnapshot writes the flattened in-memory data to disk, re-running
// sibling-name normalization before rebuilding the nested on-disk tree
// form (spec §3/§8: the save path must re-normalize, not just the
// mutation that introduced a collision).
func (s *Storage) SaveSnapshot(snap Snapshot) error {
	conns, folders := DeduplicateSiblingNames(snap.Connections, snap.Folders)
	snap.Connections, snap.Folders = conns, folders
	tree := BuildTree(snap.Connections, snap.Folders)
	children := make([]onDiskNode, len(tree))
	for i, n := range tree {
		children[i] = nodeToOnDisk(n)
	}
	agents := snap.Agents
	if agents == nil {
		agents = []RemoteAgent{}
	}
	return s.saveOnDisk(onDiskStore{Version: "2", Children: children, Agents: agents})
}

func (s *Storage) saveOnDisk(store onDiskStore) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("connection: marshal store: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("connection: write temp store: %w", err)
	}
	return os.Rename(tmp, s.filePath)
}
