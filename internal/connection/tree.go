// Package connection implements the saved-connection tree: a
// persistent hierarchy of folders and connections the desktop client
// presents to the user (spec §3, §4.14, §6, §8), independent of the
// live session registry in internal/session/internal/agent.
package connection

import (
	"strings"
)

// Node is one entry in a nested connection tree, either a Folder or a
// Connection. Exactly one of Folder/Connection is non-nil.
type Node struct {
	Folder     *FolderNode
	Connection *ConnectionNode
}

// FolderNode is a tree folder with nested children.
type FolderNode struct {
	Name       string
	IsExpanded bool
	Children   []Node
}

// ConnectionNode is a tree leaf describing one saved connection.
type ConnectionNode struct {
	Name             string
	Type             string
	Settings         map[string]interface{}
	TerminalOptions  map[string]interface{}
}

// Folder is a flattened folder record with a computed path-style ID.
type Folder struct {
	ID         string
	Name       string
	ParentID   string // empty means root
	IsExpanded bool
}

// Connection is a flattened connection record with a computed
// path-style ID.
type Connection struct {
	ID              string
	Name            string
	Type            string
	Settings        map[string]interface{}
	TerminalOptions map[string]interface{}
	FolderID        string // empty means root
}

// encodeComponent escapes '%' and '/' in a single path segment so that
// a literal '/' in a user-chosen name never collides with the ID path
// separator. Order matters: '%' must be escaped first so a name like
// "a%2Fb" round-trips instead of colliding with an actual slash.
func encodeComponent(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "/", "%2F")
	return s
}

func joinPath(parent, name string) string {
	encoded := encodeComponent(name)
	if parent == "" {
		return encoded
	}
	return parent + "/" + encoded
}

// ComputeFolderID derives a deterministic folder ID from its position
// in the tree.
func ComputeFolderID(parentPath, name string) string { return joinPath(parentPath, name) }

// ComputeConnectionID derives a deterministic connection ID from its
// position in the tree.
func ComputeConnectionID(folderPath, name string) string { return joinPath(folderPath, name) }

// FlattenTree converts a nested tree into flat Connection/Folder
// slices with generated path-based IDs, mirroring flatten_tree in
// the original tree module.
func FlattenTree(children []Node, parentPath string) ([]Connection, []Folder) {
	var conns []Connection
	var folders []Folder

	var parentFolderID string
	hasParent := parentPath != ""
	if hasParent {
		parentFolderID = parentPath
	}

	for _, node := range children {
		switch {
		case node.Folder != nil:
			f := node.Folder
			folderID := ComputeFolderID(parentPath, f.Name)
			folders = append(folders, Folder{
				ID:         folderID,
				Name:       f.Name,
				ParentID:   parentFolderID,
				IsExpanded: f.IsExpanded,
			})
			childConns, childFolders := FlattenTree(f.Children, folderID)
			conns = append(conns, childConns...)
			folders = append(folders, childFolders...)
		case node.Connection != nil:
			c := node.Connection
			connID := ComputeConnectionID(parentPath, c.Name)
			conns = append(conns, Connection{
				ID:              connID,
				Name:            c.Name,
				Type:            c.Type,
				Settings:        c.Settings,
				TerminalOptions: c.TerminalOptions,
				FolderID:        parentFolderID,
			})
		}
	}

	return conns, folders
}

// BuildTree converts flat Connection/Folder slices back into a nested
// tree for persistence, folders before connections within each parent
// (matching the original's UI render order), both preserving input
// order.
func BuildTree(conns []Connection, folders []Folder) []Node {
	return buildTreeForParent(conns, folders, "")
}

func buildTreeForParent(conns []Connection, folders []Folder, parentID string) []Node {
	var nodes []Node

	for _, f := range folders {
		if f.ParentID != parentID {
			continue
		}
		children := buildTreeForParent(conns, folders, f.ID)
		nodes = append(nodes, Node{Folder: &FolderNode{
			Name:       f.Name,
			IsExpanded: f.IsExpanded,
			Children:   children,
		}})
	}

	for _, c := range conns {
		if c.FolderID != parentID {
			continue
		}
		nodes = append(nodes, Node{Connection: &ConnectionNode{
			Name:            c.Name,
			Type:            c.Type,
			Settings:        c.Settings,
			TerminalOptions: c.TerminalOptions,
		}})
	}

	return nodes
}

// findUniqueName returns name unchanged if it isn't in existing,
// otherwise the first "<name> (N)" (N starting at 1) not already in
// existing.
func findUniqueName(name string, existing map[string]bool) string {
	if !existing[name] {
		return name
	}
	for n := 1; ; n++ {
		candidate := name + " (" + itoa(n) + ")"
		if !existing[candidate] {
			return candidate
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// UniqueSiblingName returns a name guaranteed not to collide with any
// existing folder or connection already under parentID, adjusting it
// to "<name> (1)", "<name> (2)", etc. if necessary. Callers that create
// or move a folder/connection must call this before computing its ID:
// ComputeFolderID/ComputeConnectionID are pure functions of parent and
// name, so two siblings with the same name would otherwise compute the
// identical ID before DeduplicateSiblingNames ever runs (spec §3, §8).
func UniqueSiblingName(name, parentID string, conns []Connection, folders []Folder) string {
	existing := map[string]bool{}
	for _, f := range folders {
		if f.ParentID == parentID {
			existing[f.Name] = true
		}
	}
	for _, c := range conns {
		if c.FolderID == parentID {
			existing[c.Name] = true
		}
	}
	return findUniqueName(name, existing)
}

// DeduplicateSiblingNames ensures no two siblings (folders or
// connections) within the same parent share a name, renaming later
// duplicates to "<name> (1)", "<name> (2)", etc. and recomputing their
// IDs and any descendants' folder references. Folders are processed
// before connections within each parent, matching the original's
// "folders first, then connections" convention, and the first
// occurrence of a name always keeps it.
func DeduplicateSiblingNames(conns []Connection, folders []Folder) ([]Connection, []Folder) {
	conns = append([]Connection(nil), conns...)
	folders = append([]Folder(nil), folders...)

	parentIDs := []string{""}
	seenParent := map[string]bool{"": true}
	for _, f := range folders {
		if !seenParent[f.ID] {
			seenParent[f.ID] = true
			parentIDs = append(parentIDs, f.ID)
		}
	}

	for _, parentID := range parentIDs {
		seenNames := map[string]bool{}

		for i := range folders {
			if folders[i].ParentID != parentID {
				continue
			}
			name := folders[i].Name
			unique := findUniqueName(name, seenNames)
			if unique != name {
				oldID := folders[i].ID
				folders[i].Name = unique
				newID := ComputeFolderID(parentID, unique)
				folders[i].ID = newID
				renameFolderReferences(conns, folders, oldID, newID)
			}
			seenNames[folders[i].Name] = true
		}

		for i := range conns {
			if conns[i].FolderID != parentID {
				continue
			}
			name := conns[i].Name
			unique := findUniqueName(name, seenNames)
			if unique != name {
				conns[i].Name = unique
				conns[i].ID = ComputeConnectionID(parentID, unique)
			}
			seenNames[conns[i].Name] = true
		}
	}

	return conns, folders
}

// renameFolderReferences updates every descendant of the folder whose
// ID changed from oldID to newID: direct children's parent pointer and
// ID are recomputed against newID, and the same substitution cascades
// recursively into grandchildren, since every descendant's ID embeds
// its ancestors' IDs as a path prefix (spec §3, §8: "renaming a folder
// updates all descendant IDs accordingly").
func renameFolderReferences(conns []Connection, folders []Folder, oldID, newID string) {
	for i := range folders {
		if folders[i].ParentID != oldID {
			continue
		}
		childOldID := folders[i].ID
		folders[i].ParentID = newID
		childNewID := ComputeFolderID(newID, folders[i].Name)
		folders[i].ID = childNewID
		renameFolderReferences(conns, folders, childOldID, childNewID)
	}
	for i := range conns {
		if conns[i].FolderID == oldID {
			conns[i].FolderID = newID
			conns[i].ID = ComputeConnectionID(newID, conns[i].Name)
		}
	}
}

// CountTreeItems recursively counts connections and folders in a
// nested tree.
func CountTreeItems(children []Node) (connCount, folderCount int) {
	for _, node := range children {
		switch {
		case node.Folder != nil:
			folderCount++
			c, f := CountTreeItems(node.Folder.Children)
			connCount += c
			folderCount += f
		case node.Connection != nil:
			connCount++
		}
	}
	return connCount, folderCount
}
