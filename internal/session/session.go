// Package session defines the Session entity shared by the agent's
// session manager and the client-side agent connection manager (spec §3).
package session

import (
	"time"

	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/dockerbackend"
	"github.com/termihub/termihub/internal/backend/localshell"
	"github.com/termihub/termihub/internal/backend/serialbackend"
	"github.com/termihub/termihub/internal/backend/sshbackend"
	"github.com/termihub/termihub/internal/backend/telnetbackend"
	"github.com/termihub/termihub/internal/backend/wslbackend"
)

// Type is the closed set of session-type tags.
type Type string

const (
	TypeShell         Type = "shell"
	TypeSerial        Type = "serial"
	TypeDocker        Type = "docker"
	TypeSSH           Type = "ssh"
	TypeTelnet        Type = "telnet"
	TypeWSL           Type = "wsl"
	TypeRemoteSession Type = "remote-session"
)

// Valid reports whether t is one of the known session types.
func (t Type) Valid() bool {
	switch t {
	case TypeShell, TypeSerial, TypeDocker, TypeSSH, TypeTelnet, TypeWSL, TypeRemoteSession:
		return true
	default:
		return false
	}
}

// Status is the session's runtime state.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// MaxSessions is the session registry cap (spec §3, §8).
const MaxSessions = 20

// Session is the top-level runtime entity bound to one backend.
type Session struct {
	ID           string
	Title        string
	Type         Type
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
	Attached     bool
	Config       map[string]interface{}
	Backend      backend.Backend
	Output       backend.OutputChan
}

// Summary is the client-facing, backend-free projection of a Session,
// returned by session.create/session.list.
type Summary struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Type      Type      `json:"type"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Summarize projects s into its client-facing form.
func (s *Session) Summarize() Summary {
	return Summary{
		SessionID: s.ID,
		Title:     s.Title,
		Type:      s.Type,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
	}
}

// PersistentCapable reports whether sessions of this type survive loss
// of the agent process (today: only local shell sessions, via the
// detached daemon).
func (t Type) PersistentCapable() bool {
	return t == TypeShell
}

// capabilitiesTable is built once from a throwaway instance of each
// concrete backend, so callers that never connect one (the remote-
// session proxy, the client-side connection browser) can still learn
// what it supports without round-tripping to an agent.
var capabilitiesTable = map[Type]backend.Capabilities{
	TypeShell:  localshell.New().Capabilities(),
	TypeSerial: serialbackend.New().Capabilities(),
	TypeDocker: dockerbackend.New().Capabilities(),
	TypeSSH:    sshbackend.New().Capabilities(),
	TypeTelnet: telnetbackend.New().Capabilities(),
	TypeWSL:    wslbackend.New().Capabilities(),
}

// Capabilities reports the capability set for session type t, or the
// all-false zero value for remote-session (whose real capabilities
// depend on the remote type, set by the proxy once connected) or any
// unrecognized type.
func (t Type) Capabilities() backend.Capabilities {
	return capabilitiesTable[t]
}
