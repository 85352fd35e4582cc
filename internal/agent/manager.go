// Package agent implements the JSON-RPC session-manager side of the
// agent: method dispatch, the initialize handshake, the session
// registry, and crash-recovery reattachment (spec §4.5).
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/jsonrpc"
	"github.com/termihub/termihub/internal/session"
)

// Factory constructs a fresh, unconnected backend instance for a
// session type. Registered once per type at agent startup.
type Factory func() backend.Backend

// RPCError is an error tagged with the JSON-RPC error code it should be
// reported as, letting the dispatcher avoid string-matching.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return e.Message }

func newRPCError(code int, format string, args ...interface{}) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Manager owns the session registry: creation, lookup, teardown, and
// persistence of the recovery record for persistent-capable sessions.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*session.Session
	factories map[session.Type]Factory
	recovery  *RecoveryStore
	startedAt time.Time
}

// NewManager builds a Manager. factories must contain an entry for
// every session.Type the agent is expected to support; recovery may be
// a store with an empty path to disable persistence.
func NewManager(factories map[session.Type]Factory, recovery *RecoveryStore) *Manager {
	return &Manager{
		sessions:  make(map[string]*session.Session),
		factories: factories,
		recovery:  recovery,
		startedAt: time.Now(),
	}
}

// Uptime reports how long this Manager has been running, surfaced by
// health.check (spec §4.5).
func (m *Manager) Uptime() time.Duration { return time.Since(m.startedAt) }

// Recover loads the recovery record and reattaches every entry whose
// backend supports backend.Resumable. Entries for non-resumable types
// (everything but local shell today) are dropped: there is nothing
// alive to reattach to, matching spec §4.7/§9.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.recovery.Load()
	if err != nil {
		return fmt.Errorf("agent: load recovery record: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var survivors []Record
	for _, rec := range records {
		factory, ok := m.factories[rec.Type]
		if !ok {
			continue
		}
		be := factory()
		resumable, ok := be.(backend.Resumable)
		if !ok {
			continue
		}
		if err := resumable.Resume(ctx, rec.SessionID, rec.Settings); err != nil {
			continue
		}
		m.sessions[rec.SessionID] = &session.Session{
			ID:           rec.SessionID,
			Title:        rec.Title,
			Type:         rec.Type,
			Status:       session.StatusRunning,
			CreatedAt:    rec.CreatedAt,
			LastActivity: nowForRecovery(),
			Config:       rec.Settings,
			Backend:      be,
			Output:       be.SubscribeOutput(),
		}
		survivors = append(survivors, rec)
	}
	return m.recovery.Save(survivors)
}

// nowForRecovery exists only to keep the recovery-record timestamp
// logic in one place; it is ordinary wall-clock time, not a
// replayed/deterministic clock.
func nowForRecovery() time.Time { return time.Now() }

// Create allocates a new session of typ, connects its backend, and
// registers it. Enforces session.MaxSessions (spec §3, §8).
func (m *Manager) Create(ctx context.Context, typ session.Type, title string, settings map[string]interface{}) (session.Summary, error) {
	if !typ.Valid() {
		return session.Summary{}, newRPCError(jsonrpc.InvalidParams, "unknown session type %q", typ)
	}

	m.mu.Lock()
	if len(m.sessions) >= session.MaxSessions {
		m.mu.Unlock()
		return session.Summary{}, newRPCError(jsonrpc.SessionLimitReached, "session limit (%d) reached", session.MaxSessions)
	}
	factory, ok := m.factories[typ]
	m.mu.Unlock()
	if !ok {
		return session.Summary{}, newRPCError(jsonrpc.InvalidConfiguration, "no backend registered for type %q", typ)
	}

	id := uuid.NewString()
	be := factory()
	var connectErr error
	if resumable, ok := be.(backend.Resumable); ok {
		connectErr = resumable.Resume(ctx, id, settings)
	} else {
		connectErr = be.Connect(ctx, settings)
	}
	if connectErr != nil {
		return session.Summary{}, mapBackendError(connectErr)
	}

	now := time.Now()
	sess := &session.Session{
		ID:           id,
		Title:        title,
		Type:         typ,
		Status:       session.StatusRunning,
		CreatedAt:    now,
		LastActivity: now,
		Config:       settings,
		Backend:      be,
		Output:       be.SubscribeOutput(),
	}

	m.mu.Lock()
	if len(m.sessions) >= session.MaxSessions {
		m.mu.Unlock()
		be.Disconnect()
		return session.Summary{}, newRPCError(jsonrpc.SessionLimitReached, "session limit (%d) reached", session.MaxSessions)
	}
	m.sessions[id] = sess
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return session.Summary{}, err
	}
	return sess.Summarize(), nil
}

// List returns a summary of every registered session.
func (m *Manager) List() []session.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summarize())
	}
	return out
}

// Get returns the full session entity for id.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Input forwards data to id's backend. LastActivity is updated under
// m.mu since it's read concurrently by List's iteration over the same
// session records; the lock is released before the blocking backend
// write so a slow write never stalls other session operations.
func (m *Manager) Input(id string, data []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.LastActivity = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return newRPCError(jsonrpc.SessionNotFound, "session %q not found", id)
	}
	if err := s.Backend.Write(data); err != nil {
		return mapBackendError(err)
	}
	return nil
}

// Resize forwards a terminal resize to id's backend.
func (m *Manager) Resize(id string, cols, rows int) error {
	s, ok := m.Get(id)
	if !ok {
		return newRPCError(jsonrpc.SessionNotFound, "session %q not found", id)
	}
	if err := s.Backend.Resize(cols, rows); err != nil {
		return mapBackendError(err)
	}
	return nil
}

// Close disconnects id's backend and removes it from the registry.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return newRPCError(jsonrpc.SessionNotFound, "session %q not found", id)
	}
	delete(m.sessions, id)
	err := m.persistLocked()
	m.mu.Unlock()

	s.Backend.Disconnect()
	return err
}

// CloseAll disconnects every registered session's backend, used on
// clean agent shutdown. It does not touch the recovery record, so
// persistent sessions are still found on the next startup.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Backend.Disconnect()
	}
}

// persistLocked must be called with m.mu held. It rewrites the
// recovery record from the persistent-capable sessions currently
// registered.
func (m *Manager) persistLocked() error {
	var records []Record
	for _, s := range m.sessions {
		if !s.Type.PersistentCapable() {
			continue
		}
		records = append(records, Record{
			SessionID: s.ID,
			Type:      s.Type,
			Title:     s.Title,
			Settings:  s.Config,
			CreatedAt: s.CreatedAt,
		})
	}
	return m.recovery.Save(records)
}

// mapBackendError converts a *backend.Error into the equivalent
// JSON-RPC error code (spec §4.4/§4.6 taxonomy crosswalk).
func mapBackendError(err error) error {
	be, ok := err.(*backend.Error)
	if !ok {
		return newRPCError(jsonrpc.InvalidConfiguration, "%v", err)
	}
	switch be.Kind {
	case backend.ErrAlreadyExists:
		return newRPCError(jsonrpc.InvalidConfiguration, "%v", be)
	case backend.ErrNotRunning:
		return newRPCError(jsonrpc.SessionNotFound, "%v", be)
	case backend.ErrInvalidConfig:
		return newRPCError(jsonrpc.InvalidConfiguration, "%v", be)
	case backend.ErrSpawnFailed:
		return newRPCError(jsonrpc.InvalidConfiguration, "%v", be)
	default:
		return newRPCError(jsonrpc.InvalidConfiguration, "%v", be)
	}
}
