// Package remoteproxy implements the desktop-side remote-session
// backend (spec §4.13): a Backend that forwards every operation to a
// remote agent through an agentmanager.Manager instead of driving any
// local transport itself.
package remoteproxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
	"github.com/termihub/termihub/internal/client/agentmanager"
)

const TypeID = "remote-session"

// Manager is the subset of agentmanager.Manager the proxy depends on,
// narrowed so tests can supply a fake.
type Manager interface {
	Request(ctx context.Context, agentID, method string, params interface{}) (json.RawMessage, error)
	SendInput(agentID, sessionID string, data []byte) error
	SendResize(agentID, sessionID string, cols, rows int) error
	RegisterOutput(agentID, sessionID string) (<-chan []byte, error)
	UnregisterOutput(agentID, sessionID string) error
	IsConnected(agentID string) bool
}

var _ Manager = (*agentmanager.Manager)(nil)

// Backend proxies every ConnectionType operation to the agent named by
// AgentID via mgr. Connect expects settings containing "agent_id",
// "type" (the remote session type to create), "config", and an
// optional "title".
type Backend struct {
	mgr Manager

	mu           sync.Mutex
	agentID      string
	remoteID     string
	remoteType   string
	capabilities backend.Capabilities
	connected    bool
	sub          backend.OutputChan
	bridgeCancel context.CancelFunc
}

// New builds a disconnected remote-session proxy bound to mgr.
func New(mgr Manager) *Backend { return &Backend{mgr: mgr} }

func (b *Backend) TypeID() string      { return TypeID }
func (b *Backend) DisplayName() string { return "Remote Session" }

func (b *Backend) Capabilities() backend.Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capabilities
}

// SettingsSchema returns an empty schema: remote connections are
// configured through the agent's own schema, not a local one (spec
// §4.13, mirroring the original RemoteProxy's empty groups list).
func (b *Backend) SettingsSchema() schema.Schema { return schema.Schema{} }

type connectSettings struct {
	AgentID string                 `json:"agent_id"`
	Type    string                 `json:"type"`
	Title   string                 `json:"title"`
	Config  map[string]interface{} `json:"config"`
}

func parseConnectSettings(m map[string]interface{}) connectSettings {
	var s connectSettings
	if v, ok := m["agent_id"].(string); ok {
		s.AgentID = v
	}
	if v, ok := m["type"].(string); ok {
		s.Type = v
	}
	if v, ok := m["title"].(string); ok {
		s.Title = v
	}
	if v, ok := m["config"].(map[string]interface{}); ok {
		s.Config = v
	} else {
		s.Config = m
	}
	return s
}

// Connect calls session.create then session.attach on the remote
// agent, and starts a bridge goroutine forwarding its registered
// output channel into this Backend's subscriber (spec §4.13).
func (b *Backend) Connect(ctx context.Context, settingsMap map[string]interface{}) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return backend.NewError(backend.ErrAlreadyExists, "already connected", nil)
	}
	b.mu.Unlock()

	s := parseConnectSettings(settingsMap)
	if s.AgentID == "" {
		return backend.NewError(backend.ErrInvalidConfig, "agent_id is required", nil)
	}
	if s.Type == "" {
		s.Type = "shell"
	}

	createParams := map[string]interface{}{
		"type":   s.Type,
		"config": s.Config,
	}
	if s.Title != "" {
		createParams["title"] = s.Title
	}
	raw, err := b.mgr.Request(ctx, s.AgentID, "session.create", createParams)
	if err != nil {
		return backend.NewError(backend.ErrSpawnFailed, "session.create", err)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return backend.NewError(backend.ErrSpawnFailed, "parse session.create result", err)
	}

	out, err := b.mgr.RegisterOutput(s.AgentID, created.SessionID)
	if err != nil {
		return backend.NewError(backend.ErrSpawnFailed, "register output", err)
	}
	if _, err := b.mgr.Request(ctx, s.AgentID, "session.attach", map[string]interface{}{
		"session_id": created.SessionID,
	}); err != nil {
		b.mgr.UnregisterOutput(s.AgentID, created.SessionID)
		return backend.NewError(backend.ErrSpawnFailed, "session.attach", err)
	}

	bridgeCtx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.agentID = s.AgentID
	b.remoteID = created.SessionID
	b.remoteType = s.Type
	b.capabilities = capabilitiesFor(s.Type)
	b.connected = true
	b.bridgeCancel = cancel
	b.mu.Unlock()

	go b.bridge(bridgeCtx, out)
	return nil
}

// capabilitiesFor reports the capability set the caller should assume
// for a remote session of typ. The agent exposes no dedicated
// capability-query RPC (spec §4.5's method set has none), so the proxy
// assumes the remote agent implements the same backend set this
// module does and uses the same local capability table.
func capabilitiesFor(typ string) backend.Capabilities {
	switch typ {
	case "shell":
		return backend.Capabilities{Resize: true, Persistent: true}
	case "wsl":
		return backend.Capabilities{FileBrowser: true, Resize: true, Persistent: true}
	case "ssh":
		return backend.Capabilities{Monitoring: true, FileBrowser: true, Resize: true}
	case "docker":
		return backend.Capabilities{FileBrowser: true, Resize: true, Persistent: true}
	case "serial":
		return backend.Capabilities{Persistent: true}
	case "telnet":
		return backend.Capabilities{}
	default:
		return backend.Capabilities{}
	}
}

func (b *Backend) bridge(ctx context.Context, remoteOut <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-remoteOut:
			if !ok {
				b.mu.Lock()
				sub := b.sub
				b.mu.Unlock()
				if sub != nil {
					close(sub)
				}
				return
			}
			b.mu.Lock()
			sub := b.sub
			b.mu.Unlock()
			if sub == nil {
				continue
			}
			select {
			case sub <- data:
			default:
			}
		}
	}
}

// Disconnect unregisters output and closes the remote session (spec
// §4.13).
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	agentID, remoteID := b.agentID, b.remoteID
	cancel := b.bridgeCancel
	b.connected = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.mgr.UnregisterOutput(agentID, remoteID)
	b.mgr.Request(context.Background(), agentID, "session.close", map[string]interface{}{
		"session_id": remoteID,
	})
	return nil
}

func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	connected, agentID := b.connected, b.agentID
	b.mu.Unlock()
	return connected && b.mgr.IsConnected(agentID)
}

func (b *Backend) Write(data []byte) error {
	b.mu.Lock()
	agentID, remoteID, connected := b.agentID, b.remoteID, b.connected
	b.mu.Unlock()
	if !connected {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	return b.mgr.SendInput(agentID, remoteID, data)
}

func (b *Backend) Resize(cols, rows int) error {
	b.mu.Lock()
	agentID, remoteID, connected, caps := b.agentID, b.remoteID, b.connected, b.capabilities
	b.mu.Unlock()
	if !connected {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	if !caps.Resize {
		return nil
	}
	return b.mgr.SendResize(agentID, remoteID, cols, rows)
}

func (b *Backend) SubscribeOutput() backend.OutputChan {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := backend.NewOutputChan()
	b.sub = ch
	return ch
}

// Monitoring is not proxied: the agent's own SSH monitoring subsystem
// has no wire exposure in this spec's JSON-RPC method set (§4.5, §9),
// so the remote proxy never reports it.
func (b *Backend) Monitoring() (backend.Monitoring, bool) { return nil, false }

// FileBrowser proxies remote file operations through the agent's
// "connection.files.*" methods (spec §4.13 extension, grounded on
// original_source's RemoteFileBrowserProxy).
func (b *Backend) FileBrowser() (backend.FileBrowser, bool) {
	b.mu.Lock()
	caps := b.capabilities
	agentID, remoteID := b.agentID, b.remoteID
	b.mu.Unlock()
	if !caps.FileBrowser {
		return nil, false
	}
	return &remoteFileBrowser{mgr: b.mgr, agentID: agentID, remoteID: remoteID}, true
}

// remoteFileBrowser forwards file-browser operations to the remote
// session via request/response RPCs scoped under "connection.files.*",
// mirroring the original's RemoteFileBrowserProxy.
type remoteFileBrowser struct {
	mgr      Manager
	agentID  string
	remoteID string
}

func (f *remoteFileBrowser) call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	params["connection_id"] = f.remoteID
	return f.mgr.Request(ctx, f.agentID, method, params)
}

func (f *remoteFileBrowser) ListDir(ctx context.Context, path string) ([]backend.FileEntry, error) {
	raw, err := f.call(ctx, "connection.files.list", map[string]interface{}{"path": path})
	if err != nil {
		return nil, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	var result struct {
		Entries []backend.FileEntry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	return result.Entries, nil
}

func (f *remoteFileBrowser) ReadFile(ctx context.Context, path string) ([]byte, error) {
	raw, err := f.call(ctx, "connection.files.read", map[string]interface{}{"path": path})
	if err != nil {
		return nil, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	var result struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	decoded, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		return nil, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	return decoded, nil
}

func (f *remoteFileBrowser) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := f.call(ctx, "connection.files.write", map[string]interface{}{
		"path": path,
		"data": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	return nil
}

func (f *remoteFileBrowser) Delete(ctx context.Context, path string, recursive bool) error {
	_, err := f.call(ctx, "connection.files.delete", map[string]interface{}{"path": path, "recursive": recursive})
	if err != nil {
		return backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	return nil
}

func (f *remoteFileBrowser) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := f.call(ctx, "connection.files.rename", map[string]interface{}{"from": oldPath, "to": newPath})
	if err != nil {
		return backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	return nil
}

func (f *remoteFileBrowser) Stat(ctx context.Context, path string) (backend.FileEntry, error) {
	raw, err := f.call(ctx, "connection.files.stat", map[string]interface{}{"path": path})
	if err != nil {
		return backend.FileEntry{}, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	var entry backend.FileEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return backend.FileEntry{}, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	return entry, nil
}
