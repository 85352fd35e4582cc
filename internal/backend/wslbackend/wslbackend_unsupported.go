//go:build !windows

// On non-Windows hosts WSL doesn't exist; this file keeps the package
// importable (for the session-type capability table and agent backend
// registry) with a backend that always reports unsupported.
package wslbackend

import (
	"context"

	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
)

const TypeID = "wsl"

// Backend is a stub: WSL connections are only possible from a Windows
// agent. Connect fails with ErrSpawnFailed, Write and Resize fail with
// ErrNotRunning, Disconnect is a no-op, and no file browser or
// monitoring is offered.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) TypeID() string      { return TypeID }
func (b *Backend) DisplayName() string { return "WSL" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Monitoring: false, FileBrowser: true, Resize: true, Persistent: true}
}

func (b *Backend) SettingsSchema() schema.Schema { return schema.Schema{} }

func (b *Backend) Connect(ctx context.Context, settingsMap map[string]interface{}) error {
	return backend.NewError(backend.ErrSpawnFailed, "WSL is only available on a Windows agent", nil)
}

func (b *Backend) Disconnect() error { return nil }
func (b *Backend) IsConnected() bool { return false }

func (b *Backend) Write([]byte) error {
	return backend.NewError(backend.ErrNotRunning, "not connected", nil)
}

func (b *Backend) Resize(int, int) error {
	return backend.NewError(backend.ErrNotRunning, "not connected", nil)
}

func (b *Backend) SubscribeOutput() backend.OutputChan      { return backend.NewOutputChan() }
func (b *Backend) Monitoring() (backend.Monitoring, bool)   { return nil, false }
func (b *Backend) FileBrowser() (backend.FileBrowser, bool) { return nil, false }

// DetectDistros always returns nil on non-Windows hosts.
func DetectDistros() []string { return nil }
