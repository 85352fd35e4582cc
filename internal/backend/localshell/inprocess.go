//go:build windows

package localshell

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
)

// Backend is the non-POSIX local-shell backend: it drives a PTY
// in-process rather than through internal/daemon, so the session does
// not survive the agent process exiting (spec §9 Open Questions,
// resolved as persistent=false on this platform).
type Backend struct {
	settings Settings

	mu        sync.Mutex
	cmd       *exec.Cmd
	ptmx      *os.File
	connected bool
	sub       backend.OutputChan
}

func New() *Backend { return &Backend{} }

func (b *Backend) TypeID() string      { return TypeID }
func (b *Backend) DisplayName() string { return "Local Shell" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Resize: true, Persistent: false}
}

func (b *Backend) SettingsSchema() schema.Schema { return SettingsSchema() }

func (b *Backend) Connect(ctx context.Context, settingsMap map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return backend.NewError(backend.ErrAlreadyExists, "already connected", nil)
	}
	b.settings = settingsFromMap(settingsMap)

	shell := b.settings.Shell
	if shell == "" {
		shell = "cmd.exe"
	}
	var cmd *exec.Cmd
	if b.settings.Command != "" {
		cmd = exec.Command(b.settings.Command)
	} else {
		cmd = exec.Command(shell)
	}
	cmd.Env = os.Environ()
	for k, v := range b.settings.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return backend.NewError(backend.ErrSpawnFailed, "start pty", err)
	}
	b.cmd = cmd
	b.ptmx = ptmx
	b.connected = true

	go b.readLoop()
	return nil
}

func (b *Backend) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			b.deliver(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			b.mu.Lock()
			b.connected = false
			sub := b.sub
			b.mu.Unlock()
			if sub != nil {
				close(sub)
			}
			return
		}
	}
}

func (b *Backend) deliver(payload []byte) {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		return
	}
	select {
	case sub <- payload:
	default:
	}
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	if b.ptmx != nil {
		b.ptmx.Close()
	}
	return nil
}

func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Backend) Write(data []byte) error {
	b.mu.Lock()
	connected := b.connected
	ptmx := b.ptmx
	b.mu.Unlock()
	if !connected {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	_, err := ptmx.Write(data)
	return err
}

func (b *Backend) Resize(cols, rows int) error {
	b.mu.Lock()
	connected := b.connected
	ptmx := b.ptmx
	b.mu.Unlock()
	if !connected {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (b *Backend) SubscribeOutput() backend.OutputChan {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := backend.NewOutputChan()
	b.sub = ch
	return ch
}

func (b *Backend) Monitoring() (backend.Monitoring, bool)   { return nil, false }
func (b *Backend) FileBrowser() (backend.FileBrowser, bool) { return nil, false }
