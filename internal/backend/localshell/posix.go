//go:build !windows

package localshell

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
	"github.com/termihub/termihub/internal/daemon"
	"github.com/termihub/termihub/internal/frame"
)

// Backend is the POSIX local-shell connection backend: a thin
// frame-protocol client over the daemon's control socket. Connect
// spawns the daemon if its socket isn't already listening (reattach
// after an agent restart), matching spec §4.7.
type Backend struct {
	settings Settings

	mu         sync.Mutex
	socketPath string
	conn       net.Conn
	connected  bool
	subscriber backend.OutputChan
	exited     chan struct{}
}

func New() *Backend { return &Backend{} }

func (b *Backend) TypeID() string      { return TypeID }
func (b *Backend) DisplayName() string { return "Local Shell" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Resize: true, Persistent: true}
}

func (b *Backend) SettingsSchema() schema.Schema { return SettingsSchema() }

// Connect starts a fresh daemon for a newly generated session ID and
// performs the BufferReplay+Ready handshake.
func (b *Backend) Connect(ctx context.Context, settingsMap map[string]interface{}) error {
	return b.connectSession(ctx, uuid.NewString(), settingsMap)
}

// Resume reattaches to a daemon that may still be running under
// sessionID (crash recovery, spec §4.5/§9): it dials the existing
// socket first and only spawns a fresh daemon if nothing answers.
func (b *Backend) Resume(ctx context.Context, sessionID string, settingsMap map[string]interface{}) error {
	return b.connectSession(ctx, sessionID, settingsMap)
}

func (b *Backend) connectSession(ctx context.Context, sessionID string, settingsMap map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return backend.NewError(backend.ErrAlreadyExists, "already connected", nil)
	}
	b.settings = settingsFromMap(settingsMap)
	b.socketPath = daemon.DefaultSocketPath(sessionID)

	conn, err := dialWithRetry(b.socketPath, 200*time.Millisecond)
	if err != nil {
		if err := b.ensureDaemon(sessionID); err != nil {
			return backend.NewError(backend.ErrSpawnFailed, "spawn daemon", err)
		}
		conn, err = dialWithRetry(b.socketPath, 5*time.Second)
		if err != nil {
			return backend.NewError(backend.ErrSpawnFailed, "dial daemon socket", err)
		}
	}
	b.conn = conn
	b.connected = true
	b.exited = make(chan struct{})

	go b.readLoop()
	return nil
}

// ensureDaemon spawns internal/daemon as a detached subprocess of the
// currently running binary, invoked with --daemon <id> (spec §4.3, §9).
// Configuration travels via TERMIHUB_* environment variables so the
// daemon process can be started with no other context.
func (b *Backend) ensureDaemon(sessionID string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, "--daemon", sessionID)
	cmd.Env = append(os.Environ(),
		"TERMIHUB_SOCKET_PATH="+b.socketPath,
		"TERMIHUB_SHELL="+b.settings.Shell,
		"TERMIHUB_COLS="+strconv.Itoa(orDefault(b.settings.Cols, 80)),
		"TERMIHUB_ROWS="+strconv.Itoa(orDefault(b.settings.Rows, 24)),
	)
	if b.settings.Command != "" {
		cmd.Env = append(cmd.Env, "TERMIHUB_COMMAND="+b.settings.Command)
	}
	if len(b.settings.Env) > 0 {
		envJSON, _ := json.Marshal(b.settings.Env)
		cmd.Env = append(cmd.Env, "TERMIHUB_ENV="+string(envJSON))
	}
	// Detach stdio so the daemon survives the agent's lifecycle.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func dialWithRetry(path string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("dial %s: %w", path, lastErr)
}

func (b *Backend) readLoop() {
	reader := frame.NewReader(b.conn)
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			b.mu.Lock()
			b.connected = false
			sub := b.subscriber
			b.mu.Unlock()
			if sub != nil {
				close(sub)
			}
			close(b.exited)
			return
		}
		switch f.Type {
		case frame.Output, frame.BufferReplay:
			b.deliver(f.Payload)
		case frame.Exited:
			b.mu.Lock()
			b.connected = false
			sub := b.subscriber
			b.mu.Unlock()
			if sub != nil {
				close(sub)
			}
			close(b.exited)
			return
		}
	}
}

func (b *Backend) deliver(payload []byte) {
	b.mu.Lock()
	sub := b.subscriber
	b.mu.Unlock()
	if sub == nil {
		return
	}
	select {
	case sub <- payload:
	default:
		// Backpressure policy (spec §5): drop rather than block the
		// reader loop when the subscriber can't keep up.
	}
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	connected := b.connected
	b.connected = false
	b.mu.Unlock()
	if !connected {
		return nil
	}
	if conn != nil {
		frame.WriteFrame(conn, frame.Detach, nil)
		conn.Close()
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
	conn := b.conn
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	return frame.WriteFrame(conn, frame.Input, data)
}

func (b *Backend) Resize(cols, rows int) error {
	b.mu.Lock()
	conn := b.conn
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	return frame.WriteFrame(conn, frame.Resize, frame.EncodeResize(uint16(cols), uint16(rows)))
}

func (b *Backend) SubscribeOutput() backend.OutputChan {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := backend.NewOutputChan()
	b.subscriber = ch
	return ch
}

func (b *Backend) Monitoring() (backend.Monitoring, bool)   { return nil, false }
func (b *Backend) FileBrowser() (backend.FileBrowser, bool) { return nil, false }
