//go:build !windows

package daemon

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/termihub/termihub/internal/frame"
	"github.com/termihub/termihub/internal/ringbuffer"
)

const ptyReadChunk = 4096

// Daemon owns one PTY, one ring buffer, and the control socket that
// multiplexes them to at most one attached agent at a time.
type Daemon struct {
	cfg    Config
	logger *log.Logger

	cmd  *exec.Cmd
	ptmx *os.File
	ring *ringbuffer.RingBuffer

	// wmu guards both the client pointer and every write to it. Holding
	// one lock across "pick the client" and "write to the client" is
	// what keeps attach's BufferReplay+Ready handshake atomic with
	// respect to readPTYLoop's concurrent Output writes: without it, an
	// Output frame could land between or before the handshake frames,
	// and two goroutines could interleave bytes mid-frame on the same
	// net.Conn (spec §4.2, §5). Mirrors the wmu pattern in
	// internal/jsonrpc.Transport.
	wmu    sync.Mutex
	client net.Conn

	shutdownOnce sync.Once
	done         chan int
}

// Run spawns the configured shell under a PTY, listens on the control
// socket, and blocks until the child exits or the daemon is killed via
// a Kill frame. It returns the child's exit code (or a synthetic -1 on
// signal-induced shutdown before any exit code is known).
func Run(cfg Config, logger *log.Logger) (int, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0700); err != nil {
		return 0, fmt.Errorf("daemon: create socket dir: %w", err)
	}
	// Stale socket files are removed unconditionally (spec §4.3/§4.4).
	os.Remove(cfg.SocketPath)

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		ring:   ringbuffer.New(cfg.BufferSize),
		done:   make(chan int, 1),
	}

	cmd, ptmx, err := spawnShell(cfg)
	if err != nil {
		return 0, fmt.Errorf("daemon: spawn: %w", err)
	}
	d.cmd = cmd
	d.ptmx = ptmx

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return 0, fmt.Errorf("daemon: listen %s: %w", cfg.SocketPath, err)
	}
	os.Chmod(cfg.SocketPath, 0700)
	defer ln.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Printf("daemon: received termination signal")
		d.requestShutdown()
	}()

	go d.readPTYLoop()
	go d.acceptLoop(ln)

	code := <-d.done
	os.Remove(cfg.SocketPath)
	return code, nil
}

// spawnShell allocates a PTY and forks the configured command into it,
// setting up the controlling-terminal environment per spec §4.3.
func spawnShell(cfg Config) (*exec.Cmd, *os.File, error) {
	var cmd *exec.Cmd
	if cfg.Command != "" {
		cmd = exec.Command(cfg.Command, cfg.CommandArgs...)
	} else {
		cmd = exec.Command(cfg.Shell)
		// Login shell: argv[0] is prefixed with "-".
		cmd.Args = []string{"-" + filepath.Base(cfg.Shell)}
	}

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = env

	if home := os.Getenv("HOME"); home != "" {
		cmd.Dir = home
	}

	ws := &pty.Winsize{Cols: uint16(cfg.Cols), Rows: uint16(cfg.Rows)}
	ptmx, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, nil, err
	}
	return cmd, ptmx, nil
}

// readPTYLoop is the daemon's only reader of the PTY master. It fans
// output into the ring buffer and, if an agent is attached, forwards it
// live. A read error or EOF means the child is gone: reap it, report
// the exit code, and shut down.
func (d *Daemon) readPTYLoop() {
	buf := make([]byte, ptyReadChunk)
	for {
		n, err := d.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			d.ring.Write(chunk)
			d.sendToClient(frame.Output, chunk)
		}
		if err != nil {
			d.onChildGone()
			return
		}
	}
}

// acceptLoop accepts control-socket connections. A newly accepted
// connection replaces any previously attached agent (spec §4.3).
func (d *Daemon) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed during shutdown
		}
		d.attach(conn)
		go d.handleClient(conn)
	}
}

// attach installs conn as the sole attached agent, dropping any prior
// one, then performs the BufferReplay+Ready handshake (spec §4.2). The
// client swap and the handshake writes happen under the same wmu hold
// so no concurrent sendToClient call can write an Output frame to conn
// before the handshake completes.
func (d *Daemon) attach(conn net.Conn) {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	if d.client != nil {
		d.client.Close()
	}
	d.client = conn

	snapshot := d.ring.Contents()
	if err := frame.WriteChunked(conn, frame.BufferReplay, snapshot); err != nil {
		d.dropClientLocked(conn)
		return
	}
	if err := frame.WriteFrame(conn, frame.Ready, nil); err != nil {
		d.dropClientLocked(conn)
	}
}

func (d *Daemon) handleClient(conn net.Conn) {
	defer conn.Close()
	reader := frame.NewReader(conn)
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			d.dropClient(conn)
			return
		}
		switch f.Type {
		case frame.Input:
			d.ptmx.Write(f.Payload)
		case frame.Resize:
			cols, rows, err := frame.DecodeResize(f.Payload)
			if err == nil {
				pty.Setsize(d.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
			}
		case frame.Detach:
			d.dropClient(conn)
			return
		case frame.Kill:
			d.cmd.Process.Signal(syscall.SIGTERM)
			d.onChildGone()
			return
		}
	}
}

// sendToClient writes a frame to the currently attached agent, if any.
// A write error drops the agent but never ends the session (spec §4.3).
// Holds wmu for the read-client-then-write sequence so it can never
// write to (or race with a handshake writing to) a connection that
// attach is concurrently swapping in or out.
func (d *Daemon) sendToClient(t frame.Type, payload []byte) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if d.client == nil {
		return
	}
	if err := frame.WriteFrame(d.client, t, payload); err != nil {
		d.dropClientLocked(d.client)
	}
}

// dropClient acquires wmu and clears d.client if it still equals conn.
func (d *Daemon) dropClient(conn net.Conn) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	d.dropClientLocked(conn)
}

// dropClientLocked is dropClient's body for callers that already hold wmu.
func (d *Daemon) dropClientLocked(conn net.Conn) {
	if d.client == conn {
		d.client = nil
	}
}

// onChildGone reaps the child, reports its exit code to any attached
// agent, and signals Run to return. Safe to call from multiple
// goroutines (PTY EOF and an explicit Kill can race); only the first
// caller does the work.
func (d *Daemon) onChildGone() {
	d.shutdownOnce.Do(func() {
		state, _ := d.cmd.Process.Wait()
		code := 0
		if state != nil {
			code = state.ExitCode()
		}
		d.sendToClient(frame.Exited, frame.EncodeExitCode(int32(code)))
		d.wmu.Lock()
		if d.client != nil {
			d.client.Close()
			d.client = nil
		}
		d.wmu.Unlock()
		d.done <- code
	})
}

// requestShutdown is used by the signal handler: there is no child
// exit code to report, so it reports -1 and kills the child.
func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() {
		if d.cmd != nil && d.cmd.Process != nil {
			d.cmd.Process.Signal(syscall.SIGTERM)
			d.cmd.Process.Wait()
		}
		d.wmu.Lock()
		if d.client != nil {
			d.client.Close()
			d.client = nil
		}
		d.wmu.Unlock()
		d.done <- -1
	})
}
