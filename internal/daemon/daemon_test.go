//go:build !windows

package daemon

import (
	"bytes"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/termihub/termihub/internal/frame"
)

func testConfig(t *testing.T, sessionID string) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		SessionID:  sessionID,
		SocketPath: filepath.Join(dir, "session.sock"),
		Shell:      "/bin/sh",
		Cols:       80,
		Rows:       24,
		BufferSize: 1024 * 1024,
	}
}

func dialWithRetry(t *testing.T, path string) net.Conn {
	t.Helper()
	var lastErr error
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", path, lastErr)
	return nil
}

// TestHandshake verifies spec §8 scenario 1: exactly one BufferReplay
// followed by one Ready, before anything else.
func TestHandshake(t *testing.T) {
	cfg := testConfig(t, "test-handshake")
	done := make(chan struct{})
	var exitCode int
	go func() {
		code, err := Run(cfg, log.New(os.Stderr, "", 0))
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		exitCode = code
		close(done)
	}()

	conn := dialWithRetry(t, cfg.SocketPath)
	defer conn.Close()

	reader := frame.NewReader(conn)
	f1, err := reader.ReadFrame()
	if err != nil {
		t.Fatalf("read frame1: %v", err)
	}
	if f1.Type != frame.BufferReplay {
		t.Fatalf("frame1 type = %v, want BufferReplay", f1.Type)
	}
	f2, err := reader.ReadFrame()
	if err != nil {
		t.Fatalf("read frame2: %v", err)
	}
	if f2.Type != frame.Ready || len(f2.Payload) != 0 {
		t.Fatalf("frame2 = %+v, want empty Ready", f2)
	}

	frame.WriteFrame(conn, frame.Kill, nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down after Kill")
	}
	_ = exitCode
}

// TestEcho verifies spec §8 scenario 2.
func TestEcho(t *testing.T) {
	cfg := testConfig(t, "test-echo")
	done := make(chan struct{})
	go func() {
		Run(cfg, log.New(os.Stderr, "", 0))
		close(done)
	}()

	conn := dialWithRetry(t, cfg.SocketPath)
	defer conn.Close()
	reader := frame.NewReader(conn)
	mustReadType(t, reader, frame.BufferReplay)
	mustReadType(t, reader, frame.Ready)

	frame.WriteFrame(conn, frame.Input, []byte("printf 'MARKER_12345\\n'\n"))

	deadline := time.Now().Add(5 * time.Second)
	var collected []byte
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		f, err := reader.ReadFrame()
		if err != nil {
			continue
		}
		if f.Type == frame.Output {
			collected = append(collected, f.Payload...)
		}
		if bytes.Contains(collected, []byte("MARKER_12345")) {
			break
		}
	}
	if !bytes.Contains(collected, []byte("MARKER_12345")) {
		t.Fatalf("did not see marker in output: %q", collected)
	}

	frame.WriteFrame(conn, frame.Kill, nil)
	<-done
}

// TestExit verifies spec §8 scenario 4.
func TestExit(t *testing.T) {
	cfg := testConfig(t, "test-exit")
	codeCh := make(chan int, 1)
	go func() {
		code, _ := Run(cfg, log.New(os.Stderr, "", 0))
		codeCh <- code
	}()

	conn := dialWithRetry(t, cfg.SocketPath)
	defer conn.Close()
	reader := frame.NewReader(conn)
	mustReadType(t, reader, frame.BufferReplay)
	mustReadType(t, reader, frame.Ready)

	frame.WriteFrame(conn, frame.Input, []byte("exit 42\n"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		f, err := reader.ReadFrame()
		if err != nil {
			continue
		}
		if f.Type == frame.Exited {
			code, err := frame.DecodeExitCode(f.Payload)
			if err != nil {
				t.Fatalf("decode exit code: %v", err)
			}
			if code != 42 {
				t.Fatalf("exit code = %d, want 42", code)
			}
			return
		}
	}
	t.Fatal("did not receive Exited frame")
}

// TestDetachReplay verifies spec §8 scenario 3.
func TestDetachReplay(t *testing.T) {
	cfg := testConfig(t, "test-detach-replay")
	done := make(chan struct{})
	go func() {
		Run(cfg, log.New(os.Stderr, "", 0))
		close(done)
	}()

	conn1 := dialWithRetry(t, cfg.SocketPath)
	reader1 := frame.NewReader(conn1)
	mustReadType(t, reader1, frame.BufferReplay)
	mustReadType(t, reader1, frame.Ready)

	frame.WriteFrame(conn1, frame.Input, []byte("printf 'PERSIST_DATA\\n'\n"))

	// Give the shell a moment to write to the ring buffer.
	seen := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !seen {
		conn1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		f, err := reader1.ReadFrame()
		if err != nil {
			continue
		}
		if f.Type == frame.Output && bytes.Contains(f.Payload, []byte("PERSIST_DATA")) {
			seen = true
		}
	}
	if !seen {
		t.Fatal("never observed PERSIST_DATA on first connection")
	}

	frame.WriteFrame(conn1, frame.Detach, nil)
	conn1.Close()

	conn2 := dialWithRetry(t, cfg.SocketPath)
	defer conn2.Close()
	reader2 := frame.NewReader(conn2)
	replay := mustReadType(t, reader2, frame.BufferReplay)
	if !bytes.Contains(replay.Payload, []byte("PERSIST_DATA")) {
		t.Fatalf("replay missing PERSIST_DATA: %q", replay.Payload)
	}
	mustReadType(t, reader2, frame.Ready)

	frame.WriteFrame(conn2, frame.Kill, nil)
	<-done
}

func mustReadType(t *testing.T, r *frame.Reader, want frame.Type) frame.Frame {
	t.Helper()
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != want {
		t.Fatalf("got frame type %v, want %v", f.Type, want)
	}
	return f
}

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"TERMIHUB_SOCKET_PATH", "TERMIHUB_SHELL", "TERMIHUB_COLS", "TERMIHUB_ROWS", "TERMIHUB_BUFFER_SIZE", "TERMIHUB_ENV", "TERMIHUB_COMMAND", "TERMIHUB_COMMAND_ARGS"} {
		os.Unsetenv(k)
	}
	cfg, err := ConfigFromEnv("abc")
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Shell != "/bin/sh" || cfg.Cols != 80 || cfg.Rows != 24 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.BufferSize != 1024*1024 {
		t.Fatalf("buffer size = %d", cfg.BufferSize)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	os.Setenv("TERMIHUB_SHELL", "/bin/bash")
	os.Setenv("TERMIHUB_COLS", "120")
	os.Setenv("TERMIHUB_ENV", `{"FOO":"bar"}`)
	defer func() {
		os.Unsetenv("TERMIHUB_SHELL")
		os.Unsetenv("TERMIHUB_COLS")
		os.Unsetenv("TERMIHUB_ENV")
	}()

	cfg, err := ConfigFromEnv("abc")
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Shell != "/bin/bash" || cfg.Cols != 120 || cfg.Env["FOO"] != "bar" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestDefaultSocketPath(t *testing.T) {
	os.Setenv("USER", "alice")
	defer os.Unsetenv("USER")
	got := DefaultSocketPath("sess-1")
	want := filepath.Join(os.TempDir(), "termihub", "alice", "session-sess-1.sock")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
