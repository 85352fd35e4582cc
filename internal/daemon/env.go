// Package daemon implements the per-session PTY-owning control-socket
// daemon described in spec §4.3: one process, one pseudoterminal, one
// ring buffer, multiplexed over a Unix-domain socket using the binary
// frame protocol.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/termihub/termihub/internal/ringbuffer"
)

// Config is the daemon's full configuration, read from the environment
// at startup per the variables in spec §6.
type Config struct {
	SessionID   string
	SocketPath  string
	Shell       string
	Cols        int
	Rows        int
	BufferSize  int
	Env         map[string]string
	Command     string
	CommandArgs []string
}

// DefaultSocketPath computes the default control-socket location for a
// session ID: <os.TempDir()>/termihub/<user>/session-<id>.sock, where
// os.TempDir() is $TMPDIR or, when that is unset, /tmp.
func DefaultSocketPath(sessionID string) string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	return filepath.Join(os.TempDir(), "termihub", user, fmt.Sprintf("session-%s.sock", sessionID))
}

// ConfigFromEnv builds a Config for sessionID by reading the process
// environment, applying the defaults in spec §6.
func ConfigFromEnv(sessionID string) (Config, error) {
	cfg := Config{
		SessionID:  sessionID,
		SocketPath: os.Getenv("TERMIHUB_SOCKET_PATH"),
		Shell:      os.Getenv("TERMIHUB_SHELL"),
		Cols:       80,
		Rows:       24,
		BufferSize: ringbuffer.DefaultCapacity,
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath(sessionID)
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if v := os.Getenv("TERMIHUB_COLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("daemon: invalid TERMIHUB_COLS: %w", err)
		}
		cfg.Cols = n
	}
	if v := os.Getenv("TERMIHUB_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("daemon: invalid TERMIHUB_ROWS: %w", err)
		}
		cfg.Rows = n
	}
	if v := os.Getenv("TERMIHUB_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("daemon: invalid TERMIHUB_BUFFER_SIZE: %w", err)
		}
		cfg.BufferSize = n
	}
	if v := os.Getenv("TERMIHUB_ENV"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Env); err != nil {
			return Config{}, fmt.Errorf("daemon: invalid TERMIHUB_ENV: %w", err)
		}
	}
	cfg.Command = os.Getenv("TERMIHUB_COMMAND")
	if v := os.Getenv("TERMIHUB_COMMAND_ARGS"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.CommandArgs); err != nil {
			return Config{}, fmt.Errorf("daemon: invalid TERMIHUB_COMMAND_ARGS: %w", err)
		}
	}
	return cfg, nil
}
