//go:build windows

// Package wslbackend implements the WSL (Windows Subsystem for Linux)
// connection backend (spec §4.9): it spawns `wsl.exe -d <distro>` under
// a PTY in-process, the same creack/pty bridging idiom the non-POSIX
// local-shell backend uses, since WSL only exists on Windows hosts
// where the POSIX daemon path doesn't apply either.
package wslbackend

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"

	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
)

const TypeID = "wsl"

// Settings is the WSL connection's configuration.
type Settings struct {
	Distribution     string
	StartingDirectory string
	InitialCommand   string
}

// SettingsSchema describes the WSL configuration form. The
// distribution field's options are populated from whatever
// distributions are installed on the current host (empty if
// `wsl.exe --list` can't be run, e.g. in a test environment).
func SettingsSchema() schema.Schema {
	distros := DetectDistros()
	options := make([]schema.SelectOption, 0, len(distros))
	for _, d := range distros {
		options = append(options, schema.SelectOption{Value: d, Label: d})
	}
	var def []byte
	if len(distros) > 0 {
		def = schema.RawJSON(distros[0])
	}

	return schema.Schema{
		Groups: []schema.Group{
			{
				Key:   "wsl",
				Label: "WSL",
				Fields: []schema.Field{
					{
						Key:         "distribution",
						Label:       "Distribution",
						Description: "WSL distribution to connect to",
						Type:        schema.Select(options...),
						Required:    true,
						Default:     def,
					},
					{
						Key:                    "startingDirectory",
						Label:                  "Starting Directory",
						Description:            "Directory to start the shell in (defaults to home)",
						Type:                   schema.FilePath(schema.PathDirectory),
						Placeholder:            "~ (home directory)",
						SupportsEnvExpansion:   true,
						SupportsTildeExpansion: true,
					},
					{
						Key:                  "initialCommand",
						Label:                "Initial Command",
						Description:          "Command to run after the shell starts",
						Type:                 schema.Text(),
						SupportsEnvExpansion: true,
					},
				},
			},
		},
	}
}

func settingsFromMap(m map[string]interface{}) Settings {
	var s Settings
	if v, ok := m["distribution"].(string); ok {
		s.Distribution = v
	}
	if v, ok := m["startingDirectory"].(string); ok {
		s.StartingDirectory = backend.ExpandTilde(backend.ExpandEnv(v))
	}
	if v, ok := m["initialCommand"].(string); ok {
		s.InitialCommand = backend.ExpandEnv(v)
	}
	return s
}

// Backend drives one `wsl.exe -d <distro>` process under a PTY.
type Backend struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	ptmx      *os.File
	connected atomic.Bool
	sub       backend.OutputChan

	fb *fileBrowser
}

func New() *Backend { return &Backend{} }

func (b *Backend) TypeID() string      { return TypeID }
func (b *Backend) DisplayName() string { return "WSL" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Monitoring: false, FileBrowser: true, Resize: true, Persistent: true}
}

func (b *Backend) SettingsSchema() schema.Schema { return SettingsSchema() }

// Connect resolves wsl.exe, spawns it under a PTY, and starts the
// reader goroutine.
func (b *Backend) Connect(ctx context.Context, settingsMap map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd != nil {
		return backend.NewError(backend.ErrAlreadyExists, "already connected", nil)
	}
	s := settingsFromMap(settingsMap)
	if s.Distribution == "" {
		return backend.NewError(backend.ErrInvalidConfig, "missing required field: distribution", nil)
	}

	program, args := resolveWSL(s.Distribution)
	if s.StartingDirectory != "" {
		args = append(args, "--cd", s.StartingDirectory)
	}

	cmd := exec.Command(program, args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return backend.NewError(backend.ErrSpawnFailed, "start wsl pty", err)
	}

	b.cmd = cmd
	b.ptmx = ptmx
	b.connected.Store(true)
	b.fb = newFileBrowser(s.Distribution)

	if s.InitialCommand != "" {
		_, _ = ptmx.Write([]byte(s.InitialCommand + "\n"))
	}

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
			b.connected.Store(false)
			b.mu.Lock()
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
	if b.cmd == nil {
		return nil
	}
	b.connected.Store(false)
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	if b.ptmx != nil {
		_ = b.ptmx.Close()
	}
	b.cmd = nil
	return nil
}

func (b *Backend) IsConnected() bool { return b.connected.Load() }

func (b *Backend) Write(data []byte) error {
	b.mu.Lock()
	ptmx := b.ptmx
	connected := b.connected.Load()
	b.mu.Unlock()
	if !connected || ptmx == nil {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	_, err := ptmx.Write(data)
	if err != nil {
		return backend.NewError(backend.ErrIO, "write", err)
	}
	return nil
}

func (b *Backend) Resize(cols, rows int) error {
	b.mu.Lock()
	ptmx := b.ptmx
	connected := b.connected.Load()
	b.mu.Unlock()
	if !connected || ptmx == nil {
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

func (b *Backend) Monitoring() (backend.Monitoring, bool) { return nil, false }

func (b *Backend) FileBrowser() (backend.FileBrowser, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fb == nil {
		return nil, false
	}
	return b.fb, true
}

// resolveWSL mirrors the shared shell-resolution helper's WSL branch:
// prefer the absolute %SYSTEMROOT%\System32\wsl.exe path, falling back
// to a bare "wsl.exe" lookup on PATH.
func resolveWSL(distro string) (string, []string) {
	program := "wsl.exe"
	if root := os.Getenv("SYSTEMROOT"); root != "" {
		full := root + `\System32\wsl.exe`
		if _, err := os.Stat(full); err == nil {
			program = full
		}
	}
	return program, []string{"-d", distro}
}

// DetectDistros lists installed WSL distributions by running
// `wsl.exe --list --quiet`, which prints UTF-16LE text. Returns nil if
// the command fails or WSL isn't installed.
func DetectDistros() []string {
	out, err := exec.Command("wsl.exe", "--list", "--quiet").Output()
	if err != nil {
		return nil
	}
	return parseWSLOutput(out)
}

// parseWSLOutput decodes wsl.exe's UTF-16LE output into a list of
// trimmed, non-empty distribution names, stripping NUL padding and a
// leading byte-order mark.
func parseWSLOutput(raw []byte) []string {
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, uint16(raw[i])|uint16(raw[i+1])<<8)
	}
	text := decodeUTF16(units)

	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.ReplaceAll(line, "\x00", "")
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "﻿")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func decodeUTF16(units []uint16) string {
	var b strings.Builder
	for i := 0; i < len(units); i++ {
		r := rune(units[i])
		if r >= 0xD800 && r <= 0xDBFF && i+1 < len(units) {
			r2 := rune(units[i+1])
			if r2 >= 0xDC00 && r2 <= 0xDFFF {
				r = ((r - 0xD800) << 10) | (r2 - 0xDC00) + 0x10000
				i++
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
