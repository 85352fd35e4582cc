// Package backend defines the connection-backend trait (spec §4.6): the
// uniform interface every transport driver (local shell, SSH, serial,
// docker, telnet, WSL) implements so the session manager can treat them
// identically.
package backend

import (
	"context"
	"fmt"

	"github.com/termihub/termihub/internal/backend/schema"
)

// Capabilities flags which optional subsystems and features a backend
// supports. The dispatcher consults these to decide which RPC methods
// are meaningful for a session of this type.
type Capabilities struct {
	Monitoring   bool
	FileBrowser  bool
	Resize       bool
	Persistent   bool
}

// OutputChan is the channel type every backend delivers output bytes on.
// Capacity 64 matches the bounded-channel backpressure policy in spec §5.
type OutputChan chan []byte

const outputChanCapacity = 64

// NewOutputChan allocates a properly sized output channel.
func NewOutputChan() OutputChan { return make(OutputChan, outputChanCapacity) }

// Backend is the interface every connection type implements.
type Backend interface {
	// TypeID is a stable machine-readable identifier, e.g. "ssh".
	TypeID() string
	// DisplayName is a human-readable label, e.g. "SSH".
	DisplayName() string
	// Capabilities reports which optional features this backend supports.
	Capabilities() Capabilities
	// SettingsSchema describes this backend's configuration form.
	SettingsSchema() schema.Schema

	// Connect establishes the session from validated settings.
	Connect(ctx context.Context, settings map[string]interface{}) error
	// Disconnect releases all resources. Idempotent.
	Disconnect() error
	// IsConnected reports current liveness.
	IsConnected() bool

	// Write sends bytes to the remote end (e.g. keystrokes).
	Write(data []byte) error
	// Resize changes the terminal window size. No-op if unsupported.
	Resize(cols, rows int) error
	// SubscribeOutput returns a channel of output bytes. Subscribing
	// again replaces the previous subscriber (spec §4.6, §9): at most
	// one consumer exists per session.
	SubscribeOutput() OutputChan

	// Monitoring returns a monitoring handle, or (nil, false) if the
	// backend's capabilities don't include Monitoring.
	Monitoring() (Monitoring, bool)
	// FileBrowser returns a file-browser handle, or (nil, false) if the
	// backend's capabilities don't include FileBrowser.
	FileBrowser() (FileBrowser, bool)
}

// Resumable is implemented by backends whose sessions can outlive the
// agent process (currently only the POSIX local shell, via its
// detached daemon). The session manager calls Resume instead of
// Connect when reattaching a session found in the crash-recovery
// record on startup (spec §4.5, §9).
type Resumable interface {
	Resume(ctx context.Context, sessionID string, settings map[string]interface{}) error
}

// ErrorKind categorizes backend failures per the taxonomy in spec §4.6.
type ErrorKind int

const (
	ErrAlreadyExists ErrorKind = iota
	ErrNotRunning
	ErrInvalidConfig
	ErrSpawnFailed
	ErrIO
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrNotRunning:
		return "NotRunning"
	case ErrInvalidConfig:
		return "InvalidConfig"
	case ErrSpawnFailed:
		return "SpawnFailed"
	case ErrIO:
		return "Io"
	default:
		return "Unknown"
	}
}

// Error is a backend error tagged with its ErrorKind so callers (the
// session manager, the JSON-RPC dispatcher) can map it to a stable
// protocol error code without string matching.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Monitoring is the optional metrics-streaming subsystem (spec §4.8).
type Monitoring interface {
	// Subscribe starts polling and returns a channel of metric snapshots.
	Subscribe(ctx context.Context) (<-chan Metrics, error)
	// Unsubscribe tears down the polling loop.
	Unsubscribe()
}

// Metrics is a single monitoring sample.
type Metrics struct {
	LoadAverage [3]float64
	MemoryUsedBytes  uint64
	MemoryTotalBytes uint64
	DiskUsedBytes    uint64
	DiskTotalBytes   uint64
	Processes        []ProcessInfo
}

// ProcessInfo describes one row of a remote process list.
type ProcessInfo struct {
	PID     int
	User    string
	CPU     float64
	Mem     float64
	Command string
}

// FileBrowser is the optional remote file-browsing subsystem (spec
// §4.8, §4.12).
type FileBrowser interface {
	ListDir(ctx context.Context, path string) ([]FileEntry, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string, recursive bool) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Stat(ctx context.Context, path string) (FileEntry, error)
}

// FileEntry describes one file-system entry.
type FileEntry struct {
	Name    string
	Path    string
	IsDir   bool
	Size    int64
	ModTime int64 // unix seconds
	Mode    string
}

// FileErrorKind categorizes file-browser failures (spec §7).
type FileErrorKind int

const (
	FileNotFound FileErrorKind = iota
	FilePermissionDenied
	FileOperationFailed
)

// FileError is a file-browser error tagged by kind.
type FileError struct {
	Kind FileErrorKind
	Msg  string
}

func (e *FileError) Error() string { return e.Msg }

func NewFileError(kind FileErrorKind, msg string) *FileError {
	return &FileError{Kind: kind, Msg: msg}
}
