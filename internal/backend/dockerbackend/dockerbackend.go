// Package dockerbackend implements the Docker connection backend (spec
// §4.9): it creates and starts a throwaway container, attaches an
// interactive TTY exec session to it for terminal I/O, and exposes an
// exec-based file browser. Uses github.com/docker/docker/client, the
// official Go Docker Engine API client, rather than shelling out to the
// CLI.
package dockerbackend

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
)

const TypeID = "docker"

const containerNamePrefix = "termihub"
const stopTimeoutSeconds = 5

// Volume is one host-to-container bind mount.
type Volume struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Settings is the Docker connection's configuration.
type Settings struct {
	Image            string
	Shell            string
	WorkingDirectory string
	RemoveOnExit     bool
	Env              map[string]string
	Volumes          []Volume
}

func SettingsSchema() schema.Schema {
	return schema.Schema{
		Groups: []schema.Group{
			{
				Key:   "container",
				Label: "Container",
				Fields: []schema.Field{
					{
						Key:                  "image",
						Label:                "Image",
						Description:          "Docker image to use (e.g., ubuntu:22.04)",
						Type:                 schema.Text(),
						Required:             true,
						Placeholder:          "ubuntu:22.04",
						SupportsEnvExpansion: true,
					},
					{
						Key:         "shell",
						Label:       "Shell",
						Description: "Shell to use inside the container (leave empty for /bin/sh)",
						Type:        schema.Text(),
						Placeholder: "/bin/bash",
					},
					{
						Key:                    "workingDirectory",
						Label:                  "Working Directory",
						Description:            "Initial working directory inside the container",
						Type:                   schema.Text(),
						Placeholder:            "/workspace",
						SupportsTildeExpansion: true,
					},
					{
						Key:         "removeOnExit",
						Label:       "Remove on Exit",
						Description: "Remove the container when the session is closed",
						Type:        schema.Boolean(),
						Default:     schema.RawJSON(true),
					},
				},
			},
			{
				Key:   "environment",
				Label: "Environment",
				Fields: []schema.Field{
					{
						Key:                  "envVars",
						Label:                "Variables",
						Description:          "Environment variables to set inside the container",
						Type:                 schema.KeyValueList(),
						SupportsEnvExpansion: true,
					},
					{
						Key:         "volumes",
						Label:       "Volumes",
						Description: "Volume mounts from host to container",
						Type: schema.ObjectList(
							schema.Field{Key: "hostPath", Label: "Host Path", Type: schema.Text(), Required: true, Placeholder: "/home/user/project", SupportsEnvExpansion: true, SupportsTildeExpansion: true},
							schema.Field{Key: "containerPath", Label: "Container Path", Type: schema.Text(), Required: true, Placeholder: "/workspace"},
							schema.Field{Key: "readOnly", Label: "Read Only", Type: schema.Boolean(), Default: schema.RawJSON(false)},
						),
					},
				},
			},
		},
	}
}

func settingsFromMap(m map[string]interface{}) Settings {
	s := Settings{RemoveOnExit: true, Env: map[string]string{}}
	if v, ok := m["image"].(string); ok {
		s.Image = backend.ExpandEnv(v)
	}
	if v, ok := m["shell"].(string); ok {
		s.Shell = v
	}
	if v, ok := m["workingDirectory"].(string); ok {
		s.WorkingDirectory = backend.ExpandTilde(v)
	}
	if v, ok := m["removeOnExit"].(bool); ok {
		s.RemoveOnExit = v
	}
	if arr, ok := m["envVars"].([]interface{}); ok {
		for _, item := range arr {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			k, _ := entry["key"].(string)
			v, _ := entry["value"].(string)
			if k != "" {
				s.Env[k] = backend.ExpandEnv(v)
			}
		}
	}
	if arr, ok := m["volumes"].([]interface{}); ok {
		for _, item := range arr {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			host, _ := entry["hostPath"].(string)
			cont, _ := entry["containerPath"].(string)
			if host == "" || cont == "" {
				continue
			}
			ro, _ := entry["readOnly"].(bool)
			s.Volumes = append(s.Volumes, Volume{HostPath: backend.ExpandTilde(backend.ExpandEnv(host)), ContainerPath: cont, ReadOnly: ro})
		}
	}
	return s
}

// Backend drives one Docker container plus its interactive exec
// session.
type Backend struct {
	mu           sync.Mutex
	cli          *client.Client
	containerID  string
	execID       string
	hijacked     types.HijackedResponse
	removeOnExit bool
	connected    atomic.Bool
	sub          backend.OutputChan

	fb *fileBrowser
}

func New() *Backend { return &Backend{} }

func (b *Backend) TypeID() string      { return TypeID }
func (b *Backend) DisplayName() string { return "Docker" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Monitoring: false, FileBrowser: true, Resize: true, Persistent: true}
}

func (b *Backend) SettingsSchema() schema.Schema { return SettingsSchema() }

// Connect pulls the image if needed, creates and starts a container
// that idles on `tail -f /dev/null`, then attaches an interactive TTY
// exec session running the configured shell (spec §4.9).
func (b *Backend) Connect(ctx context.Context, settingsMap map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cli != nil {
		return backend.NewError(backend.ErrAlreadyExists, "already connected", nil)
	}
	s := settingsFromMap(settingsMap)
	if s.Image == "" {
		return backend.NewError(backend.ErrInvalidConfig, "image must not be empty", nil)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return backend.NewError(backend.ErrSpawnFailed, "connect to docker daemon", err)
	}

	if err := pullImage(ctx, cli, s.Image); err != nil {
		cli.Close()
		return backend.NewError(backend.ErrSpawnFailed, fmt.Sprintf("pull image %s", s.Image), err)
	}

	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	binds := make([]string, 0, len(s.Volumes))
	for _, v := range s.Volumes {
		bind := fmt.Sprintf("%s:%s", v.HostPath, v.ContainerPath)
		if v.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	containerCfg := &container.Config{
		Image:      s.Image,
		Tty:        true,
		OpenStdin:  true,
		Env:        env,
		WorkingDir: s.WorkingDirectory,
		Cmd:        []string{"tail", "-f", "/dev/null"},
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
	}

	name := generateContainerName()
	created, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		cli.Close()
		return backend.NewError(backend.ErrSpawnFailed, "create container", err)
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		cli.Close()
		return backend.NewError(backend.ErrSpawnFailed, "start container", err)
	}

	execCfg := types.ExecConfig{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{shell},
	}
	execCreated, err := cli.ContainerExecCreate(ctx, created.ID, execCfg)
	if err != nil {
		cli.Close()
		return backend.NewError(backend.ErrSpawnFailed, "create exec", err)
	}

	hijacked, err := cli.ContainerExecAttach(ctx, execCreated.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		cli.Close()
		return backend.NewError(backend.ErrSpawnFailed, "attach exec", err)
	}

	b.cli = cli
	b.containerID = created.ID
	b.execID = execCreated.ID
	b.hijacked = hijacked
	b.removeOnExit = s.RemoveOnExit
	b.connected.Store(true)
	b.fb = newFileBrowser(cli, created.ID)

	go b.readLoop(hijacked.Reader)
	return nil
}

func pullImage(ctx context.Context, cli *client.Client, image string) error {
	rc, err := cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func generateContainerName() string {
	return fmt.Sprintf("%s-%d", containerNamePrefix, time.Now().UnixMilli())
}

func (b *Backend) readLoop(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
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

// Disconnect closes the hijacked exec stream, stops the container (5s
// timeout), and optionally removes it.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	if b.cli == nil {
		b.mu.Unlock()
		return nil
	}
	cli := b.cli
	containerID := b.containerID
	removeOnExit := b.removeOnExit
	b.cli = nil
	b.connected.Store(false)
	b.mu.Unlock()

	b.hijacked.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	timeout := stopTimeoutSeconds
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Best-effort: the container may already be gone.
		_ = err
	}
	if removeOnExit {
		_ = cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	}
	return cli.Close()
}

func (b *Backend) IsConnected() bool { return b.connected.Load() }

func (b *Backend) Write(data []byte) error {
	b.mu.Lock()
	connected := b.connected.Load()
	conn := b.hijacked.Conn
	b.mu.Unlock()
	if !connected || conn == nil {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	_, err := conn.Write(data)
	if err != nil {
		return backend.NewError(backend.ErrIO, "write", err)
	}
	return nil
}

func (b *Backend) Resize(cols, rows int) error {
	b.mu.Lock()
	cli := b.cli
	execID := b.execID
	connected := b.connected.Load()
	b.mu.Unlock()
	if !connected || cli == nil {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cli.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
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
