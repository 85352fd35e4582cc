package dockerbackend

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/termihub/termihub/internal/backend"
)

// fileBrowser implements backend.FileBrowser by running one-shot
// commands inside the container via docker exec (spec §4.9, §4.12),
// since containers have no SFTP-equivalent subsystem.
type fileBrowser struct {
	cli         *client.Client
	containerID string
}

func newFileBrowser(cli *client.Client, containerID string) *fileBrowser {
	return &fileBrowser{cli: cli, containerID: containerID}
}

// execCommand runs cmd inside the container and returns its
// stdout; a nonzero exit code is reported as a mapped FileError built
// from stderr.
func (f *fileBrowser) execCommand(ctx context.Context, cmd []string) (string, error) {
	return f.execCommandStdin(ctx, cmd, nil)
}

func (f *fileBrowser) execCommandStdin(ctx context.Context, cmd []string, stdin []byte) (string, error) {
	execCfg := types.ExecConfig{
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	}
	created, err := f.cli.ContainerExecCreate(ctx, f.containerID, execCfg)
	if err != nil {
		return "", fmt.Errorf("create exec: %w", err)
	}

	hijacked, err := f.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", fmt.Errorf("attach exec: %w", err)
	}
	defer hijacked.Close()

	if stdin != nil {
		if _, err := hijacked.Conn.Write(stdin); err != nil {
			return "", fmt.Errorf("write stdin: %w", err)
		}
		hijacked.CloseWrite()
	}

	// Non-TTY execs multiplex stdout/stderr with an 8-byte frame header
	// per stdcopy.StdCopy's wire format; demux rather than treating the
	// stream as raw bytes.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijacked.Reader); err != nil {
		return "", fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := f.cli.ContainerExecInspect(ctx, created.ID)
	if err == nil && inspect.ExitCode != 0 {
		return "", mapDockerError(stderr.String())
	}
	return stdout.String(), nil
}

func (f *fileBrowser) ListDir(ctx context.Context, dirPath string) ([]backend.FileEntry, error) {
	out, err := f.execCommand(ctx, []string{
		"find", dirPath, "-maxdepth", "1", "-not", "-name", ".", "-not", "-path", dirPath,
		"-printf", "%f\t%y\t%s\t%T@\t%m\n",
	})
	if err != nil {
		return nil, asFileError(err)
	}
	return parseFindOutput(out, dirPath), nil
}

func (f *fileBrowser) ReadFile(ctx context.Context, path string) ([]byte, error) {
	out, err := f.execCommand(ctx, []string{"base64", path})
	if err != nil {
		return nil, asFileError(err)
	}
	cleaned := strings.Join(strings.Fields(out), "")
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, backend.NewFileError(backend.FileOperationFailed, "base64 decode: "+err.Error())
	}
	return data, nil
}

func (f *fileBrowser) WriteFile(ctx context.Context, path string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	script := fmt.Sprintf("base64 -d > '%s'", shellEscape(path))
	_, err := f.execCommandStdin(ctx, []string{"sh", "-c", script}, []byte(encoded))
	if err != nil {
		return asFileError(err)
	}
	return nil
}

func (f *fileBrowser) Delete(ctx context.Context, path string, recursive bool) error {
	stat, err := f.Stat(ctx, path)
	if err != nil {
		return err
	}
	cmd := []string{"rm", path}
	if stat.IsDir {
		if recursive {
			cmd = []string{"rm", "-rf", path}
		} else {
			cmd = []string{"rmdir", path}
		}
	}
	if _, err := f.execCommand(ctx, cmd); err != nil {
		return asFileError(err)
	}
	return nil
}

func (f *fileBrowser) Rename(ctx context.Context, oldPath, newPath string) error {
	if _, err := f.execCommand(ctx, []string{"mv", oldPath, newPath}); err != nil {
		return asFileError(err)
	}
	return nil
}

func (f *fileBrowser) Stat(ctx context.Context, path string) (backend.FileEntry, error) {
	out, err := f.execCommand(ctx, []string{"stat", "-c", "%n\t%F\t%s\t%Y\t%a", path})
	if err != nil {
		return backend.FileEntry{}, asFileError(err)
	}
	return parseStatOutput(out, path)
}

// parseFindOutput parses `find -printf '%f\t%y\t%s\t%T@\t%m\n'` output.
func parseFindOutput(output, parentPath string) []backend.FileEntry {
	parent := parentPath
	if !strings.HasSuffix(parent, "/") {
		parent += "/"
	}
	var entries []backend.FileEntry
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 5)
		if len(fields) < 5 {
			continue
		}
		name := fields[0]
		isDir := fields[1] == "d"
		size, _ := strconv.ParseInt(fields[2], 10, 64)
		mtimeFloat, _ := strconv.ParseFloat(fields[3], 64)
		mode, _ := strconv.ParseInt(strings.TrimSpace(fields[4]), 8, 32)
		entries = append(entries, backend.FileEntry{
			Name:    name,
			Path:    parent + name,
			IsDir:   isDir,
			Size:    size,
			ModTime: int64(mtimeFloat),
			Mode:    fmt.Sprintf("%#o", mode),
		})
	}
	return entries
}

// parseStatOutput parses `stat -c '%n\t%F\t%s\t%Y\t%a'` output.
func parseStatOutput(output, path string) (backend.FileEntry, error) {
	line := strings.TrimSpace(output)
	fields := strings.SplitN(line, "\t", 5)
	if len(fields) < 5 {
		return backend.FileEntry{}, backend.NewFileError(backend.FileOperationFailed, "unexpected stat output: "+line)
	}
	name := fields[0]
	if idx := strings.LastIndex(name, "/"); idx >= 0 && idx+1 < len(name) {
		name = name[idx+1:]
	}
	isDir := strings.Contains(fields[1], "directory")
	size, _ := strconv.ParseInt(fields[2], 10, 64)
	mtime, _ := strconv.ParseInt(fields[3], 10, 64)
	mode, _ := strconv.ParseInt(strings.TrimSpace(fields[4]), 8, 32)
	return backend.FileEntry{
		Name:    name,
		Path:    path,
		IsDir:   isDir,
		Size:    size,
		ModTime: mtime,
		Mode:    fmt.Sprintf("%#o", mode),
	}, nil
}

func mapDockerError(stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "no such file"), strings.Contains(lower, "not found"):
		return backend.NewFileError(backend.FileNotFound, strings.TrimSpace(stderr))
	case strings.Contains(lower, "permission denied"):
		return backend.NewFileError(backend.FilePermissionDenied, strings.TrimSpace(stderr))
	default:
		return backend.NewFileError(backend.FileOperationFailed, strings.TrimSpace(stderr))
	}
}

// asFileError passes through an already-tagged FileError, or wraps any
// other error as FileOperationFailed.
func asFileError(err error) error {
	if _, ok := err.(*backend.FileError); ok {
		return err
	}
	return backend.NewFileError(backend.FileOperationFailed, err.Error())
}

// shellEscape quotes path for safe interpolation inside a single-quoted
// sh argument.
func shellEscape(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}
