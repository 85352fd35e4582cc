//go:build windows

package wslbackend

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/termihub/termihub/internal/backend"
)

// fileBrowser implements backend.FileBrowser over the \\wsl$\<distro>
// UNC share Windows exposes for every running WSL2 distribution,
// translating Linux-style paths (e.g. "/home/user") into the
// corresponding Windows path. The original Rust backend left this
// unimplemented (TODO); \\wsl$ is the standard mechanism Windows
// provides for exactly this, so no third-party library is needed —
// this is plain stdlib os/path file access once the path prefix is
// translated.
type fileBrowser struct {
	distro string
}

func newFileBrowser(distro string) *fileBrowser {
	return &fileBrowser{distro: distro}
}

// windowsPath maps a WSL-side absolute path to its \\wsl$ UNC
// equivalent.
func (f *fileBrowser) windowsPath(wslPath string) string {
	clean := strings.TrimPrefix(wslPath, "/")
	winSuffix := strings.ReplaceAll(clean, "/", `\`)
	if winSuffix == "" {
		return `\\wsl$\` + f.distro
	}
	return `\\wsl$\` + f.distro + `\` + winSuffix
}

func (f *fileBrowser) ListDir(ctx context.Context, dirPath string) ([]backend.FileEntry, error) {
	winPath := f.windowsPath(dirPath)
	entries, err := os.ReadDir(winPath)
	if err != nil {
		return nil, mapWSLError(err)
	}
	out := make([]backend.FileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntryFromInfo(path.Join(dirPath, e.Name()), e.Name(), info))
	}
	return out, nil
}

func (f *fileBrowser) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	data, err := os.ReadFile(f.windowsPath(filePath))
	if err != nil {
		return nil, mapWSLError(err)
	}
	return data, nil
}

func (f *fileBrowser) WriteFile(ctx context.Context, filePath string, data []byte) error {
	if err := os.WriteFile(f.windowsPath(filePath), data, 0o644); err != nil {
		return mapWSLError(err)
	}
	return nil
}

func (f *fileBrowser) Delete(ctx context.Context, filePath string, recursive bool) error {
	winPath := f.windowsPath(filePath)
	var err error
	if recursive {
		err = os.RemoveAll(winPath)
	} else {
		err = os.Remove(winPath)
	}
	if err != nil {
		return mapWSLError(err)
	}
	return nil
}

func (f *fileBrowser) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := os.Rename(f.windowsPath(oldPath), f.windowsPath(newPath)); err != nil {
		return mapWSLError(err)
	}
	return nil
}

func (f *fileBrowser) Stat(ctx context.Context, filePath string) (backend.FileEntry, error) {
	info, err := os.Stat(f.windowsPath(filePath))
	if err != nil {
		return backend.FileEntry{}, mapWSLError(err)
	}
	return fileEntryFromInfo(filePath, info.Name(), info), nil
}

func fileEntryFromInfo(fullPath, name string, info os.FileInfo) backend.FileEntry {
	return backend.FileEntry{
		Name:    name,
		Path:    fullPath,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime().Unix(),
		Mode:    info.Mode().Perm().String(),
	}
}

func mapWSLError(err error) error {
	switch {
	case os.IsNotExist(err):
		return backend.NewFileError(backend.FileNotFound, err.Error())
	case os.IsPermission(err):
		return backend.NewFileError(backend.FilePermissionDenied, err.Error())
	default:
		return backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
}
