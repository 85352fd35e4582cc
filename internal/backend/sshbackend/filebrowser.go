package sshbackend

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/termihub/termihub/internal/backend"
)

// fileBrowser implements backend.FileBrowser over an SFTP subsystem
// session opened on the same SSH connection as the shell. Opened
// lazily on first use and kept open for the life of the backend.
type fileBrowser struct {
	sshClient *cryptossh.Client
	client    *sftp.Client
}

func newFileBrowser(client *cryptossh.Client) *fileBrowser {
	return &fileBrowser{sshClient: client}
}

func (f *fileBrowser) ensure() (*sftp.Client, error) {
	if f.client != nil {
		return f.client, nil
	}
	c, err := sftp.NewClient(f.sshClient)
	if err != nil {
		return nil, fmt.Errorf("sftp: open subsystem: %w", err)
	}
	f.client = c
	return c, nil
}

func (f *fileBrowser) ListDir(ctx context.Context, dirPath string) ([]backend.FileEntry, error) {
	c, err := f.ensure()
	if err != nil {
		return nil, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	infos, err := c.ReadDir(dirPath)
	if err != nil {
		return nil, mapSFTPErr(err, dirPath)
	}
	entries := make([]backend.FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, backend.FileEntry{
			Name:    fi.Name(),
			Path:    joinRemote(dirPath, fi.Name()),
			IsDir:   fi.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime().Unix(),
			Mode:    fi.Mode().String(),
		})
	}
	return entries, nil
}

func (f *fileBrowser) ReadFile(ctx context.Context, path string) ([]byte, error) {
	c, err := f.ensure()
	if err != nil {
		return nil, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	file, err := c.Open(path)
	if err != nil {
		return nil, mapSFTPErr(err, path)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	return data, nil
}

func (f *fileBrowser) WriteFile(ctx context.Context, path string, data []byte) error {
	c, err := f.ensure()
	if err != nil {
		return backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	file, err := c.Create(path)
	if err != nil {
		return mapSFTPErr(err, path)
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	return nil
}

func (f *fileBrowser) Delete(ctx context.Context, path string, recursive bool) error {
	c, err := f.ensure()
	if err != nil {
		return backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	fi, err := c.Lstat(path)
	if err != nil {
		return mapSFTPErr(err, path)
	}
	if fi.IsDir() {
		if recursive {
			return f.deleteTree(c, path)
		}
		if err := c.RemoveDirectory(path); err != nil {
			return mapSFTPErr(err, path)
		}
		return nil
	}
	if err := c.Remove(path); err != nil {
		return mapSFTPErr(err, path)
	}
	return nil
}

func (f *fileBrowser) deleteTree(c *sftp.Client, dirPath string) error {
	infos, err := c.ReadDir(dirPath)
	if err != nil {
		return mapSFTPErr(err, dirPath)
	}
	for _, fi := range infos {
		child := joinRemote(dirPath, fi.Name())
		if fi.IsDir() {
			if err := f.deleteTree(c, child); err != nil {
				return err
			}
			continue
		}
		if err := c.Remove(child); err != nil {
			return mapSFTPErr(err, child)
		}
	}
	if err := c.RemoveDirectory(dirPath); err != nil {
		return mapSFTPErr(err, dirPath)
	}
	return nil
}

func (f *fileBrowser) Rename(ctx context.Context, oldPath, newPath string) error {
	c, err := f.ensure()
	if err != nil {
		return backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	if err := c.Rename(oldPath, newPath); err != nil {
		return mapSFTPErr(err, oldPath)
	}
	return nil
}

func (f *fileBrowser) Stat(ctx context.Context, path string) (backend.FileEntry, error) {
	c, err := f.ensure()
	if err != nil {
		return backend.FileEntry{}, backend.NewFileError(backend.FileOperationFailed, err.Error())
	}
	fi, err := c.Stat(path)
	if err != nil {
		return backend.FileEntry{}, mapSFTPErr(err, path)
	}
	return backend.FileEntry{
		Name:    fi.Name(),
		Path:    path,
		IsDir:   fi.IsDir(),
		Size:    fi.Size(),
		ModTime: fi.ModTime().Unix(),
		Mode:    fi.Mode().String(),
	}, nil
}

func mapSFTPErr(err error, path string) error {
	if os.IsNotExist(err) {
		return backend.NewFileError(backend.FileNotFound, fmt.Sprintf("%s: not found", path))
	}
	if os.IsPermission(err) {
		return backend.NewFileError(backend.FilePermissionDenied, fmt.Sprintf("%s: permission denied", path))
	}
	return backend.NewFileError(backend.FileOperationFailed, err.Error())
}

func joinRemote(dir, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
