// Package probe inspects the local filesystem for the recorder: free space on the
// capture volume and the size of finalized capture files.
package probe

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Disk reports space on the volume holding Dir.
type Disk struct {
	Dir string
}

// NewDisk creates a Disk probe for dir.
func NewDisk(dir string) *Disk {
	return &Disk{Dir: dir}
}

// FreeBytes returns the bytes available to an unprivileged user.
func (d *Disk) FreeBytes() (int64, error) {
	free, _, err := statfs(d.Dir)
	return free, err
}

// TotalBytes returns the size of the volume.
func (d *Disk) TotalBytes() (int64, error) {
	_, total, err := statfs(d.Dir)
	return total, err
}

// Files stats captures on the local filesystem. Relative paths resolve under Root.
type Files struct {
	Root string
}

// NewFiles creates a file inspector rooted at root.
func NewFiles(root string) *Files {
	return &Files{Root: root}
}

// Stat returns the size of the file behind uri. uri may be a file:// URI or a path.
func (f *Files) Stat(ctx context.Context, uri string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := f.Path(uri)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat capture: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("stat capture: %s is a directory", path)
	}
	return info.Size(), nil
}

// Path maps uri to a local path.
func (f *Files) Path(uri string) (string, error) {
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("parse capture uri: %w", err)
		}
		return filepath.FromSlash(u.Path), nil
	}
	if strings.Contains(uri, "://") {
		return "", fmt.Errorf("unsupported capture uri %q", uri)
	}
	if filepath.IsAbs(uri) || f.Root == "" {
		return uri, nil
	}
	return filepath.Join(f.Root, uri), nil
}
