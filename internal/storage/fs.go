package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FS stores blobs on the local filesystem under "file://" URIs.
//
// Writes go to a ".tmp.upload.<uuid>" stage file next to the target and are
// renamed into place, so a visible blob is always complete.
type FS struct{}

// NewFS creates a filesystem client.
func NewFS() *FS {
	return &FS{}
}

// Path resolves a file URI to a local path. Relative paths are allowed in
// the form "file://rel/dir" since file URIs don't have hosts.
func (*FS) Path(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported scheme for filesystem storage: %q", u.Scheme)
	}
	return filepath.Join(u.Host, filepath.FromSlash(u.Path)), nil
}

// Read implements Client.
func (f *FS) Read(ctx context.Context, uri string, dest io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pth, err := f.Path(uri)
	if err != nil {
		return err
	}
	file, err := os.Open(pth)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return blobNotFound(uri)
		}
		return fmt.Errorf("read %s: %w", uri, err)
	}
	defer file.Close()
	if _, err := io.Copy(dest, file); err != nil {
		return fmt.Errorf("read %s: %w", uri, err)
	}
	return nil
}

// Write implements Client.
func (f *FS) Write(ctx context.Context, uri string, src io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pth, err := f.Path(uri)
	if err != nil {
		return "", err
	}
	if err := commit(pth, src); err != nil {
		return "", fmt.Errorf("write %s: %w", uri, err)
	}
	return uri, nil
}

// Copy implements Client.
func (f *FS) Copy(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := f.Path(from)
	if err != nil {
		return err
	}
	dst, err := f.Path(to)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return blobNotFound(from)
		}
		return fmt.Errorf("copy %s: %w", from, err)
	}
	defer in.Close()
	if err := commit(dst, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", from, to, err)
	}
	return nil
}

// BlobExists implements Client.
func (f *FS) BlobExists(ctx context.Context, uri string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	pth, err := f.Path(uri)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(pth)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", uri, err)
	}
	return info.Mode().IsRegular(), nil
}

// SizeInBytes implements Client.
func (f *FS) SizeInBytes(ctx context.Context, uri string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pth, err := f.Path(uri)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(pth)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, blobNotFound(uri)
		}
		return 0, fmt.Errorf("stat %s: %w", uri, err)
	}
	return info.Size(), nil
}

// commit writes src to a stage file beside pth and renames it into place.
func commit(pth string, src io.Reader) error {
	dir := filepath.Dir(pth)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stage := filepath.Join(dir, ".tmp.upload."+filepath.Base(pth)+"."+uuid.NewString())
	file, err := os.OpenFile(stage, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reserve stage file: %w", err)
	}
	if _, err := io.Copy(file, src); err != nil {
		file.Close()
		os.Remove(stage)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(stage)
		return err
	}
	if err := os.Rename(stage, pth); err != nil {
		os.Remove(stage)
		return err
	}
	return nil
}
