// Package snapshot copies the index archive and metadata log off host.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nickcecere/revsearch/internal/config"
)

// ErrNotFound is returned by Pull when the key does not exist remotely.
var ErrNotFound = errors.New("snapshot object not found")

// Mirror stores whole files under string keys.
type Mirror interface {
	// Name identifies the backend in logs.
	Name() string

	// Push uploads the file at localPath under key, replacing any previous object.
	Push(ctx context.Context, key, localPath string) error

	// Pull downloads key into localPath. Implementations write localPath
	// directly; callers that need atomic replacement pass a temporary path.
	Pull(ctx context.Context, key, localPath string) error
}

// NewMirror builds the mirror selected by cfg.Backend.
func NewMirror(ctx context.Context, cfg config.SnapshotConfig) (Mirror, error) {
	switch cfg.Backend {
	case "dir":
		return NewDirMirror(cfg.Dir.Path)
	case "minio":
		return NewMinIOMirror(ctx, cfg.MinIO)
	case "s3":
		return NewS3Mirror(ctx, cfg.S3)
	case "":
		return nil, errors.New("no snapshot backend configured (set snapshot.backend)")
	default:
		return nil, fmt.Errorf("unknown snapshot backend: %s", cfg.Backend)
	}
}

// DirMirror mirrors into a local directory, typically a mounted volume.
type DirMirror struct {
	root string
}

// NewDirMirror creates root if needed.
func NewDirMirror(root string) (*DirMirror, error) {
	if root == "" {
		return nil, errors.New("snapshot.dir.path is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &DirMirror{root: root}, nil
}

func (m *DirMirror) Name() string { return "dir" }

func (m *DirMirror) path(key string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("invalid snapshot key %q", key)
	}
	return filepath.Join(m.root, filepath.FromSlash(key)), nil
}

// Push copies localPath to root/key through a temporary file.
func (m *DirMirror) Push(ctx context.Context, key, localPath string) error {
	dst, err := m.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := copyFile(ctx, localPath, dst+".partial"); err != nil {
		os.Remove(dst + ".partial")
		return err
	}
	return os.Rename(dst+".partial", dst)
}

// Pull copies root/key to localPath.
func (m *DirMirror) Pull(ctx context.Context, key, localPath string) error {
	src, err := m.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return copyFile(ctx, src, localPath)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func copyFile(ctx context.Context, src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		return err
	}
	return out.Sync()
}
