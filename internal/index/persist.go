package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/ann"
	"github.com/nickcecere/revsearch/internal/archive"
)

// StagingDir returns the scratch folder used while saving or loading path:
// the path with its extensions replaced by ".tmp". An archive that is
// itself named "<base>.tmp" stages in "<base>.tmp.staging" instead.
func StagingDir(path string) string {
	dir, base := filepath.Split(path)
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	staging := filepath.Join(dir, base+".tmp")
	if staging == filepath.Clean(path) {
		return staging + ".staging"
	}
	return staging
}

// Save writes the index to a single archive at path.
func (ix *Index) Save(path string) error {
	if ix.native == nil {
		return ErrNotInitialized
	}

	staging := StagingDir(path)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("%w: clear staging directory: %v", ErrSave, err)
	}
	defer os.RemoveAll(staging)

	if err := ix.native.Save(staging); err != nil {
		return fmt.Errorf("%w: native save: %v", ErrSave, err)
	}
	if err := archive.Pack(staging, path, ix.opts.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrSave, err)
	}

	log.Debug("Saved index", "path", path, "vectors", ix.count)
	return nil
}

// Load replaces the index with the archive at path. On any failure the
// current native index is left untouched.
func (ix *Index) Load(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w: %s", ErrLoad, ErrArchiveNotFound, path)
	}

	staging := StagingDir(path)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("%w: clear staging directory: %v", ErrLoad, err)
	}
	defer os.RemoveAll(staging)

	if err := archive.Unpack(path, staging); err != nil {
		switch {
		case errors.Is(err, archive.ErrNotFound):
			return fmt.Errorf("%w: %w: %v", ErrLoad, ErrArchiveNotFound, err)
		case errors.Is(err, archive.ErrCorrupt):
			return fmt.Errorf("%w: %w: %v", ErrLoad, ErrArchiveCorrupt, err)
		}
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	native, err := ix.engine.Load(staging)
	if err != nil {
		return fmt.Errorf("%w: native load: %v", ErrLoad, err)
	}
	if native == nil {
		return ErrLoad
	}

	ix.swap(native)

	dim := native.Dimension()
	if ix.dim != 0 && dim != ix.dim {
		log.Warn("Loaded index dimension differs from configuration", "configured", ix.dim, "loaded", dim)
	}
	ix.dim = dim
	ix.count = native.Count()
	if mr, ok := native.(ann.MetricReporter); ok {
		ix.metric = mr.Metric()
	}

	log.Info("Loaded index", "path", path, "vectors", ix.count, "dim", ix.dim)
	return nil
}
