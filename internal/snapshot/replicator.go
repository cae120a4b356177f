package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
)

// ManifestName is the key, under the prefix, of the manifest pushed last.
const ManifestName = "manifest.json"

// ErrDigestMismatch is returned by Pull when the downloaded pair does not
// match the manifest.
var ErrDigestMismatch = errors.New("snapshot digest mismatch")

// Snapshotter exposes a consistent (index archive, metadata log) pair.
type Snapshotter interface {
	Snapshot(fn func(indexPath, metadataPath string) error) error
}

// Manifest describes one pushed snapshot.
type Manifest struct {
	CreatedAt     time.Time `json:"created_at"`
	Digest        string    `json:"digest"`
	IndexKey      string    `json:"index_key"`
	MetadataKey   string    `json:"metadata_key"`
	IndexBytes    int64     `json:"index_bytes"`
	MetadataBytes int64     `json:"metadata_bytes"`
}

// PushResult reports what Push did.
type PushResult struct {
	Skipped  bool
	Manifest *Manifest
}

// Replicator pushes snapshots to a mirror, skipping unchanged ones.
type Replicator struct {
	source Snapshotter
	mirror Mirror
	prefix string

	mu         sync.Mutex
	lastDigest string
}

// NewReplicator creates a replicator writing keys under prefix.
func NewReplicator(source Snapshotter, mirror Mirror, prefix string) *Replicator {
	return &Replicator{source: source, mirror: mirror, prefix: strings.Trim(prefix, "/")}
}

func (r *Replicator) key(name string) string {
	return path.Join(r.prefix, name)
}

// Push stages a consistent copy while writes are blocked, then uploads the
// archive, the log and finally the manifest. A pair identical to the last
// pushed one is skipped.
func (r *Replicator) Push(ctx context.Context) (*PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	staging, err := os.MkdirTemp("", "revsearch-snapshot-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	var stagedIndex, stagedLog string
	err = r.source.Snapshot(func(indexPath, metadataPath string) error {
		if _, err := os.Stat(indexPath); err != nil {
			return fmt.Errorf("no index archive to snapshot: %w", err)
		}
		stagedIndex = filepath.Join(staging, filepath.Base(indexPath))
		stagedLog = filepath.Join(staging, filepath.Base(metadataPath))
		if err := copyFile(ctx, indexPath, stagedIndex); err != nil {
			return fmt.Errorf("stage index: %w", err)
		}
		if err := copyFile(ctx, metadataPath, stagedLog); err != nil {
			return fmt.Errorf("stage metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	digest, err := digestFiles(stagedIndex, stagedLog)
	if err != nil {
		return nil, err
	}
	if digest == r.lastDigest {
		log.Debug("Snapshot unchanged, skipping push", "digest", digest)
		return &PushResult{Skipped: true}, nil
	}

	m := &Manifest{
		CreatedAt:   time.Now().UTC(),
		Digest:      digest,
		IndexKey:    r.key(filepath.Base(stagedIndex)),
		MetadataKey: r.key(filepath.Base(stagedLog)),
	}
	if m.IndexBytes, err = fileSize(stagedIndex); err != nil {
		return nil, err
	}
	if m.MetadataBytes, err = fileSize(stagedLog); err != nil {
		return nil, err
	}

	if err := r.mirror.Push(ctx, m.IndexKey, stagedIndex); err != nil {
		return nil, err
	}
	if err := r.mirror.Push(ctx, m.MetadataKey, stagedLog); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(staging, ManifestName)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return nil, err
	}
	if err := r.mirror.Push(ctx, r.key(ManifestName), manifestPath); err != nil {
		return nil, err
	}

	r.lastDigest = digest
	log.Info("Snapshot pushed", "backend", r.mirror.Name(), "digest", digest,
		"index_bytes", m.IndexBytes, "metadata_bytes", m.MetadataBytes)
	return &PushResult{Manifest: m}, nil
}

// Pull downloads the latest snapshot into indexPath and metadataPath. Both
// files are verified against the manifest before either is replaced. The
// service must not be running.
func (r *Replicator) Pull(ctx context.Context, indexPath, metadataPath string) (*Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(filepath.Dir(indexPath), ".pull-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	manifestPath := filepath.Join(staging, ManifestName)
	if err := r.mirror.Pull(ctx, r.key(ManifestName), manifestPath); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	pulledIndex := filepath.Join(staging, "index")
	pulledLog := filepath.Join(staging, "metadata")
	if err := r.mirror.Pull(ctx, m.IndexKey, pulledIndex); err != nil {
		return nil, err
	}
	if err := r.mirror.Pull(ctx, m.MetadataKey, pulledLog); err != nil {
		return nil, err
	}

	digest, err := digestFiles(pulledIndex, pulledLog)
	if err != nil {
		return nil, err
	}
	if digest != m.Digest {
		return nil, fmt.Errorf("%w: manifest %s, downloaded %s", ErrDigestMismatch, m.Digest, digest)
	}

	if err := os.MkdirAll(filepath.Dir(metadataPath), 0755); err != nil {
		return nil, err
	}
	if err := moveFile(pulledIndex, indexPath); err != nil {
		return nil, err
	}
	if err := moveFile(pulledLog, metadataPath); err != nil {
		return nil, err
	}

	log.Info("Snapshot pulled", "backend", r.mirror.Name(), "digest", m.Digest, "created", m.CreatedAt)
	return &m, nil
}

// moveFile renames, falling back to copy when src and dst are on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	tmp := dst + ".pull"
	if err := copyFile(context.Background(), src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// digestFiles hashes the contents of every file in order.
func digestFiles(paths ...string) (string, error) {
	h := xxhash.New()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
		// Separator so moving bytes between files changes the digest.
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func fileSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".jsonl"):
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}
