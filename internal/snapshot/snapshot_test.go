package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/revsearch/internal/config"
)

// fileSource serves two files as a snapshot pair.
type fileSource struct {
	indexPath, metadataPath string
	calls                   int
}

func (f *fileSource) Snapshot(fn func(indexPath, metadataPath string) error) error {
	f.calls++
	return fn(f.indexPath, f.metadataPath)
}

// countingMirror counts pushes on top of a directory mirror.
type countingMirror struct {
	*DirMirror
	pushes []string
}

func (m *countingMirror) Push(ctx context.Context, key, localPath string) error {
	m.pushes = append(m.pushes, key)
	return m.DirMirror.Push(ctx, key, localPath)
}

func setupSource(t *testing.T) *fileSource {
	t.Helper()
	dir := t.TempDir()
	src := &fileSource{
		indexPath:    filepath.Join(dir, "index.tar.gz"),
		metadataPath: filepath.Join(dir, "metadata.jsonl"),
	}
	require.NoError(t, os.WriteFile(src.indexPath, []byte("archive-v1"), 0644))
	require.NoError(t, os.WriteFile(src.metadataPath, []byte("{\"a\":1}\n"), 0644))
	return src
}

func setupMirror(t *testing.T) *countingMirror {
	t.Helper()
	dm, err := NewDirMirror(t.TempDir())
	require.NoError(t, err)
	return &countingMirror{DirMirror: dm}
}

func TestDirMirrorPushPull(t *testing.T) {
	m, err := NewDirMirror(filepath.Join(t.TempDir(), "nested", "mirror"))
	require.NoError(t, err)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	require.NoError(t, m.Push(ctx, "a/b/file", src))
	assert.NoFileExists(t, filepath.Join(m.root, "a", "b", "file.partial"))

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, m.Pull(ctx, "a/b/file", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	assert.ErrorIs(t, m.Pull(ctx, "missing", dst), ErrNotFound)
	assert.Error(t, m.Push(ctx, "../escape", src))
}

func TestPushSkipsUnchanged(t *testing.T) {
	src := setupSource(t)
	mirror := setupMirror(t)
	rep := NewReplicator(src, mirror, "/prod/")
	ctx := context.Background()

	res, err := rep.Push(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, []string{"prod/index.tar.gz", "prod/metadata.jsonl", "prod/manifest.json"}, mirror.pushes)
	assert.Equal(t, int64(len("archive-v1")), res.Manifest.IndexBytes)

	res, err = rep.Push(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Len(t, mirror.pushes, 3)

	require.NoError(t, os.WriteFile(src.metadataPath, []byte("{\"a\":1}\n{\"b\":2}\n"), 0644))
	res, err = rep.Push(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, mirror.pushes, 6)
	assert.Equal(t, 3, src.calls)
}

func TestPushWithoutArchive(t *testing.T) {
	src := setupSource(t)
	require.NoError(t, os.Remove(src.indexPath))

	_, err := NewReplicator(src, setupMirror(t), "p").Push(context.Background())
	assert.Error(t, err)
}

func TestPullRoundTrip(t *testing.T) {
	src := setupSource(t)
	mirror := setupMirror(t)
	rep := NewReplicator(src, mirror, "p")
	ctx := context.Background()

	pushed, err := rep.Push(ctx)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "restore")
	indexPath := filepath.Join(dst, "index.tar.gz")
	metadataPath := filepath.Join(dst, "metadata.jsonl")

	m, err := rep.Pull(ctx, indexPath, metadataPath)
	require.NoError(t, err)
	assert.Equal(t, pushed.Manifest.Digest, m.Digest)

	data, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	assert.Equal(t, "archive-v1", string(data))
	data, err = os.ReadFile(metadataPath)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n", string(data))

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "staging directory removed")
}

func TestPullDetectsTampering(t *testing.T) {
	src := setupSource(t)
	mirror := setupMirror(t)
	rep := NewReplicator(src, mirror, "p")
	ctx := context.Background()

	_, err := rep.Push(ctx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(mirror.root, "p", "index.tar.gz"), []byte("tampered"), 0644))

	indexPath := filepath.Join(t.TempDir(), "index.tar.gz")
	_, err = rep.Pull(ctx, indexPath, filepath.Join(t.TempDir(), "metadata.jsonl"))
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.NoFileExists(t, indexPath)
}

func TestPullEmptyMirror(t *testing.T) {
	rep := NewReplicator(setupSource(t), setupMirror(t), "p")
	dir := t.TempDir()

	_, err := rep.Pull(context.Background(), filepath.Join(dir, "i"), filepath.Join(dir, "m"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDigestFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("ab"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("c"), 0644))

	d1, err := digestFiles(a, b)
	require.NoError(t, err)
	assert.Len(t, d1, 16)

	require.NoError(t, os.WriteFile(a, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("bc"), 0644))
	d2, err := digestFiles(a, b)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestNewMirror(t *testing.T) {
	ctx := context.Background()

	m, err := NewMirror(ctx, config.SnapshotConfig{Backend: "dir", Dir: config.DirSnapshotConfig{Path: t.TempDir()}})
	require.NoError(t, err)
	assert.Equal(t, "dir", m.Name())

	_, err = NewMirror(ctx, config.SnapshotConfig{})
	assert.Error(t, err)
	_, err = NewMirror(ctx, config.SnapshotConfig{Backend: "dir"})
	assert.Error(t, err)
	_, err = NewMirror(ctx, config.SnapshotConfig{Backend: "minio"})
	assert.Error(t, err)
	_, err = NewMirror(ctx, config.SnapshotConfig{Backend: "s3"})
	assert.Error(t, err)
	_, err = NewMirror(ctx, config.SnapshotConfig{Backend: "ftp"})
	assert.Error(t, err)
}

func TestScheduler(t *testing.T) {
	rep := NewReplicator(setupSource(t), setupMirror(t), "p")

	_, err := NewScheduler("every tuesday", rep)
	assert.Error(t, err)

	s, err := NewScheduler("@every 1h", rep)
	require.NoError(t, err)
	s.Start()
	s.Stop()

	// A run outside the schedule behaves like a push.
	s2, err := NewScheduler("@hourly", rep)
	require.NoError(t, err)
	s2.run()
	res, err := rep.Push(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("p/manifest.json"))
	assert.Equal(t, "application/x-ndjson", contentType("p/metadata.jsonl"))
	assert.Equal(t, "application/octet-stream", contentType("p/index.tar.gz"))
}
