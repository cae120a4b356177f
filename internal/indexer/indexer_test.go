package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/revsearch/internal/ann"
	"github.com/nickcecere/revsearch/internal/ann/hnswgraph"
	"github.com/nickcecere/revsearch/internal/embeddings"
	"github.com/nickcecere/revsearch/internal/index"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/store"
)

// mockEmbedder implements embeddings.Service for testing.
type mockEmbedder struct {
	dimensions int
	embedCalls int
	batchSizes []int
	fail       bool
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.embedCalls++
	return m.generateEmbedding(), nil
}

func (m *mockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m.embedCalls++
	return m.generateEmbedding(), nil
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.embedCalls++
	m.batchSizes = append(m.batchSizes, len(texts))
	if m.fail {
		return nil, errors.New("provider unavailable")
	}
	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = m.generateEmbedding()
	}
	return result, nil
}

func (m *mockEmbedder) Dimensions() int { return m.dimensions }

func (m *mockEmbedder) Provider() embeddings.Provider { return embeddings.ProviderHash }

func (m *mockEmbedder) ModelName() string { return "mock" }

func (m *mockEmbedder) generateEmbedding() []float32 {
	emb := make([]float32, m.dimensions)
	for i := range emb {
		emb[i] = float32(i) * 0.01
	}
	return emb
}

var _ embeddings.Service = (*mockEmbedder)(nil)

// fakeTarget records what the indexer hands it.
type fakeTarget struct {
	existing int
	added    []store.Record
	rebuilt  []store.Record
	vectors  [][]float32
	addErr   error
}

func (f *fakeTarget) AddReview(ctx context.Context, r store.Record) (*reviews.AddResult, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	id := f.existing + len(f.added)
	f.added = append(f.added, r)
	return &reviews.AddResult{VectorID: id, StoredID: id}, nil
}

func (f *fakeTarget) Rebuild(ctx context.Context, records []store.Record, vectors [][]float32) error {
	f.rebuilt = records
	f.vectors = vectors
	return nil
}

func (f *fakeTarget) Health() (*reviews.Health, error) {
	return &reviews.Health{TotalReviews: f.existing, IndexedVectors: f.existing}, nil
}

const sampleFile = `{"review_title":"Great battery","review_body":"Lasts all day","product_id":"P1","review_rating":5}

{"review_title":"Late delivery","review_body":"Box was damaged","product_id":"P2","review_rating":2}
{"review_title":"Bright screen","review_body":"Easy to read outdoors","product_id":"P3","review_rating":4}
{"review_title":"Loud fan","review_body":"Noisy under load","product_id":"P4","review_rating":3}
{"review_title":"Light","review_body":"Easy to carry","product_id":"P5","review_rating":4}
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reviews.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadReviews(t *testing.T) {
	input := sampleFile +
		"not json\n" +
		`{"review_title":"","review_body":"b","product_id":"P","review_rating":3}` + "\n" +
		`{"review_title":"t","review_body":"b","product_id":"P","review_rating":9}` + "\n"

	records, bad, err := ReadReviews(strings.NewReader(input))
	require.NoError(t, err)
	assert.Len(t, records, 5)
	assert.Equal(t, "Great battery", records[0].Title)
	assert.Equal(t, 2, records[1].Rating)

	require.Len(t, bad, 3)
	assert.Equal(t, 7, bad[0].Line)
	assert.Equal(t, 8, bad[1].Line)
	assert.Equal(t, 9, bad[2].Line)

	var verr *reviews.ValidationError
	assert.ErrorAs(t, bad[2], &verr)
	assert.Equal(t, "review_rating", verr.Field)
}

func TestImportRebuildsEmptyTarget(t *testing.T) {
	emb := &mockEmbedder{dimensions: 8}
	target := &fakeTarget{}
	idx := New(target, emb)

	var updates []Progress
	res, err := idx.ImportFile(context.Background(), ImportOptions{
		Path:       writeFile(t, sampleFile),
		BatchSize:  2,
		OnProgress: func(p Progress) { updates = append(updates, p) },
	})
	require.NoError(t, err)

	assert.True(t, res.Rebuilt)
	assert.Equal(t, 5, res.Added)
	assert.Equal(t, 0, res.Skipped)
	assert.Len(t, target.rebuilt, 5)
	assert.Len(t, target.vectors, 5)
	assert.Empty(t, target.added)
	assert.Equal(t, []int{2, 2, 1}, emb.batchSizes)

	require.Len(t, updates, 3)
	assert.Equal(t, 5, updates[2].Processed)
	assert.Equal(t, 5, updates[2].TotalRecords)
	assert.Equal(t, res.Path, idx.Progress().CurrentFile)
}

func TestImportAppendsToExistingTarget(t *testing.T) {
	emb := &mockEmbedder{dimensions: 8}
	target := &fakeTarget{existing: 3}
	idx := New(target, emb)

	res, err := idx.ImportFile(context.Background(), ImportOptions{Path: writeFile(t, sampleFile)})
	require.NoError(t, err)

	assert.False(t, res.Rebuilt)
	assert.Len(t, target.added, 5)
	assert.Nil(t, target.rebuilt)
	assert.Zero(t, emb.embedCalls, "service embeds appended reviews itself")
}

func TestImportForcedRebuild(t *testing.T) {
	target := &fakeTarget{existing: 3}
	res, err := New(target, &mockEmbedder{dimensions: 8}).ImportFile(context.Background(),
		ImportOptions{Path: writeFile(t, sampleFile), Rebuild: true})
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
	assert.Len(t, target.rebuilt, 5)
}

func TestImportInvalidLines(t *testing.T) {
	path := writeFile(t, sampleFile+"{broken\n")
	target := &fakeTarget{}
	idx := New(target, &mockEmbedder{dimensions: 8})

	_, err := idx.ImportFile(context.Background(), ImportOptions{Path: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 7")
	assert.Nil(t, target.rebuilt)

	res, err := idx.ImportFile(context.Background(), ImportOptions{Path: path, SkipInvalid: true})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)
	assert.Equal(t, 1, res.Skipped)
}

func TestImportErrors(t *testing.T) {
	ctx := context.Background()

	_, err := New(&fakeTarget{}, &mockEmbedder{dimensions: 8}).
		ImportFile(ctx, ImportOptions{Path: filepath.Join(t.TempDir(), "missing.jsonl")})
	assert.Error(t, err)

	_, err = New(&fakeTarget{}, &mockEmbedder{dimensions: 8, fail: true}).
		ImportFile(ctx, ImportOptions{Path: writeFile(t, sampleFile)})
	assert.ErrorContains(t, err, "failed to generate embeddings")

	_, err = New(&fakeTarget{existing: 1, addErr: errors.New("disk full")}, &mockEmbedder{dimensions: 8}).
		ImportFile(ctx, ImportOptions{Path: writeFile(t, sampleFile)})
	assert.ErrorContains(t, err, "disk full")
}

func TestImportCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(&fakeTarget{}, &mockEmbedder{dimensions: 8}).
		ImportFile(ctx, ImportOptions{Path: writeFile(t, sampleFile)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportIntoService(t *testing.T) {
	dir := t.TempDir()
	emb, err := embeddings.NewHashService(32)
	require.NoError(t, err)

	opts := index.DefaultOptions(32)
	opts.Type = ann.TypeHNSW
	ix := index.New(hnswgraph.New(), opts)
	log := store.NewJSONLStore(filepath.Join(dir, "metadata.jsonl"), false)
	svc := reviews.New(emb, ix, log, reviews.Options{IndexPath: filepath.Join(dir, "index.tar.gz"), Version: "test"})
	require.NoError(t, svc.Open(context.Background(), reviews.ReconcileRepair))
	t.Cleanup(svc.Shutdown)

	idx := New(svc, emb)
	path := writeFile(t, sampleFile)

	res, err := idx.ImportFile(context.Background(), ImportOptions{Path: path})
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)

	// A second import appends through the normal add path.
	res, err = idx.ImportFile(context.Background(), ImportOptions{Path: path})
	require.NoError(t, err)
	assert.False(t, res.Rebuilt)

	h, err := svc.Health()
	require.NoError(t, err)
	assert.Equal(t, 10, h.TotalReviews)
	assert.Equal(t, 10, h.IndexedVectors)
	assert.Equal(t, "healthy", h.Status)

	resp, err := svc.Search(context.Background(), "battery lasts", 1)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Great battery", resp.Results[0].Title)
}
