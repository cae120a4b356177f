package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/revsearch/internal/ann"
	"github.com/nickcecere/revsearch/internal/archive"
	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/embeddings"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/store"
)

func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Embeddings.Provider = "hash"
	cfg.Embeddings.Hash.Dimensions = 32
	cfg.Index.Type = "HNSW"
	cfg.Storage.DataDir = dir
	cfg.Storage.IndexPath = filepath.Join(dir, "index.tar.gz")
	cfg.Storage.MetadataPath = filepath.Join(dir, "metadata.jsonl")
	cfg.Storage.WorkDir = filepath.Join(dir, "work")
	return cfg
}

func TestIndexOptions(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Index.Metric = "cosine"
	cfg.Index.Compression = "zstd"
	emb, err := embeddings.NewHashService(32)
	require.NoError(t, err)

	opts, err := indexOptions(cfg, emb)
	require.NoError(t, err)
	assert.Equal(t, ann.TypeHNSW, opts.Type)
	assert.Equal(t, ann.MetricCosine, opts.Metric)
	assert.Equal(t, 32, opts.Dimension, "dimension follows the embedder")
	assert.Equal(t, archive.Compression("zstd"), opts.Compression)

	cfg.Index.Dimension = 16
	opts, err = indexOptions(cfg, emb)
	require.NoError(t, err)
	assert.Equal(t, 16, opts.Dimension)

	cfg.Index.Type = "LSH"
	_, err = indexOptions(cfg, emb)
	assert.Error(t, err)
}

func TestNewEngine(t *testing.T) {
	cfg := createTestConfig(t)

	e, err := newEngine(cfg, ann.TypeHNSW)
	require.NoError(t, err)
	assert.Equal(t, "hnsw", e.Name())

	e, err = newEngine(cfg, ann.TypeBKT)
	require.NoError(t, err)
	assert.Equal(t, "sqlite-vec", e.Name())

	cfg.Index.Engine = "sqlitevec"
	e, err = newEngine(cfg, ann.TypeHNSW)
	require.NoError(t, err)
	assert.Equal(t, "sqlite-vec", e.Name())

	cfg.Index.Engine = "faiss"
	_, err = newEngine(cfg, ann.TypeHNSW)
	assert.Error(t, err)
}

func TestOpenAppRoundTrip(t *testing.T) {
	cfg := createTestConfig(t)
	ctx := context.Background()

	a, err := openApp(ctx, cfg, reviews.ReconcileRepair)
	require.NoError(t, err)
	_, err = a.svc.AddReview(ctx, store.Record{Title: "Sturdy", Body: "Survived a drop", ProductID: "P1", Rating: 5})
	require.NoError(t, err)
	a.Close()

	a, err = openApp(ctx, cfg, reviews.ReconcileReport)
	require.NoError(t, err)
	defer a.Close()

	h, err := a.svc.Health()
	require.NoError(t, err)
	assert.Equal(t, 1, h.TotalReviews)
	assert.Equal(t, 1, h.IndexedVectors)
	assert.Equal(t, "hnsw", h.Engine)
}

func TestNewReplicatorDisabled(t *testing.T) {
	rep, err := newReplicator(context.Background(), createTestConfig(t), nil)
	require.NoError(t, err)
	assert.Nil(t, rep)
}

func TestFilterByScore(t *testing.T) {
	results := []reviews.SearchResult{
		{SimilarityScore: 0.9},
		{SimilarityScore: 0.4},
		{SimilarityScore: 0.7},
	}
	assert.Len(t, filterByScore(results, 0), 3)

	kept := filterByScore(append([]reviews.SearchResult(nil), results...), 0.5)
	require.Len(t, kept, 2)
	assert.Equal(t, float32(0.9), kept[0].SimilarityScore)
	assert.Equal(t, float32(0.7), kept[1].SimilarityScore)
}

func TestMarkdownReport(t *testing.T) {
	results := []reviews.SearchResult{{
		Record:          store.Record{Title: "Fits | well", Body: "line one\nline two", ProductID: "P9", Rating: 4},
		SimilarityScore: 0.8123,
	}}

	md := markdownReport("fit", results)
	assert.Contains(t, md, `# Reviews matching "fit"`)
	assert.Contains(t, md, `| 1 | Fits \| well | `+"`P9`"+` | 4/5 | 0.812 |`)
	assert.Contains(t, md, "> line one\n> line two\n")

	assert.Contains(t, markdownReport("none", nil), "No matching reviews found")
}
