package index

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/revsearch/internal/ann"
	"github.com/nickcecere/revsearch/internal/ann/hnswgraph"
	"github.com/nickcecere/revsearch/internal/ann/sqlitevec"
	"github.com/nickcecere/revsearch/internal/archive"
)

type engineCase struct {
	name   string
	engine func(t *testing.T) ann.Engine
	typ    ann.IndexType
}

func engineCases() []engineCase {
	sqlite := func(t *testing.T) ann.Engine { return sqlitevec.New(t.TempDir()) }
	return []engineCase{
		{"sqlitevec-bkt", sqlite, ann.TypeBKT},
		{"sqlitevec-kdt", sqlite, ann.TypeKDT},
		{"sqlitevec-flat", sqlite, ann.TypeFlat},
		{"hnsw", func(t *testing.T) ann.Engine { return hnswgraph.New() }, ann.TypeHNSW},
	}
}

func newTestIndex(t *testing.T, ec engineCase, dim int) *Index {
	t.Helper()
	opts := DefaultOptions(dim)
	opts.Type = ec.typ
	ix := New(ec.engine(t), opts)
	require.NoError(t, ix.Initialize())
	t.Cleanup(func() { ix.Close() })
	return ix
}

func randomVectors(n, dim int, seed uint64) [][]float32 {
	r := rand.New(rand.NewPCG(seed, seed+1))
	vs := make([][]float32, n)
	for i := range vs {
		vs[i] = make([]float32, dim)
		for j := range vs[i] {
			vs[i][j] = r.Float32()*2 - 1
		}
	}
	return vs
}

func TestAddThenSearchFindsSelf(t *testing.T) {
	for _, ec := range engineCases() {
		t.Run(ec.name, func(t *testing.T) {
			ix := newTestIndex(t, ec, 8)
			vectors := randomVectors(32, 8, 1)

			for _, v := range vectors {
				_, err := ix.AddVector(v)
				require.NoError(t, err)
			}

			for i, v := range vectors {
				hits, err := ix.Search(v, 3)
				require.NoError(t, err)
				require.NotEmpty(t, hits)
				assert.Equal(t, i, hits[0].ID)
				assert.InDelta(t, 0, hits[0].Distance, 1e-4)
				for j := 1; j < len(hits); j++ {
					assert.LessOrEqual(t, hits[j-1].Distance, hits[j].Distance)
				}
			}
		})
	}
}

func TestSequentialIDs(t *testing.T) {
	for _, ec := range engineCases() {
		t.Run(ec.name, func(t *testing.T) {
			ix := newTestIndex(t, ec, 4)

			for i, v := range randomVectors(10, 4, 2) {
				id, err := ix.AddVector(v)
				require.NoError(t, err)
				assert.Equal(t, i, id)
			}
			assert.Equal(t, 10, ix.VectorCount())
		})
	}
}

func TestSearchReturnsAtMostK(t *testing.T) {
	for _, ec := range engineCases() {
		t.Run(ec.name, func(t *testing.T) {
			ix := newTestIndex(t, ec, 4)
			vectors := randomVectors(3, 4, 3)
			require.NoError(t, ix.BuildFromVectors(vectors))

			hits, err := ix.Search(vectors[0], 10)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(hits), 3)

			hits, err = ix.Search(vectors[0], 1)
			require.NoError(t, err)
			assert.Len(t, hits, 1)

			_, err = ix.Search(vectors[0], 0)
			assert.ErrorIs(t, err, ErrSearch)
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, ec := range engineCases() {
		t.Run(ec.name, func(t *testing.T) {
			ix := newTestIndex(t, ec, 6)
			vectors := randomVectors(20, 6, 4)
			for _, v := range vectors {
				_, err := ix.AddVector(v)
				require.NoError(t, err)
			}

			probes := randomVectors(5, 6, 5)
			before := make([][]ann.Neighbor, len(probes))
			for i, p := range probes {
				hits, err := ix.Search(p, 5)
				require.NoError(t, err)
				before[i] = hits
			}

			path := filepath.Join(t.TempDir(), "index.tar.gz")
			require.NoError(t, ix.Save(path))

			_, err := os.Stat(StagingDir(path))
			assert.True(t, os.IsNotExist(err), "staging directory must be removed")

			opts := DefaultOptions(6)
			opts.Type = ec.typ
			fresh := New(ec.engine(t), opts)
			defer fresh.Close()
			require.NoError(t, fresh.Load(path))

			assert.Equal(t, ix.VectorCount(), fresh.VectorCount())
			assert.Equal(t, 6, fresh.Dimension())

			for i, p := range probes {
				hits, err := fresh.Search(p, 5)
				require.NoError(t, err)
				require.Len(t, hits, len(before[i]))
				for j := range hits {
					assert.Equal(t, before[i][j].ID, hits[j].ID)
					assert.InDelta(t, before[i][j].Distance, hits[j].Distance, 1e-4)
				}
			}

			_, err = os.Stat(StagingDir(path))
			assert.True(t, os.IsNotExist(err), "staging directory must be removed after load")

			// Adding after load continues the ID sequence.
			id, err := fresh.AddVector(randomVectors(1, 6, 6)[0])
			require.NoError(t, err)
			assert.Equal(t, 20, id)
		})
	}
}

func TestSaveLoadCompression(t *testing.T) {
	for _, c := range []archive.Compression{archive.Gzip, archive.Zstd, archive.LZ4} {
		t.Run(string(c), func(t *testing.T) {
			opts := DefaultOptions(3)
			opts.Type = ann.TypeFlat
			opts.Compression = c
			ix := New(sqlitevec.New(t.TempDir()), opts)
			require.NoError(t, ix.Initialize())
			defer ix.Close()

			require.NoError(t, ix.BuildFromVectors([][]float32{{1, 0, 0}, {0, 1, 0}}))
			path := filepath.Join(t.TempDir(), "index.archive")
			require.NoError(t, ix.Save(path))

			loaded := New(sqlitevec.New(t.TempDir()), opts)
			defer loaded.Close()
			require.NoError(t, loaded.Load(path))
			assert.Equal(t, 2, loaded.VectorCount())
		})
	}
}

func TestDimensionMismatch(t *testing.T) {
	for _, ec := range engineCases() {
		t.Run(ec.name, func(t *testing.T) {
			ix := newTestIndex(t, ec, 4)

			_, err := ix.AddVector([]float32{1.0, 2.0})
			require.ErrorIs(t, err, ErrDimensionMismatch)
			var dimErr *DimensionError
			require.True(t, errors.As(err, &dimErr))
			assert.Equal(t, 4, dimErr.Expected)
			assert.Equal(t, 2, dimErr.Got)
			assert.Equal(t, 0, ix.VectorCount())

			_, err = ix.Search([]float32{1, 2, 3, 4, 5}, 1)
			assert.ErrorIs(t, err, ErrDimensionMismatch)

			err = ix.BuildFromVectors([][]float32{{1, 2, 3, 4}, {1, 2}})
			assert.ErrorIs(t, err, ErrDimensionMismatch)
			assert.Equal(t, 0, ix.VectorCount())
		})
	}
}

func TestNotInitialized(t *testing.T) {
	ix := New(hnswgraph.New(), Options{Type: ann.TypeHNSW, Dimension: 2})

	_, err := ix.AddVector([]float32{1, 2})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = ix.Search([]float32{1, 2}, 1)
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.ErrorIs(t, ix.BuildFromVectors([][]float32{{1, 2}}), ErrNotInitialized)
	assert.ErrorIs(t, ix.Save(filepath.Join(t.TempDir(), "x.tar.gz")), ErrNotInitialized)

	// Dimension is checked before initialization.
	_, err = ix.AddVector([]float32{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLoadMissingArchive(t *testing.T) {
	ix := New(hnswgraph.New(), Options{Type: ann.TypeHNSW, Dimension: 2})
	err := ix.Load(filepath.Join(t.TempDir(), "missing.tar.gz"))
	assert.ErrorIs(t, err, ErrLoad)
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestLoadCorruptArchiveKeepsState(t *testing.T) {
	for _, ec := range engineCases() {
		t.Run(ec.name, func(t *testing.T) {
			ix := newTestIndex(t, ec, 4)
			vectors := randomVectors(5, 4, 7)
			require.NoError(t, ix.BuildFromVectors(vectors))

			path := filepath.Join(t.TempDir(), "index.tar.gz")
			require.NoError(t, ix.Save(path))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			data[len(data)-1] ^= 0xff
			require.NoError(t, os.WriteFile(path, data, 0644))

			_, err = ix.AddVector(randomVectors(1, 4, 8)[0])
			require.NoError(t, err)

			err = ix.Load(path)
			assert.ErrorIs(t, err, ErrLoad)
			assert.ErrorIs(t, err, ErrArchiveCorrupt)

			assert.Equal(t, 6, ix.VectorCount())
			hits, err := ix.Search(vectors[2], 1)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, 2, hits[0].ID)
		})
	}
}

func TestBuildReplaces(t *testing.T) {
	for _, ec := range engineCases() {
		t.Run(ec.name, func(t *testing.T) {
			ix := newTestIndex(t, ec, 3)
			for _, v := range randomVectors(4, 3, 9) {
				_, err := ix.AddVector(v)
				require.NoError(t, err)
			}

			require.NoError(t, ix.BuildFromVectors(randomVectors(2, 3, 10)))
			assert.Equal(t, 2, ix.VectorCount())

			require.NoError(t, ix.BuildFromVectors(nil))
			assert.Equal(t, 2, ix.VectorCount())
		})
	}
}

func TestAppliedParameters(t *testing.T) {
	t.Run("bkt", func(t *testing.T) {
		opts := DefaultOptions(4)
		opts.NumTrees = 2
		ix := New(sqlitevec.New(t.TempDir()), opts)
		require.NoError(t, ix.Initialize())
		defer ix.Close()

		assert.Equal(t, map[string]string{
			ann.ParamDistCalcMethod:  "L2",
			ann.ParamNumberOfThreads: "4",
			ann.ParamBKTNumber:       "2",
			ann.ParamBKTKmeansK:      "32",
		}, ix.AppliedParameters())
		assert.Empty(t, ix.RejectedParameters())
	})

	t.Run("hnsw", func(t *testing.T) {
		opts := DefaultOptions(4)
		opts.Type = ann.TypeHNSW
		opts.Metric = ann.MetricCosine
		opts.HNSWM = 8
		ix := New(hnswgraph.New(), opts)
		require.NoError(t, ix.Initialize())
		defer ix.Close()

		applied := ix.AppliedParameters()
		assert.Equal(t, "Cosine", applied[ann.ParamDistCalcMethod])
		assert.Equal(t, "8", applied[ann.ParamHNSWM])
		assert.NotContains(t, applied, ann.ParamHNSWEfSearch)
		assert.Equal(t, ann.MetricCosine, ix.Metric())
	})

	t.Run("rejections are warnings", func(t *testing.T) {
		engine := &fakeEngine{reject: map[string]bool{ann.ParamBKTKmeansK: true}}
		ix := New(engine, DefaultOptions(2))
		require.NoError(t, ix.Initialize())

		assert.Contains(t, ix.RejectedParameters(), ann.ParamBKTKmeansK)
		assert.NotContains(t, ix.AppliedParameters(), ann.ParamBKTKmeansK)

		_, err := ix.AddVector([]float32{1, 2})
		assert.NoError(t, err)
	})
}

func TestAllocationFailure(t *testing.T) {
	ix := New(&fakeEngine{failCreate: true}, DefaultOptions(2))
	assert.ErrorIs(t, ix.Initialize(), ErrAllocation)
	assert.False(t, ix.Initialized())

	ix = New(sqlitevec.New(t.TempDir()), Options{Type: ann.TypeHNSW, Dimension: 2})
	assert.ErrorIs(t, ix.Initialize(), ErrAllocation)
}

func TestBuildValidatesBeforeNativeCall(t *testing.T) {
	engine := &fakeEngine{}
	ix := New(engine, DefaultOptions(2))
	require.NoError(t, ix.Initialize())

	err := ix.BuildFromVectors([][]float32{{1, 2}, {3}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, engine.last.builds)
}

func TestSearchFailure(t *testing.T) {
	engine := &fakeEngine{failSearch: true}
	ix := New(engine, DefaultOptions(2))
	require.NoError(t, ix.Initialize())

	_, err := ix.Search([]float32{1, 2}, 1)
	assert.ErrorIs(t, err, ErrSearch)
}

func TestSaveLoadTmpArchiveName(t *testing.T) {
	opts := DefaultOptions(3)
	opts.Type = ann.TypeFlat
	ix := New(sqlitevec.New(t.TempDir()), opts)
	require.NoError(t, ix.Initialize())
	defer ix.Close()
	require.NoError(t, ix.BuildFromVectors([][]float32{{1, 0, 0}, {0, 1, 0}}))

	path := filepath.Join(t.TempDir(), "snap.tmp")
	require.NoError(t, ix.Save(path))
	require.NoError(t, ix.Save(path), "saving over an existing archive")

	loaded := New(sqlitevec.New(t.TempDir()), opts)
	defer loaded.Close()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 2, loaded.VectorCount())

	info, err := os.Stat(path)
	require.NoError(t, err, "archive must survive a load")
	assert.False(t, info.IsDir())
}

func TestLoadAdoptsArchiveDimension(t *testing.T) {
	opts := DefaultOptions(3)
	opts.Type = ann.TypeFlat
	ix := New(sqlitevec.New(t.TempDir()), opts)
	require.NoError(t, ix.Initialize())
	defer ix.Close()
	require.NoError(t, ix.BuildFromVectors([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}))

	path := filepath.Join(t.TempDir(), "index.tar.gz")
	require.NoError(t, ix.Save(path))

	wider := DefaultOptions(5)
	wider.Type = ann.TypeFlat
	loaded := New(sqlitevec.New(t.TempDir()), wider)
	defer loaded.Close()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 3, loaded.Dimension())

	id, err := loaded.AddVector([]float32{1, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	_, err = loaded.AddVector([]float32{1, 1, 0, 0, 0})
	var dimErr *DimensionError
	assert.ErrorAs(t, err, &dimErr)
}

func TestSaveFailureCleansStaging(t *testing.T) {
	engine := &fakeEngine{failSave: true}
	ix := New(engine, DefaultOptions(2))
	require.NoError(t, ix.Initialize())

	path := filepath.Join(t.TempDir(), "index.tar.gz")
	assert.ErrorIs(t, ix.Save(path), ErrSave)

	_, err := os.Stat(StagingDir(path))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestInitializeDestroysPrevious(t *testing.T) {
	engine := &fakeEngine{}
	ix := New(engine, DefaultOptions(2))
	require.NoError(t, ix.Initialize())
	first := engine.last

	require.NoError(t, ix.Reset())
	assert.Equal(t, 1, first.destroyed)
	assert.Equal(t, 0, engine.last.destroyed)
}

func TestCloseIsIdempotent(t *testing.T) {
	engine := &fakeEngine{}
	ix := New(engine, DefaultOptions(2))
	require.NoError(t, ix.Initialize())

	require.NoError(t, ix.Close())
	require.NoError(t, ix.Close())
	assert.Equal(t, 1, engine.last.destroyed)

	_, err := ix.AddVector([]float32{1, 2})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestStagingDir(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"data/index.tar.gz", "data/index.tmp"},
		{"data/index.bin", "data/index.tmp"},
		{"index", "index.tmp"},
		{"/var/lib/rs/.hidden", "/var/lib/rs/.hidden.tmp"},
		{"data/index.tmp", "data/index.tmp.staging"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), StagingDir(filepath.FromSlash(tt.path)))
		})
	}
}

// fakeEngine is a minimal in-memory engine for failure injection.
type fakeEngine struct {
	failCreate bool
	failSearch bool
	failSave   bool
	reject     map[string]bool
	last       *fakeNative
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Create(t ann.IndexType, v ann.ValueType, dim int) (ann.Native, error) {
	if e.failCreate {
		return nil, errors.New("out of memory")
	}
	e.last = &fakeNative{engine: e, dim: dim}
	return e.last, nil
}

func (e *fakeEngine) Load(folder string) (ann.Native, error) {
	return nil, errors.New("not supported")
}

type fakeNative struct {
	engine    *fakeEngine
	dim       int
	vectors   [][]float32
	builds    int
	destroyed int
}

func (n *fakeNative) SetParameter(name, value string) error {
	if n.engine.reject[name] {
		return ann.ErrUnknownParameter
	}
	return nil
}

func (n *fakeNative) AddVector(v []float32) (int, error) {
	n.vectors = append(n.vectors, v)
	return len(n.vectors) - 1, nil
}

func (n *fakeNative) Build(flat []float32, count, dim int) error {
	n.builds++
	n.vectors = nil
	for i := 0; i < count; i++ {
		n.vectors = append(n.vectors, flat[i*dim:(i+1)*dim])
	}
	return nil
}

func (n *fakeNative) Search(q []float32, k int) ([]ann.Neighbor, error) {
	if n.engine.failSearch {
		return nil, errors.New("native search returned -1")
	}
	return nil, nil
}

func (n *fakeNative) Save(folder string) error {
	if n.engine.failSave {
		return errors.New("disk full")
	}
	return os.MkdirAll(folder, 0755)
}

func (n *fakeNative) Count() int     { return len(n.vectors) }
func (n *fakeNative) Dimension() int { return n.dim }

func (n *fakeNative) Destroy() error {
	n.destroyed++
	return nil
}
