package sqlitevec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/revsearch/internal/ann"
)

var _ ann.Engine = (*Engine)(nil)
var _ ann.MetricReporter = (*native)(nil)

func setupNative(t *testing.T, typ ann.IndexType, dim int) (*Engine, ann.Native) {
	t.Helper()
	engine := New(t.TempDir())
	n, err := engine.Create(typ, ann.ValueFloat, dim)
	require.NoError(t, err)
	t.Cleanup(func() { n.Destroy() })
	return engine, n
}

func TestCreateRejectsHNSW(t *testing.T) {
	engine := New(t.TempDir())
	_, err := engine.Create(ann.TypeHNSW, ann.ValueFloat, 3)
	assert.ErrorIs(t, err, ann.ErrUnsupportedType)
}

func TestCreateRejectsBadDimension(t *testing.T) {
	engine := New(t.TempDir())
	_, err := engine.Create(ann.TypeFlat, ann.ValueFloat, 0)
	assert.Error(t, err)
}

func TestAddAndSearch(t *testing.T) {
	_, n := setupNative(t, ann.TypeBKT, 3)

	for i, v := range [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}} {
		id, err := n.AddVector(v)
		require.NoError(t, err)
		assert.Equal(t, i, id)
	}
	assert.Equal(t, 3, n.Count())
	assert.Equal(t, 3, n.Dimension())

	hits, err := n.Search([]float32{0.9, 0.1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 0, hits[0].ID)
	assert.LessOrEqual(t, hits[0].Distance, hits[1].Distance)
}

func TestSearchEmpty(t *testing.T) {
	_, n := setupNative(t, ann.TypeFlat, 2)

	hits, err := n.Search([]float32{1, 1}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAddVectorWrongDimension(t *testing.T) {
	_, n := setupNative(t, ann.TypeFlat, 3)

	_, err := n.AddVector([]float32{1, 2})
	assert.Error(t, err)
	assert.Equal(t, 0, n.Count())
}

func TestBuildReplacesContents(t *testing.T) {
	_, n := setupNative(t, ann.TypeFlat, 2)

	_, err := n.AddVector([]float32{5, 5})
	require.NoError(t, err)

	require.NoError(t, n.Build([]float32{0, 0, 1, 1, 2, 2}, 3, 2))
	assert.Equal(t, 3, n.Count())

	hits, err := n.Search([]float32{2, 2}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, hits[0].ID)

	assert.Error(t, n.Build([]float32{0, 0, 1}, 2, 2))
}

func TestSetParameter(t *testing.T) {
	tests := []struct {
		name    string
		typ     ann.IndexType
		param   string
		value   string
		wantErr bool
	}{
		{"metric", ann.TypeBKT, ann.ParamDistCalcMethod, "L2", false},
		{"threads", ann.TypeBKT, ann.ParamNumberOfThreads, "4", false},
		{"bkt trees", ann.TypeBKT, ann.ParamBKTNumber, "2", false},
		{"bkt kmeans", ann.TypeBKT, ann.ParamBKTKmeansK, "32", false},
		{"kdt trees on kdt", ann.TypeKDT, ann.ParamKDTNumber, "2", false},
		{"kdt trees on bkt", ann.TypeBKT, ann.ParamKDTNumber, "2", true},
		{"bad number", ann.TypeBKT, ann.ParamBKTNumber, "zero", true},
		{"unknown", ann.TypeFlat, "Nope", "1", true},
		{"bad metric", ann.TypeFlat, ann.ParamDistCalcMethod, "Manhattan", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n := setupNative(t, tt.typ, 2)
			err := n.SetParameter(tt.param, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetricLockedAfterData(t *testing.T) {
	_, n := setupNative(t, ann.TypeFlat, 2)

	require.NoError(t, n.SetParameter(ann.ParamDistCalcMethod, "Cosine"))
	_, err := n.AddVector([]float32{1, 0})
	require.NoError(t, err)

	assert.Error(t, n.SetParameter(ann.ParamDistCalcMethod, "L2"))
	assert.NoError(t, n.SetParameter(ann.ParamDistCalcMethod, "Cosine"))
}

func TestSaveAndLoad(t *testing.T) {
	engine, n := setupNative(t, ann.TypeKDT, 2)

	require.NoError(t, n.SetParameter(ann.ParamDistCalcMethod, "Cosine"))
	require.NoError(t, n.SetParameter(ann.ParamKDTNumber, "3"))
	require.NoError(t, n.Build([]float32{1, 0, 0, 1}, 2, 2))

	folder := filepath.Join(t.TempDir(), "saved")
	require.NoError(t, n.Save(folder))
	// Saving twice overwrites.
	require.NoError(t, n.Save(folder))

	loaded, err := engine.Load(folder)
	require.NoError(t, err)
	defer loaded.Destroy()

	// Loaded index must not depend on the folder.
	require.NoError(t, os.RemoveAll(folder))

	assert.Equal(t, 2, loaded.Count())
	assert.Equal(t, 2, loaded.Dimension())
	assert.Equal(t, ann.MetricCosine, loaded.(ann.MetricReporter).Metric())

	hits, err := loaded.Search([]float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].ID)

	id, err := loaded.AddVector([]float32{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestLoadMissingFolder(t *testing.T) {
	engine := New(t.TempDir())
	_, err := engine.Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestDestroyRemovesWorkFile(t *testing.T) {
	workDir := t.TempDir()
	engine := New(workDir)
	n, err := engine.Create(ann.TypeFlat, ann.ValueFloat, 2)
	require.NoError(t, err)

	entries, _ := os.ReadDir(workDir)
	assert.Len(t, entries, 1)

	require.NoError(t, n.Destroy())
	require.NoError(t, n.Destroy())

	entries, _ = os.ReadDir(workDir)
	assert.Empty(t, entries)
}

func TestSerializeEmbedding(t *testing.T) {
	buf := serializeEmbedding([]float32{1.0, -2.5})
	assert.Len(t, buf, 8)
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, buf[:4])
}
