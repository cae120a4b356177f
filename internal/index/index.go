// Package index owns a single native ANN index and its persisted archive.
//
// An Index is not safe for concurrent use; callers coordinate access (see the
// reviews package, which guards it with a read/write lock).
package index

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/ann"
	"github.com/nickcecere/revsearch/internal/archive"
)

// Options configures the native index.
type Options struct {
	Type         ann.IndexType
	Dimension    int
	NumTrees     int
	KMeansK      int
	Metric       ann.Metric
	Threads      int
	HNSWM        int
	HNSWEfSearch int
	Compression  archive.Compression
}

// Default tuning values.
const (
	DefaultNumTrees = 1
	DefaultKMeansK  = 32
	DefaultThreads  = 4
)

// DefaultOptions returns options for a BKT index of the given dimension.
func DefaultOptions(dim int) Options {
	return Options{
		Type:        ann.TypeBKT,
		Dimension:   dim,
		NumTrees:    DefaultNumTrees,
		KMeansK:     DefaultKMeansK,
		Metric:      ann.MetricL2,
		Threads:     DefaultThreads,
		Compression: archive.DefaultCompression,
	}
}

// Index is a handle to one native index. The zero value is not usable; create
// one with New.
type Index struct {
	engine ann.Engine
	opts   Options

	native   ann.Native
	count    int
	dim      int
	metric   ann.Metric
	applied  map[string]string
	rejected map[string]string
}

// New returns an uninitialized index. Call Initialize or Load before use.
func New(engine ann.Engine, opts Options) *Index {
	if opts.Metric == "" {
		opts.Metric = ann.MetricL2
	}
	if opts.Compression == "" {
		opts.Compression = archive.DefaultCompression
	}
	return &Index{
		engine:   engine,
		opts:     opts,
		dim:      opts.Dimension,
		metric:   opts.Metric,
		applied:  make(map[string]string),
		rejected: make(map[string]string),
	}
}

// Initialize allocates an empty native index and applies parameters. Any
// previous native index is released once the new one exists.
func (ix *Index) Initialize() error {
	native, err := ix.engine.Create(ix.opts.Type, ann.ValueFloat, ix.opts.Dimension)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	if native == nil {
		return ErrAllocation
	}

	ix.applied = make(map[string]string)
	ix.rejected = make(map[string]string)
	ix.configure(native)

	ix.swap(native)
	ix.count = 0
	ix.dim = ix.opts.Dimension
	ix.metric = ix.opts.Metric
	if mr, ok := native.(ann.MetricReporter); ok {
		ix.metric = mr.Metric()
	}

	log.Debug("Initialized index",
		"engine", ix.engine.Name(),
		"type", ix.opts.Type,
		"dim", ix.dim,
		"applied", len(ix.applied),
		"rejected", len(ix.rejected))
	return nil
}

// configure applies the baseline parameters and per-type tuning. Rejections
// are logged and recorded but never fail initialization.
func (ix *Index) configure(native ann.Native) {
	type param struct{ name, value string }

	params := []param{
		{ann.ParamDistCalcMethod, string(ix.opts.Metric)},
		{ann.ParamNumberOfThreads, strconv.Itoa(orDefault(ix.opts.Threads, DefaultThreads))},
	}

	switch ix.opts.Type {
	case ann.TypeBKT:
		params = append(params,
			param{ann.ParamBKTNumber, strconv.Itoa(orDefault(ix.opts.NumTrees, DefaultNumTrees))},
			param{ann.ParamBKTKmeansK, strconv.Itoa(orDefault(ix.opts.KMeansK, DefaultKMeansK))},
		)
	case ann.TypeKDT:
		params = append(params,
			param{ann.ParamKDTNumber, strconv.Itoa(orDefault(ix.opts.NumTrees, DefaultNumTrees))},
		)
	case ann.TypeHNSW:
		if ix.opts.HNSWM > 0 {
			params = append(params, param{ann.ParamHNSWM, strconv.Itoa(ix.opts.HNSWM)})
		}
		if ix.opts.HNSWEfSearch > 0 {
			params = append(params, param{ann.ParamHNSWEfSearch, strconv.Itoa(ix.opts.HNSWEfSearch)})
		}
	}

	for _, p := range params {
		if err := native.SetParameter(p.name, p.value); err != nil {
			log.Warn("Index parameter not applied", "name", p.name, "value", p.value, "error", err)
			ix.rejected[p.name] = p.value
			continue
		}
		ix.applied[p.name] = p.value
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// swap installs next and destroys the previous native, in that order.
func (ix *Index) swap(next ann.Native) {
	prev := ix.native
	ix.native = next
	if prev != nil {
		if err := prev.Destroy(); err != nil {
			log.Warn("Failed to release previous native index", "error", err)
		}
	}
}

// Initialized reports whether a native index is held.
func (ix *Index) Initialized() bool {
	return ix.native != nil
}

// AddVector appends v and returns the ID assigned by the engine.
func (ix *Index) AddVector(v []float32) (int, error) {
	if err := checkDimension(ix.dim, v); err != nil {
		return 0, err
	}
	if ix.native == nil {
		return 0, ErrNotInitialized
	}

	id, err := ix.native.AddVector(v)
	if err != nil {
		return 0, fmt.Errorf("add vector: %w", err)
	}
	ix.count++
	return id, nil
}

// BuildFromVectors replaces the index contents with vs. Every vector is
// checked before the engine is touched. IDs are the positions in vs.
func (ix *Index) BuildFromVectors(vs [][]float32) error {
	if len(vs) == 0 {
		return nil
	}
	for _, v := range vs {
		if err := checkDimension(ix.dim, v); err != nil {
			return err
		}
	}
	if ix.native == nil {
		return ErrNotInitialized
	}

	flat := make([]float32, 0, len(vs)*ix.dim)
	for _, v := range vs {
		flat = append(flat, v...)
	}

	if err := ix.native.Build(flat, len(vs), ix.dim); err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	ix.count = len(vs)
	return nil
}

// Search returns up to k nearest neighbors of q, nearest first.
func (ix *Index) Search(q []float32, k int) ([]ann.Neighbor, error) {
	if err := checkDimension(ix.dim, q); err != nil {
		return nil, err
	}
	if ix.native == nil {
		return nil, ErrNotInitialized
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be at least 1, got %d", ErrSearch, k)
	}

	hits, err := ix.native.Search(q, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearch, err)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Reset replaces the native index with a fresh empty one.
func (ix *Index) Reset() error {
	return ix.Initialize()
}

// VectorCount returns the number of vectors in the index.
func (ix *Index) VectorCount() int {
	return ix.count
}

// Dimension returns the vector dimension.
func (ix *Index) Dimension() int {
	return ix.dim
}

// Metric returns the distance metric in effect.
func (ix *Index) Metric() ann.Metric {
	return ix.metric
}

// Type returns the configured index type.
func (ix *Index) Type() ann.IndexType {
	return ix.opts.Type
}

// EngineName returns the name of the backing engine.
func (ix *Index) EngineName() string {
	return ix.engine.Name()
}

// AppliedParameters returns the parameters the engine accepted.
func (ix *Index) AppliedParameters() map[string]string {
	return maps.Clone(ix.applied)
}

// RejectedParameters returns the parameters the engine refused.
func (ix *Index) RejectedParameters() map[string]string {
	return maps.Clone(ix.rejected)
}

// Close releases the native index. Calling it again is a no-op.
func (ix *Index) Close() error {
	native := ix.native
	ix.native = nil
	if native == nil {
		return nil
	}
	return native.Destroy()
}
