// Package hnswgraph implements an in-memory ann.Engine backed by a coder/hnsw graph.
package hnswgraph

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/hnsw"

	"github.com/nickcecere/revsearch/internal/ann"
)

// Files written into a saved folder.
const (
	GraphFile = "graph.hnsw"
	MetaFile  = "meta.json"
)

// Defaults applied when the caller does not set HNSWM or HNSWEfSearch.
const (
	DefaultM        = 16
	DefaultEfSearch = 20
)

// Engine creates HNSW graph indexes.
type Engine struct{}

// New returns an HNSW engine.
func New() *Engine { return &Engine{} }

// Name implements ann.Engine.
func (e *Engine) Name() string { return "hnsw" }

// Create implements ann.Engine.
func (e *Engine) Create(t ann.IndexType, v ann.ValueType, dim int) (ann.Native, error) {
	if t != ann.TypeHNSW {
		return nil, fmt.Errorf("%w: %s", ann.ErrUnsupportedType, t)
	}
	if v != ann.ValueFloat {
		return nil, fmt.Errorf("unsupported value type: %s", v)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dim)
	}

	n := &native{
		dim:      dim,
		metric:   ann.MetricL2,
		m:        DefaultM,
		efSearch: DefaultEfSearch,
		threads:  1,
	}
	n.graph = n.newGraph()
	return n, nil
}

// meta is the sidecar written next to the exported graph.
type meta struct {
	Type      ann.IndexType `json:"type"`
	Dimension int           `json:"dimension"`
	Count     int           `json:"count"`
	Metric    ann.Metric    `json:"metric"`
	M         int           `json:"m"`
	EfSearch  int           `json:"ef_search"`
	Threads   int           `json:"threads"`
}

// Load implements ann.Engine.
func (e *Engine) Load(folder string) (ann.Native, error) {
	data, err := os.ReadFile(filepath.Join(folder, MetaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", MetaFile, err)
	}

	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MetaFile, err)
	}
	if m.Type != ann.TypeHNSW || m.Dimension <= 0 {
		return nil, fmt.Errorf("invalid graph metadata: type=%s dim=%d", m.Type, m.Dimension)
	}

	n := &native{
		dim:      m.Dimension,
		metric:   m.Metric,
		m:        m.M,
		efSearch: m.EfSearch,
		threads:  m.Threads,
	}
	n.graph = n.newGraph()

	if m.Count > 0 {
		f, err := os.Open(filepath.Join(folder, GraphFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", GraphFile, err)
		}
		defer f.Close()

		if err := n.graph.Import(bufio.NewReader(f)); err != nil {
			return nil, fmt.Errorf("failed to import graph: %w", err)
		}
		n.graph.Distance = distanceFunc(n.metric)
	}

	if n.graph.Len() != m.Count {
		return nil, fmt.Errorf("graph holds %d nodes, metadata says %d", n.graph.Len(), m.Count)
	}

	log.Debug("Loaded HNSW graph", "dim", n.dim, "count", m.Count, "metric", n.metric)
	return n, nil
}

// native wraps one graph. coder/hnsw does not synchronize access itself;
// searches share the read lock and mutations take it exclusively.
type native struct {
	mu       sync.RWMutex
	graph    *hnsw.Graph[uint32]
	dim      int
	metric   ann.Metric
	m        int
	efSearch int
	threads  int
}

func (n *native) newGraph() *hnsw.Graph[uint32] {
	g := hnsw.NewGraph[uint32]()
	g.Distance = distanceFunc(n.metric)
	g.M = n.m
	g.EfSearch = n.efSearch
	return g
}

// SetParameter implements ann.Native.
func (n *native) SetParameter(name, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch name {
	case ann.ParamDistCalcMethod:
		metric, err := ann.ParseMetric(value)
		if err != nil {
			return err
		}
		if n.graph.Len() > 0 && metric != n.metric {
			return fmt.Errorf("cannot change distance metric after vectors were added")
		}
		n.metric = metric
		n.graph.Distance = distanceFunc(metric)
	case ann.ParamNumberOfThreads:
		v, err := positiveInt(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		n.threads = v
	case ann.ParamHNSWM:
		v, err := positiveInt(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		n.m = v
		n.graph.M = v
	case ann.ParamHNSWEfSearch:
		v, err := positiveInt(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		n.efSearch = v
		n.graph.EfSearch = v
	default:
		return fmt.Errorf("%w: %s", ann.ErrUnknownParameter, name)
	}
	return nil
}

// AddVector implements ann.Native.
func (n *native) AddVector(v []float32) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(v) != n.dim {
		return 0, fmt.Errorf("vector has %d dimensions, index has %d", len(v), n.dim)
	}

	id := n.graph.Len()
	n.graph.Add(hnsw.MakeNode(uint32(id), slices.Clone(v)))
	return id, nil
}

// Build implements ann.Native. The graph is rebuilt from scratch.
func (n *native) Build(flat []float32, count, dim int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if dim != n.dim {
		return fmt.Errorf("build dimension %d does not match index dimension %d", dim, n.dim)
	}
	if len(flat) != count*dim {
		return fmt.Errorf("build buffer has %d values, want %d", len(flat), count*dim)
	}

	g := n.newGraph()
	nodes := make([]hnsw.Node[uint32], count)
	for i := range nodes {
		nodes[i] = hnsw.MakeNode(uint32(i), slices.Clone(flat[i*dim:(i+1)*dim]))
	}
	if count > 0 {
		g.Add(nodes...)
	}
	n.graph = g
	return nil
}

// Search implements ann.Native.
func (n *native) Search(q []float32, k int) ([]ann.Neighbor, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if len(q) != n.dim {
		return nil, fmt.Errorf("query has %d dimensions, index has %d", len(q), n.dim)
	}
	if k <= 0 {
		return nil, fmt.Errorf("invalid k: %d", k)
	}
	if n.graph.Len() == 0 {
		return nil, nil
	}

	nodes := n.graph.Search(q, k)
	hits := make([]ann.Neighbor, len(nodes))
	for i, node := range nodes {
		hits[i] = ann.Neighbor{
			ID:       int(node.Key),
			Distance: n.graph.Distance(q, node.Value),
		}
	}
	slices.SortStableFunc(hits, func(a, b ann.Neighbor) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})
	return hits, nil
}

// Save implements ann.Native.
func (n *native) Save(folder string) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if err := os.MkdirAll(folder, 0755); err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}

	count := n.graph.Len()
	if count > 0 {
		f, err := os.Create(filepath.Join(folder, GraphFile))
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", GraphFile, err)
		}
		w := bufio.NewWriter(f)
		if err := n.graph.Export(w); err != nil {
			f.Close()
			return fmt.Errorf("failed to export graph: %w", err)
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", GraphFile, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", GraphFile, err)
		}
	}

	data, err := json.MarshalIndent(meta{
		Type:      ann.TypeHNSW,
		Dimension: n.dim,
		Count:     count,
		Metric:    n.metric,
		M:         n.m,
		EfSearch:  n.efSearch,
		Threads:   n.threads,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(folder, MetaFile), data, 0644)
}

// Count implements ann.Native.
func (n *native) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.graph.Len()
}

// Dimension implements ann.Native.
func (n *native) Dimension() int { return n.dim }

// Metric implements ann.MetricReporter.
func (n *native) Metric() ann.Metric {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.metric
}

// Destroy implements ann.Native. The graph is left to the garbage collector.
func (n *native) Destroy() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.graph = n.newGraph()
	return nil
}

func distanceFunc(m ann.Metric) hnsw.DistanceFunc {
	if m == ann.MetricCosine {
		return hnsw.CosineDistance
	}
	return hnsw.EuclideanDistance
}

func positiveInt(value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", value)
	}
	if v <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", v)
	}
	return v, nil
}
