// Package ann defines the boundary to an approximate-nearest-neighbor engine.
//
// The engine is an opaque capability: callers create or load a Native handle,
// feed it vectors and ask it for neighbors, without knowing how the index is
// built or searched. Concrete engines live in subpackages.
package ann

import (
	"errors"
	"fmt"
	"strings"
)

// IndexType selects the algorithm configuration passed to the engine at creation.
type IndexType string

const (
	TypeBKT  IndexType = "BKT"  // balanced k-means tree
	TypeKDT  IndexType = "KDT"  // kd-tree
	TypeFlat IndexType = "Flat" // exhaustive scan
	TypeHNSW IndexType = "HNSW" // hierarchical navigable small world graph
)

// IndexTypes lists every index type an engine may be asked to create.
var IndexTypes = []IndexType{TypeBKT, TypeKDT, TypeFlat, TypeHNSW}

// ParseIndexType resolves a configured type name, ignoring case.
func ParseIndexType(s string) (IndexType, error) {
	for _, t := range IndexTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown index type: %q", s)
}

// ValueType is the element type of stored vectors.
type ValueType string

// ValueFloat is the only value type in use: single-precision floats.
const ValueFloat ValueType = "Float"

// Metric is the distance function configured on an index.
type Metric string

const (
	MetricL2     Metric = "L2"
	MetricCosine Metric = "Cosine"
)

// ParseMetric resolves a configured metric name, ignoring case.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(s) {
	case "l2", "":
		return MetricL2, nil
	case "cosine":
		return MetricCosine, nil
	}
	return "", fmt.Errorf("unknown distance metric: %q", s)
}

// Parameter names understood by the engines.
const (
	ParamDistCalcMethod  = "DistCalcMethod"
	ParamNumberOfThreads = "NumberOfThreads"
	ParamBKTNumber       = "BKTNumber"
	ParamBKTKmeansK      = "BKTKmeansK"
	ParamKDTNumber       = "KDTNumber"
	ParamHNSWM           = "HNSWM"
	ParamHNSWEfSearch    = "HNSWEfSearch"
)

var (
	// ErrUnsupportedType is returned by Create for index types the engine cannot build.
	ErrUnsupportedType = errors.New("unsupported index type")

	// ErrUnknownParameter is returned by SetParameter for names the engine ignores.
	ErrUnknownParameter = errors.New("unknown parameter")
)

// Neighbor is one search hit as reported by the engine.
type Neighbor struct {
	ID       int
	Distance float32
}

// Engine creates and loads native index handles.
type Engine interface {
	// Name identifies the engine in logs and health output.
	Name() string

	// Create allocates an empty index.
	Create(t IndexType, v ValueType, dim int) (Native, error)

	// Load restores an index previously written by Native.Save into folder.
	// The returned handle must not depend on folder after Load returns.
	Load(folder string) (Native, error)
}

// Native is a live engine-side index. A Native is owned by exactly one caller and
// must be destroyed exactly once. Implementations need not be safe for concurrent
// mutation; concurrent Search calls must be safe.
type Native interface {
	SetParameter(name, value string) error

	// AddVector appends v and returns its engine-assigned ID.
	AddVector(v []float32) (int, error)

	// Build replaces the index contents with count vectors taken from flat.
	Build(flat []float32, count, dim int) error

	// Search returns up to k neighbors ordered by ascending distance.
	Search(q []float32, k int) ([]Neighbor, error)

	// Save writes the engine's folder representation into folder.
	Save(folder string) error

	Count() int
	Dimension() int
	Destroy() error
}

// MetricReporter is implemented by natives that can report the metric they use,
// which matters after Load when the folder carried its own configuration.
type MetricReporter interface {
	Metric() Metric
}
