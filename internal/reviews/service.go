// Package reviews coordinates the vector index and the metadata log.
//
// A review is stored twice: its embedding in the index, where the engine
// assigns it an ID, and its fields in the log, where its line number is its
// ID. The two IDs must agree. Writes hold the index exclusively while adding
// and saving, then append to the log; searches share the index. The log is
// the source of truth when the two disagree and Reconcile brings the index
// back in line with it.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/embeddings"
	"github.com/nickcecere/revsearch/internal/index"
	"github.com/nickcecere/revsearch/internal/store"
)

// Options configures a Service.
type Options struct {
	// IndexPath is where the index archive is saved after every write.
	IndexPath string

	// Version is reported by Health.
	Version string

	// BatchSize bounds how many texts are embedded per call during repair.
	BatchSize int
}

// Service is the review search core.
type Service struct {
	embedder  embeddings.Service
	index     *index.Index
	store     store.Store
	indexPath string
	version   string
	batchSize int

	// indexMu guards index: shared for search, exclusive for mutation and save.
	indexMu sync.RWMutex

	// writeMu serializes whole write paths (add, reconcile, rebuild, snapshot)
	// so an index add and its log append are never interleaved with another's.
	writeMu sync.Mutex

	warnings atomic.Int64
	closed   atomic.Bool
}

// New wires a service. Call Open before use.
func New(embedder embeddings.Service, ix *index.Index, st store.Store, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	return &Service{
		embedder:  embedder,
		index:     ix,
		store:     st,
		indexPath: opts.IndexPath,
		version:   opts.Version,
		batchSize: opts.BatchSize,
	}
}

// Open initializes the metadata log and the index, loads the saved archive if
// one exists, and reconciles the two according to mode.
func (s *Service) Open(ctx context.Context, mode ReconcileMode) error {
	if err := s.store.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize metadata log: %w", err)
	}

	s.indexMu.Lock()
	err := s.openIndex(mode)
	s.indexMu.Unlock()
	if err != nil {
		return err
	}

	if mode == ReconcileOff {
		return nil
	}
	if _, err := s.Reconcile(ctx, mode); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	return nil
}

func (s *Service) openIndex(mode ReconcileMode) error {
	if err := s.index.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize index: %w", err)
	}

	if !fileExists(s.indexPath) {
		log.Info("No saved index, starting empty", "path", s.indexPath)
		return nil
	}

	err := s.index.Load(s.indexPath)
	switch {
	case err == nil:
	case errors.Is(err, index.ErrArchiveCorrupt) && mode == ReconcileRepair:
		// The fresh index from Initialize stays; reconciliation replays the log.
		log.Error("Saved index is corrupt, rebuilding from metadata log", "path", s.indexPath, "error", err)
	default:
		return fmt.Errorf("failed to load index: %w", err)
	}

	if d := s.embedder.Dimensions(); d > 0 && d != s.index.Dimension() {
		log.Warn("Index dimension differs from embedding model",
			"index", s.index.Dimension(), "model", d, "provider", s.embedder.Provider())
	}
	return nil
}

// Health is a point-in-time status report.
type Health struct {
	Status              string            `json:"status"`
	Version             string            `json:"version"`
	TotalReviews        int               `json:"total_reviews"`
	IndexedVectors      int               `json:"indexed_vectors"`
	Dimension           int               `json:"dimension"`
	IndexType           string            `json:"index_type"`
	Engine              string            `json:"engine"`
	Metric              string            `json:"metric"`
	EmbeddingProvider   string            `json:"embedding_provider"`
	EmbeddingModel      string            `json:"embedding_model"`
	ConsistencyWarnings int64             `json:"consistency_warnings"`
	Parameters          map[string]string `json:"parameters,omitempty"`
}

// Health reports record counts and index configuration. Status is "degraded"
// when the index and log counts differ.
func (s *Service) Health() (*Health, error) {
	total, err := s.store.CountLines()
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}

	s.indexMu.RLock()
	h := &Health{
		Version:             s.version,
		TotalReviews:        total,
		IndexedVectors:      s.index.VectorCount(),
		Dimension:           s.index.Dimension(),
		IndexType:           string(s.index.Type()),
		Engine:              s.index.EngineName(),
		Metric:              string(s.index.Metric()),
		EmbeddingProvider:   string(s.embedder.Provider()),
		EmbeddingModel:      s.embedder.ModelName(),
		ConsistencyWarnings: s.warnings.Load(),
		Parameters:          s.index.AppliedParameters(),
	}
	s.indexMu.RUnlock()

	h.Status = "healthy"
	if h.IndexedVectors != h.TotalReviews {
		h.Status = "degraded"
	}
	return h, nil
}

// ConsistencyWarnings returns how many ID mismatches have been observed.
func (s *Service) ConsistencyWarnings() int64 {
	return s.warnings.Load()
}

// Snapshot runs fn while writes are blocked, so the index archive and the
// metadata log at the given paths describe the same set of reviews.
// Searches continue while fn runs.
func (s *Service) Snapshot(fn func(indexPath, metadataPath string) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	return fn(s.indexPath, s.store.Path())
}

// Shutdown saves the index one last time and releases resources. A failed
// save is logged; shutdown continues.
func (s *Service) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if s.index.Initialized() {
		if err := s.index.Save(s.indexPath); err != nil {
			log.Error("Failed to save index on shutdown", "path", s.indexPath, "error", err)
		} else {
			log.Info("Index saved", "path", s.indexPath, "vectors", s.index.VectorCount())
		}
	}

	if err := s.index.Close(); err != nil {
		log.Warn("Failed to release index", "error", err)
	}
	if err := s.store.Close(); err != nil {
		log.Warn("Failed to close metadata log", "error", err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
