package reviews

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/embeddings"
	"github.com/nickcecere/revsearch/internal/store"
)

// AddResult describes a stored review.
type AddResult struct {
	// VectorID is the index-assigned ID and the review's public ID.
	VectorID int `json:"vector_id"`

	// StoredID is the metadata log ordinal. It equals VectorID unless the
	// stores have diverged.
	StoredID int `json:"stored_id"`
}

// Consistent reports whether both stores assigned the same ID.
func (r AddResult) Consistent() bool {
	return r.VectorID == r.StoredID
}

// AddReview validates, embeds and stores a review. The index is saved before
// the log is appended, so a successful return means both are durable.
func (s *Service) AddReview(ctx context.Context, r store.Record) (*AddResult, error) {
	if err := ValidateReview(r); err != nil {
		return nil, err
	}

	vector, err := s.embedder.Embed(ctx, embeddings.PrepareReviewText(r.Title, r.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to embed review: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	vectorID, err := s.addAndSave(vector)
	if err != nil {
		return nil, err
	}

	storedID, err := s.store.Append(r)
	if err != nil {
		log.Error("Metadata append failed after index write", "vector_id", vectorID, "error", err)
		if _, rerr := s.reconcileLocked(ctx, ReconcileRepair); rerr != nil {
			log.Error("Repair after failed append did not complete", "error", rerr)
		}
		return nil, fmt.Errorf("failed to store review metadata: %w", err)
	}

	result := &AddResult{VectorID: vectorID, StoredID: storedID}
	if !result.Consistent() {
		n := s.warnings.Add(1)
		log.Warn("Vector and metadata IDs diverged",
			"vector_id", vectorID, "stored_id", storedID, "warnings", n)
	}

	log.Debug("Review added", "id", vectorID, "product", r.ProductID)
	return result, nil
}

// addAndSave adds one vector and persists the index under exclusive access.
// If the save fails the in-memory add is undone.
func (s *Service) addAndSave(vector []float32) (int, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	id, err := s.index.AddVector(vector)
	if err != nil {
		return 0, fmt.Errorf("failed to add vector: %w", err)
	}

	if err := s.index.Save(s.indexPath); err != nil {
		s.rollbackLocked()
		return 0, fmt.Errorf("failed to persist index: %w", err)
	}
	return id, nil
}

// rollbackLocked restores the index to the last saved archive, or to empty
// when nothing was ever saved. Callers hold indexMu exclusively.
func (s *Service) rollbackLocked() {
	var err error
	if fileExists(s.indexPath) {
		err = s.index.Load(s.indexPath)
	} else {
		err = s.index.Reset()
	}
	if err != nil {
		log.Error("Failed to roll back unsaved index change; reconcile will repair", "error", err)
		return
	}
	log.Warn("Rolled back unsaved index change", "vectors", s.index.VectorCount())
}
