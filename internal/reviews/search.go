package reviews

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/ann"
	"github.com/nickcecere/revsearch/internal/store"
)

// SearchResult is one matched review.
type SearchResult struct {
	store.Record
	SimilarityScore float32 `json:"similarity_score"`
	Distance        float32 `json:"distance"`
	Metric          string  `json:"metric"`
	VectorID        int     `json:"vector_id"`
}

// SearchResponse holds results in rank order.
type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	TotalFound int            `json:"total_found"`
	Query      string         `json:"query"`
}

// Similarity maps a distance to a score where larger is closer. L2 distances
// map into (0, 1]; cosine distances map to cosine similarity.
func Similarity(m ann.Metric, distance float32) float32 {
	if m == ann.MetricCosine {
		return 1 - distance
	}
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + distance)
}

// Search embeds query and returns up to topK reviews, nearest first.
func (s *Service) Search(ctx context.Context, query string, topK int) (*SearchResponse, error) {
	if err := ValidateSearch(query, topK); err != nil {
		return nil, err
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.indexMu.RLock()
	hits, err := s.index.Search(vector, topK)
	metric := s.index.Metric()
	s.indexMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	// Hits beyond the log are vectors whose metadata is not written yet (an
	// add in flight) or never will be (an orphan awaiting repair).
	count, err := s.store.CountLines()
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}
	ids := make([]int, 0, len(hits))
	kept := hits[:0]
	for _, h := range hits {
		if h.ID < 0 || h.ID >= count {
			log.Debug("Skipping hit without metadata", "vector_id", h.ID, "records", count)
			continue
		}
		ids = append(ids, h.ID)
		kept = append(kept, h)
	}

	records, err := s.store.ReadBatch(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read review metadata: %w", err)
	}

	results := make([]SearchResult, len(kept))
	for i, h := range kept {
		results[i] = SearchResult{
			Record:          records[i],
			SimilarityScore: Similarity(metric, h.Distance),
			Distance:        h.Distance,
			Metric:          string(metric),
			VectorID:        h.ID,
		}
	}

	return &SearchResponse{
		Results:    results,
		TotalFound: len(results),
		Query:      query,
	}, nil
}
