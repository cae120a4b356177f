package embeddings

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// HashService is an offline embedder based on feature hashing. Each token and
// token bigram is hashed into a bucket with a sign; the result is L2
// normalized. Texts sharing vocabulary land close together, which is enough
// for local runs and tests without a model server.
type HashService struct {
	dimensions int
}

// NewHashService creates a hashing embedder with the given dimension.
func NewHashService(dimensions int) (*HashService, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("hash embedder needs positive dimensions, got %d", dimensions)
	}
	return &HashService{dimensions: dimensions}, nil
}

// Embed implements Service.
func (s *HashService) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.vector(text), nil
}

// EmbedQuery implements Service. Queries and documents share one space.
func (s *HashService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return s.Embed(ctx, text)
}

// EmbedBatch implements Service.
func (s *HashService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = s.vector(text)
	}
	return out, nil
}

// Dimensions implements Service.
func (s *HashService) Dimensions() int { return s.dimensions }

// Provider implements Service.
func (s *HashService) Provider() Provider { return ProviderHash }

// ModelName implements Service.
func (s *HashService) ModelName() string { return fmt.Sprintf("xxhash-%d", s.dimensions) }

func (s *HashService) vector(text string) []float32 {
	v := make([]float32, s.dimensions)

	tokens := tokenize(text)
	for i, tok := range tokens {
		s.add(v, tok, 1)
		if i > 0 {
			s.add(v, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Empty text still needs a valid, non-zero vector.
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

func (s *HashService) add(v []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	bucket := h % uint64(s.dimensions)
	if h>>63 == 1 {
		weight = -weight
	}
	v[bucket] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
