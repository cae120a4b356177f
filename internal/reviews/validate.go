package reviews

import (
	"strings"

	"github.com/nickcecere/revsearch/internal/store"
)

// Search limits.
const (
	DefaultTopK = 10
	MaxTopK     = 100
	MinRating   = 1
	MaxRating   = 5
)

// ValidationError is a client input error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ValidateReview checks the required fields and the rating range.
func ValidateReview(r store.Record) error {
	if strings.TrimSpace(r.Title) == "" {
		return invalid("review_title", "Review title cannot be empty")
	}
	if strings.TrimSpace(r.Body) == "" {
		return invalid("review_body", "Review body cannot be empty")
	}
	if strings.TrimSpace(r.ProductID) == "" {
		return invalid("product_id", "Product ID cannot be empty")
	}
	if r.Rating < MinRating || r.Rating > MaxRating {
		return invalid("review_rating", "Review rating must be between 1 and 5")
	}
	return nil
}

// ValidateSearch checks the query text and result count.
func ValidateSearch(query string, topK int) error {
	if strings.TrimSpace(query) == "" {
		return invalid("query", "Query cannot be empty")
	}
	if topK < 1 || topK > MaxTopK {
		return invalid("top_k", "top_k must be between 1 and 100")
	}
	return nil
}
