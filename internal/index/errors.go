package index

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized    = errors.New("index not initialized")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrAllocation        = errors.New("native index allocation failed")
	ErrSave              = errors.New("index save failed")
	ErrLoad              = errors.New("index load failed")
	ErrArchiveNotFound   = errors.New("index archive not found")
	ErrArchiveCorrupt    = errors.New("index archive corrupt")
	ErrSearch            = errors.New("index search failed")
)

// DimensionError reports a vector whose length does not match the index.
type DimensionError struct {
	Expected int
	Got      int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// Is makes errors.Is(err, ErrDimensionMismatch) hold for any *DimensionError.
func (e *DimensionError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

func checkDimension(expected int, v []float32) error {
	if len(v) != expected {
		return &DimensionError{Expected: expected, Got: len(v)}
	}
	return nil
}
