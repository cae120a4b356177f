// Package store provides the append-only metadata log for reviews.
package store

import "errors"

// ErrRecordNotFound is returned when a requested ID has no record.
var ErrRecordNotFound = errors.New("record not found")

// Record is one review as persisted in the log. Its ID is its line ordinal.
type Record struct {
	Title     string `json:"review_title"`
	Body      string `json:"review_body"`
	ProductID string `json:"product_id"`
	Rating    int    `json:"review_rating"`
}

// Stats summarizes the log.
type Stats struct {
	Path    string `json:"path"`
	Records int    `json:"records"`
	Bytes   int64  `json:"bytes"`
}
