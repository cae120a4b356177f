// Package indexer bulk-imports reviews from JSONL files.
package indexer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/embeddings"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/store"
)

// maxLineBytes bounds a single review line.
const maxLineBytes = 16 << 20

// Target is where imported reviews go; *reviews.Service implements it.
type Target interface {
	AddReview(ctx context.Context, r store.Record) (*reviews.AddResult, error)
	Rebuild(ctx context.Context, records []store.Record, vectors [][]float32) error
	Health() (*reviews.Health, error)
}

// Indexer imports reviews into a Target.
type Indexer struct {
	target   Target
	embedder embeddings.Service

	progress Progress
	mu       sync.Mutex
}

// Progress tracks import progress.
type Progress struct {
	TotalRecords int
	Processed    int
	Skipped      int
	StartTime    time.Time
	CurrentFile  string
}

// ProgressFunc is called to report progress during an import.
type ProgressFunc func(Progress)

// ImportOptions configures an import.
type ImportOptions struct {
	// Path is the JSONL file to read.
	Path string

	// Rebuild replaces all existing reviews instead of appending. An empty
	// service is always rebuilt, which embeds in batches.
	Rebuild bool

	// BatchSize is the number of reviews embedded per call when rebuilding.
	BatchSize int

	// SkipInvalid drops malformed or invalid lines instead of failing.
	SkipInvalid bool

	// OnProgress is called to report progress.
	OnProgress ProgressFunc
}

// Result summarizes a finished import.
type Result struct {
	Path     string
	Added    int
	Skipped  int
	Rebuilt  bool
	Duration time.Duration
}

// LineError describes an unusable input line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// New creates a new Indexer.
func New(target Target, emb embeddings.Service) *Indexer {
	return &Indexer{target: target, embedder: emb}
}

// ReadReviews parses one review per line. Blank lines are ignored. Lines
// that do not parse or fail validation are returned as LineErrors.
func ReadReviews(r io.Reader) ([]store.Record, []*LineError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var records []store.Record
	var bad []*LineError
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}

		var rec store.Record
		if err := json.Unmarshal(text, &rec); err != nil {
			bad = append(bad, &LineError{Line: line, Err: err})
			continue
		}
		if err := reviews.ValidateReview(rec); err != nil {
			bad = append(bad, &LineError{Line: line, Err: err})
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read reviews: %w", err)
	}
	return records, bad, nil
}

// ImportFile reads opts.Path and imports its reviews.
func (idx *Indexer) ImportFile(ctx context.Context, opts ImportOptions) (*Result, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", opts.Path, err)
	}
	defer f.Close()

	records, bad, err := ReadReviews(f)
	if err != nil {
		return nil, err
	}
	if len(bad) > 0 {
		if !opts.SkipInvalid {
			return nil, fmt.Errorf("%s: %d invalid lines, first %w", opts.Path, len(bad), bad[0])
		}
		for _, e := range bad {
			log.Warn("Skipping invalid review", "file", opts.Path, "line", e.Line, "error", e.Err)
		}
	}

	idx.mu.Lock()
	idx.progress = Progress{CurrentFile: opts.Path, Skipped: len(bad)}
	idx.mu.Unlock()

	res, err := idx.Import(ctx, records, opts)
	if err != nil {
		return nil, err
	}
	res.Path = opts.Path
	res.Skipped += len(bad)
	return res, nil
}

// Import stores already-validated records.
func (idx *Indexer) Import(ctx context.Context, records []store.Record, opts ImportOptions) (*Result, error) {
	start := time.Now()

	idx.mu.Lock()
	idx.progress.TotalRecords = len(records)
	idx.progress.Processed = 0
	idx.progress.StartTime = start
	idx.mu.Unlock()

	rebuild := opts.Rebuild
	if !rebuild {
		h, err := idx.target.Health()
		if err != nil {
			return nil, err
		}
		rebuild = h.TotalReviews == 0 && h.IndexedVectors == 0
	}

	res := &Result{Rebuilt: rebuild}
	var err error
	if rebuild {
		err = idx.rebuild(ctx, records, opts)
	} else {
		err = idx.appendAll(ctx, records, opts)
	}
	if err != nil {
		return nil, err
	}

	res.Added = len(records)
	res.Duration = time.Since(start)
	log.Info("Import complete", "reviews", res.Added, "rebuilt", res.Rebuilt,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (idx *Indexer) rebuild(ctx context.Context, records []store.Record, opts ImportOptions) error {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	vectors := make([][]float32, 0, len(records))
	for i := 0; i < len(records); i += batchSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := min(i+batchSize, len(records))
		texts := make([]string, 0, end-i)
		for _, r := range records[i:end] {
			texts = append(texts, embeddings.PrepareReviewText(r.Title, r.Body))
		}

		batch, err := idx.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to generate embeddings: %w", err)
		}
		vectors = append(vectors, batch...)
		idx.advance(len(batch), opts.OnProgress)
	}

	return idx.target.Rebuild(ctx, records, vectors)
}

func (idx *Indexer) appendAll(ctx context.Context, records []store.Record, opts ImportOptions) error {
	for i, r := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := idx.target.AddReview(ctx, r); err != nil {
			return fmt.Errorf("failed to add review %d: %w", i, err)
		}
		idx.advance(1, opts.OnProgress)
	}
	return nil
}

func (idx *Indexer) advance(n int, fn ProgressFunc) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.progress.Processed += n
	if fn != nil {
		fn(idx.progress)
	}
}

// Progress returns the current import progress.
func (idx *Indexer) Progress() Progress {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.progress
}
