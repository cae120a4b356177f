package reviews

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/embeddings"
	"github.com/nickcecere/revsearch/internal/store"
)

// ReconcileMode selects what Reconcile does about divergence.
type ReconcileMode string

const (
	ReconcileOff    ReconcileMode = "off"
	ReconcileReport ReconcileMode = "report"
	ReconcileRepair ReconcileMode = "repair"
)

// ParseReconcileMode parses a mode name. Empty means repair.
func ParseReconcileMode(s string) (ReconcileMode, error) {
	switch m := ReconcileMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ReconcileRepair, nil
	case ReconcileOff, ReconcileReport, ReconcileRepair:
		return m, nil
	default:
		return "", fmt.Errorf("unknown reconcile mode %q (want off, report or repair)", s)
	}
}

// Reconcile actions.
const (
	ActionNone     = "none"
	ActionReported = "reported"
	ActionReplayed = "replayed"
	ActionRebuilt  = "rebuilt"
	ActionReset    = "reset"
)

// ReconcileSummary summarizes a reconciliation.
type ReconcileSummary struct {
	Mode       ReconcileMode `json:"mode"`
	IndexCount int           `json:"index_count"`
	LogCount   int           `json:"log_count"`
	Action     string        `json:"action"`
	Replayed   int           `json:"replayed,omitempty"`
	Dropped    int           `json:"dropped,omitempty"`
}

// Consistent reports whether the counts matched before any action.
func (r *ReconcileSummary) Consistent() bool {
	return r.IndexCount == r.LogCount
}

// Reconcile compares the index vector count with the log record count.
// In repair mode missing vectors are embedded from the log and appended, and
// orphan vectors are dropped by rebuilding the index from the log.
func (s *Service) Reconcile(ctx context.Context, mode ReconcileMode) (*ReconcileSummary, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.reconcileLocked(ctx, mode)
}

// reconcileLocked requires writeMu.
func (s *Service) reconcileLocked(ctx context.Context, mode ReconcileMode) (*ReconcileSummary, error) {
	logCount, err := s.store.CountLines()
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}
	s.indexMu.RLock()
	indexCount := s.index.VectorCount()
	s.indexMu.RUnlock()

	report := &ReconcileSummary{Mode: mode, IndexCount: indexCount, LogCount: logCount, Action: ActionNone}
	if report.Consistent() || mode == ReconcileOff {
		return report, nil
	}

	log.Warn("Index and metadata log diverged", "vectors", indexCount, "records", logCount, "mode", mode)
	if mode == ReconcileReport {
		report.Action = ActionReported
		return report, nil
	}

	if logCount > indexCount {
		err = s.replay(ctx, indexCount, logCount, report)
	} else {
		err = s.rebuildFromLog(ctx, logCount, report)
	}
	if err != nil {
		return report, err
	}

	log.Info("Reconciliation complete", "action", report.Action,
		"replayed", report.Replayed, "dropped", report.Dropped)
	return report, nil
}

// replay embeds log records [from, to) and appends their vectors.
func (s *Service) replay(ctx context.Context, from, to int, report *ReconcileSummary) error {
	records, err := s.store.ReadRange(from, to)
	if err != nil {
		return fmt.Errorf("failed to read missing records: %w", err)
	}
	vectors, err := s.embedRecords(ctx, records)
	if err != nil {
		return err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	for i, v := range vectors {
		id, err := s.index.AddVector(v)
		if err != nil {
			s.rollbackLocked()
			return fmt.Errorf("failed to replay record %d: %w", from+i, err)
		}
		if id != from+i {
			s.warnings.Add(1)
			log.Warn("Replayed vector got unexpected ID", "want", from+i, "got", id)
		}
	}
	if err := s.index.Save(s.indexPath); err != nil {
		s.rollbackLocked()
		return fmt.Errorf("failed to persist replayed index: %w", err)
	}

	report.Action = ActionReplayed
	report.Replayed = len(vectors)
	return nil
}

// rebuildFromLog replaces the index with vectors for the first n log records.
func (s *Service) rebuildFromLog(ctx context.Context, n int, report *ReconcileSummary) error {
	records, err := s.store.ReadRange(0, n)
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	vectors, err := s.embedRecords(ctx, records)
	if err != nil {
		return err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	dropped := s.index.VectorCount() - n
	action := ActionRebuilt
	if len(vectors) == 0 {
		err = s.index.Reset()
		action = ActionReset
	} else {
		err = s.index.BuildFromVectors(vectors)
	}
	if err != nil {
		s.rollbackLocked()
		return fmt.Errorf("failed to rebuild index: %w", err)
	}
	if err := s.index.Save(s.indexPath); err != nil {
		s.rollbackLocked()
		return fmt.Errorf("failed to persist rebuilt index: %w", err)
	}

	report.Action = action
	report.Dropped = dropped
	return nil
}

// Rebuild replaces both stores with records and their precomputed vectors.
// The log is written first; if the index step fails afterwards, a later
// repair reconciles it from the log.
func (s *Service) Rebuild(ctx context.Context, records []store.Record, vectors [][]float32) error {
	if len(records) != len(vectors) {
		return fmt.Errorf("rebuild: %d records but %d vectors", len(records), len(vectors))
	}
	for i, r := range records {
		if err := ValidateReview(r); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.store.Replace(records); err != nil {
		return fmt.Errorf("failed to replace metadata log: %w", err)
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var err error
	if len(vectors) == 0 {
		err = s.index.Reset()
	} else {
		err = s.index.BuildFromVectors(vectors)
	}
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}
	if err := s.index.Save(s.indexPath); err != nil {
		return fmt.Errorf("failed to persist index: %w", err)
	}

	log.Info("Rebuilt index", "reviews", len(records))
	return nil
}

func (s *Service) embedRecords(ctx context.Context, records []store.Record) ([][]float32, error) {
	vectors := make([][]float32, 0, len(records))
	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))
		texts := make([]string, 0, end-start)
		for _, r := range records[start:end] {
			texts = append(texts, embeddings.PrepareReviewText(r.Title, r.Body))
		}
		batch, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed records %d-%d: %w", start, end-1, err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}
