package repository

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultBatchSize is used when a RecordSink is created with a
// non-positive batch size.
const DefaultBatchSize = 500

// RecordSink buffers a run's stamped records and writes them in batches.
// Flush must be called once the run is over.
type RecordSink struct {
	repo      domain.Repository
	runID     string
	batchSize int

	buf     []domain.Record
	nextSeq int
}

// NewRecordSink creates a sink persisting records under runID.
func NewRecordSink(repo domain.Repository, runID string, batchSize int) *RecordSink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &RecordSink{
		repo:      repo,
		runID:     runID,
		batchSize: batchSize,
		buf:       make([]domain.Record, 0, batchSize),
	}
}

// Emit buffers rec, writing the batch once it is full.
func (s *RecordSink) Emit(ctx context.Context, rec *domain.Record) error {
	s.buf = append(s.buf, *rec)
	if len(s.buf) >= s.batchSize {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes any buffered records.
func (s *RecordSink) Flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	if err := s.repo.SaveRecords(ctx, s.runID, s.nextSeq, s.buf); err != nil {
		return fmt.Errorf("failed to persist batch at seq %d: %w", s.nextSeq, err)
	}
	s.nextSeq += len(s.buf)
	s.buf = s.buf[:0]
	return nil
}

// Saved returns the number of records written so far.
func (s *RecordSink) Saved() int {
	return s.nextSeq
}
