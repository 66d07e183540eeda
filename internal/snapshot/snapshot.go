// Package snapshot loads persisted run histories for ad-hoc evaluation,
// caching the encoded history between requests.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
)

// ErrNotCompleted is returned when the requested run has not completed.
var ErrNotCompleted = errors.New("run has not completed")

// Snapshot is an immutable history of one completed run.
type Snapshot struct {
	Run     *domain.ReplayRun
	History *history.History
}

// Store resolves run histories from the cache, falling back to the
// repository.
type Store struct {
	repo   domain.Repository
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger

	// last is the most recently decoded snapshot.
	mu   sync.Mutex
	last *Snapshot
}

// NewStore creates a snapshot store. cache may be nil.
func NewStore(repo domain.Repository, cache domain.Cache, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(runID string) string {
	return "snapshot:" + runID
}

// Load returns the snapshot of runID, or of the latest completed run when
// runID is empty. Only completed runs can be loaded.
func (s *Store) Load(ctx context.Context, runID string) (*Snapshot, error) {
	var run *domain.ReplayRun
	var err error
	if runID == "" {
		run, err = s.repo.LatestRun(ctx)
	} else {
		run, err = s.repo.GetRun(ctx, runID)
	}
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunCompleted {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotCompleted, run.ID, run.Status)
	}

	s.mu.Lock()
	if s.last != nil && s.last.Run.ID == run.ID {
		snap := s.last
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	records, err := s.records(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	h, err := history.FromRecords(records)
	if err != nil {
		return nil, fmt.Errorf("run %s history is corrupt: %w", run.ID, err)
	}

	snap := &Snapshot{Run: run, History: h}
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	return snap, nil
}

func (s *Store) records(ctx context.Context, runID string) ([]domain.Record, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, cacheKey(runID))
		if err != nil {
			s.logger.Warn("snapshot cache read failed", "run_id", runID, "error", err)
		} else if data != nil {
			var records []domain.Record
			if err := json.Unmarshal(data, &records); err == nil {
				return records, nil
			}
			s.logger.Warn("discarding undecodable snapshot", "run_id", runID)
		}
	}

	records, err := s.repo.ListHistory(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of run %s: %w", runID, err)
	}

	if s.cache != nil {
		data, err := json.Marshal(records)
		if err == nil {
			err = s.cache.Set(ctx, cacheKey(runID), data, s.ttl)
		}
		if err != nil {
			s.logger.Warn("snapshot cache write failed", "run_id", runID, "error", err)
		}
	}

	return records, nil
}

// Invalidate drops any cached copy of runID.
func (s *Store) Invalidate(ctx context.Context, runID string) error {
	s.mu.Lock()
	if s.last != nil && s.last.Run.ID == runID {
		s.last = nil
	}
	s.mu.Unlock()

	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, cacheKey(runID))
}
