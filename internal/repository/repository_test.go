package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

var day = time.Date(2019, 12, 1, 0, 0, 0, 0, time.UTC)

func sampleRecords() []domain.Record {
	recs := []domain.Record{
		{TransactionID: 10, MerchantID: 1, UserID: 100, CardNumber: "4111", DeviceID: domain.Int64Ptr(7), TransactionDate: day.Add(time.Hour), TransactionAmount: 12.5},
		{TransactionID: 11, MerchantID: 1, UserID: 101, CardNumber: "4222", TransactionDate: day.Add(2 * time.Hour), TransactionAmount: 99, HasCBK: true},
		{TransactionID: 12, MerchantID: 2, UserID: 100, CardNumber: "4111", TransactionDate: day.Add(3 * time.Hour), TransactionAmount: 3},
	}
	recs[0].Stamp(0)
	recs[1].Stamp(4)
	recs[2].Stamp(0)
	return recs
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRun", func(t *testing.T) {
		run := &domain.ReplayRun{
			ID:        "run-001",
			Source:    "sample.csv",
			Status:    domain.RunRunning,
			StartedAt: day,
		}
		if err := repo.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		run.Status = domain.RunCompleted
		run.FinishedAt = day.Add(time.Minute)
		run.Total, run.Approved, run.Denied, run.Rejected = 3, 2, 1, 1
		if err := repo.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun update failed: %v", err)
		}

		got, err := repo.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.Status != domain.RunCompleted {
			t.Errorf("expected status %s, got %s", domain.RunCompleted, got.Status)
		}
		if got.Total != 3 || got.Approved != 2 || got.Denied != 1 || got.Rejected != 1 {
			t.Errorf("unexpected counters: %+v", got)
		}
		if !got.FinishedAt.Equal(run.FinishedAt) {
			t.Errorf("expected finishedAt %s, got %s", run.FinishedAt, got.FinishedAt)
		}
	})

	t.Run("LatestRun", func(t *testing.T) {
		failed := &domain.ReplayRun{ID: "run-002", Source: "x", Status: domain.RunFailed, StartedAt: day.Add(time.Hour), Error: "boom"}
		newer := &domain.ReplayRun{ID: "run-003", Source: "y", Status: domain.RunCompleted, StartedAt: day.Add(2 * time.Hour)}
		for _, r := range []*domain.ReplayRun{failed, newer} {
			if err := repo.SaveRun(ctx, r); err != nil {
				t.Fatalf("SaveRun failed: %v", err)
			}
		}

		latest, err := repo.LatestRun(ctx)
		if err != nil {
			t.Fatalf("LatestRun failed: %v", err)
		}
		if latest.ID != "run-003" {
			t.Errorf("expected latest completed run run-003, got %s", latest.ID)
		}

		got, err := repo.GetRun(ctx, "run-002")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.Error != "boom" {
			t.Errorf("expected error message to round-trip, got %q", got.Error)
		}
	})

	t.Run("SaveRecordsAndListHistory", func(t *testing.T) {
		recs := sampleRecords()
		if err := repo.SaveRecords(ctx, "run-001", 0, recs[:2]); err != nil {
			t.Fatalf("SaveRecords failed: %v", err)
		}
		if err := repo.SaveRecord(ctx, "run-001", 2, &recs[2]); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}

		hist, err := repo.ListHistory(ctx, "run-001")
		if err != nil {
			t.Fatalf("ListHistory failed: %v", err)
		}
		if len(hist) != 3 {
			t.Fatalf("expected 3 records, got %d", len(hist))
		}
		for i := range recs {
			if hist[i].TransactionID != recs[i].TransactionID {
				t.Errorf("position %d: expected transaction %d, got %d", i, recs[i].TransactionID, hist[i].TransactionID)
			}
		}

		first := hist[0]
		if first.DeviceID == nil || *first.DeviceID != 7 {
			t.Errorf("expected device 7, got %v", first.DeviceID)
		}
		if !first.TransactionDate.Equal(recs[0].TransactionDate) {
			t.Errorf("expected date %s, got %s", recs[0].TransactionDate, first.TransactionDate)
		}
		if hist[1].DeviceID != nil {
			t.Error("expected nil device to round-trip")
		}
		if !hist[1].HasCBK || hist[1].DenyCase != 4 || hist[1].Recommendation != domain.RecommendDeny {
			t.Errorf("unexpected stamped record: %+v", hist[1])
		}
	})

	t.Run("GetRecord", func(t *testing.T) {
		rec, err := repo.GetRecord(ctx, "run-001", 11)
		if err != nil {
			t.Fatalf("GetRecord failed: %v", err)
		}
		if rec.UserID != 101 || rec.TransactionAmount != 99 {
			t.Errorf("unexpected record: %+v", rec)
		}

		if _, err := repo.GetRecord(ctx, "run-003", 11); !errors.Is(err, ErrNotFound) {
			t.Errorf("records must be scoped to their run, got %v", err)
		}
	})

	t.Run("SaveAndGetEvaluation", func(t *testing.T) {
		eval := &domain.Evaluation{
			ID:             "eval-001",
			TransactionID:  42,
			Recommendation: domain.RecommendDeny,
			DenyCase:       2,
			RuleName:       "off_hours_high_value",
			Reason:         "rule 2",
			Timestamp:      day,
			Metadata:       domain.EvaluationMetadata{TraceID: "trace-001", RunID: "run-001", HistorySize: 3},
		}
		if err := repo.SaveEvaluation(ctx, eval); err != nil {
			t.Fatalf("SaveEvaluation failed: %v", err)
		}

		got, err := repo.GetEvaluation(ctx, eval.ID)
		if err != nil {
			t.Fatalf("GetEvaluation failed: %v", err)
		}
		if got.DenyCase != 2 || got.RuleName != eval.RuleName || got.Recommendation != domain.RecommendDeny {
			t.Errorf("unexpected evaluation: %+v", got)
		}
		if got.Metadata.TraceID != "trace-001" || got.Metadata.HistorySize != 3 {
			t.Errorf("unexpected metadata: %+v", got.Metadata)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetRun(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetEvaluation(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if err := repo.SaveRun(ctx, &domain.ReplayRun{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.ListHistory(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestLatestRunEmpty(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.LatestRun(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty database, got %v", err)
	}
}

func TestRecordSink(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	sink := NewRecordSink(repo, "run-sink", 2)
	recs := sampleRecords()
	for i := range recs {
		if err := sink.Emit(ctx, &recs[i]); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	if sink.Saved() != 2 {
		t.Errorf("expected one full batch written, got %d records", sink.Saved())
	}

	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sink.Saved() != 3 {
		t.Errorf("expected 3 records after flush, got %d", sink.Saved())
	}

	hist, err := repo.ListHistory(ctx, "run-sink")
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(hist) != 3 || hist[2].TransactionID != 12 {
		t.Errorf("expected records in emit order, got %+v", hist)
	}
}

func TestMemoryDatabase(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create in-memory repository: %v", err)
	}
	defer repo.Close()

	run := &domain.ReplayRun{ID: "mem", Source: "-", Status: domain.RunCompleted, StartedAt: day}
	if err := repo.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if _, err := repo.GetRun(context.Background(), "mem"); err != nil {
		t.Errorf("GetRun failed: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		if result := repo.rebind(tt.input); result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}

	sqlite := &SQLRepository{driver: "sqlite"}
	if got := sqlite.rebind(tests[0].input); got != tests[0].input {
		t.Errorf("sqlite queries must not be rebound, got %q", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "kestrel", PostgresPassword: "secret"})
	want := "host=localhost port=5432 user=kestrel password=secret dbname=kestrel sslmode=disable"
	if dsn != want {
		t.Errorf("expected %q, got %q", want, dsn)
	}
}
