package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/replay"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// latestRun is accepted wherever a run ID is expected.
const latestRun = "latest"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	replayer  *replay.Replayer
	job       *replay.Job
	snapshots *snapshot.Store
	replayCfg domain.ReplayConfig
	version   string
}

// NewHandler creates a new API handler. cache and bus may be nil.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, replayer *replay.Replayer, snapshots *snapshot.Store, replayCfg domain.ReplayConfig, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		replayer:  replayer,
		job:       replay.NewJob(replayer, repo, bus, nil),
		snapshots: snapshots,
		replayCfg: replayCfg,
		version:   version,
	}
}

// TransactionRequest is the request body for POST /evaluate. It carries
// no chargeback flag: the outcome of an ad-hoc transaction is unknown.
type TransactionRequest struct {
	TransactionID     int64   `json:"transactionId"`
	MerchantID        int64   `json:"merchantId"`
	UserID            int64   `json:"userId"`
	CardNumber        string  `json:"cardNumber"`
	DeviceID          *int64  `json:"deviceId,omitempty"`
	TransactionDate   string  `json:"transactionDate"`
	TransactionAmount float64 `json:"transactionAmount"`
}

func (req *TransactionRequest) record() (domain.Record, error) {
	rec := domain.Record{
		TransactionID:     req.TransactionID,
		MerchantID:        req.MerchantID,
		UserID:            req.UserID,
		CardNumber:        req.CardNumber,
		DeviceID:          req.DeviceID,
		TransactionAmount: req.TransactionAmount,
	}
	if req.TransactionDate == "" {
		rec.TransactionDate = time.Now().UTC()
	} else {
		at, err := ingest.ParseTimestamp(req.TransactionDate)
		if err != nil {
			return rec, err
		}
		rec.TransactionDate = at
	}
	return rec, rec.Validate()
}

// Evaluate handles POST /evaluate. The transaction is scored against the
// snapshot named by ?runId= (latest completed run by default).
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	rec, err := req.record()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, ok := h.loadSnapshot(w, r, r.URL.Query().Get("runId"))
	if !ok {
		return
	}

	eval := h.replayer.WhatIf(ctx, rec, snap.History, GetTraceID(ctx), snap.Run.ID)

	if err := h.repo.SaveEvaluation(ctx, eval); err != nil {
		slog.Error("failed to save evaluation", "id", eval.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, eval)
}

// EvaluateAsync handles POST /evaluate/async: the request is queued for
// the worker and the decision is published on the decision topic.
func (h *Handler) EvaluateAsync(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	rec, err := req.record()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := domain.EvaluateRequest{
		RequestID: uuid.New().String(),
		RunID:     r.URL.Query().Get("runId"),
		Record:    rec,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode request")
		return
	}
	if err := h.bus.Publish(r.Context(), domain.TopicEvaluateRequested, payload); err != nil {
		slog.Error("failed to queue evaluation", "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue evaluation")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": msg.RequestID,
		"topic":     domain.TopicDecision,
	})
}

// RejectedRow is a malformed input row reported by POST /replay.
type RejectedRow struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

// ReplayResponse is the response for POST /replay.
type ReplayResponse struct {
	Run        *domain.ReplayRun `json:"run"`
	PerRule    map[int]int       `json:"perRule"`
	Rejected   []RejectedRow     `json:"rejected"`
	DurationMs int64             `json:"durationMs"`
}

// Replay handles POST /replay with a CSV body. ?strict=true aborts on the
// first malformed row; ?publishAll=true publishes approvals too.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	strict, err := boolParam(q.Get("strict"), h.replayCfg.Strict)
	if err != nil {
		writeError(w, http.StatusBadRequest, "strict must be a boolean")
		return
	}
	publishAll, err := boolParam(q.Get("publishAll"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "publishAll must be a boolean")
		return
	}

	loaded, err := ingest.Read(r.Body, ingest.Options{Sort: h.replayCfg.SortInput, Strict: strict})
	if err != nil {
		var tooLarge *http.MaxBytesError
		var rowErr *ingest.RowError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, ingest.ErrMissingColumn):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &rowErr):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read input: %v", err))
		}
		return
	}

	rejected := make([]RejectedRow, 0, len(loaded.Rejected))
	for _, re := range loaded.Rejected {
		rejected = append(rejected, RejectedRow{Line: re.Line, Error: re.Err.Error()})
	}

	run, res, err := h.job.Execute(ctx, loaded.Records, replay.JobOptions{
		Source:     "http",
		Rejected:   len(loaded.Rejected),
		BatchSize:  h.replayCfg.PersistBatchSize,
		PublishAll: publishAll,
	}, nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, history.ErrOutOfOrder) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{
			"error": err.Error(),
			"run":   run,
		})
		return
	}

	writeJSON(w, http.StatusCreated, ReplayResponse{
		Run:        run,
		PerRule:    res.PerRule,
		Rejected:   rejected,
		DurationMs: res.Duration.Milliseconds(),
	})
}

// GetRun handles GET /runs/{id}; "latest" selects the latest completed run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	var run *domain.ReplayRun
	var err error
	if runID == latestRun {
		run, err = h.repo.LatestRun(ctx)
	} else {
		run, err = h.repo.GetRun(ctx, runID)
	}
	if err != nil {
		writeRepoError(w, "run", err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// GetRecord handles GET /runs/{id}/records/{txId}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	txID, err := strconv.ParseInt(chi.URLParam(r, "txId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "transaction id must be an integer")
		return
	}

	if runID == latestRun {
		run, err := h.repo.LatestRun(ctx)
		if err != nil {
			writeRepoError(w, "run", err)
			return
		}
		runID = run.ID
	}

	rec, err := h.repo.GetRecord(ctx, runID, txID)
	if err != nil {
		writeRepoError(w, "record", err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Report handles GET /runs/{id}/report[?filter=<CEL>].
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	snap, ok := h.loadSnapshot(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	rep, err := report.Build(snap.History.Records(), filter)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":    snap.Run,
		"report": rep,
	})
}

// Misses handles GET /runs/{id}/misses: approved chargebacks as CSV.
func (h *Handler) Misses(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	snap, ok := h.loadSnapshot(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	misses, err := report.Misses(snap.History.Records(), filter)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="cbk-approved-misses-%s.csv"`, snap.Run.ID))
	if err := ingest.WriteAll(w, misses); err != nil {
		slog.Error("failed to write misses", "run_id", snap.Run.ID, "error", err)
	}
}

// ListRules returns the rule chain with the active thresholds.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	evaluator := h.replayer.Processor().Evaluator()
	catalog := evaluator.Catalog()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  catalog,
		"count":  len(catalog),
		"params": evaluator.Params(),
	})
}

// GetEvaluation retrieves an ad-hoc evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	evalID := chi.URLParam(r, "id")

	eval, err := h.repo.GetEvaluation(r.Context(), evalID)
	if err != nil {
		writeRepoError(w, "evaluation", err)
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if err := h.repo.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the server can serve traffic: the repository
// must be reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) loadSnapshot(w http.ResponseWriter, r *http.Request, runID string) (*snapshot.Snapshot, bool) {
	if runID == latestRun {
		runID = ""
	}
	snap, err := h.snapshots.Load(r.Context(), runID)
	switch {
	case err == nil:
		return snap, true
	case errors.Is(err, repository.ErrNotFound):
		if runID == "" {
			writeError(w, http.StatusNotFound, "no completed run available")
		} else {
			writeError(w, http.StatusNotFound, "run not found")
		}
	case errors.Is(err, snapshot.ErrNotCompleted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("failed to load snapshot", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run history")
	}
	return nil, false
}

func parseFilter(w http.ResponseWriter, r *http.Request) (*report.Filter, bool) {
	expr := r.URL.Query().Get("filter")
	if expr == "" {
		return nil, true
	}
	filter, err := report.NewFilter(expr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return filter, true
}

func boolParam(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func writeRepoError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("repository error", "entity", what, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load "+what)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
