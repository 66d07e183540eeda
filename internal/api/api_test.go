package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/replay"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

const sampleCSV = `transaction_id,merchant_id,user_id,card_number,transaction_date,transaction_amount,device_id,has_cbk
1,10,1,c1,2019-12-01 12:00:00,100,,False
2,10,1,c1,2019-12-01 13:00:00,950,,True
3,11,2,c2,2019-12-01 14:00:00,4000,5,False
4,12,3,c3,2019-12-01 23:00:00,3600,,False
`

// createTestServer creates a server backed by a temporary SQLite database
// and an in-process bus.
func createTestServer(t *testing.T) (*Server, *bus.ChannelBus) {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
		MaxBodyBytes: 1 << 20,
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	lru := cache.NewLRUCache(8, 0)
	replayer := replay.New(decision.NewProcessor(rules.MustEvaluator(domain.DefaultRuleParams())), nil)
	snapshots := snapshot.NewStore(repo, lru, time.Minute, nil)

	replayCfg := domain.ReplayConfig{SortInput: true, PersistBatchSize: 2}
	return NewServer(cfg, replayCfg, repo, lru, eventBus, replayer, snapshots, "test-v1"), eventBus
}

func do(server *Server, method, target string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func replaySample(t *testing.T, server *Server) ReplayResponse {
	t.Helper()
	rr := do(server, http.MethodPost, "/replay", sampleCSV)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp ReplayResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return resp
}

func TestReplayEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("Successful", func(t *testing.T) {
		resp := replaySample(t, server)

		if resp.Run == nil || resp.Run.Status != domain.RunCompleted {
			t.Fatalf("expected completed run, got %+v", resp.Run)
		}
		if resp.Run.Total != 4 || resp.Run.Approved != 2 || resp.Run.Denied != 2 {
			t.Errorf("unexpected run counters: %+v", resp.Run)
		}
		if resp.PerRule[1] != 1 || resp.PerRule[2] != 1 {
			t.Errorf("unexpected per-rule counts: %v", resp.PerRule)
		}
		if len(resp.Rejected) != 0 {
			t.Errorf("expected no rejected rows, got %+v", resp.Rejected)
		}
	})

	t.Run("LenientRejects", func(t *testing.T) {
		body := sampleCSV + "5,12,3,c3,not-a-date,10,,False\n"
		rr := do(server, http.MethodPost, "/replay", body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp ReplayResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Rejected) != 1 || resp.Rejected[0].Line != 6 {
			t.Errorf("expected line 6 rejected, got %+v", resp.Rejected)
		}
		if resp.Run.Rejected != 1 || resp.Run.Total != 4 {
			t.Errorf("unexpected run counters: %+v", resp.Run)
		}
	})

	t.Run("StrictRejects", func(t *testing.T) {
		body := sampleCSV + "5,12,3,c3,not-a-date,10,,False\n"
		rr := do(server, http.MethodPost, "/replay?strict=true", body)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MissingColumn", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/replay", "transaction_id,user_id\n1,2\n")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("BadStrictParam", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/replay?strict=perhaps", sampleCSV)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRunEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	if rr := do(server, http.MethodGet, "/runs/latest", ""); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any replay, got %d", rr.Code)
	}

	resp := replaySample(t, server)
	runID := resp.Run.ID

	t.Run("Latest", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/runs/latest", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var run domain.ReplayRun
		json.Unmarshal(rr.Body.Bytes(), &run)
		if run.ID != runID {
			t.Errorf("expected run %s, got %s", runID, run.ID)
		}
	})

	t.Run("ByID", func(t *testing.T) {
		if rr := do(server, http.MethodGet, "/runs/"+runID, ""); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr := do(server, http.MethodGet, "/runs/missing", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Record", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/runs/"+runID+"/records/2", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var rec domain.Record
		json.Unmarshal(rr.Body.Bytes(), &rec)
		if rec.DenyCase != 1 || rec.Recommendation != domain.RecommendDeny || !rec.HasCBK {
			t.Errorf("unexpected record: %+v", rec)
		}

		if rr := do(server, http.MethodGet, "/runs/latest/records/4", ""); rr.Code != http.StatusOK {
			t.Errorf("expected latest alias to resolve, got %d", rr.Code)
		}
		if rr := do(server, http.MethodGet, "/runs/"+runID+"/records/abc", ""); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if rr := do(server, http.MethodGet, "/runs/"+runID+"/records/99", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Report", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/runs/"+runID+"/report", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var body struct {
			Report struct {
				Total     int `json:"total"`
				Confusion struct {
					LegitApproved int `json:"legitApproved"`
					CBKDenied     int `json:"cbkDenied"`
					LegitDenied   int `json:"legitDenied"`
				} `json:"confusion"`
			} `json:"report"`
		}
		json.Unmarshal(rr.Body.Bytes(), &body)
		c := body.Report.Confusion
		if body.Report.Total != 4 || c.LegitApproved != 2 || c.CBKDenied != 1 || c.LegitDenied != 1 {
			t.Errorf("unexpected report: %s", rr.Body.String())
		}
	})

	t.Run("ReportFilter", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/runs/latest/report?filter=has_cbk", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), `"total":1`) {
			t.Errorf("expected filtered total of 1: %s", rr.Body.String())
		}

		if rr := do(server, http.MethodGet, "/runs/latest/report?filter=amount%20%3E", ""); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad filter, got %d", rr.Code)
		}
	})

	t.Run("Misses", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/runs/"+runID+"/misses", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
			t.Errorf("expected text/csv, got %s", ct)
		}
		if !strings.HasPrefix(rr.Body.String(), "transaction_id,") {
			t.Errorf("expected CSV header, got %q", rr.Body.String())
		}
	})
}

func TestEvaluateEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	body := `{"transactionId":99,"merchantId":10,"userId":1,"cardNumber":"c1","transactionDate":"2019-12-01T15:00:00","transactionAmount":10}`

	t.Run("NoCompletedRun", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/evaluate", body)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	resp := replaySample(t, server)

	t.Run("SuccessfulEvaluation", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/evaluate", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var eval domain.Evaluation
		if err := json.Unmarshal(rr.Body.Bytes(), &eval); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if eval.ID == "" {
			t.Error("expected evaluation id")
		}
		if eval.DenyCase != 1 || eval.Recommendation != domain.RecommendDeny || eval.RuleName != "amount_limit" {
			t.Errorf("expected amount limit denial, got %+v", eval)
		}
		if eval.Metadata.RunID != resp.Run.ID || eval.Metadata.TraceID == "" {
			t.Errorf("unexpected metadata: %+v", eval.Metadata)
		}

		rr = do(server, http.MethodGet, "/evaluations/"+eval.ID, "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected stored evaluation, got %d", rr.Code)
		}

		// The snapshot is not extended by ad-hoc evaluations.
		run := do(server, http.MethodGet, "/runs/"+resp.Run.ID+"/records/99", "")
		if run.Code != http.StatusNotFound {
			t.Errorf("ad-hoc transaction must not be persisted into the run, got %d", run.Code)
		}
	})

	t.Run("NamedRun", func(t *testing.T) {
		if rr := do(server, http.MethodPost, "/evaluate?runId="+resp.Run.ID, body); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr := do(server, http.MethodPost, "/evaluate?runId=missing", body); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		if rr := do(server, http.MethodPost, "/evaluate", "not-json"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidRecord", func(t *testing.T) {
		tests := map[string]string{
			"MissingCard":  `{"userId":1,"transactionAmount":10}`,
			"BadDate":      `{"userId":1,"cardNumber":"c1","transactionDate":"yesterday"}`,
			"NegativeAmnt": `{"userId":1,"cardNumber":"c1","transactionAmount":-5}`,
		}
		for name, b := range tests {
			if rr := do(server, http.MethodPost, "/evaluate", b); rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", name, rr.Code)
			}
		}
	})

	t.Run("UnknownEvaluation", func(t *testing.T) {
		if rr := do(server, http.MethodGet, "/evaluations/missing", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestEvaluateAsyncEndpoint(t *testing.T) {
	server, eventBus := createTestServer(t)

	got := make(chan domain.EvaluateRequest, 1)
	eventBus.Subscribe(context.Background(), domain.TopicEvaluateRequested, func(ctx context.Context, msg *domain.Message) error {
		var req domain.EvaluateRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		got <- req
		return nil
	})

	rr := do(server, http.MethodPost, "/evaluate/async?runId=run-7", `{"transactionId":5,"userId":1,"cardNumber":"c1","transactionAmount":10}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)

	select {
	case req := <-got:
		if req.RequestID != resp["requestId"] || req.RunID != "run-7" || req.Record.TransactionID != 5 {
			t.Errorf("unexpected queued request: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queued request")
	}
}

func TestRulesEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	rr := do(server, http.MethodGet, "/rules", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp struct {
		Rules  []domain.RuleInfo `json:"rules"`
		Count  int               `json:"count"`
		Params domain.RuleParams `json:"params"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Count != len(resp.Rules) || resp.Count != 19 {
		t.Errorf("expected 19 catalogued rules, got %d", resp.Count)
	}
	if resp.Rules[0].Name != "amount_limit" || !resp.Rules[0].Enabled {
		t.Errorf("unexpected first rule: %+v", resp.Rules[0])
	}
	if resp.Rules[18].Enabled {
		t.Error("expected opt-in rule disabled by default")
	}
	if resp.Params.AmountLimit != 1000 {
		t.Errorf("expected default amount limit, got %f", resp.Params.AmountLimit)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/health", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		if rr := do(server, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(server, http.MethodGet, "/health", "")
		rr := do(server, http.MethodGet, "/metrics", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "kestrel_http_requests_total") {
			t.Error("expected HTTP request counter in metrics output")
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/health", "")
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID, capturedTraceID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			capturedTraceID = GetTraceID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" || capturedTraceID == "" {
			t.Error("expected request and trace IDs to be set")
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("TracingMiddlewareKeepsRequestID", func(t *testing.T) {
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("expected request ID to be echoed, got %q", rr.Header().Get(RequestIDHeader))
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight must not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/evaluate", nil)
		req.Header.Set("Origin", "https://example.com")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://example.com" {
			t.Errorf("unexpected allowed origin: %s", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})
}
