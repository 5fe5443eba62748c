package bulkapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/job"
	"bulkjob/pkg/backoff"
	"bulkjob/pkg/circuitbreaker"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Config{
		BaseURL:   srv.URL,
		Token:     "tok",
		Timeout:   2 * time.Second,
		RateLimit: 1000,
		RateBurst: 100,
		Retry:     backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3},
		Breaker:   circuitbreaker.Config{Threshold: 2, Cooldown: time.Minute},
	})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/jobs" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Object != "Account" || req.Operation != "upsert" || req.ExternalIDFieldName != "Ext__c" || req.ContentType != "CSV" {
			t.Errorf("unexpected body %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resourceInfo{ID: "J1", State: "Open"})
	}))

	id, err := c.CreateJob(context.Background(), job.Parameters{Object: "Account", Operation: job.OperationUpsert, ExternalIDField: "Ext__c"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if id != "J1" {
		t.Errorf("id = %q", id)
	}
}

func TestCreateJobWithoutIDIsRemoteError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"Open"}`))
	}))
	_, err := c.CreateJob(context.Background(), job.Parameters{Object: "Account", Operation: job.OperationInsert})
	if !errors.Is(err, apperrors.ErrRemoteService) {
		t.Fatalf("err = %v, want remote service error", err)
	}
}

func TestSubmitBatchSendsCSV(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/J1/batches" || r.Header.Get("Content-Type") != "text/csv" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "Name\na\nb\n" {
			t.Errorf("body = %q", body)
		}
		_, _ = w.Write([]byte(`{"id":"B1","state":"Queued"}`))
	}))

	id, err := c.SubmitBatch(context.Background(), "J1", job.Batch{Header: []byte("Name"), Records: [][]byte{[]byte("a"), []byte("b")}})
	if err != nil || id != "B1" {
		t.Fatalf("SubmitBatch = %q, %v", id, err)
	}
}

func TestCloseAndAbortPatchState(t *testing.T) {
	t.Parallel()
	var states []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/jobs/J1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req stateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		states = append(states, req.State)
		_, _ = w.Write([]byte(`{"id":"J1"}`))
	}))

	ctx := context.Background()
	if err := c.CloseJob(ctx, "J1"); err != nil {
		t.Fatal(err)
	}
	if err := c.AbortJob(ctx, "J1"); err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 || states[0] != "Closed" || states[1] != "Aborted" {
		t.Errorf("states = %v", states)
	}
}

func TestRetriesOnlyUnprocessedRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"503 is retried", http.StatusServiceUnavailable, 3},
		{"429 is retried", http.StatusTooManyRequests, 3},
		{"500 is not retried", http.StatusInternalServerError, 1},
		{"400 is not retried", http.StatusBadRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, "nope", tt.status)
			}))
			c.cfg.Breaker = circuitbreaker.Config{Threshold: 100}
			c.breakers = circuitbreaker.NewRegistry(c.cfg.Breaker)

			_, err := c.SubmitBatch(context.Background(), "J1", job.Batch{Records: [][]byte{[]byte("x")}})
			if !errors.Is(err, apperrors.ErrRemoteService) {
				t.Fatalf("err = %v, want remote service error", err)
			}
			var he *HTTPError
			if !errors.As(err, &he) || he.StatusCode != tt.status {
				t.Errorf("cause = %v, want HTTP %d", err, tt.status)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestRetryRecoversAfterThrottle(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"J9"}`))
	}))
	id, err := c.CreateJob(context.Background(), job.Parameters{Object: "Lead", Operation: job.OperationInsert})
	if err != nil || id != "J9" {
		t.Fatalf("CreateJob = %q, %v", id, err)
	}
}

func TestBreakerOpensOnServerFaults(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	ctx := context.Background()
	for range 2 {
		_ = c.CloseJob(ctx, "J1")
	}
	err := c.CloseJob(ctx, "J1")
	if !errors.Is(err, circuitbreaker.ErrOpen) || !errors.Is(err, apperrors.ErrRemoteService) {
		t.Fatalf("err = %v, want remote error caused by open breaker", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if c.BreakerStates()["closeJob"] != circuitbreaker.Open {
		t.Errorf("states = %v", c.BreakerStates())
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	for range 5 {
		_ = c.AbortJob(context.Background(), "missing")
	}
	if c.BreakerStates()["abortJob"] != circuitbreaker.Closed {
		t.Errorf("breaker opened on 404s: %v", c.BreakerStates())
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	healthy := atomic.Bool{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	if err := c.Ready(context.Background()); err == nil {
		t.Error("expected unhealthy")
	}
	healthy.Store(true)
	if err := c.Ready(context.Background()); err != nil {
		t.Errorf("Ready: %v", err)
	}
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := NewHTTPClient(Config{}); !errors.Is(err, apperrors.ErrConfigurationMissing) {
		t.Errorf("err = %v, want configuration missing", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BULK_API_URL", "https://bulk.example.com/v1")
	t.Setenv("BULK_API_MAX_RETRIES", "5")
	t.Setenv("BULK_API_RATE_LIMIT", "2.5")

	cfg := LoadConfigFromEnv()
	if cfg.BaseURL != "https://bulk.example.com/v1" || cfg.Retry.MaxAttempts != 6 || cfg.RateLimit != 2.5 {
		t.Errorf("cfg = %+v", cfg)
	}
	env := cfg.Env("/run/secrets/bulk")
	if env[0] != "BULK_API_URL=https://bulk.example.com/v1" || env[1] != "BULK_API_TOKEN_FILE=/run/secrets/bulk" {
		t.Errorf("Env = %v", env)
	}
}
