package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bulkjob/internal/bulkapi"
	"bulkjob/internal/coordinator"
	"bulkjob/internal/health"
	"bulkjob/internal/operation"
)

const testKey = "secret"

type server struct {
	remote *bulkapi.Memory
	srv    *httptest.Server
}

func newServer(t *testing.T, jobIDs ...string) *server {
	t.Helper()
	remote := bulkapi.NewMemory()
	remote.JobIDs = jobIDs
	router := NewRouter(RouterConfig{
		Operations:    operation.NewService(remote, operation.MemoryChannels, operation.Config{}),
		HealthChecker: health.NewChecker().Require("bulkapi", remote),
		APIKey:        testKey,
	})
	s := &server{remote: remote, srv: httptest.NewServer(router)}
	t.Cleanup(s.srv.Close)
	return s
}

func (s *server) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestOperationLifecycle(t *testing.T) {
	t.Parallel()
	s := newServer(t, "J1")

	resp, body := s.do(t, http.MethodPost, "/v1/operations", `{"id":"op-1","object":"Account","operation":"upsert","externalIdField":"Ext__c"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, body %v", resp.StatusCode, body)
	}
	if body["jobId"] != "J1" || body["phase"] != string(coordinator.PhaseJobOpen) {
		t.Errorf("start body = %v", body)
	}

	resp, body = s.do(t, http.MethodGet, "/v1/operations/op-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	conf, _ := body["configuration"].(map[string]any)
	if conf["bulkjob.job_id"] != "J1" {
		t.Errorf("configuration = %v", body["configuration"])
	}

	resp, body = s.do(t, http.MethodPost, "/v1/operations/op-1/commit",
		`{"outcomes":[{"taskId":"t-0","recordsWritten":4},{"taskId":"t-1","recordsWritten":6}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit status = %d, body %v", resp.StatusCode, body)
	}
	if body["phase"] != string(coordinator.PhaseJobClosed) || body["recordsWritten"] != float64(10) {
		t.Errorf("commit body = %v", body)
	}

	resp, _ = s.do(t, http.MethodPost, "/v1/operations/op-1/commit", `{"outcomes":[]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second commit status = %d, want 409", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodGet, "/v1/operations", "")
	if ops, _ := body["operations"].([]any); resp.StatusCode != http.StatusOK || len(ops) != 1 {
		t.Errorf("list = %d %v", resp.StatusCode, body)
	}

	resp, _ = s.do(t, http.MethodDelete, "/v1/operations/op-1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
}

func TestFailedTaskThenManualAbort(t *testing.T) {
	t.Parallel()
	s := newServer(t, "J9")
	s.do(t, http.MethodPost, "/v1/operations", `{"id":"op-1","object":"Account","operation":"insert"}`)

	resp, body := s.do(t, http.MethodPost, "/v1/operations/op-1/commit",
		`{"outcomes":[{"taskId":"t-0","recordsWritten":4},{"taskId":"t-1","failed":true,"error":"batch rejected"}]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("commit status = %d", resp.StatusCode)
	}
	op, _ := body["operation"].(map[string]any)
	if op["phase"] != string(coordinator.PhaseAbortedJobLeftOpen) || op["jobState"] != "created" {
		t.Errorf("operation = %v", body["operation"])
	}

	resp, _ = s.do(t, http.MethodDelete, "/v1/operations/op-1", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete of left-open operation = %d", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodPost, "/v1/operations/op-1/abort", "")
	if resp.StatusCode != http.StatusOK || body["jobState"] != "aborted" {
		t.Errorf("abort = %d %v", resp.StatusCode, body)
	}
	if rj, _ := s.remote.Job("J9"); rj.State != "Aborted" {
		t.Errorf("remote state = %s", rj.State)
	}
}

func TestCommitBodyMustCarryOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"misspelled field", `{"results":[{"taskId":"t-1","failed":true,"error":"boom"}]}`, ""},
		{"no outcomes", `{"outcomes":[]}`, "outcomes"},
		{"empty object", `{}`, "outcomes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newServer(t, "J1")
			s.do(t, http.MethodPost, "/v1/operations", `{"id":"op-1","object":"Account","operation":"insert"}`)

			resp, body := s.do(t, http.MethodPost, "/v1/operations/op-1/commit", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body %v", resp.StatusCode, body)
			}
			if tt.field != "" && body["field"] != tt.field {
				t.Errorf("field = %v, want %s", body["field"], tt.field)
			}
			for _, op := range s.remote.Ops() {
				if op == "closeJob" {
					t.Fatal("job was closed")
				}
			}
			_, body = s.do(t, http.MethodGet, "/v1/operations/op-1", "")
			if body["phase"] != string(coordinator.PhaseJobOpen) {
				t.Errorf("phase = %v, want job still open", body["phase"])
			}
		})
	}
}

func TestStartRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	s := newServer(t, "J1")
	resp, _ := s.do(t, http.MethodPost, "/v1/operations", `{"object":"Account","operation":"insert","extIdField":"Ext__c"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if ops := s.remote.Ops(); len(ops) != 0 {
		t.Errorf("remote ops = %v", ops)
	}
}

func TestDeleteAllowsReuseOfID(t *testing.T) {
	t.Parallel()
	s := newServer(t, "J1", "J2")
	s.do(t, http.MethodPost, "/v1/operations", `{"id":"op-1","object":"Account","operation":"insert"}`)
	s.do(t, http.MethodPost, "/v1/operations/op-1/commit", `{"outcomes":[{"taskId":"t-0","recordsWritten":1}]}`)
	if resp, _ := s.do(t, http.MethodDelete, "/v1/operations/op-1", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, body := s.do(t, http.MethodPost, "/v1/operations", `{"id":"op-1","object":"Account","operation":"insert"}`)
	if resp.StatusCode != http.StatusCreated || body["jobId"] != "J2" {
		t.Errorf("restart = %d %v", resp.StatusCode, body)
	}
}

func TestAbandonWithoutBody(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	s.do(t, http.MethodPost, "/v1/operations", `{"id":"op-1","object":"Account","operation":"insert"}`)

	resp, body := s.do(t, http.MethodPost, "/v1/operations/op-1/abandon", "")
	if resp.StatusCode != http.StatusOK || body["phase"] != string(coordinator.PhaseAbortedJobLeftOpen) {
		t.Errorf("abandon = %d %v", resp.StatusCode, body)
	}
}

func TestStartErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"malformed json", `{"object":`, http.StatusBadRequest, ""},
		{"missing object", `{"operation":"insert"}`, http.StatusBadRequest, "object"},
		{"upsert without external id", `{"object":"Account","operation":"upsert"}`, http.StatusBadRequest, "externalIdField"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newServer(t)
			resp, body := s.do(t, http.MethodPost, "/v1/operations", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.field != "" && body["field"] != tt.field {
				t.Errorf("field = %v, want %s", body["field"], tt.field)
			}
			if len(s.remote.Calls()) != 0 {
				t.Error("invalid requests must not reach the bulk service")
			}
		})
	}
}

func TestRemoteFailureIsBadGateway(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	s.remote.FailCreate = errors.New("503 service unavailable")
	resp, _ := s.do(t, http.MethodPost, "/v1/operations", `{"object":"Account","operation":"insert"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestUnknownOperationIsNotFound(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	for _, path := range []string{"/v1/operations/nope", "/v1/operations/nope/abort"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "abort") {
			method = http.MethodPost
		}
		if resp, _ := s.do(t, method, path, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s = %d", method, path, resp.StatusCode)
		}
	}
}

func TestProbes(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	for _, path := range []string{"/livez", "/readyz"} {
		resp, err := http.Get(s.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d without credentials", path, resp.StatusCode)
		}
	}
}

func TestReadyzUnavailable(t *testing.T) {
	t.Parallel()
	down := health.ReadyFunc(func(context.Context) error { return errors.New("connection refused") })
	handler := NewHandler(nil, health.NewChecker().Require("sharedconf", down))

	w := httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
	var resp health.Response
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Checks["sharedconf"].Message != "connection refused" {
		t.Errorf("checks = %+v", resp.Checks)
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name   string
		key    string
		header string
		status int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing header", "k", "", http.StatusUnauthorized},
		{"wrong scheme", "k", "Basic k", http.StatusUnauthorized},
		{"wrong key", "k", "Bearer x", http.StatusUnauthorized},
		{"valid", "k", "Bearer k", http.StatusOK},
		{"case-insensitive scheme", "k", "bearer k", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/v1/operations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			AuthMiddleware(tt.key)(inner).ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestContentTypeMiddleware(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		contentType string
		status      int
	}{
		{"", http.StatusOK},
		{"application/json", http.StatusOK},
		{"application/json; charset=utf-8", http.StatusOK},
		{"text/csv", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/v1/operations", bytes.NewBufferString("{}"))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		w := httptest.NewRecorder()
		ContentTypeMiddleware()(inner).ServeHTTP(w, req)
		if w.Code != tt.status {
			t.Errorf("Content-Type %q: status = %d, want %d", tt.contentType, w.Code, tt.status)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	w := httptest.NewRecorder()
	RecoveryMiddleware()(panicking).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

type httpRecorded struct {
	mu       sync.Mutex
	statuses []int
}

func (r *httpRecorded) RecordHTTPRequest(_ context.Context, _, _ string, status int, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()
	rec := &httpRecorded{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	w := httptest.NewRecorder()
	MetricsMiddleware(rec)(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(rec.statuses) != 1 || rec.statuses[0] != http.StatusTeapot {
		t.Errorf("recorded = %v", rec.statuses)
	}
}
