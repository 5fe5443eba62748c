package bulkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/job"
	"bulkjob/pkg/backoff"
	"bulkjob/pkg/circuitbreaker"
)

const maxErrorBody = 2048

// HTTPClient is the REST implementation of job.Client. Requests are paced by
// a token bucket, guarded by one circuit breaker per operation, and retried
// only when the service provably did not process them.
type HTTPClient struct {
	cfg      Config
	http     *http.Client
	limiter  *rate.Limiter
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

var _ job.Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for cfg.BaseURL.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, apperrors.ConfigurationMissing("BULK_API_URL")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apperrors.Validation("baseURL", fmt.Sprintf("invalid bulk API URL: %v", err))
	}
	return &HTTPClient{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		logger:   slog.With("component", "bulkapi", "baseURL", cfg.BaseURL),
	}, nil
}

type createJobRequest struct {
	Object              string `json:"object"`
	Operation           string `json:"operation"`
	ExternalIDFieldName string `json:"externalIdFieldName,omitempty"`
	ContentType         string `json:"contentType"`
}

type stateRequest struct {
	State string `json:"state"`
}

type resourceInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Remote job states as named by the service.
const (
	remoteStateClosed  = "Closed"
	remoteStateAborted = "Aborted"
)

func (c *HTTPClient) CreateJob(ctx context.Context, params job.Parameters) (string, error) {
	body, err := json.Marshal(createJobRequest{
		Object:              params.Object,
		Operation:           string(params.Operation),
		ExternalIDFieldName: params.ExternalIDField,
		ContentType:         "CSV",
	})
	if err != nil {
		return "", apperrors.Internal("bulkapi.createJob", err)
	}

	var info resourceInfo
	if err := c.do(ctx, "createJob", http.MethodPost, "/jobs", "application/json", body, &info); err != nil {
		return "", err
	}
	if info.ID == "" {
		return "", apperrors.Remote("bulkapi.createJob", errors.New("service returned no job id"))
	}
	c.logger.Debug("Remote job created", "jobId", info.ID, "state", info.State)
	return info.ID, nil
}

func (c *HTTPClient) SubmitBatch(ctx context.Context, jobID string, batch job.Batch) (string, error) {
	var info resourceInfo
	path := "/jobs/" + url.PathEscape(jobID) + "/batches"
	if err := c.do(ctx, "submitBatch", http.MethodPost, path, "text/csv", batch.Encode(), &info); err != nil {
		return "", err
	}
	return info.ID, nil
}

func (c *HTTPClient) CloseJob(ctx context.Context, jobID string) error {
	return c.setState(ctx, "closeJob", jobID, remoteStateClosed)
}

func (c *HTTPClient) AbortJob(ctx context.Context, jobID string) error {
	return c.setState(ctx, "abortJob", jobID, remoteStateAborted)
}

func (c *HTTPClient) setState(ctx context.Context, op, jobID, state string) error {
	body, _ := json.Marshal(stateRequest{State: state})
	return c.do(ctx, op, http.MethodPatch, "/jobs/"+url.PathEscape(jobID), "application/json", body, nil)
}

// Ready checks that the service answers its health endpoint.
func (c *HTTPClient) Ready(ctx context.Context) error {
	return c.once(ctx, http.MethodGet, "/health", "", nil, nil)
}

// BreakerStates exposes the per-operation circuit state.
func (c *HTTPClient) BreakerStates() map[string]circuitbreaker.State {
	return c.breakers.States()
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path, contentType string, body []byte, out any) error {
	breaker := c.breakers.Get(op)
	attempt := 0
	err := backoff.Retry(ctx, c.cfg.Retry, notProcessed, func(ctx context.Context) error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := breaker.Do(func() error {
			return c.once(ctx, method, path, contentType, body, out)
		}, serverFault)
		if err != nil && notProcessed(err) {
			c.logger.Warn("Bulk API request not processed, retrying", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return apperrors.Remote("bulkapi."+op, err)
	}
	return nil
}

func (c *HTTPClient) once(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
