// Package stepapi provides a client for the lead pipeline service's step,
// progress, job and file endpoints.
package stepapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadflow/internal/resilience"
)

const defaultBaseURL = "http://localhost:5000/api"

// Client defines the pipeline service operations consumed by the controller.
type Client interface {
	// StartStep starts a step. Sync steps return a result; async steps
	// return a job id. Never retried.
	StartStep(ctx context.Context, stepID int, body map[string]any) (*StartResponse, error)
	// GetProgress returns the current progress of a job.
	GetProgress(ctx context.Context, stepID int, jobID string) (*Progress, error)
	// StopStep asks the service to stop the running job of a step. Never retried.
	StopStep(ctx context.Context, stepID int) (*StopResponse, error)
	// ListJobs returns every job the service knows for a step.
	ListJobs(ctx context.Context, stepID int) ([]JobSummary, error)
	// ListFiles returns the CSV files in a data folder.
	ListFiles(ctx context.Context, folder string) ([]string, error)
}

// StartResponse is the response from POST /steps/{id}.
type StartResponse struct {
	Message       string `json:"message"`
	Status        string `json:"status"`
	JobID         string `json:"job_id,omitempty"`
	RowsProcessed int    `json:"rows_processed,omitempty"`
}

// Progress is the response from GET /progress/{id}.
type Progress struct {
	StepID     int    `json:"step"`
	JobID      string `json:"job_id"`
	Progress   string `json:"progress"`
	Status     string `json:"status"`
	CurrentRow int    `json:"current_row"`
	TotalRows  int    `json:"total_rows"`
}

// StopResponse is the response from POST /stop/{id}.
type StopResponse struct {
	Message string `json:"message"`
}

// JobSummary is one entry of GET /jobs/{id}.
type JobSummary struct {
	JobID     string `json:"job_id"`
	InputCSV  string `json:"input_csv"`
	OutputCSV string `json:"output_csv,omitempty"`
	Status    string `json:"status"`
}

type jobsResponse struct {
	Step int          `json:"step"`
	Jobs []JobSummary `json:"jobs"`
}

type filesResponse struct {
	Files []string `json:"files"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIError is returned when the service responds with a non-2xx status.
// Message carries the service's {"error": ...} text verbatim when present.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stepapi: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("stepapi: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL (including the /api prefix).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimiter throttles every outbound request.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithRetry sets the retry policy for read-only listing calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithBreakers routes calls through per-step circuit breakers.
func WithBreakers(b *resilience.Breakers) Option {
	return func(c *httpClient) {
		c.breakers = b
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	retry    resilience.RetryConfig
	breakers *resilience.Breakers
}

// NewClient creates a new pipeline service client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) StartStep(ctx context.Context, stepID int, body map[string]any) (*StartResponse, error) {
	resp, err := guard(ctx, c, stepKey(stepID), func(ctx context.Context) (*StartResponse, error) {
		var out StartResponse
		if err := c.post(ctx, fmt.Sprintf("/steps/%d", stepID), body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "stepapi: start step %d", stepID)
	}
	return resp, nil
}

func (c *httpClient) GetProgress(ctx context.Context, stepID int, jobID string) (*Progress, error) {
	path := fmt.Sprintf("/progress/%d?job_id=%s", stepID, url.QueryEscape(jobID))
	resp, err := guard(ctx, c, stepKey(stepID), func(ctx context.Context) (*Progress, error) {
		var out Progress
		if err := c.get(ctx, path, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "stepapi: get progress step %d job %s", stepID, jobID)
	}
	return resp, nil
}

func (c *httpClient) StopStep(ctx context.Context, stepID int) (*StopResponse, error) {
	resp, err := guard(ctx, c, stepKey(stepID), func(ctx context.Context) (*StopResponse, error) {
		var out StopResponse
		if err := c.post(ctx, fmt.Sprintf("/stop/%d", stepID), nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "stepapi: stop step %d", stepID)
	}
	return resp, nil
}

func (c *httpClient) ListJobs(ctx context.Context, stepID int) ([]JobSummary, error) {
	jobs, err := resilience.DoVal(ctx, c.listRetry("list_jobs"), func(ctx context.Context) ([]JobSummary, error) {
		return guard(ctx, c, stepKey(stepID), func(ctx context.Context) ([]JobSummary, error) {
			var out jobsResponse
			if err := c.get(ctx, fmt.Sprintf("/jobs/%d", stepID), &out); err != nil {
				return nil, err
			}
			return out.Jobs, nil
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "stepapi: list jobs step %d", stepID)
	}
	return jobs, nil
}

func (c *httpClient) ListFiles(ctx context.Context, folder string) ([]string, error) {
	files, err := resilience.DoVal(ctx, c.listRetry("list_files"), func(ctx context.Context) ([]string, error) {
		return guard(ctx, c, "files", func(ctx context.Context) ([]string, error) {
			var out filesResponse
			if err := c.get(ctx, "/files/"+url.PathEscape(folder), &out); err != nil {
				return nil, err
			}
			return out.Files, nil
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "stepapi: list files %s", folder)
	}
	return files, nil
}

func (c *httpClient) listRetry(operation string) resilience.RetryConfig {
	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(operation)
	}
	return cfg
}

func stepKey(stepID int) string {
	return fmt.Sprintf("step-%d", stepID)
}

// guard runs fn through the breaker for key when breakers are configured.
func guard[T any](ctx context.Context, c *httpClient, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	if c.breakers == nil {
		return fn(ctx)
	}
	return resilience.ExecuteVal(ctx, c.breakers.Get(key), fn)
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return eris.Wrap(err, "rate limit wait")
		}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "read response body"), resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.Message = er.Error
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}

	return nil
}
