package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/config"
	"github.com/sells-group/leadflow/internal/jobctl"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/pkg/stepapi"
)

// stubClient is an in-memory pipeline service.
type stubClient struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	progress stepapi.Progress
	jobs     []stepapi.JobSummary
}

func (s *stubClient) StartStep(ctx context.Context, stepID int, _ map[string]any) (*stepapi.StartResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	if stepID < 5 {
		return &stepapi.StartResponse{Message: "Done", RowsProcessed: 3}, nil
	}
	return &stepapi.StartResponse{Message: "Processing started", JobID: "j1"}, nil
}

func (s *stubClient) GetProgress(ctx context.Context, _ int, jobID string) (*stepapi.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	p.JobID = jobID
	return &p, nil
}

func (s *stubClient) StopStep(context.Context, int) (*stepapi.StopResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopErr != nil {
		return nil, s.stopErr
	}
	return &stepapi.StopResponse{Message: "Stop signal sent"}, nil
}

func (s *stubClient) ListJobs(context.Context, int) ([]stepapi.JobSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs, nil
}

func (s *stubClient) ListFiles(context.Context, string) ([]string, error) {
	return []string{"a.csv"}, nil
}

func newTestConsole(t *testing.T, client *stubClient, opts ...Option) *Server {
	t.Helper()
	session := jobctl.NewSession(context.Background(), client, jobctl.WithPollInterval(time.Hour))
	t.Cleanup(session.Close)
	return New(session, config.ConsoleConfig{Port: 8090}, opts...)
}

func newTestServer(t *testing.T, client *stubClient, opts ...Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newTestConsole(t, client, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubClient{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestHealth_ReportsBreakers(t *testing.T) {
	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	srv := newTestServer(t, &stubClient{}, WithBreakers(breakers))

	get := func() healthResponse {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body healthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	assert.Equal(t, "ok", get().Status)

	_, _ = resilience.ExecuteVal(context.Background(), breakers.Get("step-5"), func(context.Context) (int, error) {
		return 0, errors.New("connection refused")
	})
	body := get()
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, []resilience.BreakerStatus{{Key: "step-5", State: "open"}}, body.Breakers)
}

func TestRun_ClientDisconnectDoesNotCancelStart(t *testing.T) {
	s := newTestConsole(t, &stubClient{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/steps/5/run", strings.NewReader(`{"input_csv":"a.csv"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	c, _ := s.session.Controller(5)
	assert.Equal(t, jobctl.PhaseRunning, c.State().Phase)
	assert.Equal(t, "j1", c.State().Handle.JobID)
}

func TestSnapshot(t *testing.T) {
	srv := newTestServer(t, &stubClient{})

	resp, err := http.Get(srv.URL + "/api/steps")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Steps []jobctl.Presentation `json:"steps"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Steps, 7)
	assert.Equal(t, 1, body.Steps[0].StepID)
	assert.True(t, body.Steps[0].RunEnabled)
}

func TestStep_NotFoundAndBadID(t *testing.T) {
	srv := newTestServer(t, &stubClient{})

	resp, err := http.Get(srv.URL + "/api/steps/4")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/steps/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRun_AsyncThenStop(t *testing.T) {
	client := &stubClient{progress: stepapi.Progress{Status: "running", CurrentRow: 10, TotalRows: 100}}
	srv := newTestServer(t, client)

	resp := postJSON(t, srv.URL+"/api/steps/5/run", `{"input_csv":"a.csv","max_rows":"100"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var run struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, "j1", run.JobID)

	busy := postJSON(t, srv.URL+"/api/steps/5/run", `{"input_csv":"a.csv"}`)
	assert.Equal(t, http.StatusConflict, busy.StatusCode)

	stop := postJSON(t, srv.URL+"/api/steps/5/stop", "")
	require.Equal(t, http.StatusOK, stop.StatusCode)
	var stopped struct {
		Presentation jobctl.Presentation `json:"presentation"`
	}
	require.NoError(t, json.NewDecoder(stop.Body).Decode(&stopped))
	assert.Equal(t, jobctl.PhaseTerminal, stopped.Presentation.Phase)
	assert.True(t, stopped.Presentation.RunEnabled)
	assert.True(t, strings.HasPrefix(stopped.Presentation.Caption, "Job stopped"))
}

func TestRun_ValidationError(t *testing.T) {
	srv := newTestServer(t, &stubClient{})

	resp := postJSON(t, srv.URL+"/api/steps/6/run", `{"max_rows":"0"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Fields, 2)
	assert.Equal(t, "input_csv", body.Fields[0].Field)
	assert.Equal(t, "max_rows", body.Fields[1].Field)
	assert.True(t, strings.HasPrefix(body.Error, "Error: "))
}

func TestRun_RemoteError(t *testing.T) {
	srv := newTestServer(t, &stubClient{startErr: &stepapi.APIError{StatusCode: 400, Message: "Input file not found"}})

	resp := postJSON(t, srv.URL+"/api/steps/7/run", `{"input_csv":"missing.csv"}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Input file not found", body.Error)
}

func TestRun_Sync(t *testing.T) {
	srv := newTestServer(t, &stubClient{})

	resp := postJSON(t, srv.URL+"/api/steps/2/run", `{"input_csv":"a.csv"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Done (3 rows processed)", body.Message)
}

func TestJobs(t *testing.T) {
	srv := newTestServer(t, &stubClient{jobs: []stepapi.JobSummary{{JobID: "j1", InputCSV: "a.csv", Status: "completed"}}})

	resp, err := http.Get(srv.URL + "/api/steps/8/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Jobs []stepapi.JobSummary `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "completed", body.Jobs[0].Status)

	resp2, err := http.Get(srv.URL + "/api/steps/1/jobs")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestSelect(t *testing.T) {
	client := &stubClient{
		progress: stepapi.Progress{Status: "completed", CurrentRow: 4, TotalRows: 4},
		jobs:     []stepapi.JobSummary{{JobID: "j7", Status: "completed"}},
	}
	srv := newTestServer(t, client)

	resp := postJSON(t, srv.URL+"/api/steps/5/select", `{"job_id":"j7"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/api/steps/5")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var body stepResponse
		if json.NewDecoder(r.Body).Decode(&body) != nil {
			return false
		}
		return body.Presentation.Caption == "Job completed (4/4 rows processed)"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &stubClient{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/steps", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEvents_StreamsSnapshot(t *testing.T) {
	srv := newTestServer(t, &stubClient{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var first jobctl.Presentation
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &first))
			break
		}
	}
	assert.Equal(t, 1, first.StepID)
}
