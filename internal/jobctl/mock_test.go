package jobctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/leadflow/internal/step"
	"github.com/sells-group/leadflow/pkg/stepapi"
)

// --- testify mock ---

type mockStepClient struct {
	mock.Mock
}

func (m *mockStepClient) StartStep(ctx context.Context, stepID int, body map[string]any) (*stepapi.StartResponse, error) {
	args := m.Called(ctx, stepID, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stepapi.StartResponse), args.Error(1)
}

func (m *mockStepClient) GetProgress(ctx context.Context, stepID int, jobID string) (*stepapi.Progress, error) {
	args := m.Called(ctx, stepID, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stepapi.Progress), args.Error(1)
}

func (m *mockStepClient) StopStep(ctx context.Context, stepID int) (*stepapi.StopResponse, error) {
	args := m.Called(ctx, stepID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stepapi.StopResponse), args.Error(1)
}

func (m *mockStepClient) ListJobs(ctx context.Context, stepID int) ([]stepapi.JobSummary, error) {
	args := m.Called(ctx, stepID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]stepapi.JobSummary), args.Error(1)
}

func (m *mockStepClient) ListFiles(ctx context.Context, folder string) ([]string, error) {
	args := m.Called(ctx, folder)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// --- scripted fake ---

// fakeClient answers with per-call functions and counts calls by key.
type fakeClient struct {
	start    func(ctx context.Context, stepID int, body map[string]any) (*stepapi.StartResponse, error)
	progress func(ctx context.Context, stepID int, jobID string) (*stepapi.Progress, error)
	stop     func(ctx context.Context, stepID int) (*stepapi.StopResponse, error)
	jobs     func(ctx context.Context, stepID int) ([]stepapi.JobSummary, error)
	files    func(ctx context.Context, folder string) ([]string, error)

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeClient) count(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[key]++
}

func (f *fakeClient) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeClient) StartStep(ctx context.Context, stepID int, body map[string]any) (*stepapi.StartResponse, error) {
	f.count("start")
	if f.start == nil {
		return &stepapi.StartResponse{Message: "Processing started", JobID: "j1"}, nil
	}
	return f.start(ctx, stepID, body)
}

func (f *fakeClient) GetProgress(ctx context.Context, stepID int, jobID string) (*stepapi.Progress, error) {
	f.count("progress")
	f.count("progress:" + jobID)
	if f.progress == nil {
		return &stepapi.Progress{JobID: jobID, Status: "running"}, nil
	}
	return f.progress(ctx, stepID, jobID)
}

func (f *fakeClient) StopStep(ctx context.Context, stepID int) (*stepapi.StopResponse, error) {
	f.count("stop")
	if f.stop == nil {
		return &stepapi.StopResponse{Message: "Stop signal sent"}, nil
	}
	return f.stop(ctx, stepID)
}

func (f *fakeClient) ListJobs(ctx context.Context, stepID int) ([]stepapi.JobSummary, error) {
	f.count("jobs")
	if f.jobs == nil {
		return nil, nil
	}
	return f.jobs(ctx, stepID)
}

func (f *fakeClient) ListFiles(ctx context.Context, folder string) ([]string, error) {
	f.count("files:" + folder)
	if f.files == nil {
		return nil, nil
	}
	return f.files(ctx, folder)
}

// blockProgress never answers until the request is cancelled.
func blockProgress(ctx context.Context, _ int, _ string) (*stepapi.Progress, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recorder collects presentations emitted by a controller.
type recorder struct {
	mu  sync.Mutex
	all []Presentation
}

func (r *recorder) record(p Presentation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, p)
}

func (r *recorder) captions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.all))
	for i, p := range r.all {
		out[i] = p.Caption
	}
	return out
}

const (
	testInterval = 10 * time.Millisecond
	waitFor      = 2 * time.Second
	tickEvery    = 5 * time.Millisecond
)

func newTestController(t *testing.T, stepID int, client stepapi.Client, opts ...Option) *Controller {
	t.Helper()
	def, ok := step.Lookup(stepID)
	if !ok {
		t.Fatalf("unknown step %d", stepID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]Option{WithInterval(testInterval)}, opts...)
	c := NewController(ctx, def, client, opts...)
	t.Cleanup(func() {
		p := c.Poller()
		cancel()
		if p != nil {
			p.Wait()
		}
	})
	return c
}

func validStep5() map[string]string {
	return map[string]string{
		step.ParamInputCSV:        "a.csv",
		step.ParamMaxRows:         "100",
		step.ParamBatchSize:       "10",
		step.ParamOffset:          "0",
		step.ParamDeleteNoWebsite: "false",
	}
}
