package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"steps", "run", "stop", "jobs", "watch", "console"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "leadflow", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"param", "params-file", "watch"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
	assert.Equal(t, "p", runCmd.Flags().Lookup("param").Shorthand)
}

func TestConsoleCommand_Flags(t *testing.T) {
	flag := consoleCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestWatchCommand_Flags(t *testing.T) {
	assert.NotNil(t, watchCmd.Flags().Lookup("job"))
}

func TestLoadParams(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "params.yaml")
	require.NoError(t, os.WriteFile(file, []byte("input_csv: a.csv\nmax_rows: \"50\"\n"), 0o600))

	tests := []struct {
		name    string
		file    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "none", want: map[string]string{}},
		{name: "pairs", pairs: []string{"input_csv=a.csv", "agent_prompt=a=b"}, want: map[string]string{"input_csv": "a.csv", "agent_prompt": "a=b"}},
		{name: "empty value", pairs: []string{"offset="}, want: map[string]string{"offset": ""}},
		{name: "file", file: file, want: map[string]string{"input_csv": "a.csv", "max_rows": "50"}},
		{name: "pairs override file", file: file, pairs: []string{"max_rows=10"}, want: map[string]string{"input_csv": "a.csv", "max_rows": "10"}},
		{name: "missing equals", pairs: []string{"input_csv"}, wantErr: true},
		{name: "missing key", pairs: []string{"=x"}, wantErr: true},
		{name: "missing file", file: filepath.Join(dir, "nope.yaml"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadParams(tt.file, tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStepID(t *testing.T) {
	def, err := parseStepID(" 7 ")
	require.NoError(t, err)
	assert.Equal(t, 7, def.ID)

	_, err = parseStepID("4")
	assert.Error(t, err)
	_, err = parseStepID("seven")
	assert.Error(t, err)
}

// pipelineService is a minimal stand-in for the lead processing service.
type pipelineService struct {
	starts atomic.Int32
	stops  atomic.Int32
	status atomic.Value
}

func newPipelineService(t *testing.T) (*pipelineService, *httptest.Server) {
	t.Helper()
	svc := &pipelineService{}
	svc.status.Store("running")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/steps/2", func(w http.ResponseWriter, _ *http.Request) {
		svc.starts.Add(1)
		writeTestJSON(w, http.StatusOK, map[string]any{"message": "Cleaned", "rows_processed": 12})
	})
	mux.HandleFunc("POST /api/steps/5", func(w http.ResponseWriter, _ *http.Request) {
		svc.starts.Add(1)
		writeTestJSON(w, http.StatusOK, map[string]any{"message": "Processing started", "job_id": "j1"})
	})
	mux.HandleFunc("GET /api/progress/5", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{
			"step": 5, "job_id": r.URL.Query().Get("job_id"),
			"status": svc.status.Load(), "current_row": 3, "total_rows": 3,
		})
	})
	mux.HandleFunc("POST /api/stop/5", func(w http.ResponseWriter, _ *http.Request) {
		svc.stops.Add(1)
		svc.status.Store("stopped")
		writeTestJSON(w, http.StatusOK, map[string]any{"message": "Stop signal sent"})
	})
	mux.HandleFunc("GET /api/jobs/{step}", func(w http.ResponseWriter, r *http.Request) {
		var jobs []map[string]any
		if r.PathValue("step") == "5" {
			jobs = append(jobs, map[string]any{"job_id": "j1", "input_csv": "a.csv", "status": svc.status.Load()})
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	})
	mux.HandleFunc("GET /api/files/{folder}", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"files": []string{"a.csv"}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	t.Setenv("LEADFLOW_API_BASE_URL", srv.URL+"/api")
	t.Setenv("LEADFLOW_POLL_INTERVAL_MS", "100")
	t.Setenv("LEADFLOW_LOG_LEVEL", "error")
	return svc, srv
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// execute runs the root command with args after resetting flags left over
// from earlier runs.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, c := range rootCmd.Commands() {
		resetFlags(c)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
}

func TestExecute_Steps(t *testing.T) {
	newPipelineService(t)

	out, err := execute(t, "steps", "--output", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "step_id: 1")
	assert.Contains(t, out, "step_id: 8")
	assert.Contains(t, out, "available: true")

	_, err = execute(t, "steps", "-o", "xml")
	assert.Error(t, err)
}

func TestExecute_RunSync(t *testing.T) {
	svc, _ := newPipelineService(t)

	out, err := execute(t, "run", "2", "-p", "input_csv=a.csv")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleaned (12 rows processed)")
	assert.Equal(t, int32(1), svc.starts.Load())
}

func TestExecute_RunRejectsInvalidParams(t *testing.T) {
	svc, _ := newPipelineService(t)

	out, err := execute(t, "run", "5", "-p", "max_rows=0")
	require.Error(t, err)
	assert.Contains(t, out, "input_csv")
	assert.Equal(t, int32(0), svc.starts.Load())
}

func TestExecute_RunAsyncWatch(t *testing.T) {
	svc, _ := newPipelineService(t)
	svc.status.Store("completed")

	out, err := execute(t, "run", "5", "-p", "input_csv=a.csv", "--watch")
	require.NoError(t, err)
	assert.Contains(t, out, "Started step 5")
	assert.Contains(t, out, "job j1")
	assert.Contains(t, out, "Job completed (3/3 rows processed)")
}

func TestExecute_RunAsyncWatchNotifies(t *testing.T) {
	svc, _ := newPipelineService(t)
	svc.status.Store("completed")

	var hits atomic.Int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert map[string]any
		if json.NewDecoder(r.Body).Decode(&alert) == nil && alert["type"] == "job_completed" {
			hits.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)
	t.Setenv("LEADFLOW_NOTIFY_WEBHOOK_URL", webhook.URL)

	out, err := execute(t, "run", "5", "-p", "input_csv=a.csv", "--watch")
	require.NoError(t, err)
	assert.Contains(t, out, "Job completed (3/3 rows processed)")

	// Delivered before the command returns.
	assert.Equal(t, int32(1), hits.Load())
}

func TestExecute_Stop(t *testing.T) {
	svc, _ := newPipelineService(t)

	out, err := execute(t, "stop", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Job stopped (")
	assert.Equal(t, int32(1), svc.stops.Load())

	out, err = execute(t, "stop", "6")
	require.NoError(t, err)
	assert.Contains(t, out, "No running job for step 6")
	assert.Equal(t, int32(1), svc.stops.Load())
}

func TestExecute_Jobs(t *testing.T) {
	newPipelineService(t)

	out, err := execute(t, "jobs", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "j1")
	assert.Contains(t, out, "a.csv")

	out, err = execute(t, "jobs", "6")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found.")

	_, err = execute(t, "jobs", "1")
	assert.Error(t, err)
}
