// Package jobctl orchestrates pipeline steps on the remote service: it submits
// jobs, polls their progress, reconciles status samples against the job list
// and derives the run/stop affordances each step presents.
package jobctl

import (
	"fmt"

	"github.com/sells-group/leadflow/pkg/stepapi"
)

// Status is the canonical status of a remote job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
	// StatusUnknown covers not_started, not_implemented and anything the
	// service adds later. Polling continues.
	StatusUnknown Status = "unknown"
)

// ParseStatus maps a wire status to a canonical Status.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusRunning, StatusCompleted, StatusStopped, StatusFailed:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// Terminal reports whether no further progress is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// Phase is the lifecycle position of a step's controller.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseRunning    Phase = "running"
	PhaseTerminal   Phase = "terminal"
)

// Handle identifies a remote job. It is never mutated.
type Handle struct {
	JobID  string `json:"job_id" yaml:"job_id"`
	StepID int    `json:"step_id" yaml:"step_id"`
}

func (h Handle) String() string {
	return fmt.Sprintf("step %d job %s", h.StepID, h.JobID)
}

// Sample is one progress observation, produced fresh per poll tick.
type Sample struct {
	JobID      string `json:"job_id" yaml:"job_id"`
	Status     Status `json:"status" yaml:"status"`
	CurrentRow int    `json:"current_row" yaml:"current_row"`
	TotalRows  int    `json:"total_rows" yaml:"total_rows"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
	// Seq is the poll loop's tick number that produced the sample.
	Seq uint64 `json:"-" yaml:"-"`
}

func sampleFromProgress(jobID string, p *stepapi.Progress, seq uint64) Sample {
	id := p.JobID
	if id == "" {
		id = jobID
	}
	return Sample{
		JobID:      id,
		Status:     ParseStatus(p.Status),
		CurrentRow: p.CurrentRow,
		TotalRows:  p.TotalRows,
		Message:    p.Progress,
		Seq:        seq,
	}
}

// RuntimeState is the per-step state owned by a Controller. Which fields are
// meaningful depends on Phase:
//
//	Idle        Message (last error or sync result)
//	Submitting  none
//	Running     Handle, Last when HasSample
//	Terminal    Handle, Status, Last; Message overrides the caption when set
type RuntimeState struct {
	Phase     Phase  `json:"phase" yaml:"phase"`
	Handle    Handle `json:"handle" yaml:"handle"`
	Status    Status `json:"status,omitempty" yaml:"status,omitempty"`
	Last      Sample `json:"last" yaml:"last"`
	HasSample bool   `json:"has_sample" yaml:"has_sample"`
	Message   string `json:"message,omitempty" yaml:"message,omitempty"`
}

func idleState(msg string) RuntimeState {
	return RuntimeState{Phase: PhaseIdle, Message: msg}
}

func runningState(h Handle) RuntimeState {
	return RuntimeState{Phase: PhaseRunning, Handle: h}
}

func terminalState(h Handle, status Status, last Sample) RuntimeState {
	return RuntimeState{Phase: PhaseTerminal, Handle: h, Status: status, Last: last, HasSample: true}
}
