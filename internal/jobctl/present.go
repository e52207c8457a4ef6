package jobctl

import (
	"fmt"

	"github.com/sells-group/leadflow/internal/step"
)

// Presentation is what a renderer shows for one step. It is derived purely
// from the step definition and its runtime state.
type Presentation struct {
	StepID      int    `json:"step_id" yaml:"step_id"`
	Title       string `json:"title" yaml:"title"`
	Phase       Phase  `json:"phase" yaml:"phase"`
	JobID       string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	RunEnabled  bool   `json:"run_enabled" yaml:"run_enabled"`
	StopEnabled bool   `json:"stop_enabled" yaml:"stop_enabled"`
	Caption     string `json:"caption" yaml:"caption"`
	// Available is filled in by the Session from folder listings.
	Available bool `json:"available" yaml:"available"`
}

// Present derives the affordances and caption for a step.
func Present(def step.Definition, st RuntimeState) Presentation {
	p := Presentation{
		StepID: def.ID,
		Title:  def.Title,
		Phase:  st.Phase,
	}

	switch st.Phase {
	case PhaseSubmitting:
		p.Caption = def.StartingMessage

	case PhaseRunning:
		p.JobID = st.Handle.JobID
		p.StopEnabled = true
		p.Caption = runningCaption(st)

	case PhaseTerminal:
		p.JobID = st.Handle.JobID
		p.RunEnabled = true
		if st.Message != "" {
			p.Caption = st.Message
		} else {
			p.Caption = TerminalCaption(st.Status, st.Last)
		}

	default:
		p.Phase = PhaseIdle
		p.RunEnabled = true
		p.Caption = st.Message
	}

	return p
}

// TerminalCaption formats the final line shown for a finished job.
func TerminalCaption(status Status, last Sample) string {
	return fmt.Sprintf("Job %s (%d/%d rows processed)", status, last.CurrentRow, last.TotalRows)
}

func runningCaption(st RuntimeState) string {
	if st.HasSample {
		if st.Last.Message != "" {
			return st.Last.Message
		}
		if st.Last.TotalRows > 0 {
			return fmt.Sprintf("Processing row %d/%d", st.Last.CurrentRow, st.Last.TotalRows)
		}
	}
	return fmt.Sprintf("Running job %s...", st.Handle.JobID)
}
