package jobctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/step"
	"github.com/sells-group/leadflow/pkg/stepapi"
)

// Event describes a finished unit of work: a sync step result or an async
// job reaching a terminal status.
type Event struct {
	StepID  int     `json:"step_id"`
	Handle  *Handle `json:"handle,omitempty"`
	Status  Status  `json:"status"`
	Sample  Sample  `json:"sample"`
	Caption string  `json:"caption"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithInterval sets the poll cadence.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.interval = d
	}
}

// WithListener registers a callback for every presentation change. It is
// invoked with the controller's lock held and must not call back into it.
func WithListener(fn func(Presentation)) Option {
	return func(c *Controller) {
		c.onChange = fn
	}
}

// WithFinishHook registers a callback run after a sync result or a terminal
// job status, outside the controller's lock.
func WithFinishHook(fn func(context.Context, Event)) Option {
	return func(c *Controller) {
		c.onFinish = fn
	}
}

// Controller owns the runtime state and poll loop of a single step. All
// handlers are serialized by mu; no network call is made while holding it.
type Controller struct {
	def      step.Definition
	client   stepapi.Client
	interval time.Duration
	onChange func(Presentation)
	onFinish func(context.Context, Event)

	ctx context.Context

	// finishing counts terminal transitions whose finish hook has not
	// returned yet. Add happens under mu before the terminal emit.
	finishing sync.WaitGroup

	mu      sync.Mutex
	state   RuntimeState
	poller  *Poller
	lastSeq uint64
	jobs    []stepapi.JobSummary
}

// NewController creates a controller for def. Poll loops end when ctx does.
func NewController(ctx context.Context, def step.Definition, client stepapi.Client, opts ...Option) *Controller {
	c := &Controller{
		def:      def,
		client:   client,
		interval: DefaultPollInterval,
		ctx:      ctx,
		state:    idleState(""),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Definition returns the step this controller drives.
func (c *Controller) Definition() step.Definition {
	return c.def
}

// State returns a copy of the current runtime state.
func (c *Controller) State() RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Presentation returns the current affordances and caption.
func (c *Controller) Presentation() Presentation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Present(c.def, c.state)
}

// Poller returns the active poll loop, or nil.
func (c *Controller) Poller() *Poller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poller
}

// Jobs returns the most recently fetched job summaries.
func (c *Controller) Jobs() []stepapi.JobSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]stepapi.JobSummary, len(c.jobs))
	copy(out, c.jobs)
	return out
}

// RefreshJobs fetches the step's job summaries and caches them.
func (c *Controller) RefreshJobs(ctx context.Context) ([]stepapi.JobSummary, error) {
	jobs, err := c.client.ListJobs(ctx, c.def.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "jobctl: refresh jobs step %d", c.def.ID)
	}
	c.mu.Lock()
	c.jobs = jobs
	c.mu.Unlock()
	return jobs, nil
}

// Submit validates raw parameters and starts an async job with exactly one
// start request. On success a poll loop is attached to the returned job.
func (c *Controller) Submit(ctx context.Context, raw map[string]string) (Handle, error) {
	if !c.def.Async() {
		return Handle{}, eris.Wrapf(ErrWrongKind, "jobctl: submit %s", c.def)
	}

	prev, params, err := c.beginSubmit(raw)
	if err != nil {
		return Handle{}, err
	}

	resp, err := c.client.StartStep(ctx, c.def.ID, params.Body())
	if err == nil && resp.JobID == "" {
		err = eris.New("service returned no job id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		serr := &SubmissionError{StepID: c.def.ID, Err: err}
		prev.Message = "Error: " + serr.Message()
		c.state = prev
		c.emitLocked()
		zap.L().Warn("jobctl: submission failed", zap.Int("step", c.def.ID), zap.Error(err))
		return Handle{}, serr
	}

	h := Handle{JobID: resp.JobID, StepID: c.def.ID}
	c.state = runningState(h)
	c.attachLocked(h)
	c.emitLocked()
	zap.L().Info("jobctl: job submitted", zap.Int("step", c.def.ID), zap.String("job_id", h.JobID))
	return h, nil
}

// RunSync validates raw parameters and runs a synchronous step, returning
// the result caption.
func (c *Controller) RunSync(ctx context.Context, raw map[string]string) (string, error) {
	if c.def.Async() {
		return "", eris.Wrapf(ErrWrongKind, "jobctl: run %s", c.def)
	}

	_, params, err := c.beginSubmit(raw)
	if err != nil {
		return "", err
	}

	resp, err := c.client.StartStep(ctx, c.def.ID, params.Body())

	c.mu.Lock()
	if err != nil {
		serr := &SubmissionError{StepID: c.def.ID, Err: err}
		c.state = idleState("Error: " + serr.Message())
		c.emitLocked()
		c.mu.Unlock()
		return "", serr
	}

	caption := fmt.Sprintf("%s (%d rows processed)", resp.Message, resp.RowsProcessed)
	c.state = idleState(caption)
	c.finishing.Add(1)
	c.emitLocked()
	c.mu.Unlock()

	zap.L().Info("jobctl: step finished",
		zap.Int("step", c.def.ID),
		zap.Int("rows_processed", resp.RowsProcessed),
	)
	c.finish(Event{
		StepID:  c.def.ID,
		Status:  StatusCompleted,
		Sample:  Sample{CurrentRow: resp.RowsProcessed, TotalRows: resp.RowsProcessed, Message: resp.Message},
		Caption: caption,
	})
	return caption, nil
}

// beginSubmit moves the controller to Submitting after validation. It returns
// the prior state so a failed request can restore it.
func (c *Controller) beginSubmit(raw map[string]string) (RuntimeState, step.Params, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseSubmitting || c.state.Phase == PhaseRunning {
		return RuntimeState{}, step.Params{}, ErrBusy
	}

	params, err := step.Validate(c.def.ID, raw)
	if err != nil {
		var verr *step.ValidationError
		if errors.As(err, &verr) {
			st := c.state
			st.Message = verr.Caption()
			c.state = st
			c.emitLocked()
		}
		return RuntimeState{}, step.Params{}, err
	}

	prev := c.state
	c.state = RuntimeState{Phase: PhaseSubmitting}
	c.emitLocked()
	return prev, params, nil
}

// Attach starts polling h, replacing any existing loop for this step.
func (c *Controller) Attach(h Handle) *Poller {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = runningState(h)
	p := c.attachLocked(h)
	c.emitLocked()
	return p
}

// Detach stops the active poll loop, if any, without changing state.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked()
}

// Stop requests cancellation of the running job. On success the step is
// terminal immediately; on failure state and polling are left untouched.
// Stopping a step that is not running is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase != PhaseRunning {
		c.mu.Unlock()
		return nil
	}
	h := c.state.Handle
	c.mu.Unlock()

	if _, err := c.client.StopStep(ctx, c.def.ID); err != nil {
		zap.L().Warn("jobctl: stop failed", zap.Int("step", c.def.ID), zap.String("job_id", h.JobID), zap.Error(err))
		return &StopError{Handle: h, Err: err}
	}

	c.mu.Lock()
	if c.state.Phase != PhaseRunning || c.state.Handle != h {
		c.mu.Unlock()
		return nil
	}
	c.detachLocked()
	last := c.state.Last
	if !c.state.HasSample {
		last.JobID = h.JobID
	}
	c.state = terminalState(h, StatusStopped, last)
	c.finishing.Add(1)
	c.emitLocked()
	c.mu.Unlock()

	zap.L().Info("jobctl: job stopped", zap.Int("step", c.def.ID), zap.String("job_id", h.JobID))
	c.finish(Event{
		StepID:  c.def.ID,
		Handle:  &h,
		Status:  StatusStopped,
		Sample:  last,
		Caption: TerminalCaption(StatusStopped, last),
	})
	return nil
}

// Recover attaches to the first running job the service reports for this
// step. It reports whether a job was recovered.
func (c *Controller) Recover(ctx context.Context) (bool, error) {
	jobs, err := c.client.ListJobs(ctx, c.def.ID)
	if err != nil {
		return false, eris.Wrapf(err, "jobctl: recover step %d", c.def.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.jobs = jobs
	if c.state.Phase == PhaseSubmitting || c.state.Phase == PhaseRunning {
		return false, nil
	}

	j, ok := firstRunning(jobs)
	if !ok {
		return false, nil
	}

	h := Handle{JobID: j.JobID, StepID: c.def.ID}
	c.state = runningState(h)
	c.attachLocked(h)
	c.emitLocked()
	zap.L().Info("jobctl: recovered running job", zap.Int("step", c.def.ID), zap.String("job_id", h.JobID))
	return true, nil
}

// Select switches the step to track jobID. An empty id detaches and resets
// the step to idle.
func (c *Controller) Select(ctx context.Context, jobID string) error {
	if !c.def.Async() {
		return eris.Wrapf(ErrWrongKind, "jobctl: select job on %s", c.def)
	}

	if jobID == "" {
		c.mu.Lock()
		c.detachLocked()
		c.state = idleState("")
		c.emitLocked()
		c.mu.Unlock()
		return nil
	}

	if _, err := c.RefreshJobs(ctx); err != nil {
		zap.L().Warn("jobctl: select using cached job list", zap.Int("step", c.def.ID), zap.Error(err))
	}

	h := Handle{JobID: jobID, StepID: c.def.ID}
	if status := Reconcile(Sample{JobID: jobID, Status: StatusUnknown}, c.Jobs()); status.Terminal() {
		c.showFinished(ctx, h, status)
		return nil
	}

	c.Attach(h)
	return nil
}

// showFinished presents a job the service already lists as finished. Its
// row counts are read once; no poll loop is attached.
func (c *Controller) showFinished(ctx context.Context, h Handle, status Status) {
	last := Sample{JobID: h.JobID, Status: status}
	if p, err := c.client.GetProgress(ctx, c.def.ID, h.JobID); err == nil {
		last = sampleFromProgress(h.JobID, p, 0)
		last.Status = status
	} else {
		zap.L().Debug("jobctl: read finished job progress", zap.Int("step", c.def.ID), zap.String("job_id", h.JobID), zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked()
	c.state = terminalState(h, status, last)
	c.emitLocked()
}

// apply receives one tick's observation from p.
func (c *Controller) apply(p *Poller, obs observation) {
	c.mu.Lock()

	if p != c.poller || obs.sample.Seq <= c.lastSeq || c.state.Phase != PhaseRunning {
		c.mu.Unlock()
		zap.L().Debug("jobctl: discarding stale sample",
			zap.Int("step", c.def.ID),
			zap.String("job_id", p.handle.JobID),
			zap.Uint64("seq", obs.sample.Seq),
		)
		return
	}
	c.lastSeq = obs.sample.Seq

	var jobs []stepapi.JobSummary
	if obs.jobsOK {
		c.jobs = obs.jobs
		jobs = obs.jobs
	}

	s := obs.sample
	s.Status = Reconcile(s, jobs)
	h := c.state.Handle

	if !s.Status.Terminal() {
		c.state.Last = s
		c.state.HasSample = true
		c.emitLocked()
		c.mu.Unlock()
		return
	}

	c.detachLocked()
	c.state = terminalState(h, s.Status, s)
	c.finishing.Add(1)
	c.emitLocked()
	c.mu.Unlock()

	zap.L().Info("jobctl: job finished",
		zap.Int("step", c.def.ID),
		zap.String("job_id", h.JobID),
		zap.String("status", string(s.Status)),
		zap.Int("current_row", s.CurrentRow),
		zap.Int("total_rows", s.TotalRows),
	)
	c.finish(Event{
		StepID:  c.def.ID,
		Handle:  &h,
		Status:  s.Status,
		Sample:  s,
		Caption: TerminalCaption(s.Status, s),
	})
}

// attachLocked replaces the poll loop. Callers hold mu.
func (c *Controller) attachLocked(h Handle) *Poller {
	c.detachLocked()
	c.lastSeq = 0
	p := newPoller(c.ctx, h, c.interval, c.client, c.apply)
	c.poller = p
	p.start()
	return p
}

func (c *Controller) detachLocked() {
	if c.poller == nil {
		return
	}
	c.poller.Detach()
	c.poller = nil
}

func (c *Controller) emitLocked() {
	if c.onChange != nil {
		c.onChange(Present(c.def, c.state))
	}
}

// WaitFinished blocks until every finish hook started so far has returned.
// A presentation showing a finished step is emitted before its hook runs.
func (c *Controller) WaitFinished() {
	c.finishing.Wait()
}

// finish refreshes the job list after async work and runs the finish hook.
// Callers must have counted it in finishing.
func (c *Controller) finish(ev Event) {
	defer c.finishing.Done()

	if c.def.Async() {
		if _, err := c.RefreshJobs(c.ctx); err != nil {
			zap.L().Warn("jobctl: refresh jobs after finish", zap.Int("step", c.def.ID), zap.Error(err))
		}
	}
	if c.onFinish != nil {
		c.onFinish(c.ctx, ev)
	}
}
