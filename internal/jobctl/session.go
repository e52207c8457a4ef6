package jobctl

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadflow/internal/step"
	"github.com/sells-group/leadflow/pkg/stepapi"
)

// Notifier is told about finished work. Delivery failures are logged only.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	interval time.Duration
	notifier Notifier
}

// WithPollInterval sets the poll cadence of every step.
func WithPollInterval(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.interval = d
	}
}

// WithNotifier sends finished-work events to n.
func WithNotifier(n Notifier) SessionOption {
	return func(c *sessionConfig) {
		c.notifier = n
	}
}

// Session holds one Controller per registered step, tracks which steps have
// input available and fans presentation changes out to subscribers.
type Session struct {
	client      stepapi.Client
	notifier    Notifier
	controllers map[int]*Controller
	defs        []step.Definition
	cancel      context.CancelFunc

	mu        sync.Mutex
	available map[int]bool
	subs      map[int]chan Presentation
	nextSub   int
}

// NewSession creates controllers for every registered step. Poll loops stop
// when ctx ends or Close is called.
func NewSession(ctx context.Context, client stepapi.Client, opts ...SessionOption) *Session {
	cfg := sessionConfig{interval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		client:      client,
		notifier:    cfg.notifier,
		controllers: make(map[int]*Controller),
		defs:        step.All(),
		cancel:      cancel,
		available:   make(map[int]bool),
		subs:        make(map[int]chan Presentation),
	}

	for _, def := range s.defs {
		s.controllers[def.ID] = NewController(ctx, def, client,
			WithInterval(cfg.interval),
			WithListener(s.publish),
			WithFinishHook(s.onFinish),
		)
		if def.InputFolder == "" {
			s.available[def.ID] = true
		}
	}
	return s
}

// Controller returns the controller for a step id.
func (s *Session) Controller(stepID int) (*Controller, bool) {
	c, ok := s.controllers[stepID]
	return c, ok
}

// Bootstrap recovers running jobs for every async step and refreshes step
// availability, all concurrently. Every part runs even if another fails;
// the first error is returned.
func (s *Session) Bootstrap(ctx context.Context) error {
	var g errgroup.Group

	g.Go(func() error {
		return s.RefreshAvailability(ctx)
	})

	for _, def := range s.defs {
		if !def.Async() {
			continue
		}
		c := s.controllers[def.ID]
		g.Go(func() error {
			_, err := c.Recover(ctx)
			if err != nil {
				zap.L().Warn("jobctl: recovery failed", zap.Int("step", def.ID), zap.Error(err))
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "jobctl: bootstrap")
	}
	return nil
}

// RefreshAvailability lists each step's input folder. A step is available
// when its folder has at least one file; steps without an input folder are
// always available. A failed listing keeps that step's previous value.
func (s *Session) RefreshAvailability(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var (
		mu      sync.Mutex
		updates = make(map[int]bool)
	)
	for _, def := range s.defs {
		if def.InputFolder == "" {
			continue
		}
		g.Go(func() error {
			files, err := s.client.ListFiles(gctx, def.InputFolder)
			if err != nil {
				zap.L().Warn("jobctl: list input folder",
					zap.Int("step", def.ID),
					zap.String("folder", def.InputFolder),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			updates[def.ID] = len(files) > 0
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	changed := make([]int, 0, len(updates))
	for id, ok := range updates {
		if s.available[id] != ok {
			changed = append(changed, id)
		}
		s.available[id] = ok
	}
	s.mu.Unlock()

	for _, id := range changed {
		s.publish(s.controllers[id].Presentation())
	}

	if len(updates) < countWithInput(s.defs) {
		return eris.New("jobctl: refresh availability: some folders could not be listed")
	}
	return nil
}

// Available reports whether a step has input to work on.
func (s *Session) Available(stepID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available[stepID]
}

// Snapshot returns every step's presentation ordered by step id.
func (s *Session) Snapshot() []Presentation {
	out := make([]Presentation, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, s.controllers[def.ID].Presentation())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range out {
		out[i].Available = s.available[out[i].StepID]
	}
	return out
}

// Subscribe returns a channel of presentation changes and a cancel func.
// Sends never block: a subscriber that falls behind loses updates and should
// re-read Snapshot.
func (s *Session) Subscribe(buffer int) (<-chan Presentation, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Presentation, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Close stops every poll loop and waits for finish hooks already underway,
// so a job that just finished still refreshes and notifies before the
// session context is cancelled.
func (s *Session) Close() {
	for _, c := range s.controllers {
		c.Detach()
	}
	for _, c := range s.controllers {
		c.WaitFinished()
	}
	s.cancel()
}

func (s *Session) publish(p Presentation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Available = s.available[p.StepID]
	for _, ch := range s.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (s *Session) onFinish(ctx context.Context, ev Event) {
	if err := s.RefreshAvailability(ctx); err != nil {
		zap.L().Warn("jobctl: refresh availability after finish", zap.Int("step", ev.StepID), zap.Error(err))
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		zap.L().Warn("jobctl: notify failed", zap.Int("step", ev.StepID), zap.Error(err))
	}
}

func countWithInput(defs []step.Definition) int {
	n := 0
	for _, d := range defs {
		if d.InputFolder != "" {
			n++
		}
	}
	return n
}
