package jobctl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadflow/pkg/stepapi"
)

// DefaultPollInterval is the cadence of progress requests.
const DefaultPollInterval = 5 * time.Second

// observation is what one tick fetched.
type observation struct {
	sample Sample
	jobs   []stepapi.JobSummary
	jobsOK bool
}

// Poller issues progress requests for one job on a fixed cadence. Ticks fire
// on the wall clock whether or not earlier requests have returned; each tick
// carries a monotonic sequence number so the receiver can drop stale results.
type Poller struct {
	handle   Handle
	interval time.Duration
	client   stepapi.Client
	deliver  func(p *Poller, obs observation)

	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint64

	inflight sync.WaitGroup
	done     chan struct{}
}

func newPoller(parent context.Context, h Handle, interval time.Duration, client stepapi.Client, deliver func(*Poller, observation)) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(parent)
	return &Poller{
		handle:   h,
		interval: interval,
		client:   client,
		deliver:  deliver,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Handle returns the job this poller tracks.
func (p *Poller) Handle() Handle {
	return p.handle
}

// Detach stops the loop and cancels in-flight requests. Safe to call more
// than once.
func (p *Poller) Detach() {
	p.cancel()
}

// Detached reports whether Detach has been called or the parent context ended.
func (p *Poller) Detached() bool {
	return p.ctx.Err() != nil
}

// Done is closed when the tick loop has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the loop and every in-flight request have finished.
// It must not be called while holding the owning controller's lock.
func (p *Poller) Wait() {
	<-p.done
	p.inflight.Wait()
}

func (p *Poller) start() {
	go p.run()
}

func (p *Poller) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	seq := p.seq.Add(1)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()

		obs, err := p.fetch(p.ctx, seq)
		if p.ctx.Err() != nil {
			return
		}
		if err != nil {
			zap.L().Warn("jobctl: poll tick failed",
				zap.Int("step", p.handle.StepID),
				zap.String("job_id", p.handle.JobID),
				zap.Uint64("seq", seq),
				zap.Error(err),
			)
			return
		}
		p.deliver(p, obs)
	}()
}

// fetch requests progress and the step's job list concurrently. A failed
// job list is tolerated; the sample's own status is used instead.
func (p *Poller) fetch(ctx context.Context, seq uint64) (observation, error) {
	var obs observation

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prog, err := p.client.GetProgress(gctx, p.handle.StepID, p.handle.JobID)
		if err != nil {
			return err
		}
		obs.sample = sampleFromProgress(p.handle.JobID, prog, seq)
		return nil
	})
	g.Go(func() error {
		jobs, err := p.client.ListJobs(gctx, p.handle.StepID)
		if err != nil {
			zap.L().Debug("jobctl: job list unavailable for tick",
				zap.Int("step", p.handle.StepID),
				zap.Uint64("seq", seq),
				zap.Error(err),
			)
			return nil
		}
		obs.jobs = jobs
		obs.jobsOK = true
		return nil
	})

	if err := g.Wait(); err != nil {
		return observation{}, eris.Wrapf(err, "jobctl: poll %s", p.handle)
	}
	return obs, nil
}
