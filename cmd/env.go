package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadflow/internal/jobctl"
	"github.com/sells-group/leadflow/internal/notify"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/step"
	"github.com/sells-group/leadflow/pkg/stepapi"
)

var errJobNeedsOneStep = eris.New("--job requires exactly one step")

// environment holds the components shared by every command.
type environment struct {
	Session  *jobctl.Session
	Breakers *resilience.Breakers
}

// Close stops polling and waits for finish hooks underway.
func (e *environment) Close() {
	e.Session.Close()
}

// newClient builds the pipeline service client from the loaded config.
func newClient(breakers *resilience.Breakers) stepapi.Client {
	opts := []stepapi.Option{
		stepapi.WithBaseURL(cfg.API.BaseURL),
		stepapi.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout()}),
		stepapi.WithRetry(resilience.RetryFromConfig(cfg.Retry)),
		stepapi.WithBreakers(breakers),
	}
	if cfg.API.RequestsPerSecond > 0 {
		burst := cfg.API.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, stepapi.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.API.RequestsPerSecond), burst)))
	}
	return stepapi.NewClient(opts...)
}

// initEnv validates config for mode and builds the session. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*environment, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	breakers := resilience.NewBreakers(resilience.CircuitFromConfig(cfg.Circuit))
	opts := []jobctl.SessionOption{jobctl.WithPollInterval(cfg.Poll.Interval())}
	if wh := notify.NewWebhook(cfg.Notify); wh.Enabled() {
		opts = append(opts, jobctl.WithNotifier(wh))
	}
	return &environment{
		Session:  jobctl.NewSession(ctx, newClient(breakers), opts...),
		Breakers: breakers,
	}, nil
}

// parseStepID resolves a step argument against the registry.
func parseStepID(arg string) (step.Definition, error) {
	id, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return step.Definition{}, eris.Errorf("invalid step %q", arg)
	}
	def, ok := step.Lookup(id)
	if !ok {
		return step.Definition{}, eris.Errorf("unknown step %d", id)
	}
	return def, nil
}

// controllerFor returns the session's controller for a step argument.
func controllerFor(session *jobctl.Session, arg string) (*jobctl.Controller, error) {
	def, err := parseStepID(arg)
	if err != nil {
		return nil, err
	}
	c, _ := session.Controller(def.ID)
	return c, nil
}
