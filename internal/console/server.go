// Package console serves step presentations and controls over HTTP.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/config"
	"github.com/sells-group/leadflow/internal/jobctl"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/step"
)

// DefaultCommandTimeout bounds run and stop requests once they are detached
// from the HTTP request.
const DefaultCommandTimeout = 30 * time.Second

// Server exposes a Session as JSON endpoints plus a server-sent event stream.
type Server struct {
	session        *jobctl.Session
	cfg            config.ConsoleConfig
	breakers       *resilience.Breakers
	commandTimeout time.Duration
	router         chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithBreakers reports the client's circuit breakers on /health.
func WithBreakers(b *resilience.Breakers) Option {
	return func(s *Server) {
		s.breakers = b
	}
}

// WithCommandTimeout bounds run and stop calls to the pipeline service.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.commandTimeout = d
		}
	}
}

// New builds the router for session.
func New(session *jobctl.Session, cfg config.ConsoleConfig, opts ...Option) *Server {
	s := &Server{session: session, cfg: cfg, commandTimeout: DefaultCommandTimeout}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/steps", s.handleSnapshot)
		r.Get("/events", s.handleEvents)
		r.Route("/steps/{stepID}", func(r chi.Router) {
			r.Get("/", s.handleStep)
			r.Post("/run", s.handleRun)
			r.Post("/stop", s.handleStop)
			r.Post("/select", s.handleSelect)
			r.Get("/jobs", s.handleJobs)
		})
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("console: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	zap.L().Info("console: listening", zap.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "console: listen")
	}
	return nil
}

type healthResponse struct {
	Status   string                     `json:"status"`
	Breakers []resilience.BreakerStatus `json:"breakers,omitempty"`
}

// handleHealth reports "degraded" while any breaker to the pipeline service
// is open. The console itself keeps serving.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.breakers != nil {
		resp.Breakers = s.breakers.States()
		if s.breakers.AnyOpen() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// commandContext detaches a start or stop call from the HTTP request. A
// client that disconnects must not cancel a request the service may already
// have acted on.
func (s *Server) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.commandTimeout)
}

type stepResponse struct {
	Definition   step.Definition     `json:"definition"`
	Presentation jobctl.Presentation `json:"presentation"`
}

type errorResponse struct {
	Error  string             `json:"error"`
	Fields []step.FieldError `json:"fields,omitempty"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"steps": s.session.Snapshot()})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	p := c.Presentation()
	p.Available = s.session.Available(p.StepID)
	writeJSON(w, http.StatusOK, stepResponse{Definition: c.Definition(), Presentation: p})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}

	raw := map[string]string{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}

	ctx, cancel := s.commandContext(r)
	defer cancel()

	if c.Definition().Async() {
		h, err := c.Submit(ctx, raw)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": h.JobID, "presentation": c.Presentation()})
		return
	}

	caption, err := c.RunSync(ctx, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": caption, "presentation": c.Presentation()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()

	if err := c.Stop(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presentation": c.Presentation()})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := c.Select(r.Context(), req.JobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presentation": c.Presentation()})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	if !c.Definition().Async() {
		writeError(w, jobctl.ErrWrongKind)
		return
	}
	jobs, err := c.RefreshJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"step": c.Definition().ID, "jobs": jobs})
}

// handleEvents streams presentation changes as server-sent events. The
// current snapshot is sent first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	updates, cancel := s.session.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, p := range s.session.Snapshot() {
		if err := writeEvent(w, p); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case p, open := <-updates:
			if !open {
				return
			}
			if err := writeEvent(w, p); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, p jobctl.Presentation) error {
	data, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "console: marshal event")
	}
	_, err = fmt.Fprintf(w, "event: step\ndata: %s\n\n", data)
	return err
}

func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*jobctl.Controller, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "stepID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid step id"})
		return nil, false
	}
	c, ok := s.session.Controller(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown step %d", id)})
		return nil, false
	}
	return c, true
}

// writeError maps controller errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *step.ValidationError
		serr *jobctl.SubmissionError
		stop *jobctl.StopError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Caption(), Fields: verr.Fields})
	case errors.Is(err, jobctl.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "step is busy"})
	case errors.Is(err, jobctl.ErrWrongKind):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "operation not supported for this step"})
	case errors.As(err, &serr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: serr.Message()})
	case errors.As(err, &stop):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: stop.Message()})
	default:
		zap.L().Error("console: request failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("console: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
