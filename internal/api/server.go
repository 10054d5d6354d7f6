// Package api exposes the automation core over HTTP: event ingress, delay
// resumption, run inspection and workflow diagrams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	"github.com/rendis/crmflow/internal/diagram"
	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/scheduler"
	"github.com/rendis/crmflow/internal/streaming"
	"github.com/rendis/crmflow/pkg/schema"
)

// Dispatcher turns events into runs and resumes waiting runs.
// *engine.Emitter satisfies it.
type Dispatcher interface {
	EmitAll(ctx context.Context, events []schema.PipelineEvent) *engine.DispatchReport
	ResumeDelay(ctx context.Context, runID, stepID string) (*engine.ExecutionResult, error)
}

// RunReader reads run state. *engine.Executor satisfies it.
type RunReader interface {
	Status(ctx context.Context, runID string) (*engine.RunSnapshot, error)
}

// DelayTicker resumes due delays on demand. *scheduler.DelayScheduler satisfies it.
type DelayTicker interface {
	Tick(ctx context.Context) (*scheduler.TickReport, error)
}

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

// Server provides the HTTP endpoints.
type Server struct {
	router     chi.Router
	dispatcher Dispatcher
	runs       RunReader
	ticker     DelayTicker
	diagrams   diagram.Source
	events     streaming.EventHub
	validate   *validator.Validate
	origins    []string
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTicker enables POST /v1/delays/tick.
func WithTicker(t DelayTicker) ServerOption {
	return func(s *Server) {
		s.ticker = t
	}
}

// WithDiagrams enables GET /v1/workflows/{workflowID}/diagram.
func WithDiagrams(src diagram.Source) ServerOption {
	return func(s *Server) {
		s.diagrams = src
	}
}

// WithEvents enables the GET /v1/stream server-sent event feed.
func WithEvents(hub streaming.EventHub) ServerOption {
	return func(s *Server) {
		s.events = hub
	}
}

// WithAllowedOrigins restricts CORS origins. The default allows any origin.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithRequestTimeout bounds the handling time of a request.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer creates a new API server.
func NewServer(d Dispatcher, runs RunReader, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher: d,
		runs:       runs,
		validate:   newRequestValidator(),
		origins:    []string{"*"},
		timeout:    defaultRequestTimeout,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		// Streams outlive the request timeout.
		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Post("/events", s.handleEmitEvents)

			r.Route("/runs/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/resume", s.handleResumeRun)
			})

			r.Post("/delays/tick", s.handleTickDelays)

			r.Get("/workflows/{workflowID}/diagram", s.handleWorkflowDiagram)
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string       `json:"error"`
	Code   string       `json:"code,omitempty"`
	Fields []fieldError `json:"fields,omitempty"`
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondFlowError maps err onto a status code. Errors that are not a
// FlowError are reported as 500 without their message.
func (s *Server) respondFlowError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := httpStatusForFlowError(fe)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, errorResponse{Error: fe.Message, Code: fe.Code})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   s.now().Format(time.RFC3339),
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
