// Package transport binds CommandSurface (C9) and the queue's read-only
// queries to HTTP, via a chi router. Every handler translates a request into
// one CommandSurface call and maps the resulting error through
// apperr.HTTPStatus; no domain logic lives here.
package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"orchestrator/internal/apperr"
	"orchestrator/internal/command"
	"orchestrator/internal/observability"
	"orchestrator/internal/queue"
)

// Server wires the HTTP surface over a CommandSurface.
type Server struct {
	router   chi.Router
	commands *command.Surface
	queue    *queue.Queue
	metrics  *observability.Metrics
	registry interface{ ServeHTTP(http.ResponseWriter, *http.Request) }
	log      *zap.Logger
}

// Options configures New.
type Options struct {
	Commands       *command.Surface
	Queue          *queue.Queue
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Logger         *zap.Logger
	CORSOrigins    []string
}

// New builds the chi router for the HTTP surface.
func New(opts Options) *Server {
	s := &Server{commands: opts.Commands, queue: opts.Queue, metrics: opts.Metrics, log: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/episodes/{episodeID}", func(r chi.Router) {
		r.Post("/stages/{stage}", s.handleEnqueueStage)
		r.Post("/pipeline", s.handleRunPipeline)
		r.Delete("/pipeline", s.handleCancelPipeline)
		r.Get("/failure", s.handleEpisodeFailure)
		r.Post("/retry", s.handleRetryEpisode)
	})

	r.Route("/tasks/{taskID}", func(r chi.Router) {
		r.Get("/", s.handleTaskStatus)
		r.Post("/bump", s.handleBump)
		r.Get("/progress", s.handleCurrentProgress)
		r.Get("/progress/stream", s.handleStreamProgress)
	})

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", s.handleDLQList)
		r.Post("/retry-all", s.handleRetryAllDLQ)
		r.Post("/{taskID}/retry", s.handleRetryDLQOne)
		r.Post("/{taskID}/skip", s.handleSkipDLQOne)
	})

	r.Get("/queue", s.handleQueueSnapshot)

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{"error": err.Error()})
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}
