package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarrystor/quarry/pkg/log"
	"github.com/quarrystor/quarry/pkg/manager"
	"github.com/quarrystor/quarry/pkg/metrics"
)

// Config configures the admin API server.
type Config struct {
	Address        string
	MetricsEnabled bool
}

// Server is the admin HTTP API: volume lifecycle, stats, health and
// shutdown. All state flows through the manager; the server carries no
// state of its own.
type Server struct {
	mgr    *manager.Manager
	cfg    Config
	logger zerolog.Logger
	srv    *http.Server
}

// NewServer creates the API server around a started manager.
func NewServer(mgr *manager.Manager, cfg Config) *Server {
	s := &Server{
		mgr:    mgr,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}
	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/volumes", func(r chi.Router) {
			r.Post("/", s.handleCreateVolume)
			r.Get("/", s.handleListVolumes)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetVolume)
				r.Delete("/", s.handleRemoveVolume)
				r.Get("/stats", s.handleVolumeStats)
			})
		})
		r.Get("/status", s.handleStatus)
		r.Post("/shutdown", s.handleShutdown)
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.cfg.Address).Msg("API server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requestLogger logs completed requests and feeds the API metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(duration.Seconds())

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", duration).
			Msg("request completed")
	})
}

// pathVolumeID parses the {id} route parameter.
func pathVolumeID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}
