package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/renderloop/renderq/pkg/bus"
	"github.com/renderloop/renderq/pkg/config"
	"github.com/renderloop/renderq/pkg/executor"
	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/metrics"
	"github.com/renderloop/renderq/pkg/pool"
	"github.com/renderloop/renderq/pkg/queue"
	"github.com/renderloop/renderq/pkg/sensor"
	"github.com/renderloop/renderq/pkg/store"
)

// Server is the HTTP and WebSocket front of the scheduling core. It
// holds handles to every component; none of them reference it back.
type Server struct {
	cfg    config.Config
	queue  *queue.Queue
	pool   *pool.Pool
	exec   *executor.Executor
	sensor *sensor.Sensor
	bus    *bus.Bus
	store  *store.Store
	auth   *keyAuth
	logger zerolog.Logger

	httpSrv *http.Server
}

// New wires the server over its component handles.
func New(cfg config.Config, q *queue.Queue, p *pool.Pool, e *executor.Executor, sn *sensor.Sensor, b *bus.Bus, st *store.Store) *Server {
	s := &Server{
		cfg:    cfg,
		queue:  q,
		pool:   p,
		exec:   e,
		sensor: sn,
		bus:    b,
		store:  st,
		auth:   newKeyAuth(cfg.APIKey),
		logger: log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws/{promptID}", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Post("/generate", s.handleGenerate)
		r.Get("/status/{promptID}", s.handleStatus)
		r.Post("/cancel/{promptID}", s.handleCancel)
		r.Get("/images/{filename}", s.handleImage)

		r.Get("/queue/status", s.handleQueueStatus)
		r.Post("/queue/recover", s.handleRecoverDeadLetter)
		r.Get("/queue/{taskID}", s.handleQueueJob)

		r.Get("/workers/status", s.handleWorkersStatus)
		r.Post("/workers/pause", s.handleWorkersPause)
		r.Post("/workers/resume", s.handleWorkersResume)
		r.Post("/workers/scale", s.handleWorkersScale)

		r.Get("/resources/status", s.handleResourcesStatus)

		r.Post("/workflows", s.handleSaveWorkflow)
		r.Get("/workflows/{workflowID}", s.handleGetWorkflow)

		r.Post("/builds", s.handleCreateBuild)
		r.Get("/builds/{buildID}", s.handleGetBuild)
		r.Get("/builds/{buildID}/logs", s.handleBuildLogs)
	})

	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("api server listening")
	metrics.RegisterComponent("api", true, "")

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("api server failed")
			metrics.UpdateComponent("api", false, err.Error())
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	return nil
}
