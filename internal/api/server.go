package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ignite/leadflow/internal/config"
	"github.com/ignite/leadflow/internal/queue"
)

// Server is the ingestion HTTP server.
type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	server *http.Server
	db     *sql.DB
	queues []*queue.Queue
}

// NewServer builds the server and mounts all routes. leads may be nil
// when the inspection endpoint is not wired, as in some tests.
func NewServer(cfg config.ServerConfig, ingest *IngestHandler, leads *LeadsHandler, db *sql.DB, queues ...*queue.Queue) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		db:     db,
		queues: queues,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Webhook-Signature"},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/events/ingest", ingest.HandleIngest)
	if leads != nil {
		s.router.Get("/leads/{id}", leads.HandleGet)
	}

	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until the context is cancelled, then drains
// in-flight requests within the configured grace window.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.GetHost(), s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] Listening on %s", addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace())
	defer cancel()
	log.Printf("[Server] Shutting down, draining for up to %s", s.cfg.ShutdownGrace())
	return s.server.Shutdown(shutdownCtx)
}

// handleHealth reports process liveness plus database reachability and
// queue depths, which is what on-call actually looks at first.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = sanitizedError(http.StatusServiceUnavailable, err, "unreachable")
			status = http.StatusServiceUnavailable
		} else {
			resp["database"] = "ok"
		}
	}

	depths := map[string]map[string]int64{}
	for _, q := range s.queues {
		d, err := q.Depths(ctx)
		if err != nil {
			resp["status"] = "degraded"
			resp["queues"] = sanitizedError(http.StatusServiceUnavailable, err, "unreachable")
			status = http.StatusServiceUnavailable
			depths = nil
			break
		}
		depths[q.Name()] = d
	}
	if depths != nil && len(s.queues) > 0 {
		resp["queues"] = depths
	}

	respondJSON(w, status, resp)
}
