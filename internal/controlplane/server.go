package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rocketship-ai/qatrack/internal/controlplane/persistence"
	"github.com/rocketship-ai/qatrack/internal/database"
	"github.com/rocketship-ai/qatrack/internal/environment"
	"github.com/rocketship-ai/qatrack/internal/realtime"
)

// Server exposes the environment API and live watches over HTTP.
type Server struct {
	cfg      Config
	store    dataStore
	machine  *environment.Machine
	envHub   *realtime.EnvironmentHub
	storeHub *realtime.StoreHub
	mux      *http.ServeMux
	logger   *slog.Logger
	now      func() time.Time
	closers  []func() error
}

// Close releases the database handles held by the server.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) nowUTC() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

// NewServer constructs a server from cfg. Without a database URL it runs on
// the in-memory store. The change listener runs until ctx is cancelled.
func NewServer(ctx context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.DatabaseURL == "" {
		logger.Warn("QATRACK_DATABASE_URL not set, using in-memory store")
		mem := persistence.NewMemoryStore()
		return newServerWithComponents(cfg, mem, mem, logger)
	}

	store, err := persistence.NewStore(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}

	pool, err := database.Connect(ctx, database.Config{URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open listener pool: %w", err)
	}

	listener := persistence.NewListener(pool, store, logger)
	go runListener(ctx, listener, logger)

	srv, err := newServerWithComponents(cfg, store, listener, logger)
	if err != nil {
		pool.Close()
		_ = store.Close()
		return nil, err
	}
	srv.closers = append(srv.closers, store.Close, func() error {
		pool.Close()
		return nil
	})
	return srv, nil
}

const listenerRetryDelay = 5 * time.Second

// runListener restarts the change listener after a lost connection. Watches
// open at the time of the failure receive its error and must re-attach.
func runListener(ctx context.Context, listener *persistence.Listener, logger *slog.Logger) {
	for {
		err := listener.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Error("environment change listener stopped", "error", err, "retry_in", listenerRetryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenerRetryDelay):
		}
	}
}

func newServerWithComponents(cfg Config, store dataStore, feed realtime.Feed, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("data store is required")
	}
	if feed == nil {
		return nil, fmt.Errorf("change feed is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		cfg:      cfg,
		store:    store,
		envHub:   realtime.NewEnvironmentHub(feed, logger),
		storeHub: realtime.NewStoreHub(feed, logger),
		mux:      http.NewServeMux(),
		logger:   logger,
		now:      time.Now,
	}
	srv.machine = environment.NewMachine(store,
		environment.WithClock(srv.nowUTC),
		environment.WithLogger(logger),
		environment.WithScenarioReset(environment.ScenarioResetPolicy(cfg.ScenarioReset)),
	)
	srv.routes()
	return srv, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/environments", s.withIdentity(s.handleEnvironmentsCollection))
	s.mux.HandleFunc("/api/environments/", s.withIdentity(s.handleEnvironmentRoutes))
	s.mux.HandleFunc("/api/stores/", s.withIdentity(s.handleStoreRoutes))
}

// ServeHTTP satisfies http.Handler with CORS support.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}

// corsMiddleware adds CORS headers for browser requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the request origin is allowed for CORS
func (s *Server) isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"live_watches": s.envHub.Len() + s.storeHub.Len(),
	})
}
