package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qatrack/internal/controlplane"
)

// NewServeCmd creates the command that runs the controlplane
func NewServeCmd() *cobra.Command {
	var addr, envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controlplane HTTP API",
		Long: `Run the controlplane HTTP API.

Configuration is read from QATRACK_* environment variables. Without
QATRACK_DATABASE_URL the server keeps everything in memory. Values from
--env-file fill in variables that are not already set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				env, err := loadEnvFile(envFile)
				if err != nil {
					return err
				}
				if err := applyEnvDefaults(env); err != nil {
					return err
				}
			}

			cfg, err := controlplane.LoadConfigFromEnv()
			if err != nil {
				return fmt.Errorf("controlplane configuration error: %w", err)
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return RunServer(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides QATRACK_LISTEN_ADDR)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Path to a .env file with QATRACK_* settings")
	return cmd
}

// RunServer serves the controlplane until ctx is cancelled.
func RunServer(ctx context.Context, cfg controlplane.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv, err := controlplane.NewServer(ctx, cfg, Logger)
	if err != nil {
		return fmt.Errorf("failed to initialise controlplane: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			Logger.Error("controlplane close error", "error", err)
		}
	}()

	// Watch streams are long-lived, so there is no write timeout.
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           loggingMiddleware(srv),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			Logger.Error("controlplane shutdown error", "error", err)
		}
	}()

	Logger.Info("qatrack controlplane listening", "addr", cfg.ListenAddr, "in_memory", cfg.DatabaseURL == "")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("controlplane server error: %w", err)
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		Logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", lrw.status, "duration", time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (l *loggingResponseWriter) WriteHeader(statusCode int) {
	l.status = statusCode
	l.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps server-sent events streaming through the wrapper.
func (l *loggingResponseWriter) Flush() {
	if f, ok := l.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
