// Package api is the HTTP front door of the service: liveness, the masked
// process environment and counter snapshots.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/funnel/internal/config"
	"github.com/roach88/funnel/internal/metrics"
	"github.com/roach88/funnel/internal/runner"
)

// HealthSource reports runner health; *runner.Health implements it.
type HealthSource interface {
	Status() runner.Status
}

// Pinger checks the database; *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the handlers. Any of them may be nil.
type Deps struct {
	Health  HealthSource
	DB      Pinger
	Metrics *metrics.Metrics
	// Env supplies the environment for /envs. Defaults to config.Environ.
	Env    func() map[string]string
	Logger *slog.Logger
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string       `json:"status"`
	State     runner.State `json:"state,omitempty"`
	Since     *time.Time   `json:"since,omitempty"`
	Cycles    int          `json:"cycles"`
	LastError string       `json:"last_error,omitempty"`
	Database  string       `json:"database,omitempty"`
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Env == nil {
		d.Env = config.Environ
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))
	r.GET("/health", HealthHandler(d.Health, d.DB))
	r.GET("/envs", EnvsHandler(d.Env))
	r.GET("/stats", StatsHandler(d.Metrics))
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

// HealthHandler handles GET /health. It answers 500 while the runner is
// degraded, cooling down or stopped, or when the database does not answer.
func HealthHandler(h HealthSource, db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := HealthResponse{Status: "ok"}
		code := http.StatusOK

		if h != nil {
			st := h.Status()
			since := st.Since
			resp.State, resp.Since, resp.Cycles, resp.LastError = st.State, &since, st.Cycles, st.LastError
			switch st.State {
			case runner.StateStarting:
				resp.Status = "starting"
			case runner.StateRunning:
			default:
				resp.Status, code = "degraded", http.StatusInternalServerError
			}
		}

		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				resp.Status, resp.Database, code = "degraded", err.Error(), http.StatusInternalServerError
			} else {
				resp.Database = "ok"
			}
		}
		c.JSON(code, resp)
	}
}

// EnvsHandler handles GET /envs with secrets hidden.
func EnvsHandler(env func() map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, config.HidePasswords(env()))
	}
}

// StatsHandler handles GET /stats with the counter snapshot.
func StatsHandler(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"counters": m.Snapshot()})
	}
}

// Serve runs the router on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}
