// Package api serves engine snapshots and accepts user commands over HTTP
// for renderers.
//
// Reads come from the latest published snapshot. Commands are queued on
// the engine and answered with 202 before the backend round-trip
// completes; renderers observe the outcome in later snapshots.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/loopsync/internal/engine"
	"github.com/roach88/loopsync/internal/push"
)

// Engine is the part of the engine the API needs.
type Engine interface {
	Snapshot() engine.Snapshot
	Submit(cmd engine.Command) bool
}

// Server is the renderer HTTP API.
type Server struct {
	eng    Engine
	status func() push.Status
	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithPushStatus exposes the push connection state on /api/status.
func WithPushStatus(fn func() push.Status) Option {
	return func(s *Server) {
		s.status = fn
	}
}

// NewServer builds the router.
func NewServer(eng Engine, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{eng: eng}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors())

	r.GET("/api/snapshot", s.getSnapshot)
	r.GET("/api/status", s.getStatus)
	r.GET("/api/timeline", s.getTimeline)
	r.GET("/api/highlights", s.getHighlights)
	r.GET("/api/loops", s.listLoops)
	r.GET("/api/loops/:id", s.getLoop)

	r.POST("/api/loops", s.createLoop)
	r.POST("/api/loops/:id/select", s.selectLoop)
	r.POST("/api/loops/:id/toggle", s.toggleLoop)
	r.POST("/api/loops/:id/clear", s.clearLoop)
	r.POST("/api/loops/:id/active", s.setActive)
	r.DELETE("/api/loops/:id", s.deleteLoop)
	r.POST("/api/deselect", s.deselect)

	r.POST("/api/transport/start", s.startTransport)
	r.POST("/api/transport/toggle", s.toggleTransport)
	r.POST("/api/metronome", s.toggleMetronome)

	r.POST("/api/test/events", s.addTestEvent)
	r.POST("/api/test/events/clear", s.clearTestEvents)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	slog.Info("api listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// cors lets browser renderers on other origins call the API.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
