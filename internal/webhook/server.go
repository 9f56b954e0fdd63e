// Package webhook serves Mattermost outgoing webhooks and the operational
// endpoints: health, Prometheus metrics, and a snapshot of tracked
// notifications.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/engine"
	"github.com/zulandar/signalbox/internal/metrics"
)

// DefaultPath is where Mattermost posts outgoing webhooks.
const DefaultPath = "/mattermost_webhook"

// Engine is what the server needs from the relay engine.
// *engine.Engine implements it.
type Engine interface {
	Ingest(ctx context.Context, in engine.Inbound) (engine.Outcome, error)
	Snapshot() []engine.ItemSnapshot
	QueueLen() int
}

// Opts holds configuration for the webhook server.
type Opts struct {
	Engine  Engine
	Metrics *metrics.Metrics
	Port    int
	Path    string // webhook route; defaults to DefaultPath
	Token   string // static token; empty disables the check
	Ingest  bool   // false serves only the operational endpoints
	Out     io.Writer
}

// Server is the gin router plus its listen address.
type Server struct {
	router *gin.Engine
	port   int
	out    io.Writer
}

// New validates opts and builds the router.
func New(opts Opts) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("webhook: engine is required")
	}
	if opts.Metrics == nil {
		return nil, fmt.Errorf("webhook: metrics are required")
	}
	if opts.Port <= 0 {
		opts.Port = 5000
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if !strings.HasPrefix(opts.Path, "/") {
		opts.Path = "/" + opts.Path
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestID(), accessLog(), recovery(), instrument(opts.Metrics))

	h := &handlers{engine: opts.Engine, token: opts.Token}
	if opts.Ingest {
		router.POST(opts.Path, h.webhook)
	}
	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	router.GET("/api/pending", h.pending)

	return &Server{router: router, port: opts.Port, out: opts.Out}, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Webhook listener on http://localhost:%d\n", s.port)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// tokenMatches compares in constant time.
func tokenMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
