// Package api provides the HTTP server for AnonRelay.
//
// It exposes health checks, the Twilio inbound webhook, token-authenticated
// administrator endpoints and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/admin"
	"github.com/BTreeMap/AnonRelay/internal/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Defaults for the HTTP server.
const (
	DefaultAddr            = ":8000"
	DefaultWebhookPath     = "/webhook"
	DefaultShutdownTimeout = 5 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr        string              // listen address (overrides API_ADDR)
	WebhookPath string              // prefix for inbound webhooks
	AdminSecret []byte              // HMAC key for admin tokens; empty disables /admin
	Gatherer    prometheus.Gatherer // metrics source for /metrics
}

// Option defines a function for configuring the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithWebhookPath sets the path prefix for inbound webhooks.
func WithWebhookPath(path string) Option {
	return func(o *Opts) {
		o.WebhookPath = path
	}
}

// WithAdminSecret enables the admin endpoints with the given signing key.
func WithAdminSecret(secret []byte) Option {
	return func(o *Opts) {
		o.AdminSecret = secret
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) {
		o.Gatherer = g
	}
}

// Server is the AnonRelay HTTP server.
type Server struct {
	opts   Opts
	admin  *admin.Controller
	twilio *messaging.TwilioService // nil unless the Twilio transport is active
	mux    *http.ServeMux
}

// NewServer creates a Server. twilio may be nil.
func NewServer(ctrl *admin.Controller, twilio *messaging.TwilioService, opts ...Option) *Server {
	cfg := Opts{
		Addr:        DefaultAddr,
		WebhookPath: DefaultWebhookPath,
		Gatherer:    prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.WebhookPath = "/" + strings.Trim(cfg.WebhookPath, "/")

	s := &Server{opts: cfg, admin: ctrl, twilio: twilio, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.rootHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	if s.twilio != nil {
		path := s.opts.WebhookPath + "/twilio"
		s.mux.HandleFunc(path, s.twilioWebhookHandler)
		slog.Debug("Server.routes: Twilio webhook registered", "path", path)
	}
	if len(s.opts.AdminSecret) > 0 {
		s.mux.HandleFunc("/admin/ban", s.adminHandler(true))
		s.mux.HandleFunc("/admin/unban", s.adminHandler(false))
		slog.Debug("Server.routes: admin endpoints registered")
	} else {
		slog.Info("Server.routes: ADMIN_TOKEN_SECRET not set, admin endpoints disabled")
	}
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}
