// Package api exposes the flow engine over HTTP.
//
// Endpoints accept inbound messages, inspect and reset sessions, manage flow definitions
// and receive Twilio webhooks.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/messaging"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// DefaultAddr is used when no address is configured.
const DefaultAddr = ":8080"

// FlowWriter stores new versions of flow definitions.
type FlowWriter interface {
	SaveFlowDefinition(ctx context.Context, def *models.FlowDefinition) (int, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr       string
	FlowWriter FlowWriter
	Twilio     *messaging.TwilioService
}

// Option is a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithFlowWriter enables POST /flows.
func WithFlowWriter(w FlowWriter) Option {
	return func(o *Opts) { o.FlowWriter = w }
}

// WithTwilioWebhook mounts the Twilio webhook of svc at POST /webhooks/twilio.
func WithTwilioWebhook(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.Twilio = svc }
}

// Server serves the HTTP API.
type Server struct {
	engine *flow.Engine
	opts   Opts
	mux    *http.ServeMux
}

// NewServer builds the API server and registers its routes.
func NewServer(engine *flow.Engine, opts ...Option) *Server {
	s := &Server{engine: engine, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(&s.opts)
	}
	if s.opts.Addr == "" {
		s.opts.Addr = DefaultAddr
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("POST /messages", s.messageHandler)
	s.mux.HandleFunc("GET /sessions/{userId}", s.getSessionHandler)
	s.mux.HandleFunc("DELETE /sessions/{userId}", s.resetSessionHandler)
	s.mux.HandleFunc("GET /sessions/{userId}/history", s.historyHandler)
	s.mux.HandleFunc("GET /flows", s.listFlowsHandler)
	s.mux.HandleFunc("POST /flows", s.saveFlowHandler)
	s.mux.HandleFunc("POST /flows/reload", s.reloadFlowsHandler)
	if s.opts.Twilio != nil {
		s.mux.HandleFunc("POST /webhooks/twilio", s.opts.Twilio.TwilioWebhookHandler)
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
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
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	return srv.Shutdown(shutdownCtx)
}
