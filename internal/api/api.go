// Package api provides the HTTP surface of FloorPipe: the generic inbound
// message webhook, the Twilio form-encoded webhook, and debug endpoints for
// sessions and health.
//
// The server also pumps responses emitted by the messaging service into the
// session engine, so transports that deliver messages over a persistent
// connection (whatsmeow) and transports that deliver over HTTP (Twilio,
// Cloud API) converge on the same handling path.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/engine"
	"github.com/BTreeMap/FloorPipe/internal/messaging"
	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/BTreeMap/FloorPipe/internal/store"
)

// Server configuration constants
const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// DefaultReadHeaderTimeout bounds slow-header attacks on the listener.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown on Stop.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultHandleTimeout bounds engine processing for one pumped response.
	DefaultHandleTimeout = 30 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts a Twilio webhook handler at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server wires the session engine, the store and the messaging service into
// an HTTP server.
type Server struct {
	addr          string
	engine        *engine.Engine
	st            store.Store
	msgService    messaging.Service
	twilioWebhook http.HandlerFunc

	httpServer *http.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates an API server, applying any provided options.
func NewServer(eng *engine.Engine, st store.Store, msgService messaging.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	slog.Debug("Server.NewServer options applied", "addr", addr, "twilio_webhook_set", cfg.TwilioWebhook != nil)
	return &Server{
		addr:          addr,
		engine:        eng,
		st:            st,
		msgService:    msgService,
		twilioWebhook: cfg.TwilioWebhook,
	}
}

// Handler returns the route table as an http.Handler, exposed separately so
// tests can drive it with httptest without opening a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/inbound", s.inboundHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.twilioWebhook != nil {
		mux.HandleFunc("/twilio/webhook", s.twilioWebhook)
	}
	return mux
}

// Start launches the response pump and the HTTP listener. It returns once the
// listener is started; errors from the listener are logged.
func (s *Server) Start(ctx context.Context) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.pumpResponses(pumpCtx)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	go func() {
		slog.Info("Server.Start listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server.Start listener failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the HTTP listener and waits for the response pump to drain.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down HTTP server: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	return err
}

// pumpResponses forwards messaging-service responses into the engine until
// the context is cancelled or the channel closes.
func (s *Server) pumpResponses(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case response, ok := <-s.msgService.Responses():
			if !ok {
				slog.Debug("Server.pumpResponses channel closed")
				return
			}
			s.handleResponse(ctx, response)
		}
	}
}

func (s *Server) handleResponse(ctx context.Context, response models.Response) {
	participantID, err := s.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Warn("Server.handleResponse dropping response with invalid sender", "error", err, "from", response.From)
		return
	}
	handleCtx, cancel := context.WithTimeout(ctx, DefaultHandleTimeout)
	defer cancel()

	result, err := s.engine.HandleMessage(handleCtx, models.InboundMessage{
		ParticipantID: participantID,
		Text:          response.Body,
		MessageID:     response.MessageID,
	})
	if err != nil {
		slog.Error("Server.handleResponse engine failed", "error", err, "participant_id", participantID)
		return
	}
	slog.Debug("Server.handleResponse processed", "participant_id", participantID, "status", result.Status, "step", result.Step)
}
