// Package webhook serves the inbound webhook endpoints platforms deliver
// change notifications to. Each delivery is routed to the live adapter of the
// integration named in the path.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
)

// MaxBodyBytes caps a webhook request body.
const MaxBodyBytes = 1 << 20

const shutdownTimeout = 10 * time.Second

// IntegrationSource looks up stored integrations. Implemented by [state.Store].
type IntegrationSource interface {
	GetIntegration(ctx context.Context, id string) (*model.Integration, error)
}

// AdapterSource returns live adapters. Implemented by [registry.Registry].
type AdapterSource interface {
	Get(id string) (adapter.Adapter, bool)
}

// Server routes webhook deliveries. Create one with [New].
type Server struct {
	integrations IntegrationSource
	adapters     AdapterSource
	router       chi.Router
	log          *slog.Logger
}

// New creates a Server and mounts its routes.
func New(integrations IntegrationSource, adapters AdapterSource, logger *slog.Logger) *Server {
	s := &Server{
		integrations: integrations,
		adapters:     adapters,
		log:          logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	const path = "/webhooks/{platform}/{integrationID}"
	r.Post(path, s.deliver)
	r.Head(path, s.verify)
	r.Get(path, s.verify)
	s.router = r
	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "webhook")
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("webhook server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down webhook server: %w", err)
	}
	s.log.Info("webhook server stopped")
	return nil
}

// resolve finds the integration and live adapter addressed by the request
// path. It writes the error response itself and returns ok=false on failure.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (adapter.Adapter, bool) {
	platform := model.Platform(chi.URLParam(r, "platform"))
	id := chi.URLParam(r, "integrationID")

	in, err := s.integrations.GetIntegration(r.Context(), id)
	if err != nil {
		s.log.Error("looking up webhook integration", "integration_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	if in == nil || !in.IsActive || in.Platform != platform {
		http.NotFound(w, r)
		return nil, false
	}
	a, ok := s.adapters.Get(id)
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	return a, true
}

// verify answers the HEAD and GET checks some platforms send before
// activating a subscription.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.resolve(w, r); !ok {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request) {
	a, ok := s.resolve(w, r)
	if !ok {
		return
	}
	recv, ok := a.(adapter.WebhookReceiver)
	if !ok {
		http.Error(w, "webhooks not supported", http.StatusNotImplemented)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	reply, err := recv.HandleWebhook(r.Context(), r.Header, body)
	if err != nil {
		status := statusFor(err)
		s.log.Warn("webhook rejected",
			"integration_id", chi.URLParam(r, "integrationID"),
			"status", status,
			"error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	if len(reply) > 0 {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrTransform):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
