// Package server is the on-device diagnostics surface: a small HTTP server
// with a live log dashboard, JSON views of the pin registry, and an
// emergency-stop endpoint for when the cloud path is down.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"github.com/verdant-devices/sproutd/logging"
	"github.com/verdant-devices/sproutd/pin"
	"github.com/verdant-devices/sproutd/safety"
)

// readHeaderTimeout bounds slowloris-style clients; everything else stays
// open-ended because the log stream is long-lived.
const readHeaderTimeout = 10 * time.Second

// Estopper triggers the emergency-stop sweep. The reconciler implements it.
type Estopper interface {
	EmergencyStop(ctx context.Context) error
}

// Server serves the diagnostics surface.
type Server struct {
	serial     string
	ring       *logging.RingAppender
	registry   *pin.Registry
	supervisor *safety.Supervisor
	estopper   Estopper
	logger     logging.Logger

	startedAt  time.Time
	httpServer *http.Server
}

// New wires a diagnostics server. Call Start to begin listening.
func New(
	serial string,
	ring *logging.RingAppender,
	registry *pin.Registry,
	supervisor *safety.Supervisor,
	estopper Estopper,
	logger logging.Logger,
) *Server {
	return &Server{
		serial:     serial,
		ring:       ring,
		registry:   registry,
		supervisor: supervisor,
		estopper:   estopper,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Handler builds the routed, CORS-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/"), s.handleDashboard)
	mux.HandleFunc(pat.Get("/api/logs"), s.handleLogs)
	mux.HandleFunc(pat.Get("/api/logs/stream"), s.handleLogStream)
	mux.HandleFunc(pat.Get("/api/health"), s.handleHealth)
	mux.HandleFunc(pat.Get("/api/gpio"), s.handleGPIO)
	mux.HandleFunc(pat.Post("/api/emergency-stop"), s.handleEmergencyStop)

	// The webapp is served from another origin; allow it to read from here.
	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(mux)
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) error {
	if s.httpServer != nil {
		return errors.New("diagnostics server already started")
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.logger.Infow("diagnostics server listening", "addr", addr)
	goutils.PanicCapturingGo(func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("diagnostics server failed", "error", err)
		}
	})
	return nil
}

// Close shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Close(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
