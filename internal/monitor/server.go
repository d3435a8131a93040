package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/leandrodaf/midibridge/internal/interaction"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Version is reported by /api/version.
var Version = "dev"

// Server serves metrics, the event stream and a small status API.
type Server struct {
	stats  *Stats
	events *Broadcaster
	logger contracts.Logger
	router *mux.Router

	mu       sync.Mutex
	state    interaction.State
	session  string
	phrases  int
	srv      *http.Server
	listener net.Listener
}

// NewServer wires the routes.
func NewServer(stats *Stats, logger contracts.Logger) *Server {
	s := &Server{
		stats:  stats,
		events: NewBroadcaster(logger),
		logger: logger,
	}
	s.router = s.setupMux()
	return s
}

func (s *Server) setupMux() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", s.stats.Handler())
	r.Handle("/ws", s.events)
	r.HandleFunc("/api/version", s.versionHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/state", s.stateHandler).Methods(http.MethodGet)
	return r
}

// Handler is the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "midibridge.monitor")
}

// Events returns the websocket broadcaster.
func (s *Server) Events() *Broadcaster { return s.events }

// Observe feeds the metrics, the status API and the event stream.
func (s *Server) Observe(ev interaction.Event) {
	s.stats.Observe(ev)

	s.mu.Lock()
	if ev.Kind == interaction.StateChanged {
		s.state = ev.State
	}
	if ev.Kind == interaction.PhraseCaptured || ev.Kind == interaction.ResponseGenerated {
		s.phrases++
	}
	if ev.Session != "" {
		s.session = ev.Session
	}
	s.mu.Unlock()

	s.events.Observe(ev)
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"version": Version})
}

// StateResponse is returned by /api/state.
type StateResponse struct {
	State   string `json:"state"`
	Session string `json:"session,omitempty"`
	Phrases int    `json:"phrases"`
	Clients int    `json:"clients"`
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := StateResponse{State: s.state.String(), Session: s.session, Phrases: s.phrases}
	s.mu.Unlock()
	resp.Clients = s.events.Clients()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.listener = srv, ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("Starting monitor endpoint", s.logger.Field().String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Monitor endpoint failed", s.logger.Field().Error("error", err))
		}
	}()
	return nil
}

// Addr is the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	s.events.Close()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
