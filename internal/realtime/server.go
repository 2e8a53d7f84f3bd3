package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"scriptrun/internal/auth"
	"scriptrun/internal/catalog"
	"scriptrun/internal/logging"
	"scriptrun/internal/session"
)

// DefaultDrainInterval is how often stream adapters poll a session.
const DefaultDrainInterval = 20 * time.Millisecond

// Options configures a Server.
type Options struct {
	StaticDir     string
	DrainInterval time.Duration
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Server exposes sessions over HTTP: a server-sent event stream, a
// WebSocket stream, and JSON control endpoints.
type Server struct {
	engine   *session.Engine
	registry *session.Registry
	catalog  *catalog.Catalog
	guard    *auth.Guard
	opts     Options
	logger   zerolog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

// New creates a new realtime server.
func New(engine *session.Engine, cat *catalog.Catalog, guard *auth.Guard, opts Options) *Server {
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	return &Server{
		engine:   engine,
		registry: engine.Registry(),
		catalog:  cat,
		guard:    guard,
		opts:     opts,
		logger:   logging.Component("realtime"),
		clients:  make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/csrf", s.guard.HandleToken)
	r.Get("/scripts", s.handleListScripts)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/script", func(r chi.Router) {
		r.Get("/stream", s.handleStream)
		r.Get("/ws", s.handleWebSocket)

		r.Post("/input", s.handleInput)
		r.Post("/keepalive", s.handleKeepalive)
		r.Post("/stop", s.handleStop)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
	})

	// Static file serving.
	if s.opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.opts.StaticDir)))
	}

	return r
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Shutdown disconnects every WebSocket client. Their sessions are destroyed
// as the connections close.
func (s *Server) Shutdown() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// startSession registers and starts a session for an already resolved
// script. The session is discarded if it cannot be started.
func (s *Server) startSession(scriptPath string) (string, error) {
	id, err := s.registry.Create(scriptPath)
	if err != nil {
		return "", err
	}
	if err := s.engine.Start(id); err != nil {
		s.registry.Destroy(id)
		return "", err
	}
	return id, nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
