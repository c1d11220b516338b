// Package server exposes the processor's work items over HTTP and a
// WebSocket feed for operators.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/jupark12/pcr-intake/models"
	"github.com/jupark12/pcr-intake/queue"
	"github.com/rs/zerolog"
)

// Config holds server dependencies. Queue may be nil when this process does
// not run the processor.
type Config struct {
	Addr   string
	Ledger *queue.Ledger
	Queue  *queue.DirQueue
	Hub    *models.Hub
	Log    zerolog.Logger
}

// Server handles HTTP requests for work item status
type Server struct {
	router   *chi.Mux
	server   *http.Server
	ledger   *queue.Ledger
	queue    *queue.DirQueue
	hub      *models.Hub
	upgrader websocket.Upgrader
	started  time.Time
	log      zerolog.Logger
}

// New creates a new server instance
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		ledger:  cfg.Ledger,
		queue:   cfg.Queue,
		hub:     cfg.Hub,
		started: time.Now(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/jobs", s.handleJobs)
	s.router.Get("/jobs/{id}", s.handleJobDetails)
	s.router.Get("/quarantine", s.handleQuarantine)
	s.router.Get("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Relay forwards ledger updates to WebSocket clients until ctx is done
func (s *Server) Relay(ctx context.Context) {
	updates := s.ledger.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-updates:
			s.hub.BroadcastItemUpdate(item)
		}
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for status, n := range s.ledger.Counts() {
		counts[string(status)] = n
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"items":          counts,
		"processor":      s.queue != nil,
	})
}

var knownStatuses = map[models.ItemStatus]bool{
	models.StatusDiscovered:      true,
	models.StatusInterpreting:    true,
	models.StatusInterpreted:     true,
	models.StatusInterpretFailed: true,
	models.StatusPersisting:      true,
	models.StatusPersisted:       true,
	models.StatusPersistFailed:   true,
	models.StatusQuarantined:     true,
	models.StatusDeleted:         true,
}

// handleJobs lists tracked work items, optionally filtered by status
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	status := models.ItemStatus(r.URL.Query().Get("status"))
	if status != "" && !knownStatuses[status] {
		http.Error(w, "Invalid status parameter", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.List(status))
}

func (s *Server) handleJobDetails(w http.ResponseWriter, r *http.Request) {
	item, err := s.ledger.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Item not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "Processor not running in this process", http.StatusServiceUnavailable)
		return
	}

	items, err := s.queue.ListQuarantine()
	if err != nil {
		s.log.Error().Err(err).Msg("list quarantine failed")
		http.Error(w, "Failed to read quarantine", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleWebSocket sends a snapshot of tracked items, then registers the
// connection for live updates
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade to WebSocket")
		return
	}

	initialData, err := json.Marshal(map[string]interface{}{
		"type":  "initial_items",
		"items": s.ledger.List(""),
	})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, initialData); err != nil {
			conn.Close()
			return
		}
	}

	if !s.hub.RegisterClient(conn) {
		conn.Close()
		return
	}

	go func() {
		for {
			// clients never send anything meaningful; reading detects disconnects
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.UnregisterClient(conn)
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
