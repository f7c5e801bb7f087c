// Package server exposes the application over HTTP and WebSocket.
//
// The HTTP API reads and writes predictions through the sync engine (never
// the store directly, so offline-first semantics hold), proxies fixture
// lookups, and triggers sync passes. The WebSocket endpoint streams sync
// status snapshots to connected clients whenever they change.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pitchcall/pitchcall/internal/fixtures"
	"github.com/pitchcall/pitchcall/internal/predict"
	"github.com/pitchcall/pitchcall/internal/score"
	"github.com/pitchcall/pitchcall/internal/store"
	enginesync "github.com/pitchcall/pitchcall/internal/sync"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080).
	Port int

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// Server serves the prediction API and broadcasts sync status over
// WebSocket.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	engine    *enginesync.Engine
	records   *store.Store
	fixtures  fixtures.Source
	predictor predict.Predictor

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan enginesync.Status
	unsub     func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a server over the given collaborators. The fixture source and
// predictor may be nil; their endpoints then answer 503.
func New(engine *enginesync.Engine, records *store.Store, src fixtures.Source, predictor predict.Predictor, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		engine:    engine,
		records:   records,
		fixtures:  src,
		predictor: predictor,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan enginesync.Status, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins listening and subscribes to engine status updates.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/api/predictions/", s.handlePrediction)
	mux.HandleFunc("/api/predict/", s.handlePredict)
	mux.HandleFunc("/api/fixtures", s.handleFixtures)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/accuracy", s.handleAccuracy)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.unsub = s.engine.Subscribe(func(st enginesync.Status) {
		select {
		case s.broadcast <- st:
		case <-s.ctx.Done():
		default:
			s.logger.Println("Warning: status broadcast channel full, dropping snapshot")
		}
	})

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping server")

	if s.unsub != nil {
		s.unsub()
	}
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handlePrediction serves GET and PUT on /api/predictions/{id}.
func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/predictions/")
	if id == "" || strings.Contains(id, "/") {
		httpError(w, http.StatusNotFound, "unknown prediction path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.engine.Get(r.Context(), id)
		if errors.Is(err, enginesync.ErrNotFound) {
			httpError(w, http.StatusNotFound, "prediction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case http.MethodPut, http.MethodPost:
		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			httpError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		rec, err := s.engine.Store(r.Context(), id, payload)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)

	default:
		httpError(w, http.StatusMethodNotAllowed, "use GET or PUT")
	}
}

// handlePredict generates and stores a prediction for a fixture:
// POST /api/predict/{fixtureID}.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	if s.fixtures == nil || s.predictor == nil {
		httpError(w, http.StatusServiceUnavailable, "prediction generation not configured")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/predict/")
	if id == "" {
		httpError(w, http.StatusBadRequest, "fixture id required")
		return
	}

	fx, err := s.fixtures.FixtureByID(r.Context(), id)
	if errors.Is(err, fixtures.ErrNotFound) {
		httpError(w, http.StatusNotFound, "fixture not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}

	p, err := s.predictor.Predict(r.Context(), fx)
	if err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}

	payload, err := p.Marshal()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rec, err := s.engine.Store(r.Context(), fx.ID, payload)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleFixtures proxies GET /api/fixtures?date=YYYY-MM-DD.
func (s *Server) handleFixtures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	if s.fixtures == nil {
		httpError(w, http.StatusServiceUnavailable, "fixture source not configured")
		return
	}

	date := time.Now()
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			httpError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	list, err := s.fixtures.FixturesByDate(r.Context(), date)
	if err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fixtures": list})
}

// handleSync triggers a forced pass: POST /api/sync.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}

	err := s.engine.ForceSync(r.Context())
	if errors.Is(err, enginesync.ErrOffline) {
		httpError(w, http.StatusConflict, "sync engine is offline")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleStatus serves the current sync status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleAccuracy serves the aggregated accuracy report.
func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	if s.fixtures == nil {
		httpError(w, http.StatusServiceUnavailable, "fixture source not configured")
		return
	}
	report, err := score.BuildReport(r.Context(), s.records, s.fixtures)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleHealth returns liveness plus a couple of cheap gauges.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
		"online":  s.engine.Online(),
	})
}

// handleWebSocket upgrades the connection and streams status snapshots.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", count)

	// Deliver the current snapshot immediately so clients don't wait for
	// the next pass.
	if data, err := json.Marshal(s.engine.Status()); err == nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	go s.readLoop(conn)
}

// broadcastLoop fans status snapshots out to every connected client.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case st := <-s.broadcast:
			data, err := json.Marshal(st)
			if err != nil {
				s.logger.Printf("Failed to marshal status: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// readLoop keeps the connection alive and detects disconnects; client
// messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"reason": reason})
}
