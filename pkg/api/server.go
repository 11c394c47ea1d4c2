// Package api serves the controller state over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/audit"
	"github.com/markus-lassfolk/airbalance/pkg/controller"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// SnapshotSource produces snapshots from outside the control goroutine
type SnapshotSource interface {
	RequestSnapshot(ctx context.Context) (*controller.Snapshot, error)
}

// EventSource lists recent control events
type EventSource interface {
	Since(since time.Time, limit int) []*pkg.Event
}

// Config holds API server configuration
type Config struct {
	Listen  string        `json:"listen"`
	AuthKey string        `json:"auth_key"` // optional
	Timeout time.Duration `json:"timeout"`
}

// Server provides the HTTP API of airbalanced
type Server struct {
	snapshots SnapshotSource
	events    EventSource
	decisions *audit.DecisionLogger
	metrics   http.Handler
	config    *Config
	logger    *logx.Logger
	startTime time.Time
}

// NewServer creates an API server. decisions and metrics may be nil.
func NewServer(config *Config, snapshots SnapshotSource, events EventSource, decisions *audit.DecisionLogger, metrics http.Handler, logger *logx.Logger) *Server {
	if config == nil {
		config = &Config{Listen: "localhost:8088"}
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	return &Server{
		snapshots: snapshots,
		events:    events,
		decisions: decisions,
		metrics:   metrics,
		config:    config,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/snapshot", s.authMiddleware(s.handleSnapshot))
	mux.HandleFunc("/api/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("/api/decisions", s.authMiddleware(s.handleDecisions))
	mux.HandleFunc("/api/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Run serves until ctx is done, then shuts the server down
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting airbalance API server", "address", s.config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API server shutdown failed", "error", err)
		}
		s.logger.Info("airbalance API server stopped")
		return nil
	}
}

// authMiddleware handles optional authentication for API endpoints
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.URL.Query().Get("auth")
		if authKey == "" {
			authKey = r.Header.Get("X-API-Key")
		}
		if authKey != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.Timeout)
	defer cancel()

	snap, err := s.snapshots.RequestSnapshot(ctx)
	if err != nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "Snapshot unavailable", err)
		return
	}
	s.sendJSONResponse(w, snap)
}

// handleEvents lists control events. Query: since (RFC3339), limit.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, limit, err := parseWindow(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	events := s.events.Since(since, limit)
	s.sendJSONResponse(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		s.sendErrorResponse(w, http.StatusNotFound, "Decision audit is disabled", nil)
		return
	}
	since, limit, err := parseWindow(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		record := s.decisions.GetDecisionByID(id)
		if record == nil {
			s.sendErrorResponse(w, http.StatusNotFound, "Decision not found", nil)
			return
		}
		s.sendJSONResponse(w, record)
		return
	}

	var records []*audit.DecisionRecord
	if kind := r.URL.Query().Get("type"); kind != "" {
		records = s.decisions.GetDecisionsByType(kind, limit)
	} else {
		records = s.decisions.GetRecentDecisions(since, limit)
	}
	s.sendJSONResponse(w, map[string]interface{}{
		"decisions": records,
		"stats":     s.decisions.GetDecisionStats(since),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func parseWindow(r *http.Request) (time.Time, int, error) {
	var since time.Time
	limit := 100

	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return since, 0, err
		}
		since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return since, 0, err
		}
		limit = n
	}
	return since, limit, nil
}

// sendJSONResponse sends a JSON response with proper headers
func (s *Server) sendJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// sendErrorResponse sends an error response
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode error response", "error", err)
	}
}
