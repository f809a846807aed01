// Package transport provides the HTTP status API.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/perpsim/internal/storage"
	"github.com/gateway-fm/perpsim/pkg/types"
)

// StatusProvider exposes the state of the current run.
type StatusProvider interface {
	Status() types.StatusResponse
}

// LedgerChecker reports whether the ledger RPC answers.
type LedgerChecker interface {
	Slot(ctx context.Context) (uint64, error)
}

// GatewayChecker reports whether the exchange gateway answers.
type GatewayChecker interface {
	Ping(ctx context.Context) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Status StatusProvider
	// Store is optional; without it the /v1/runs routes answer 503.
	Store   storage.Storage
	Ledger  LedgerChecker
	Gateway GatewayChecker
	Version string
	// CORSAllowedOrigins is a comma-separated list; empty or "*" allows all.
	CORSAllowedOrigins string
	// Gatherer serves /metrics; defaults to the global registry.
	Gatherer     prometheus.Gatherer
	CheckTimeout time.Duration
	Logger       *slog.Logger
}

// Server handles HTTP requests for the simulator.
type Server struct {
	status       StatusProvider
	store        storage.Storage
	ledger       LedgerChecker
	gateway      GatewayChecker
	version      string
	gatherer     prometheus.Gatherer
	checkTimeout time.Duration
	logger       *slog.Logger
	startTime    time.Time
	wsServer     *WebSocketServer

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a Server and starts its websocket broadcaster.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	wsServer := NewWebSocketServer(cfg.Status, logger)
	wsServer.Start()

	s := &Server{
		status:       cfg.Status,
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		gateway:      cfg.Gateway,
		version:      cfg.Version,
		gatherer:     cfg.Gatherer,
		checkTimeout: cfg.CheckTimeout,
		logger:       logger,
		startTime:    time.Now(),
		wsServer:     wsServer,
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			s.corsAllowedOrigins = append(s.corsAllowedOrigins, strings.TrimSpace(o))
		}
	}
	return s
}

// Close stops the websocket broadcaster and disconnects its clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, types.ErrorResponse{Error: message})
}

// handleStatus returns the current run status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status.Status())
}

// pagination reads limit and offset, falling back to def for a missing or
// out-of-range limit.
func pagination(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= max {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

// handleRuns handles GET /v1/runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.writeJSONError(w, "Run history is not configured", http.StatusServiceUnavailable)
		return
	}

	limit, offset := pagination(r, 50, 100)
	result, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleRunDetail handles /v1/runs/{id}, /v1/runs/{id}/events and
// /v1/runs/{id}/snapshots.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, "Run history is not configured", http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) > 1 {
		switch parts[1] {
		case "events":
			s.handleRunEvents(w, r, runID)
		case "snapshots":
			s.handleRunSnapshots(w, r, runID)
		default:
			s.writeJSONError(w, "Not found", http.StatusNotFound)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		run, err := s.store.GetRun(r.Context(), runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if run == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, run)
	case http.MethodDelete:
		if err := s.store.DeleteRun(r.Context(), runID); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := pagination(r, 100, 1000)
	result, err := s.store.GetEvents(r.Context(), runID, limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get events: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunSnapshots(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snaps, err := s.store.GetSnapshots(r.Context(), runID)
	if err != nil {
		s.writeJSONError(w, "Failed to get snapshots: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:        "healthy",
		Version:       s.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	})
}

// handleReady handles readiness probes: the ledger RPC and the exchange
// gateway must both answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
	defer cancel()

	resp := types.ReadyResponse{Ready: true, Checks: []types.ReadinessCheck{}}
	check := func(name string, fn func() error) {
		start := time.Now()
		err := fn()
		c := types.ReadinessCheck{Name: name, Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			c.Status = "failed"
			c.Error = err.Error()
			resp.Ready = false
		}
		resp.Checks = append(resp.Checks, c)
	}

	if s.ledger != nil {
		check("ledger", func() error {
			slot, err := s.ledger.Slot(ctx)
			resp.Slot = slot
			return err
		})
	}
	if s.gateway != nil {
		check("gateway", func() error { return s.gateway.Ping(ctx) })
	}

	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}
