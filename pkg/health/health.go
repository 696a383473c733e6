// Package health serves liveness, readiness and status endpoints for the
// chat client.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/verastack/chatline/pkg/logger"
	"github.com/verastack/chatline/pkg/realtime"
)

// Version is reported by /health. Overridden at build time with -ldflags.
var Version = "dev"

// Status represents the health check response.
type Status struct {
	Status            string `json:"status"`
	State             string `json:"state"`
	Connected         bool   `json:"connected"`
	ConnectionID      string `json:"connection_id,omitempty"`
	ConnectedFor      string `json:"connected_for,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	ReconnectPending  bool   `json:"reconnect_pending"`
	Listeners         int    `json:"listeners"`
	Uptime            string `json:"uptime"`
	TokenExpiry       string `json:"token_expiry,omitempty"`
	Version           string `json:"version,omitempty"`
}

// ConnectionStatus is satisfied by *realtime.Manager.
type ConnectionStatus interface {
	Snapshot() realtime.Snapshot
}

// TokenInfo is satisfied by *storage.TokenStore.
type TokenInfo interface {
	LoadToken(ctx context.Context) (string, time.Time, error)
}

// Server manages the HTTP health check endpoint.
type Server struct {
	server    *http.Server
	conn      ConnectionStatus
	tokens    TokenInfo
	startTime time.Time
	running   atomic.Bool
	log       *slog.Logger
}

// NewServer creates a health server listening on port. tokens may be nil,
// in which case token validity is not part of readiness.
func NewServer(conn ConnectionStatus, tokens TokenInfo, port int) *Server {
	hs := &Server{
		conn:      conn,
		tokens:    tokens,
		startTime: time.Now(),
		log:       logger.Component("health"),
	}

	hs.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           hs.Handler(),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	return hs
}

// Handler returns the mux with all health routes.
func (hs *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/healthz", hs.handleHealth)
	mux.HandleFunc("/ready", hs.handleReady)
	mux.HandleFunc("/readyz", hs.handleReady)
	mux.HandleFunc("/live", hs.handleLive)
	mux.HandleFunc("/livez", hs.handleLive)

	return mux
}

// Start starts serving in the background.
func (hs *Server) Start() error {
	if hs.running.Load() {
		return fmt.Errorf("health server already running")
	}

	hs.running.Store(true)
	hs.log.Info("Starting health check server", "addr", hs.server.Addr)

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.log.Error("Health check server error", "error", err)
		}

		hs.running.Store(false)
	}()

	return nil
}

// Stop gracefully stops the server.
func (hs *Server) Stop(ctx context.Context) error {
	if !hs.running.Load() {
		return nil
	}

	hs.log.Info("Stopping health check server...")

	return hs.server.Shutdown(ctx)
}

func (hs *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := hs.status(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		hs.log.Error("Failed to encode health response", "error", err)
	}
}

// handleReady reports whether the socket is open and the token usable.
func (hs *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connected := hs.conn.Snapshot().State == realtime.StateOpen
	tokenValid := hs.tokenValid(r.Context())

	var body string

	switch {
	case connected && tokenValid:
		w.WriteHeader(http.StatusOK)
		body = "ready"
	case !connected:
		w.WriteHeader(http.StatusServiceUnavailable)
		body = "not connected to chat server"
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		body = "token expired or invalid"
	}

	if _, err := w.Write([]byte(body)); err != nil {
		hs.log.Error("Failed to write ready response", "error", err)
	}
}

// handleLive always succeeds while the process can respond.
func (hs *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("alive")); err != nil {
		hs.log.Error("Failed to write alive response", "error", err)
	}
}

func (hs *Server) status(ctx context.Context) Status {
	snap := hs.conn.Snapshot()
	connected := snap.State == realtime.StateOpen

	status := Status{
		State:             snap.State.String(),
		Connected:         connected,
		ConnectionID:      snap.ConnectionID,
		ReconnectAttempts: snap.ReconnectAttempts,
		ReconnectPending:  snap.ReconnectPending,
		Listeners:         snap.Listeners,
		Uptime:            time.Since(hs.startTime).Round(time.Second).String(),
		Version:           Version,
	}

	if connected && !snap.ConnectedAt.IsZero() {
		status.ConnectedFor = time.Since(snap.ConnectedAt).Round(time.Second).String()
	}

	expiresAt, ok := hs.tokenExpiry(ctx)
	if ok {
		if expiresIn := time.Until(expiresAt); expiresIn > 0 {
			status.TokenExpiry = expiresIn.Round(time.Second).String()
		} else {
			status.TokenExpiry = "expired"
		}
	}

	switch {
	case connected && hs.tokenValid(ctx):
		status.Status = "healthy"
	case connected:
		status.Status = "degraded"
	default:
		status.Status = "unhealthy"
	}

	return status
}

func (hs *Server) tokenExpiry(ctx context.Context) (time.Time, bool) {
	if hs.tokens == nil {
		return time.Time{}, false
	}

	_, expiresAt, err := hs.tokens.LoadToken(ctx)
	if err != nil {
		return time.Time{}, false
	}

	return expiresAt, true
}

func (hs *Server) tokenValid(ctx context.Context) bool {
	if hs.tokens == nil {
		return true
	}

	expiresAt, ok := hs.tokenExpiry(ctx)

	return ok && time.Now().Before(expiresAt)
}
