package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/auth"
	"github.com/earthring/netbind/internal/config"
	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/performance"
	"github.com/earthring/netbind/internal/replica"
)

// Server bundles the HTTP surface of a relay server
type Server struct {
	Handler   http.Handler
	Hub       *Hub
	WebSocket *WebSocketHandlers
	Auth      *auth.AuthHandlers
}

// NewServer wires the join endpoint, the websocket endpoint and the
// diagnostics routes around manager. The returned hub is installed as the
// manager's transport.
func NewServer(cfg *config.Config, manager *replica.Manager, profiler *performance.Profiler, logger zerolog.Logger) (*Server, error) {
	jwtService := auth.NewJWTService(cfg)
	authHandlers := auth.NewAuthHandlers(jwtService, auth.NewSecretService(cfg), cfg.Auth.PeerSecretHash, manager.LocalPeer())

	joinRateLimit, err := RateLimitMiddleware(cfg.RateLimit.JoinRate)
	if err != nil {
		return nil, err
	}
	frameLimiter, err := NewFrameLimiter(cfg.RateLimit.FrameRate)
	if err != nil {
		return nil, err
	}

	hub := NewHub()
	manager.SetTransport(hub)
	ws := NewWebSocketHandlers(cfg, hub, manager, jwtService, frameLimiter, profiler)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("POST /api/peers/join", joinRateLimit(http.HandlerFunc(authHandlers.Join)))
	mux.HandleFunc("GET /ws", ws.HandleWebSocket)
	mux.Handle("GET /debug/replication", authHandlers.AuthMiddleware(replicationHandler(manager, hub, profiler)))

	return &Server{
		Handler:   logging.RequestLogger(logger, auth.SecurityHeadersMiddleware(mux)),
		Hub:       hub,
		WebSocket: ws,
		Auth:      authHandlers,
	}, nil
}

// healthHandler responds to health check requests.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"netbind-server"}`)
}

// ReplicationStatus is the body of the replication diagnostics endpoint
type ReplicationStatus struct {
	LocalPeer replica.PeerID   `json:"local_peer"`
	Peers     []replica.PeerID `json:"peers"`
	Replicas  []replica.Info   `json:"replicas"`
	Profile   json.RawMessage  `json:"profile,omitempty"`
}

// replicationHandler reports the live replicas, connected peers and the
// profiler counters.
// GET /debug/replication
func replicationHandler(manager *replica.Manager, hub *Hub, profiler *performance.Profiler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := ReplicationStatus{
			LocalPeer: manager.LocalPeer(),
			Peers:     hub.Peers(),
			Replicas:  manager.Snapshot(),
		}
		if profiler != nil {
			report, err := profiler.JSONReport()
			if err != nil {
				http.Error(w, "Failed to build profile", http.StatusInternalServerError)
				return
			}
			status.Profile = report
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	})
}
