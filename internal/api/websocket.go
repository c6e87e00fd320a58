package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/auth"
	"github.com/earthring/netbind/internal/config"
	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/performance"
	"github.com/earthring/netbind/internal/replica"
)

const (
	// Supported WebSocket protocol versions
	ProtocolVersion1 = "netbind-v1"

	// Default ping interval (30 seconds)
	defaultPingInterval = 30 * time.Second

	// Pong wait timeout (60 seconds)
	pongWait = 60 * time.Second

	// Write timeout (10 seconds)
	writeTimeout = 10 * time.Second
)

// PeerConnection is the websocket of one joined peer
type PeerConnection struct {
	conn    *websocket.Conn
	peer    replica.PeerID
	name    string
	version string
	send    chan []byte
	hub     *Hub
	logger  zerolog.Logger
}

// WebSocketHandlers upgrades peer connections and feeds their frames into
// the replica manager.
type WebSocketHandlers struct {
	hub          *Hub
	manager      *replica.Manager
	jwtService   *auth.JWTService
	frameLimiter *FrameLimiter
	profiler     *performance.Profiler
	maxFrame     int64
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
}

// NewWebSocketHandlers creates the websocket endpoint for manager. The hub
// must be the manager's transport.
func NewWebSocketHandlers(cfg *config.Config, hub *Hub, manager *replica.Manager, jwtService *auth.JWTService, frameLimiter *FrameLimiter, profiler *performance.Profiler) *WebSocketHandlers {
	allowedOrigins := cfg.Server.AllowedOrigins

	return &WebSocketHandlers{
		hub:          hub,
		manager:      manager,
		jwtService:   jwtService,
		frameLimiter: frameLimiter,
		profiler:     profiler,
		maxFrame:     cfg.Replication.MaxFrameBytes,
		logger:       logging.Component("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Hub returns the hub connections are registered with
func (h *WebSocketHandlers) Hub() *Hub {
	return h.hub
}

// HandleWebSocket handles WebSocket connection upgrades
// GET /ws
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, err := h.extractToken(r)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket authentication failed")
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	claims, err := h.jwtService.ValidatePeerToken(token)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket token validation failed")
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	requestedVersions := r.Header.Get("Sec-WebSocket-Protocol")
	selectedVersion := h.negotiateVersion(requestedVersions)
	if selectedVersion == "" {
		h.logger.Warn().Str("requested", requestedVersions).Msg("websocket version negotiation failed")
		http.Error(w, "Unsupported protocol version", http.StatusBadRequest)
		return
	}

	if claims.PeerID == h.manager.LocalPeer() {
		http.Error(w, "Peer id is reserved", http.StatusForbidden)
		return
	}

	responseHeaders := http.Header{}
	if requestedVersions != "" {
		responseHeaders.Set("Sec-WebSocket-Protocol", selectedVersion)
	}

	conn, err := h.upgrader.Upgrade(w, r, responseHeaders)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	pc := &PeerConnection{
		conn:    conn,
		peer:    claims.PeerID,
		name:    claims.PeerName,
		version: selectedVersion,
		send:    make(chan []byte, sendQueueSize),
		hub:     h.hub,
		logger:  h.logger.With().Uint32("peer", uint32(claims.PeerID)).Str("peer_name", claims.PeerName).Logger(),
	}

	if err := h.hub.register(pc); err != nil {
		pc.logger.Warn().Err(err).Msg("rejecting duplicate connection")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "peer already connected"),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}

	go pc.writePump()
	h.manager.PeerJoined(pc.peer)
	go pc.readPump(h)
}

// extractToken extracts the peer token from the request (query param or header)
func (h *WebSocketHandlers) extractToken(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token != "" {
		return token, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1], nil
		}
	}

	return "", fmt.Errorf("missing authentication token")
}

// negotiateVersion selects the highest supported protocol version
func (h *WebSocketHandlers) negotiateVersion(requested string) string {
	if requested == "" {
		return ProtocolVersion1
	}

	requestedVersions := strings.Split(requested, ",")
	for i := range requestedVersions {
		requestedVersions[i] = strings.TrimSpace(requestedVersions[i])
	}

	supportedVersions := []string{ProtocolVersion1}
	for _, supported := range supportedVersions {
		if slices.Contains(requestedVersions, supported) {
			return supported
		}
	}
	return ""
}

// handleFrame rate limits and applies one frame from c.
func (h *WebSocketHandlers) handleFrame(c *PeerConnection, data []byte) {
	if !h.frameLimiter.Allow(context.Background(), c.peer) {
		h.profiler.Add("api.frames_limited", 1)
		c.logger.Warn().Int("bytes", len(data)).Msg("frame rate exceeded, dropping frame")
		return
	}

	h.profiler.Add("api.frames_received", 1)
	if err := h.manager.HandleFrame(c.peer, data); err != nil {
		h.profiler.Add("api.frames_rejected", 1)
		level := zerolog.WarnLevel
		if errors.Is(err, replica.ErrUnknownReplica) {
			level = zerolog.DebugLevel
		}
		c.logger.WithLevel(level).Err(err).Msg("failed to handle frame")
	}
}

// readPump handles incoming frames from the WebSocket connection
func (c *PeerConnection) readPump(handlers *WebSocketHandlers) {
	defer func() {
		c.hub.unregister(c)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("failed to close connection")
		}
		// A reconnect may already have taken the peer id over.
		if !c.hub.Connected(c.peer) {
			handlers.manager.PeerLeft(c.peer)
		}
	}()

	c.conn.SetReadLimit(handlers.maxFrame)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			c.logger.Warn().Int("type", messageType).Msg("ignoring non-binary message")
			continue
		}
		handlers.handleFrame(c, data)
	}
}

// writePump writes queued frames to the WebSocket connection, one binary
// message per frame.
func (c *PeerConnection) writePump() {
	ticker := time.NewTicker(defaultPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.logger.Warn().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
