// Package peer connects a client process to a relay server: it joins with
// the shared secret, opens the replication websocket and pumps frames
// between the socket and the local replica manager.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/auth"
	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/replica"
)

const (
	protocolVersion = "netbind-v1"
	sendQueueSize   = 1024
	writeTimeout    = 10 * time.Second
	pongWait        = 60 * time.Second
)

var (
	ErrClosed        = errors.New("peer: connection closed")
	ErrSendQueueFull = errors.New("peer: send queue full")
)

// Options configures a Client
type Options struct {
	// ServerURL is the http(s) base URL of the relay server.
	ServerURL string
	Name      string
	Secret    string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// JoinError is returned when the server refuses a join.
type JoinError struct {
	Status int
	Code   string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join refused: %d %s", e.Status, e.Code)
}

// Join asks the server for a peer id and session token.
func Join(ctx context.Context, opts Options) (auth.JoinResponse, error) {
	body, err := json.Marshal(auth.JoinRequest{Name: opts.Name, Secret: opts.Secret})
	if err != nil {
		return auth.JoinResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(opts.ServerURL, "/")+"/api/peers/join", bytes.NewReader(body))
	if err != nil {
		return auth.JoinResponse{}, fmt.Errorf("failed to build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return auth.JoinResponse{}, fmt.Errorf("failed to join: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e auth.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return auth.JoinResponse{}, &JoinError{Status: resp.StatusCode, Code: e.Code}
	}

	var out auth.JoinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return auth.JoinResponse{}, fmt.Errorf("failed to decode join response: %w", err)
	}
	return out, nil
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Client is the replication link of one peer. It implements
// replica.Transport by sending every frame to the server, which relays it.
type Client struct {
	conn    *websocket.Conn
	manager *replica.Manager
	session auth.JoinResponse
	send    chan []byte
	done    chan struct{}
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial opens the replication websocket with the token from session and
// installs the client as manager's transport.
func Dial(ctx context.Context, opts Options, session auth.JoinResponse, manager *replica.Manager) (*Client, error) {
	wsURL, err := websocketURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		}
	}
	d := *dialer
	d.Subprotocols = []string{protocolVersion}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.Token)
	conn, resp, err := d.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn:    conn,
		manager: manager,
		session: session,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		logger:  logging.Component("peer").With().Uint32("peer", uint32(session.PeerID)).Logger(),
	}
	manager.SetLocalPeer(session.PeerID)
	manager.SetTransport(c)

	go c.writePump()
	go c.readPump()
	c.logger.Info().Str("url", wsURL).Msg("connected to server")
	return c, nil
}

// Connect joins and dials in one step.
func Connect(ctx context.Context, opts Options, manager *replica.Manager) (*Client, error) {
	session, err := Join(ctx, opts)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, opts, session, manager)
}

// Session returns the identity the server assigned.
func (c *Client) Session() auth.JoinResponse {
	return c.session
}

// Send queues data for the server. The peer argument is ignored since the
// server relays frames to their destination.
func (c *Client) Send(_ replica.PeerID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Broadcast queues data for the server.
func (c *Client) Broadcast(_ replica.PeerID, data []byte) {
	if err := c.Send(replica.InvalidPeerID, data); err != nil {
		c.logger.Warn().Err(err).Msg("failed to queue frame")
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open or after a
// clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close message and tears the connection down.
func (c *Client) Close() error {
	c.shutdown(nil)
	<-c.done
	return nil
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.done)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("connection lost")
				c.shutdown(err)
			} else {
				c.shutdown(nil)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := c.manager.HandleFrame(c.session.ServerPeerID, data); err != nil {
			c.logger.Warn().Err(err).Msg("failed to handle frame")
		}
	}
}

func (c *Client) writePump() {
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
			c.logger.Debug().Err(err).Msg("failed to write frame")
			c.conn.Close()
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}
