// Package transport realizes the WebSocket connection hub: upgrading
// connections, grouping them into per-game rooms, and emitting named events
// to every connection joined to a room.
package transport

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gamecast/broker/internal/logging"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
	sendBufferSize     = 256
)

var localHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

var upgrader = websocket.Upgrader{}

// InboundMessage is a structured message read off a client connection.
type InboundMessage struct {
	Type string `json:"type"`
}

// Dispatcher handles one inbound message from a joined client. Implemented
// by internal/router.
type Dispatcher interface {
	Dispatch(client *Client, raw []byte)
}

// Authenticator validates an inbound HTTP upgrade request and returns a
// stable client identity.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Client is one WebSocket connection, joined to at most one game room.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	id     string
	gameID string
	log    *logging.Logger
}

// ID returns the client's stable identity (subject or remote address).
func (c *Client) ID() string { return c.id }

// GameID returns the room the client is currently joined to, or "".
func (c *Client) GameID() string { return c.gameID }

// Hub tracks connected clients and their room membership, and fans out
// emitted events to every member of a room.
type Hub struct {
	logger          *logging.Logger
	auth            Authenticator
	dispatcher      Dispatcher
	allowedOrigins  []string
	maxPayloadBytes int64
	maxClients      int
	pingInterval    time.Duration

	mu             sync.RWMutex
	clients        map[*Client]struct{}
	pendingClients int
	rooms          map[string]map[*Client]struct{}
}

// Option configures a Hub at construction time.
type Option func(*Hub)

func WithLogger(l *logging.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithAuthenticator(a Authenticator) Option {
	return func(h *Hub) { h.auth = a }
}

func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.allowedOrigins = origins }
}

func WithMaxPayloadBytes(n int64) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxPayloadBytes = n
		}
	}
}

func WithMaxClients(n int) Option {
	return func(h *Hub) { h.maxClients = n }
}

func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// NewHub constructs a Hub that dispatches inbound messages through d.
func NewHub(d Dispatcher, opts ...Option) *Hub {
	h := &Hub{
		logger:       logging.NewTestLogger(),
		dispatcher:   d,
		pingInterval: 30 * time.Second,
		clients:      make(map[*Client]struct{}),
		rooms:        make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Hub) originChecker() func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(h.allowedOrigins))
	for _, origin := range h.allowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			h.logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		_, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]
		return ok
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and pumps
// messages until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.RemoteAddr
	if h.auth != nil {
		subject, err := h.auth.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if strings.TrimSpace(subject) != "" {
			clientID = subject
		}
	}

	if h.maxClients > 0 {
		h.mu.Lock()
		if len(h.clients)+h.pendingClients >= h.maxClients {
			h.mu.Unlock()
			http.Error(w, "service unavailable: client limit reached", http.StatusServiceUnavailable)
			return
		}
		h.pendingClients++
		h.mu.Unlock()
	}

	upgrader.CheckOrigin = h.originChecker()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.maxClients > 0 {
			h.mu.Lock()
			if h.pendingClients > 0 {
				h.pendingClients--
			}
			h.mu.Unlock()
		}
		h.logger.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   clientID,
		log:  h.logger.With(logging.String("client_id", clientID)),
	}

	h.mu.Lock()
	if h.maxClients > 0 && h.pendingClients > 0 {
		h.pendingClients--
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	if h.maxPayloadBytes > 0 {
		conn.SetReadLimit(h.maxPayloadBytes)
	}

	waitDuration := time.Duration(pongWaitMultiplier) * h.pingInterval
	conn.SetReadDeadline(time.Now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go h.readPump(client, waitDuration)
	go h.writePump(client)
}

func (h *Hub) readPump(client *Client, waitDuration time.Duration) {
	defer func() {
		h.removeClient(client)
		client.conn.Close()
	}()

	for {
		messageType, msg, err := client.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				client.log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsCloseError(err, websocket.CloseMessageTooBig) || errors.Is(err, websocket.ErrReadLimit) {
				client.log.Warn("closing connection due to oversized payload", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.log.Warn("unexpected websocket close", logging.Error(err))
			} else {
				client.log.Error("read error", logging.Error(err))
			}
			return
		}

		if err := client.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var envelope InboundMessage
		if err := json.Unmarshal(msg, &envelope); err != nil {
			client.log.Debug("dropping invalid JSON message", logging.Error(err))
			continue
		}
		if envelope.Type == "" {
			continue
		}

		if h.dispatcher != nil {
			h.dispatcher.Dispatch(client, msg)
		}
	}
}

func (h *Hub) writePump(client *Client) {
	pingTicker := time.NewTicker(h.pingInterval)
	defer func() {
		pingTicker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				h.removeClient(client)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.log.Error("write error", logging.Error(err))
				h.removeClient(client)
				return
			}
		case <-pingTicker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				h.removeClient(client)
				return
			}
		}
	}
}

// Join adds client to gameID's room, leaving any room it previously held.
func (h *Hub) Join(client *Client, gameID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client)
	room, ok := h.rooms[gameID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[gameID] = room
	}
	room[client] = struct{}{}
	client.gameID = gameID
}

func (h *Hub) leaveLocked(client *Client) {
	if client.gameID == "" {
		return
	}
	if room, ok := h.rooms[client.gameID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, client.gameID)
		}
	}
	client.gameID = ""
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client)
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Emit delivers payload to every client joined to gameID's room, tagging it
// with eventName. Satisfies internal/relay.Emitter.
func (h *Hub) Emit(gameID, eventName string, payload []byte) {
	envelope, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: eventName, Data: payload})
	if err != nil {
		h.logger.Error("failed to marshal emitted envelope", logging.Error(err))
		return
	}

	h.mu.RLock()
	room := h.rooms[gameID]
	targets := make([]*Client, 0, len(room))
	for c := range room {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- envelope:
		default:
			h.logger.Warn("dropping emit: client send buffer full", logging.String("client_id", c.id))
		}
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PendingCount reports handshakes that passed the capacity check but have
// not yet completed the websocket upgrade.
func (h *Hub) PendingCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pendingClients
}

// Outbox exposes the client's outbound message channel, letting collaborators
// (and their tests) observe what has been queued for delivery.
func (c *Client) Outbox() <-chan []byte { return c.send }

// NewTestClient builds a Client with no backing connection, for use by tests
// in packages that depend on transport.Client.
func NewTestClient(id string) *Client {
	return &Client{id: id, send: make(chan []byte, 16), log: logging.NewTestLogger()}
}

// Send queues a raw payload directly to client, bypassing room membership.
func (h *Hub) Send(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		h.logger.Warn("dropping send: client send buffer full", logging.String("client_id", client.id))
	}
}
