package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/attest"
)

const (
	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced on the REST routes
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans pushes out to subscribed WebSocket clients. It is a batch.Notifier
// and an attest.Publisher; both paths only ever do non-blocking sends.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	sugar      *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

var (
	_ batch.Notifier   = (*Hub)(nil)
	_ attest.Publisher = (*Hub)(nil)
)

func NewHub(sugar *zap.SugaredLogger) *Hub {
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		sugar:      sugar,
	}
}

// Run owns client membership until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.sugar.Debugw("ws_client_connected", "id", c.id, "total", n)

		case c := <-h.unregister:
			h.remove(c)

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.sugar.Debugw("ws_client_disconnected", "id", c.id, "total", len(h.clients))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToChannel sends msg to every client subscribed to channel. Slow
// clients miss the message.
func (h *Hub) BroadcastToChannel(channel string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.sugar.Warnw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.IsSubscribed(channel) {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *Hub) MatchFound(m matcher.Match) {
	h.BroadcastToChannel(ChannelMatches, newWSMessage(ChannelMatches, "match", newMatchInfo(m)))
}

func (h *Hub) SettlementRecorded(m matcher.Match, _ string, _ *big.Int) {
	h.BroadcastToChannel(ChannelMatches, newWSMessage(ChannelMatches, "settled", newMatchInfo(m)))
}

func (h *Hub) LiquidationExecuted(m matcher.Match, _ string) {
	h.BroadcastToChannel(ChannelMatches, newWSMessage(ChannelMatches, "liquidated", newMatchInfo(m)))
}

func (h *Hub) BatchResolved(r batch.Resolution) {
	h.BroadcastToChannel(ChannelBatch, newWSMessage(ChannelBatch, "resolved", newResolutionInfo(&r)))
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Publish(_ context.Context, a *attest.Attestation) error {
	h.BroadcastToChannel(ChannelAttestations, newWSMessage(ChannelAttestations, "attestation", a))
	return nil
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]bool
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) setSubscribed(channel string, on bool) {
	switch channel {
	case ChannelBatch, ChannelMatches, ChannelAttestations:
	default:
		return
	}
	c.subsMu.Lock()
	if on {
		c.subscriptions[channel] = true
	} else {
		delete(c.subscriptions, channel)
	}
	c.subsMu.Unlock()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.sugar.Debugw("ws_read_error", "id", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				c.setSubscribed(ch, true)
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				c.setSubscribed(ch, false)
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sugar.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	c := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
