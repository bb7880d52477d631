package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/server/handler"
	"github.com/alanyoungcy/cashbridge/internal/server/middleware"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 64
)

// Topics a client can follow. Both are on by default.
const (
	TopicMerchants     = "merchants"
	TopicNotifications = "notifications"
)

// Directory lists merchants for the live directory feed.
type Directory interface {
	ListEligible(ctx context.Context, excludeUserID string, usd decimal.Decimal) ([]domain.MerchantView, error)
}

// envelope is the frame written to clients.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// event is something to fan out. A merchants event carries the full list and
// is filtered per client; a notification goes to one user.
type event struct {
	topic     string
	userID    string
	data      []byte
	merchants []domain.MerchantView
}

// client represents a single authenticated websocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	subs   map[string]bool
	mu     sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change its topics.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

// Hub bridges the signal bus to connected clients: directory refreshes on
// merchants:changed and per-user notifications on notifications:<user_id>.
type Hub struct {
	clients    map[*client]bool
	events     chan event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	directory  Directory
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a hub. allowedOrigins restricts browser origins; empty
// allows all.
func NewHub(bus domain.SignalBus, directory Directory, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		events:     make(chan event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		directory:  directory,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Run starts the hub's event loop and its bus subscriptions. It returns when
// ctx is cancelled, closing every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	merchants, err := h.bus.Subscribe(ctx, domain.ChannelMerchantsChanged)
	if err != nil {
		return err
	}
	notes, err := h.bus.Subscribe(ctx, domain.ChannelNotifyPrefix+"*")
	if err != nil {
		return err
	}
	go h.forwardMerchants(ctx, merchants)
	go h.forwardNotifications(ctx, notes)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.String("user_id", c.userID), slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.String("user_id", c.userID), slog.Int("total_clients", n))

		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(ev.topic) {
			continue
		}
		data := ev.data
		switch ev.topic {
		case TopicNotifications:
			if c.userID != ev.userID {
				continue
			}
		case TopicMerchants:
			data = merchantsFrame(ev.merchants, c.userID)
		}
		if data == nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws: dropping message for slow client", slog.String("user_id", c.userID))
		}
	}
}

// forwardMerchants reloads the directory once per burst of change signals.
func (h *Hub) forwardMerchants(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				h.logger.Warn("ws: merchant channel closed")
				return
			}
		drain:
			for {
				select {
				case <-ch:
				default:
					break drain
				}
			}
			views, err := h.directory.ListEligible(ctx, "", decimal.Zero)
			if err != nil {
				h.logger.Warn("ws: directory reload failed", slog.String("error", err.Error()))
				continue
			}
			h.publish(ctx, event{topic: TopicMerchants, merchants: views})
		}
	}
}

func (h *Hub) forwardNotifications(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				h.logger.Warn("ws: notification channel closed")
				return
			}
			var head struct {
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(payload, &head); err != nil || head.UserID == "" {
				continue
			}
			data, err := json.Marshal(envelope{Type: "notification", Payload: json.RawMessage(payload)})
			if err != nil {
				continue
			}
			h.publish(ctx, event{topic: TopicNotifications, userID: head.UserID, data: data})
		}
	}
}

func (h *Hub) publish(ctx context.Context, ev event) {
	select {
	case h.events <- ev:
	case <-ctx.Done():
	}
}

func merchantsFrame(views []domain.MerchantView, exclude string) []byte {
	filtered := make([]domain.MerchantView, 0, len(views))
	for _, v := range views {
		if v.UserID != exclude {
			filtered = append(filtered, v)
		}
	}
	data, err := json.Marshal(envelope{Type: "merchants", Payload: handler.NewMerchantViews(filtered)})
	if err != nil {
		return nil
	}
	return data
}

// HandleWS upgrades an authenticated request and registers the client. The
// identity middleware must run first.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok || actor.UserID == "" {
		http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		userID: actor.UserID,
		send:   make(chan []byte, sendBufferSize),
		subs:   map[string]bool{TopicMerchants: true, TopicNotifications: true},
	}

	c.sendSnapshot()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// sendSnapshot queues the current directory before the client is
// registered, so it always precedes live updates.
func (c *client) sendSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	views, err := c.hub.directory.ListEligible(ctx, c.userID, decimal.Zero)
	if err != nil {
		c.hub.logger.Warn("ws: snapshot failed", slog.String("error", err.Error()))
		return
	}
	data := merchantsFrame(views, c.userID)
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump reads topic changes from the client until the connection drops.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range msg.Topics {
		if t != TopicMerchants && t != TopicNotifications {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subs[t] = true
		case "unsubscribe":
			delete(c.subs, t)
		}
	}
}

func (c *client) isSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[topic]
}

// writePump writes queued frames and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
