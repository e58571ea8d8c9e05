// Package ws is the real-time transport. Every websocket connection is a
// Fan-Out observer; clients pick their topics with subscribe messages.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"trading-engine/internal/fanout"
	"trading-engine/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	checkTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (model.Caller, error)
}

// Negotiations answers whether a caller may see a negotiation; it returns
// Forbidden for non-participants.
type Negotiations interface {
	GetNegotiation(ctx context.Context, caller model.Caller, negotiationID string) (model.Negotiation, error)
}

type Options struct {
	SendBuffer int
	RateLimit  rate.Limit // inbound messages per second
	RateBurst  int
}

// ClientMsg is what a client sends.
type ClientMsg struct {
	Action string       `json:"action"`
	Topic  fanout.Topic `json:"topic"`
}

// ReplyMsg acknowledges or rejects a client message.
type ReplyMsg struct {
	Type  string        `json:"type"`
	Topic *fanout.Topic `json:"topic,omitempty"`
	Error string        `json:"error,omitempty"`
}

// Hub owns the open connections.
type Hub struct {
	router       *fanout.Router
	auth         Authenticator
	negotiations Negotiations
	opts         Options
	log          *log.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	id      string
	caller  model.Caller
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	hub     *Hub

	// ctx lives as long as the connection; lookups made for it stop on close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewHub(router *fanout.Router, auth Authenticator, negotiations Negotiations, opts Options, logger *log.Logger) *Hub {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 64
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst < 1 {
		opts.RateBurst = 20
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		router:       router,
		auth:         auth,
		negotiations: negotiations,
		opts:         opts,
		log:          logger.WithPrefix("ws"),
		conns:        make(map[string]*conn),
	}
}

// HandleWS authenticates, upgrades and registers the connection. The
// caller's own user and role topics are subscribed up front.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	caller, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade error", "err", err)
		return
	}
	c := h.newConn(caller, wsConn)

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.router.Register(c)
	for _, t := range []fanout.Topic{fanout.UserTopic(caller.UserID), fanout.RoleTopic(caller.Role)} {
		if err := h.router.Subscribe(c.id, t); err != nil {
			h.log.Warn("auto-subscribe failed", "conn", c.id, "topic", t.String(), "err", err)
		}
	}
	h.log.Debug("connected", "conn", c.id, "caller", caller.String())

	go c.writePump()
	go c.readPump()
}

func (h *Hub) newConn(caller model.Caller, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		id:      uuid.NewString(),
		caller:  caller,
		ws:      ws,
		send:    make(chan []byte, h.opts.SendBuffer),
		limiter: rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst),
		hub:     h,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	h.router.Unregister(c.id)
}

// ── Subscriptions ────────────────────────────────────

func (h *Hub) handle(ctx context.Context, c *conn, raw []byte) ReplyMsg {
	if !c.limiter.Allow() {
		return ReplyMsg{Type: "error", Error: "rate limit exceeded"}
	}
	var msg ClientMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ReplyMsg{Type: "error", Error: "invalid message"}
	}
	topic := msg.Topic
	if !topic.Valid() {
		return ReplyMsg{Type: "error", Error: "invalid topic"}
	}
	switch msg.Action {
	case "subscribe":
		if err := h.authorize(ctx, c.caller, topic); err != nil {
			return ReplyMsg{Type: "error", Topic: &topic, Error: err.Error()}
		}
		if err := h.router.Subscribe(c.id, topic); err != nil {
			return ReplyMsg{Type: "error", Topic: &topic, Error: err.Error()}
		}
		return ReplyMsg{Type: "subscribed", Topic: &topic}
	case "unsubscribe":
		h.router.Unsubscribe(c.id, topic)
		return ReplyMsg{Type: "unsubscribed", Topic: &topic}
	}
	return ReplyMsg{Type: "error", Error: "unknown action " + msg.Action}
}

// authorize limits user and role topics to their owner and negotiation
// and conversation topics to the parties and admins. Auction topics are
// public.
func (h *Hub) authorize(ctx context.Context, c model.Caller, t fanout.Topic) error {
	switch t.Kind {
	case fanout.KindAuction:
		return nil
	case fanout.KindUser:
		if t.ID == c.UserID {
			return nil
		}
		return model.Forbidden("topic %s belongs to another user", t)
	case fanout.KindRole:
		if t.ID == string(c.Role) {
			return nil
		}
		return model.Forbidden("topic %s is for another role", t)
	case fanout.KindNegotiation, fanout.KindConversation:
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		_, err := h.negotiations.GetNegotiation(ctx, c, t.ID)
		return err
	}
	return model.Forbidden("unknown topic kind")
}

// ── Connection ───────────────────────────────────────

func (c *conn) ID() string { return c.id }

// Deliver never blocks the router; a full buffer drops the event and the
// client reconciles by re-fetching.
func (c *conn) Deliver(ev fanout.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		c.hub.log.Error("marshal event", "event", ev.Name, "err", err)
		return
	}
	if !c.enqueue(b) {
		c.hub.log.Debug("slow client, dropping event", "conn", c.id, "event", ev.Name)
	}
}

func (c *conn) reply(m ReplyMsg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *conn) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		c.dropped++
		return false
	}
}

func (c *conn) close() {
	c.cancel()
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	if c.ws != nil {
		c.ws.Close()
	}
}

func (c *conn) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
		c.hub.log.Debug("disconnected", "conn", c.id)
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		c.reply(c.hub.handle(c.ctx, c, raw))
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
