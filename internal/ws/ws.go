// Package ws pushes dashboard messages to connected browsers over websockets.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
)

const (
	pingInterval = 20 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	readLimit    = 1024
	sendQueue    = 256
)

// Message is the envelope of every push.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// JoinFunc registers a new client. It must call join exactly once with the
// messages that bring the client up to date; broadcasts issued after join
// returns are delivered after them.
type JoinFunc func(join func(welcome ...Message))

// Hub tracks connected browsers and fans messages out to them. Broadcast
// never blocks on a slow client; a client whose queue overflows is dropped
// and will reconnect.
type Hub struct {
	log      logging.Logger
	upgrader websocket.Upgrader
	onJoin   JoinFunc
	onCount  func(int)

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithJoin sets how new clients are brought up to date.
func WithJoin(fn JoinFunc) Option { return func(h *Hub) { h.onJoin = fn } }

// WithClientCount is called with the client count after every change.
func WithClientCount(fn func(int)) Option { return func(h *Hub) { h.onCount = fn } }

// WithCheckOrigin overrides the upgrader's origin check. The default accepts
// every origin.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// NewHub constructs a hub.
func NewHub(log logging.Logger, opts ...Option) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	h := &Hub{
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Broadcast queues m for every client and returns how many accepted it.
func (h *Hub) Broadcast(m Message) int {
	b, err := json.Marshal(m)
	if err != nil {
		h.log.Error(context.Background(), "ws: marshal failed", logging.String("type", m.Type), logging.Err(err))
		return 0
	}

	h.mu.Lock()
	n := 0
	var dropped []*client
	for c := range h.clients {
		select {
		case c.send <- b:
			n++
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		delete(h.clients, c)
	}
	count := len(h.clients)
	h.mu.Unlock()

	for _, c := range dropped {
		h.log.Warn(context.Background(), "ws: dropping slow client")
		c.close()
	}
	if len(dropped) > 0 {
		h.reportCount(count)
	}
	return n
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.reportCount(0)
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx, h.log)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(ctx, "ws: upgrade failed", logging.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendQueue), done: make(chan struct{})}

	if !h.register(c) {
		c.close()
		return
	}
	log.Info(ctx, "ws connected", logging.Int("clients", h.Clients()))

	go c.writeLoop()
	c.readLoop()

	h.unregister(c)
	c.close()
	log.Info(ctx, "ws disconnected", logging.Int("clients", h.Clients()))
}

func (h *Hub) register(c *client) bool {
	added := false
	join := func(welcome ...Message) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed || added {
			return
		}
		for _, m := range welcome {
			b, err := json.Marshal(m)
			if err != nil {
				h.log.Error(context.Background(), "ws: marshal failed", logging.String("type", m.Type), logging.Err(err))
				continue
			}
			select {
			case c.send <- b:
			default:
			}
		}
		h.clients[c] = struct{}{}
		added = true
	}
	if h.onJoin != nil {
		h.onJoin(join)
	} else {
		join()
	}
	if added {
		h.reportCount(h.Clients())
	}
	return added
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.reportCount(count)
	}
}

func (h *Hub) reportCount(n int) {
	if h.onCount != nil {
		h.onCount(n)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop discards client messages and keeps the read deadline fresh on
// pongs. It returns when the connection fails or is closed.
func (c *client) readLoop() {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
