// Package ws carries change notices over websockets: the server broadcasts
// which collection changed, the client turns each notice into a sync
// trigger. This is a trigger channel only; documents always travel through
// the RemoteStore, and polling keeps working when the socket is down.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/medirec/offsync/engine"
	"github.com/medirec/offsync/logging"
)

// Notice tells clients a collection changed on the server.
type Notice struct {
	Collection string    `json:"collection"`
	At         time.Time `json:"at"`
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// Hub is the server side: it accepts websocket subscribers and broadcasts
// change notices to all of them.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]chan Notice
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The reference server has no cross-origin story; tighten this
			// behind a gateway in a real deployment.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logging.WithComponent(logging.Component("ws-hub")),
		conns:  make(map[*websocket.Conn]chan Notice),
	}
}

// Handler upgrades the request and keeps the subscriber registered until the
// connection drops.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		out := make(chan Notice, 16)
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.conns[conn] = out
		h.mu.Unlock()

		go h.writeLoop(conn, out)
		h.readLoop(conn)
	}
}

// Broadcast queues a change notice for every subscriber. A subscriber whose
// queue is full misses the notice; its next poll cycle covers the gap.
func (h *Hub) Broadcast(collection string) {
	notice := Notice{Collection: collection, At: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.conns {
		select {
		case out <- notice:
		default:
		}
	}
}

// Close drops every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for conn, out := range h.conns {
		close(out)
		conn.Close()
	}
	h.conns = nil
	return nil
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if out, ok := h.conns[conn]; ok {
		close(out)
		delete(h.conns, conn)
	}
	conn.Close()
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.drop(conn)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, out <-chan Notice) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case notice, ok := <-out:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(notice); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Trigger is the slice of the engine a notice drives.
type Trigger interface {
	TriggerSync(collection string)
}

// Notifier is the client side: it subscribes to a hub and turns notices into
// sync triggers, reconnecting with backoff when the socket drops.
type Notifier struct {
	url     string
	trigger Trigger
	backoff engine.BackoffStrategy
	logger  *logging.Logger

	mu        sync.Mutex
	stop      chan struct{}
	connected bool
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithBackoff replaces the reconnect backoff strategy.
func WithBackoff(b engine.BackoffStrategy) NotifierOption {
	return func(n *Notifier) { n.backoff = b }
}

// NewNotifier creates a notifier for the hub at url (ws:// or wss://).
func NewNotifier(url string, trigger Trigger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		url:     url,
		trigger: trigger,
		backoff: engine.DefaultBackoff(),
		logger:  logging.WithComponent(logging.Component("ws-notifier")),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Connected reports whether the socket is currently up.
func (n *Notifier) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Start launches the subscription loop. Returns immediately.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	if n.stop != nil {
		n.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	n.stop = stop
	n.mu.Unlock()

	go n.run(ctx, stop)
}

// Stop ends the subscription loop.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		close(n.stop)
		n.stop = nil
	}
}

func (n *Notifier) run(ctx context.Context, stop <-chan struct{}) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, n.url, nil)
		if err != nil {
			delay := n.backoff.NextDelay(attempt)
			attempt++
			n.logger.Debug("hub dial failed, backing off",
				slog.String("url", n.url),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		n.setConnected(true)
		n.listen(ctx, stop, conn)
		n.setConnected(false)
	}
}

func (n *Notifier) listen(ctx context.Context, stop <-chan struct{}, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		case <-done:
		}
		conn.Close()
	}()
	defer close(done)

	for {
		var notice Notice
		if err := conn.ReadJSON(&notice); err != nil {
			return
		}
		if notice.Collection != "" {
			n.trigger.TriggerSync(notice.Collection)
		}
	}
}

func (n *Notifier) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}
