// Package ws pushes change notifications from the sync server to clients
// over WebSocket so they pull without waiting for the next periodic pass.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/c0deZ3R0/go-offline-sync/logging"
)

const component = "transport/ws"

// Message types.
const (
	TypeHello  = "hello"
	TypeChange = "change"
)

// Message is a notification sent to every connected client. Seq is the
// server's latest change sequence.
type Message struct {
	Type string    `json:"type"`
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
}

// Hub accepts WebSocket clients and broadcasts change notifications to them.
type Hub struct {
	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message
	last      atomic.Uint64

	writeTimeout time.Duration
	origins      []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithHubLogger(l *slog.Logger) HubOption { return func(h *Hub) { h.logger = l } }

// WithOriginPatterns sets the origins allowed to connect from a browser.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// NewHub creates a hub and starts its broadcast loop. Close stops it.
func NewHub(opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:      make(map[*websocket.Conn]struct{}),
		broadcast:    make(chan Message, 64),
		writeTimeout: 5 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.WithComponent(component)
	}

	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Notify announces that the server committed change seq. It never blocks;
// when the queue is full the notification is dropped because a later one
// carries a newer seq.
func (h *Hub) Notify(seq uint64) {
	for {
		prev := h.last.Load()
		if seq <= prev || h.last.CompareAndSwap(prev, seq) {
			break
		}
	}
	select {
	case h.broadcast <- Message{Type: TypeChange, Seq: seq}:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("broadcast queue full, dropping notification", "seq", seq)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client. The client is
// greeted with the latest seq.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Debug("client connected", "clients", count)

	if err := h.write(conn, Message{Type: TypeHello, Seq: h.last.Load()}); err != nil {
		h.removeClient(conn)
		return
	}

	h.wg.Add(1)
	go h.readLoop(conn)
}

// Disconnect closes every client connection without stopping the hub.
func (h *Hub) Disconnect() {
	h.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server going away")
	}
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() error {
	h.cancel()
	h.Disconnect()
	h.wg.Wait()
	return nil
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.broadcast:
			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range conns {
				if err := h.write(conn, msg); err != nil {
					h.logger.Debug("send to client failed", "error", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg Message) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop keeps the connection alive until the client goes away. Clients
// do not send anything meaningful.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug("client disconnected", "clients", count)
	}
}
