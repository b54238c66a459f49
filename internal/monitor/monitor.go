// Package monitor streams traffic log lines to WebSocket clients, so a bench
// operator can watch a relay session from another machine. It only reads
// lines handed to Publish and never touches the relay's sockets.
package monitor

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/hidrelay/internal/util"
)

const (
	clientBufferSize = 256 // lines queued per client before dropping
	writeWait        = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans published lines out to every connected client. A slow client
// loses lines; it never slows the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

type client struct {
	conn    *websocket.Conn
	inbox   chan string
	dropped int
}

// Publish queues line for every client without blocking.
func (h *Hub) Publish(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.inbox <- line:
		default:
			c.dropped++
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams lines until the client leaves
// or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, inbox: make(chan string, clientBufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	util.LogInfo("monitor: %s connected", conn.RemoteAddr())

	// Reader: only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	h.writeLoop(c, gone)

	h.mu.Lock()
	delete(h.clients, c)
	dropped := c.dropped
	h.mu.Unlock()
	conn.Close()
	util.LogInfo("monitor: %s disconnected (%d lines dropped)", conn.RemoteAddr(), dropped)
}

// writeLoop is the client's single writer.
func (h *Hub) writeLoop(c *client, gone <-chan struct{}) {
	for {
		select {
		case line, ok := <-c.inbox:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay stopped"))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// Close disconnects every client. Later Publish calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.inbox)
		delete(h.clients, c)
	}
}

// Server serves a Hub at /traffic.
type Server struct {
	Hub      *Hub
	listener net.Listener
	httpSrv  *http.Server
}

// Start listens on addr and serves hub in the background.
func Start(addr string, hub *Hub) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start monitor: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/traffic", hub)
	s := &Server{
		Hub:      hub,
		listener: listener,
		httpSrv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
	go func() {
		_ = s.httpSrv.Serve(listener)
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Close disconnects clients and stops serving.
func (s *Server) Close() error {
	s.Hub.Close()
	return s.httpSrv.Close()
}
