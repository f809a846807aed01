package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/perpsim/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		host := originURL.Hostname()
		return host == "localhost" || host == "127.0.0.1"
	},
}

// WebSocketServer streams run status updates to connected clients.
type WebSocketServer struct {
	status   StatusProvider
	logger   *slog.Logger
	interval time.Duration

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	// writeMu serializes writes; a conn allows one concurrent writer.
	writeMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketServer creates a WebSocket server.
func NewWebSocketServer(status StatusProvider, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		status:   status,
		logger:   logger,
		interval: 200 * time.Millisecond,
		clients:  make(map[*websocket.Conn]bool),
		done:     make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler. Each client first receives
// the current status, then every change.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		ws.clientsMu.Lock()
		ws.clients[conn] = true
		total := len(ws.clients)
		ws.clientsMu.Unlock()
		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		ws.send(conn, ws.status.Status())

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			total := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()
			ws.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcasting goroutine.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop stops broadcasting and closes all client connections.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.done)
		ws.clientsMu.Lock()
		for conn := range ws.clients {
			conn.Close()
		}
		ws.clients = make(map[*websocket.Conn]bool)
		ws.clientsMu.Unlock()
	})
}

// broadcastLoop polls the status and broadcasts it whenever Seq changes.
func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			status := ws.status.Status()
			if status.Seq == lastSeq {
				continue
			}
			lastSeq = status.Seq
			ws.broadcast(status)
		}
	}
}

func (ws *WebSocketServer) broadcast(status types.StatusResponse) {
	ws.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(ws.clients))
	for conn := range ws.clients {
		conns = append(conns, conn)
	}
	ws.clientsMu.RUnlock()

	for _, conn := range conns {
		ws.send(conn, status)
	}
}

func (ws *WebSocketServer) send(conn *websocket.Conn, status types.StatusResponse) {
	data, err := json.Marshal(status)
	if err != nil {
		ws.logger.Error("Failed to marshal status", slog.String("error", err.Error()))
		return
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop removes the client.
		ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
