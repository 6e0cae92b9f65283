package models

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// registration carries a new connection plus an optional payload the manager
// loop writes before the client joins the broadcast set, so the conn only
// ever has one writer.
type registration struct {
	conn    *websocket.Conn
	initial []byte
}

// WebSocketManager handles WebSocket connections and broadcasts
type WebSocketManager struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan registration
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager() *WebSocketManager {
	return &WebSocketManager{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
	}
}

// Start begins the WebSocket manager
func (wsm *WebSocketManager) Start() {
	go func() {
		for {
			select {
			case reg := <-wsm.register:
				if reg.initial != nil {
					if err := reg.conn.WriteMessage(websocket.TextMessage, reg.initial); err != nil {
						log.Printf("Error sending initial snapshot to client: %v", err)
						reg.conn.Close()
						continue
					}
				}
				wsm.mu.Lock()
				wsm.clients[reg.conn] = true
				wsm.mu.Unlock()
				log.Printf("New WebSocket client connected. Total clients: %d", wsm.clientCount())
			case client := <-wsm.unregister:
				wsm.mu.Lock()
				if _, ok := wsm.clients[client]; ok {
					delete(wsm.clients, client)
					client.Close()
				}
				wsm.mu.Unlock()
			case message := <-wsm.broadcast:
				wsm.mu.Lock()
				for client := range wsm.clients {
					if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
						log.Printf("Error sending message to client: %v", err)
						client.Close()
						delete(wsm.clients, client)
					}
				}
				wsm.mu.Unlock()
			}
		}
	}()
}

func (wsm *WebSocketManager) clientCount() int {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	return len(wsm.clients)
}

// BroadcastJobUpdate sends a job snapshot to all connected clients
func (wsm *WebSocketManager) BroadcastJobUpdate(job Job) {
	update := map[string]interface{}{
		"type":    "job_update",
		"job_id":  job.ID,
		"status":  job.Status,
		"message": job.Message,
	}

	if job.Status == StatusError && job.ErrorDetail != "" {
		update["error"] = job.ErrorDetail
	}

	jsonData, err := json.Marshal(update)
	if err != nil {
		log.Printf("Failed to marshal job update: %v", err)
		return
	}

	// Drop the update rather than block a pipeline worker when the
	// broadcast loop is behind.
	select {
	case wsm.broadcast <- jsonData:
	default:
	}
}

// RegisterClient registers a new WebSocket client. A non-nil initial payload
// is written to the connection by the manager loop before any broadcast
// reaches it; callers must not write to the conn themselves afterwards.
func (wsm *WebSocketManager) RegisterClient(conn *websocket.Conn, initial []byte) {
	wsm.register <- registration{conn: conn, initial: initial}
}

// UnregisterClient unregisters a WebSocket client
func (wsm *WebSocketManager) UnregisterClient(conn *websocket.Conn) {
	wsm.unregister <- conn
}
