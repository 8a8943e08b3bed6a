package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/takahashiJe/OC-guidanceLLM/internal/tasks"
)

// TaskEvent is the JSON message broadcast when a task leaves PENDING.
type TaskEvent struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// TaskEventHub manages WebSocket connections and broadcasts task completion
// events. Polling stays the source of truth for results; the hub only tells
// clients that a poll is now worth making.
type TaskEventHub struct {
	clients    map[hubClient]bool
	broadcast  chan TaskEvent
	register   chan hubClient
	unregister chan hubClient
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// hubClient allows for both real connections and test fakes.
type hubClient interface {
	sendChannel() chan []byte
	closeConn()
}

type wsClient struct {
	hub  *TaskEventHub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// NewTaskEventHub creates a hub. Call Run in a goroutine.
func NewTaskEventHub() *TaskEventHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskEventHub{
		clients:    make(map[hubClient]bool),
		broadcast:  make(chan TaskEvent, 256),
		register:   make(chan hubClient),
		unregister: make(chan hubClient),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's message processing loop.
func (h *TaskEventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: websocket client connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: websocket client disconnected (total: %d)", count)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("server: ERROR failed to marshal task event: %v", err)
				continue
			}
			// Full lock: slow clients are dropped from the map below.
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.sendChannel() <- data:
				default:
					close(client.sendChannel())
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			log.Printf("server: websocket hub stopping")
			return
		}
	}
}

// Stop gracefully shuts down the hub.
func (h *TaskEventHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.closeConn()
	}
	h.clients = make(map[hubClient]bool)
	h.mu.Unlock()
}

// NotifyCompletion is the orchestrator completion callback.
func (h *TaskEventHub) NotifyCompletion(rec tasks.Record) {
	event := TaskEvent{
		Type:      "task_completed",
		TaskID:    rec.TaskID,
		SessionID: rec.SessionID,
		Status:    string(rec.Status),
	}
	select {
	case h.broadcast <- event:
	default:
		log.Printf("server: WARNING websocket broadcast channel full, dropping event")
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *TaskEventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Printf("server: ERROR websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// writePump sends broadcast events to the connection.
func (c *wsClient) writePump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			log.Printf("server: ERROR websocket write failed: %v", err)
			return
		}
	}
}

// readPump drains client messages to detect disconnections. The protocol is
// one-way; clients never send anything meaningful.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}
