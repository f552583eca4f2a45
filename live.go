package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const liveWriteTimeout = 5 * time.Second

// liveUpdate is one reading pushed to /live subscribers.
type liveUpdate struct {
	Controller string             `json:"controller"`
	Name       string             `json:"name"`
	Status     string             `json:"status"`
	Values     map[string]float64 `json:"values"`
	Alarms     map[string]bool    `json:"alarms,omitempty"`
	LastSeen   string             `json:"last_seen,omitempty"`
	Timestamp  int64              `json:"timestamp"`
}

// LiveHub fans readings out to WebSocket subscribers as they are polled.
type LiveHub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]bool
	upgrader websocket.Upgrader
}

func NewLiveHub() *LiveHub {
	return &LiveHub{
		conns: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the client goes away.
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The HTTP server's read/write deadlines survive the hijack and would
	// cut long-lived streams short.
	if err := conn.UnderlyingConn().SetDeadline(time.Time{}); err != nil {
		log.Printf("Failed to clear connection deadline: %v", err)
	}

	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()

	// Drain client frames so pings and close frames are handled; we never
	// expect application messages.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends one reading to every subscriber, dropping connections
// that fail to accept the write.
func (h *LiveHub) Broadcast(ctrl Controller, reading Reading) {
	update := liveUpdate{
		Controller: ctrl.CID,
		Name:       ctrl.Name,
		Status:     reading.Status,
		Values:     reading.Values,
		Alarms:     reading.Alarms,
		LastSeen:   reading.LastSeen,
		Timestamp:  time.Now().Unix(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := conn.WriteJSON(update); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// SubscriberCount reports the number of connected clients.
func (h *LiveHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *LiveHub) remove(conn *websocket.Conn) {
	conn.Close()
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}
