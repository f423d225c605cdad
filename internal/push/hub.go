// Package push fans committed changes out to connected devices over
// websockets. A nudge is advisory: a device that misses one still
// converges on its next sync round, so delivery here is best-effort
// and slow consumers are dropped rather than buffered without bound.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxPerDevice  = 8
	defaultBuffer = 64
)

type clientMessage struct {
	client  *Client
	message []byte
}

type Hub struct {
	clients     map[string]*Client
	deviceIndex map[string]map[string]bool
	mu          sync.RWMutex

	register      chan *Client
	unregister    chan *Client
	handleMessage chan *clientMessage
	done          chan struct{}

	sendBuffer int
	logger     *slog.Logger
}

func NewHub(sendBuffer int, logger *slog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:       make(map[string]*Client),
		deviceIndex:   make(map[string]map[string]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		handleMessage: make(chan *clientMessage),
		done:          make(chan struct{}),
		sendBuffer:    sendBuffer,
		logger:        logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Closing done unblocks any pump goroutine still trying to
			// unregister after this loop has exited.
			close(h.done)
			h.closeAll()
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case msg := <-h.handleMessage:
			h.processMessage(msg)
		}
	}
}

// Attach subscribes the hub to store commits so every committed change,
// local or replicated, produces a nudge.
func (h *Hub) Attach(store *causal.Store) {
	store.OnCommit(h.NotifyCommit)
}

// NotifyCommit broadcasts a commit nudge. The originating node is
// excluded; it already holds the change.
func (h *Hub) NotifyCommit(ev causal.Event) {
	msg, err := NewMessage(TypeCommit, CommitPayload{
		RecordType: ev.Change.RecordType,
		RecordID:   ev.Change.RecordID,
		Origin:     ev.Change.Origin,
		Op:         string(ev.Op),
		Local:      ev.Local,
	})
	if err != nil {
		return
	}
	h.Broadcast(msg, ev.Change.Origin)

	if len(ev.ReviewFields) > 0 {
		review, err := NewMessage(TypeReview, ReviewPayload{
			RecordType: ev.Change.RecordType,
			RecordID:   ev.Change.RecordID,
			Fields:     ev.ReviewFields,
		})
		if err != nil {
			return
		}
		h.Broadcast(review, "")
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.deviceIndex[client.DeviceID] == nil {
		h.deviceIndex[client.DeviceID] = make(map[string]bool)
	}

	if len(h.deviceIndex[client.DeviceID]) >= maxPerDevice {
		h.logger.Warn("max connections reached for device", "device", client.DeviceID)
		close(client.send)
		return
	}

	h.clients[client.ID] = client
	h.deviceIndex[client.DeviceID][client.ID] = true

	h.logger.Debug("push client registered", "client", client.ID, "device", client.DeviceID, "ward", client.Ward)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		delete(h.deviceIndex[client.DeviceID], client.ID)

		if len(h.deviceIndex[client.DeviceID]) == 0 {
			delete(h.deviceIndex, client.DeviceID)
		}

		close(client.send)
		h.logger.Debug("push client unregistered", "client", client.ID)
	}
}

func (h *Hub) processMessage(cm *clientMessage) {
	var msg Message
	if err := json.Unmarshal(cm.message, &msg); err != nil {
		h.logger.Debug("bad push message", "client", cm.client.ID, "error", err)
		return
	}

	// Devices only ever send application-level pings; changes travel
	// over the HTTP sync endpoint.
	if msg.Type == TypePing {
		pong, err := NewMessage(TypePong, nil)
		if err != nil {
			return
		}
		raw, _ := json.Marshal(pong)
		select {
		case cm.client.send <- raw:
		default:
		}
	}
}

// Broadcast sends a message to every connected client except those of
// excludeDeviceID. Clients with a full send buffer are disconnected.
func (h *Hub) Broadcast(message *Message, excludeDeviceID string) {
	raw, err := json.Marshal(message)
	if err != nil {
		return
	}

	h.mu.RLock()
	var stalled []*Client
	for _, client := range h.clients {
		if excludeDeviceID != "" && client.DeviceID == excludeDeviceID {
			continue
		}
		select {
		case client.send <- raw:
		default:
			stalled = append(stalled, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stalled {
		h.logger.Warn("push client send buffer full, disconnecting", "client", client.ID)
		select {
		case h.unregister <- client:
		case <-h.done:
			return
		}
	}
}

// Connections returns the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DeviceConnections returns the number of open connections for one device.
func (h *Hub) DeviceConnections(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.deviceIndex[deviceID])
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
	h.deviceIndex = make(map[string]map[string]bool)
}
