package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"labelroom/internal/collab/service"
	"labelroom/pkg/logger"
)

// Hub owns the live connections, one per user, and implements
// BroadcastRouter over them. Session membership lives in the manager; the hub
// only maps user ids to sockets.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	manager *service.SessionManager
	handler *Handler

	mu      sync.RWMutex
	clients map[string]*Client

	sweepInterval time.Duration
	done          chan struct{}
}

func NewHub(manager *service.SessionManager, sweepInterval time.Duration) *Hub {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	h := &Hub{
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		manager:       manager,
		clients:       make(map[string]*Client),
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}
	h.handler = NewHandler(manager, h)
	return h
}

// Run processes registrations and the lock janitor until ctx is cancelled,
// then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			prev := h.clients[client.User.ID]
			h.clients[client.User.ID] = client
			h.mu.Unlock()
			if prev != nil {
				// A second connection for the same user replaces the first.
				logger.Sugar.Infof("Replacing existing connection for user %s", client.User.ID)
				prev.Conn.Close()
			}
			close(client.registered)

		case client := <-h.Unregister:
			h.mu.Lock()
			current := h.clients[client.User.ID] == client
			if current {
				delete(h.clients, client.User.ID)
			}
			h.mu.Unlock()
			client.closeSend()
			if current {
				h.handler.Leave(client.User.ID)
			}

		case <-ticker.C:
			h.handler.SweepExpired()

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				client.Conn.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return nil
		}
	}
}

// Connected reports how many sockets are registered.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SendTo(userID string, msg WSMessage) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling message for %s: %v", userID, err)
		return false
	}
	h.mu.RLock()
	client := h.clients[userID]
	h.mu.RUnlock()
	if client == nil {
		return false
	}
	return client.enqueue(payload)
}

func (h *Hub) SendToSession(sessionID string, msg WSMessage, exclude ...string) {
	h.SendToUsers(h.manager.Members(sessionID), msg, exclude...)
}

// SendToUsers enqueues msg for every connected user in userIDs. It never
// blocks, so it is safe to call while a session is locked.
func (h *Hub) SendToUsers(userIDs []string, msg WSMessage, exclude ...string) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
		return
	}

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	// Collect recipients under the lock, send outside it.
	h.mu.RLock()
	recipients := make([]*Client, 0, len(userIDs))
	for _, id := range userIDs {
		if skip[id] {
			continue
		}
		if c, ok := h.clients[id]; ok {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		c.enqueue(payload)
	}
}
