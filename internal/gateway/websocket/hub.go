// Package websocket is the client gateway: it accepts editor
// connections, feeds their requests to the dispatcher and fans
// notification frames from the event bus out to them.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/common/logger"
	"github.com/arserver/arserver/internal/events"
	"github.com/arserver/arserver/internal/events/bus"
	"github.com/arserver/arserver/pkg/rpc"
)

// ErrClientNotFound is returned by probes of unknown client ids.
var ErrClientNotFound = errors.New("client not found")

// Dispatcher routes one decoded request and writes its response back
// through the client.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Client, req *rpc.Request)
}

// WelcomeProvider builds the event burst a freshly connected client
// receives before anything else.
type WelcomeProvider func() []*rpc.Event

// DisconnectListener is told when a client channel goes away.
type DisconnectListener func(clientID string)

// Hub manages all WebSocket client connections.
type Hub struct {
	// All registered clients by id
	clients map[string]*Client

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	dispatcher Dispatcher
	welcome    WelcomeProvider
	onGone     DisconnectListener

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a gateway hub.
func NewHub(dispatcher Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetWelcomeProvider installs the welcome burst source.
func (h *Hub) SetWelcomeProvider(fn WelcomeProvider) {
	h.welcome = fn
}

// SetDisconnectListener installs the channel-gone callback.
func (h *Hub) SetDisconnectListener(fn DisconnectListener) {
	h.onGone = fn
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))
			if h.welcome != nil {
				for _, evt := range h.welcome() {
					client.SendEvent(evt)
				}
			}

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Subscribe attaches the hub to the UI subjects of the event bus.
func (h *Hub) Subscribe(eventBus bus.EventBus) error {
	_, err := eventBus.Subscribe(events.SubjectUIWildcard, func(ctx context.Context, ev *bus.Event) error {
		h.route(ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to UI events: %w", err)
	}
	return nil
}

// route delivers one bus event to the clients it addresses. The frame
// bytes are pre-encoded by the publisher.
func (h *Hub) route(ev *bus.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ev.Target != "" {
		if client, ok := h.clients[ev.Target]; ok {
			client.Send(ev.Data)
		}
		return
	}
	for id, client := range h.clients {
		if ev.Exclude != "" && id == ev.Exclude {
			continue
		}
		client.Send(ev.Data)
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		client.markClosed()
		close(client.send)
		delete(h.clients, id)
	}
}

// removeClient removes a client from the hub.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	gone := false
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		client.markClosed()
		close(client.send)
		gone = true
	}
	h.mu.Unlock()

	if gone {
		h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
		if h.onGone != nil {
			h.onGone(client.ID)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Probe pings a client channel; part of the duplicate-login check.
func (h *Hub) Probe(ctx context.Context, clientID string) error {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return client.Ping(ctx)
}

// Evict drops a stale client channel.
func (h *Hub) Evict(clientID string) {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if ok {
		h.Unregister(client)
		_ = client.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
