package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/common/logger"
	"github.com/arserver/arserver/pkg/rpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// sendBuffer bounds the per-client outgoing queue; a client that falls
// this far behind is dropped rather than stalling the hub.
const sendBuffer = 256

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	pongMu      sync.Mutex
	pongWaiters []chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

// NewClient creates a client around an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the connection to the dispatcher. Each
// request runs in its own goroutine so handlers blocked on external
// services do not serialise unrelated requests.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.notifyPong()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}
		c.handleFrame(ctx, message)
	}
}

// handleFrame decodes one incoming frame. Malformed frames are answered
// with a failed response when the id is recoverable, otherwise dropped.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	kind, id := rpc.Kind(data)
	if kind != rpc.FrameRequest {
		c.logger.Warn("Unexpected frame", zap.ByteString("frame", data))
		if id != 0 {
			c.SendResponse(rpc.NewFailure("", id, "Unknown frame."))
		}
		return
	}
	req, err := rpc.DecodeRequest(data)
	if err != nil {
		c.logger.Warn("Malformed request", zap.Error(err))
		c.SendResponse(rpc.NewFailure("", id, "Malformed request."))
		return
	}

	c.logger.Debug("Received request",
		zap.String("request", req.Request),
		zap.Uint64("id", req.ID))
	go c.hub.dispatcher.Dispatch(ctx, c, req)
}

// SendResponse queues a response frame.
func (c *Client) SendResponse(resp *rpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	c.Send(data)
}

// SendEvent queues an event frame.
func (c *Client) SendEvent(evt *rpc.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	c.Send(data)
}

// Send queues a raw frame. A full buffer means the client cannot keep
// up; it is dropped instead of blocking the sender.
func (c *Client) Send(data []byte) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, dropping client")
		go c.hub.Unregister(c)
	}
}

// markClosed stops further sends; the hub calls it right before closing
// the send channel.
func (c *Client) markClosed() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
}

// Ping sends a control ping and waits for the pong, bounded by ctx.
// Used by the duplicate-login liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	c.pongMu.Lock()
	c.pongWaiters = append(c.pongWaiters, ch)
	c.pongMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) notifyPong() {
	c.pongMu.Lock()
	waiters := c.pongWaiters
	c.pongWaiters = nil
	c.pongMu.Unlock()
	for _, ch := range waiters {
		ch <- struct{}{}
	}
}

// WritePump pumps queued frames to the connection, one message per
// frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
