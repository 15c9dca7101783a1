// Package execution maintains the persistent connection to the
// execution runtime: request/response correlation, event forwarding and
// the temporary-package workflow.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/common/logger"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

// reconnectDelay is the pause between reconnection attempts.
const reconnectDelay = time.Second

// ErrClosed is returned for calls on a closed bridge.
var ErrClosed = errors.New("execution bridge closed")

// EventHandler receives every event frame the runtime emits.
type EventHandler func(evt *rpc.Event)

type pendingCall struct {
	frame []byte
	resp  chan *rpc.Response
	sent  bool
}

// Bridge is the hub's client of the execution runtime. Outgoing
// requests go through a single FIFO; on reconnect, frames that were
// never acknowledged are re-sent in their original order.
type Bridge struct {
	url    string
	logger *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	queue   []*pendingCall          // unsent or unacknowledged, FIFO
	pending map[uint64]*pendingCall // request id -> call
	closed  bool
	wake    chan struct{}

	nextID  atomic.Uint64
	onEvent EventHandler

	stateMu      sync.RWMutex
	packageState *rpc.Event
	packageInfo  *rpc.Event
	actionBefore *rpc.Event
	actionAfter  *rpc.Event
}

// NewBridge creates a bridge for the given runtime WebSocket URL.
func NewBridge(url string, log *logger.Logger) *Bridge {
	return &Bridge{
		url:     url,
		logger:  log.WithFields(zap.String("component", "execution_bridge")),
		pending: make(map[uint64]*pendingCall),
		wake:    make(chan struct{}, 1),
	}
}

// SetEventHandler installs the runtime event forwarder.
func (b *Bridge) SetEventHandler(fn EventHandler) {
	b.onEvent = fn
}

// Run keeps the connection alive until the context ends. Each connect
// failure or drop waits the reconnect delay before the next attempt.
func (b *Bridge) Run(ctx context.Context) {
	for {
		if err := b.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("Execution runtime unreachable", zap.Error(err))
		} else {
			b.readLoop(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Close shuts the bridge down and fails every pending call.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	conn := b.conn
	b.conn = nil
	calls := b.queue
	b.queue = nil
	for id := range b.pending {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	// Unpark a write loop waiting on the queue so it can observe closed.
	b.kick()
	if conn != nil {
		_ = conn.Close()
	}
	for _, call := range calls {
		call.resp <- rpc.NewFailure("", 0, "Execution service closed.")
	}
}

// IsConnected reports whether the runtime connection is up.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *Bridge) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("dialing execution runtime: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	b.conn = conn
	// Everything still queued was never acknowledged; re-send in order.
	for _, call := range b.queue {
		call.sent = false
	}
	b.mu.Unlock()

	b.logger.Info("Connected to execution runtime", zap.String("url", b.url))
	go b.writeLoop(conn)
	b.kick()
	return nil
}

// kick nudges the write loop.
func (b *Bridge) kick() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the FIFO over one connection; it exits when the
// connection is replaced or the bridge closes.
func (b *Bridge) writeLoop(conn *websocket.Conn) {
	for {
		b.mu.Lock()
		if b.closed || b.conn != conn {
			b.mu.Unlock()
			// The loop may have consumed a wake meant for its
			// successor; hand the token back before exiting.
			b.kick()
			return
		}
		var next *pendingCall
		for _, call := range b.queue {
			if !call.sent {
				next = call
				break
			}
		}
		b.mu.Unlock()

		if next == nil {
			<-b.wake
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, next.frame); err != nil {
			b.logger.Warn("Execution write failed", zap.Error(err))
			_ = conn.Close()
			return
		}
		b.mu.Lock()
		next.sent = true
		b.mu.Unlock()
	}
}

func (b *Bridge) readLoop(ctx context.Context) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				b.logger.Warn("Execution read failed", zap.Error(err))
			}
			return
		}
		b.handleFrame(data)
	}
}

func (b *Bridge) handleFrame(data []byte) {
	kind, id := rpc.Kind(data)
	switch kind {
	case rpc.FrameResponse:
		var resp rpc.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			b.logger.Warn("Malformed execution response", zap.Error(err))
			return
		}
		b.mu.Lock()
		call, ok := b.pending[id]
		if ok {
			delete(b.pending, id)
			for i, queued := range b.queue {
				if queued == call {
					b.queue = append(b.queue[:i], b.queue[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
		if ok {
			call.resp <- &resp
		}
	case rpc.FrameEvent:
		var evt rpc.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			b.logger.Warn("Malformed execution event", zap.Error(err))
			return
		}
		b.retain(&evt)
		if b.onEvent != nil {
			b.onEvent(&evt)
		}
	default:
		b.logger.Warn("Unexpected execution frame", zap.ByteString("frame", data))
	}
}

// retain keeps the latest snapshot of the events replayed to newly
// connected clients.
func (b *Bridge) retain(evt *rpc.Event) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	switch evt.Event {
	case rpc.EvtPackageState:
		b.packageState = evt
	case rpc.EvtPackageInfo:
		b.packageInfo = evt
	case rpc.EvtActionStateBefore:
		b.actionBefore = evt
	case rpc.EvtActionStateAfter:
		b.actionAfter = evt
	}
}

// ReplayEvents returns the retained events in welcome-burst order.
func (b *Bridge) ReplayEvents() []*rpc.Event {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	var out []*rpc.Event
	for _, evt := range []*rpc.Event{b.packageState, b.packageInfo, b.actionBefore} {
		if evt != nil {
			out = append(out, evt)
		}
	}
	return out
}

// PackageState returns the latest known package run state.
func (b *Bridge) PackageState() v1.PackageStateData {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	state := v1.PackageStateData{State: v1.PackageUndefined}
	if b.packageState != nil {
		_ = b.packageState.ParseData(&state)
	}
	return state
}

// ClearPackageState drops the retained snapshots, called once a run's
// teardown finished.
func (b *Bridge) ClearPackageState() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.packageState = nil
	b.packageInfo = nil
	b.actionBefore = nil
	b.actionAfter = nil
}

// Call sends one request to the runtime and waits for its response.
// During an outage the request stays queued and is re-sent on
// reconnect; the wait ends only on response, context end or close.
func (b *Bridge) Call(ctx context.Context, name string, args interface{}) (*rpc.Response, error) {
	id := b.nextID.Add(1)
	req := rpc.Request{Request: name, ID: id}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		req.Args = raw
	}
	frame, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{frame: frame, resp: make(chan *rpc.Response, 1)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.queue = append(b.queue, call)
	b.pending[id] = call
	b.mu.Unlock()
	b.kick()

	select {
	case resp := <-call.resp:
		return resp, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		for i, queued := range b.queue {
			if queued == call {
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}
