package execution

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arserver/arserver/internal/common/logger"
	"github.com/arserver/arserver/pkg/rpc"
)

// wsTestServer upgrades every request and funnels the text frames it
// reads into received (discarded when received is nil).
func wsTestServer(t *testing.T, received chan []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if received != nil {
				received <- msg
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestReconnectWakesSuccessorWriteLoop(t *testing.T) {
	received := make(chan []byte, 4)
	srv := wsTestServer(t, received)
	b := NewBridge("ws://127.0.0.1:1/execution", logger.Default())
	t.Cleanup(b.Close)

	stale := dialWS(t, srv)
	b.mu.Lock()
	b.conn = stale
	b.mu.Unlock()
	staleDone := make(chan struct{})
	go func() {
		b.writeLoop(stale)
		close(staleDone)
	}()

	// Let the stale loop park on the empty queue, then replace the
	// connection the way connect does after a drop: one queued frame,
	// a fresh loop and a single kick the two loops race for.
	time.Sleep(20 * time.Millisecond)
	fresh := dialWS(t, srv)
	b.mu.Lock()
	b.queue = append(b.queue, &pendingCall{
		frame: []byte(`{"request":"RunPackage","id":1}`),
		resp:  make(chan *rpc.Response, 1),
	})
	b.conn = fresh
	b.mu.Unlock()
	go b.writeLoop(fresh)
	b.kick()

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"request":"RunPackage","id":1}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("queued frame never reached the runtime after reconnect")
	}
	select {
	case <-staleDone:
	case <-time.After(time.Second):
		t.Fatal("stale write loop did not exit")
	}
}

func TestCloseUnparksWriteLoop(t *testing.T) {
	srv := wsTestServer(t, nil)
	b := NewBridge("ws://127.0.0.1:1/execution", logger.Default())
	conn := dialWS(t, srv)
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.writeLoop(conn)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write loop survived Close")
	}
}
