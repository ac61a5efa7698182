package eventlistener

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

type mockWSServer struct {
	server   *httptest.Server
	handler  func(conn net.Conn)
	conns    []net.Conn
	connLock sync.Mutex
}

func newMockWSServer(handler func(conn net.Conn)) *mockWSServer {
	mock := &mockWSServer{handler: handler}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}

		mock.connLock.Lock()
		mock.conns = append(mock.conns, conn)
		mock.connLock.Unlock()

		go mock.handler(conn)
	}))

	return mock
}

func (m *mockWSServer) Close() {
	m.server.Close()
	m.connLock.Lock()
	defer m.connLock.Unlock()
	for _, conn := range m.conns {
		conn.Close()
	}
}

func (m *mockWSServer) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func TestEventListener_Subscribe(t *testing.T) {
	price := 1.01
	sent := []interface{}{
		map[string]string{"type": "session_established", "message": "hello"},
		domain.NewStatusEvent("tx-1", domain.StateRouting, &domain.EventData{Message: "Comparing prices..."}),
		domain.NewStatusEvent("tx-1", domain.StateConfirmed, &domain.EventData{ExecutedPrice: &price, TxHash: "abc"}),
	}

	mock := newMockWSServer(func(conn net.Conn) {
		for _, msg := range sent {
			payload, _ := json.Marshal(msg)
			if err := wsutil.WriteServerText(conn, payload); err != nil {
				return
			}
		}
		_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	})
	defer mock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	listener, err := NewEventListener(ctx, mock.URL(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer listener.Close()

	var got []Event
	require.NoError(t, listener.Subscribe(ctx, func(event Event) {
		got = append(got, event)
	}))

	require.Len(t, got, 3)
	assert.Equal(t, "session_established", got[0].Type)
	assert.False(t, got[0].IsStatus())

	assert.True(t, got[1].IsStatus())
	assert.False(t, got[1].IsTerminal())
	assert.Equal(t, "Comparing prices...", got[1].Data.Message)

	assert.True(t, got[2].IsTerminal())
	assert.Equal(t, "abc", got[2].Data.TxHash)
	require.NotNil(t, got[2].Data.ExecutedPrice)
	assert.Equal(t, 1.01, *got[2].Data.ExecutedPrice)
	assert.NotEmpty(t, got[2].Raw)
}

func TestEventListener_Submit(t *testing.T) {
	received := make(chan domain.Submission, 1)
	mock := newMockWSServer(func(conn net.Conn) {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var sub domain.Submission
		if json.Unmarshal(data, &sub) == nil {
			received <- sub
		}
	})
	defer mock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	listener, err := NewEventListener(ctx, mock.URL(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer listener.Close()

	require.NoError(t, listener.Submit(domain.Submission{TokenIn: "SOL", TokenOut: "USDC", Amount: 2}))

	select {
	case sub := <-received:
		assert.Equal(t, "SOL", sub.TokenIn)
		assert.Equal(t, "USDC", sub.TokenOut)
		assert.Equal(t, 2.0, sub.Amount)
	case <-time.After(time.Second):
		t.Fatal("submission not received")
	}
}

func TestEventListener_DialRejected(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.NotFound(w, r)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewEventListener(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), zaptest.NewLogger(t))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "a status answer is not retried")
}
