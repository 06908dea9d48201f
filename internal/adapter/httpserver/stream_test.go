package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrade/order-engine/internal/adapter/bus"
	"github.com/flowtrade/order-engine/internal/adapter/httpserver"
	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/usecase"
)

type streamEnv struct {
	repo *fakeRepo
	hub  *bus.Hub
	ts   *httptest.Server
}

func newStreamEnv(t *testing.T, maxPerKey int) *streamEnv {
	t.Helper()
	repo := newFakeRepo()
	hub := bus.NewHub()
	sh := httpserver.NewStreamHandler(usecase.OrderService{Repo: repo}, hub, 10*time.Second, 5*time.Second, maxPerKey)
	ts := httptest.NewServer(http.HandlerFunc(sh.ServeHTTP))
	t.Cleanup(ts.Close)
	return &streamEnv{repo: repo, hub: hub, ts: ts}
}

func (e *streamEnv) dial(t *testing.T, orderID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/?orderId=" + orderID
	if orderID == "" {
		url = "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/"
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *streamEnv) seed(t *testing.T, status domain.OrderStatus) {
	t.Helper()
	require.NoError(t, e.repo.Create(t.Context(), domain.Order{
		ID:       "order-1",
		Type:     domain.OrderTypeMarket,
		TokenIn:  "SOL",
		TokenOut: "USDC",
		AmountIn: decimal.RequireFromString("1.5"),
		Slippage: decimal.RequireFromString("0.01"),
		Status:   status,
	}, domain.LogEntry{Stage: "pending", Timestamp: time.Now().UTC()}))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, code), "want close code %d, got %v", code, err)
}

func TestStream_MissingOrderID(t *testing.T) {
	env := newStreamEnv(t, 3)
	conn := env.dial(t, "")
	expectClose(t, conn, httpserver.CloseMissingOrderID)
}

func TestStream_OrderNotFound(t *testing.T) {
	env := newStreamEnv(t, 3)
	conn := env.dial(t, "ghost")
	expectClose(t, conn, httpserver.CloseOrderNotFound)
}

func TestStream_ConnectionCapPerOrder(t *testing.T) {
	env := newStreamEnv(t, 1)
	env.seed(t, domain.OrderRouting)

	first := env.dial(t, "order-1")
	var backfill map[string]any
	require.NoError(t, first.ReadJSON(&backfill), "the first connection streams normally")

	second := env.dial(t, "order-1")
	expectClose(t, second, httpserver.CloseTooManyConnections)
}

func TestStream_BackfillThenLiveTail(t *testing.T) {
	env := newStreamEnv(t, 3)
	env.seed(t, domain.OrderRouting)
	conn := env.dial(t, "order-1")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var backfill struct {
		Type    string `json:"type"`
		OrderID string `json:"orderId"`
		Status  string `json:"status"`
		Logs    []any  `json:"logs"`
		Order   struct {
			TokenIn  string `json:"tokenIn"`
			AmountIn string `json:"amountIn"`
		} `json:"order"`
	}
	require.NoError(t, conn.ReadJSON(&backfill))
	assert.Equal(t, "backfill", backfill.Type)
	assert.Equal(t, "order-1", backfill.OrderID)
	assert.Equal(t, "routing", backfill.Status)
	assert.Len(t, backfill.Logs, 1)
	assert.Equal(t, "SOL", backfill.Order.TokenIn)
	assert.Equal(t, "1.5", backfill.Order.AmountIn)

	// A live update published after the backfill reaches the client.
	env.hub.Publish(domain.StatusEvent{
		Kind:      domain.EventStatusUpdate,
		OrderID:   "order-1",
		Status:    domain.OrderConfirmed,
		Timestamp: time.Now().UTC(),
		TxHash:    "cafebabe",
		AmountOut: "150.3",
	})

	var ev struct {
		Type      string `json:"type"`
		Status    string `json:"status"`
		TxHash    string `json:"txHash"`
		AmountOut string `json:"amountOut"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "status_update", ev.Type)
	assert.Equal(t, "confirmed", ev.Status)
	assert.Equal(t, "cafebabe", ev.TxHash)
	assert.Equal(t, "150.3", ev.AmountOut)

	// Terminal update, then a clean close.
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestStream_TerminalBackfillClosesCleanly(t *testing.T) {
	env := newStreamEnv(t, 3)
	env.seed(t, domain.OrderConfirmed)
	conn := env.dial(t, "order-1")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var backfill map[string]any
	require.NoError(t, conn.ReadJSON(&backfill))
	assert.Equal(t, "confirmed", backfill["status"])

	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestStream_CapReleasedOnDisconnect(t *testing.T) {
	env := newStreamEnv(t, 1)
	env.seed(t, domain.OrderRouting)

	first := env.dial(t, "order-1")
	var backfill map[string]any
	require.NoError(t, first.ReadJSON(&backfill))
	require.NoError(t, first.Close())

	// The slot frees once the server notices the disconnect.
	require.Eventually(t, func() bool {
		url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/?orderId=order-1"
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		defer func() { _ = conn.Close() }()
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		var msg map[string]any
		return conn.ReadJSON(&msg) == nil && msg["type"] == "backfill"
	}, 5*time.Second, 100*time.Millisecond)
}
