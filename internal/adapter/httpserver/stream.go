package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/observability"
	"github.com/flowtrade/order-engine/internal/usecase"
)

// Application close codes on the stream endpoint.
const (
	CloseMissingOrderID     = 4000
	CloseOrderNotFound      = 4004
	CloseTooManyConnections = 4029
)

const (
	writeTimeout = 10 * time.Second
	// terminalLinger keeps the connection open briefly after a terminal
	// backfill or update so the client can read the final message.
	terminalLinger = 500 * time.Millisecond
	maxMissedPongs = 2
)

// StreamHandler upgrades GET /orders/execute?orderId= to a WebSocket and
// serves backfill plus the live status tail.
type StreamHandler struct {
	Orders usecase.OrderService
	Stream domain.EventStream

	PingInterval time.Duration
	PongTimeout  time.Duration
	MaxPerKey    int

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]int
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(orders usecase.OrderService, stream domain.EventStream, pingInterval, pongTimeout time.Duration, maxPerKey int) *StreamHandler {
	return &StreamHandler{
		Orders:       orders,
		Stream:       stream,
		PingInterval: pingInterval,
		PongTimeout:  pongTimeout,
		MaxPerKey:    maxPerKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]int),
	}
}

// backfillMessage is the first message on every accepted stream.
type backfillMessage struct {
	Type      string            `json:"type"`
	OrderID   string            `json:"orderId"`
	Status    string            `json:"status"`
	Logs      []logEntry        `json:"logs"`
	Order     backfillOrderView `json:"order"`
	Timestamp time.Time         `json:"timestamp"`
}

type backfillOrderView struct {
	TokenIn       string `json:"tokenIn"`
	TokenOut      string `json:"tokenOut"`
	AmountIn      string `json:"amountIn"`
	AmountOut     string `json:"amountOut,omitempty"`
	DexUsed       string `json:"dexUsed,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

type streamErrorMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ServeHTTP handles one stream connection end to end.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := LoggerFrom(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		h.closeWith(conn, CloseMissingOrderID, "missing_orderId")
		return
	}

	key := orderID + "|" + clientIP(r)
	if !h.acquire(key) {
		h.closeWith(conn, CloseTooManyConnections, "too_many_connections")
		return
	}
	defer h.release(key)

	observability.SubscriptionsActive.Inc()
	defer observability.SubscriptionsActive.Dec()

	// Subscribe before the backfill read so events racing the read are
	// buffered and replayed after the backfill message.
	events, cancel := h.Stream.Subscribe(orderID)
	defer cancel()

	o, err := h.Orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.closeWith(conn, CloseOrderNotFound, "not_found")
			return
		}
		log.Error("stream backfill read failed", slog.String("order_id", orderID), slog.Any("error", err))
		h.writeError(conn, "backfill failed")
		h.closeWith(conn, websocket.CloseInternalServerErr, "server_error")
		return
	}
	if err := h.writeBackfill(conn, o); err != nil {
		return
	}
	if o.Status.Terminal() {
		// No live updates will follow a terminal backfill.
		time.Sleep(terminalLinger)
		h.closeWith(conn, websocket.CloseNormalClosure, "")
		return
	}

	h.tail(conn, events, log)
}

// tail forwards bus events and runs the heartbeat until the client leaves,
// the heartbeat dies or a terminal update is delivered.
func (h *StreamHandler) tail(conn *websocket.Conn, events <-chan domain.StatusEvent, log *slog.Logger) {
	done := make(chan struct{})
	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	// Reader goroutine: discard client frames, surface disconnects, drive
	// control frame handlers.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.PingInterval)
	defer pingTicker.Stop()
	pongTimer := time.NewTimer(h.PongTimeout)
	pongTimer.Stop()
	defer pongTimer.Stop()

	missed := 0
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			pongTimer.Reset(h.PongTimeout)
		case <-pongTimer.C:
			missed++
			if missed >= maxMissedPongs {
				log.Warn("terminating unresponsive stream")
				h.closeWith(conn, websocket.CloseGoingAway, "heartbeat_timeout")
				return
			}
		case <-pongs:
			missed = 0
			pongTimer.Stop()
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				time.Sleep(terminalLinger)
				h.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

func (h *StreamHandler) writeBackfill(conn *websocket.Conn, o domain.Order) error {
	view := backfillOrderView{
		TokenIn:       o.TokenIn,
		TokenOut:      o.TokenOut,
		AmountIn:      o.AmountIn.String(),
		DexUsed:       o.DexUsed,
		TxHash:        o.TxHash,
		FailureReason: o.FailureReason,
	}
	if o.AmountOut != nil {
		view.AmountOut = o.AmountOut.String()
	}
	logs := make([]logEntry, 0, len(o.Logs))
	for _, l := range o.Logs {
		logs = append(logs, logEntry{Stage: l.Stage, Timestamp: l.Timestamp, Fields: l.Fields})
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(backfillMessage{
		Type:      "backfill",
		OrderID:   o.ID,
		Status:    string(o.Status),
		Logs:      logs,
		Order:     view,
		Timestamp: time.Now().UTC(),
	})
}

func (h *StreamHandler) writeError(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(streamErrorMessage{Type: "error", Message: msg, Timestamp: time.Now().UTC()})
}

func (h *StreamHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

func (h *StreamHandler) acquire(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[key] >= h.MaxPerKey {
		return false
	}
	h.conns[key]++
	return true
}

func (h *StreamHandler) release(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[key] <= 1 {
		delete(h.conns, key)
	} else {
		h.conns[key]--
	}
}
