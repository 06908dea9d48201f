package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/usecase"
)

// DBPinger reports database connectivity; *pgxpool.Pool satisfies it.
type DBPinger interface {
	Ping(ctx domain.Context) error
}

// Server aggregates the handler dependencies.
type Server struct {
	Submit usecase.SubmitService
	Orders usecase.OrderService
	Queue  domain.Queue
	DB     DBPinger
	Stream *StreamHandler
}

// NewServer constructs a Server.
func NewServer(submit usecase.SubmitService, orders usecase.OrderService, q domain.Queue, db DBPinger, stream *StreamHandler) *Server {
	return &Server{Submit: submit, Orders: orders, Queue: q, DB: db, Stream: stream}
}

// ExecuteOrder handles POST /orders/execute.
func (s *Server) ExecuteOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("op=execute decode: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if fieldErrs, err := validateRequest(req); err != nil {
			writeError(w, r, err, fieldErrs)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if !validIdempotencyKey(key) {
			writeError(w, r, fmt.Errorf("op=execute idempotency key too long: %w", domain.ErrInvalidArgument), nil)
			return
		}

		out, err := s.Submit.Submit(r.Context(), usecase.SubmitInput{
			Type:           req.Type,
			TokenIn:        req.TokenIn,
			TokenOut:       req.TokenOut,
			AmountIn:       req.Amount,
			Slippage:       req.Slippage,
			IdempotencyKey: key,
			ClientIP:       clientIP(r),
		})
		if out.RateLimit.Limit > 0 {
			rateLimitHeaders(w, out.RateLimit.Limit, out.RateLimit.Remaining, out.RateLimit.Reset)
		}
		if err != nil {
			if ra := out.RateLimit.RetryAfter; ra > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(ra.Seconds()))))
			}
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"orderId": out.OrderID,
		})
	}
}

// orderResponse is the polling view of one order.
type orderResponse struct {
	OrderID       string            `json:"orderId"`
	Type          string            `json:"type"`
	TokenIn       string            `json:"tokenIn"`
	TokenOut      string            `json:"tokenOut"`
	AmountIn      string            `json:"amountIn"`
	Slippage      string            `json:"slippage"`
	Status        string            `json:"status"`
	AmountOut     string            `json:"amountOut,omitempty"`
	DexUsed       string            `json:"dexUsed,omitempty"`
	TxHash        string            `json:"txHash,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	Quotes        map[string]string `json:"quotes,omitempty"`
	Logs          []logEntry        `json:"logs"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

type logEntry struct {
	Stage     string         `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func toOrderResponse(o domain.Order) orderResponse {
	resp := orderResponse{
		OrderID:       o.ID,
		Type:          string(o.Type),
		TokenIn:       o.TokenIn,
		TokenOut:      o.TokenOut,
		AmountIn:      o.AmountIn.String(),
		Slippage:      o.Slippage.String(),
		Status:        string(o.Status),
		DexUsed:       o.DexUsed,
		TxHash:        o.TxHash,
		FailureReason: o.FailureReason,
		Quotes:        o.Quotes,
		Logs:          make([]logEntry, 0, len(o.Logs)),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.AmountOut != nil {
		resp.AmountOut = o.AmountOut.String()
	}
	for _, l := range o.Logs {
		resp.Logs = append(resp.Logs, logEntry{Stage: l.Stage, Timestamp: l.Timestamp, Fields: l.Fields})
	}
	return resp
}

// GetOrder handles GET /orders/{id}, the read-only polling fallback.
func (s *Server) GetOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		o, err := s.Orders.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResponse(o))
	}
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

// Health handles GET /health, probing the queue and database.
func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := contextWithTimeout(r, 2*time.Second)
		defer cancel()

		services := map[string]string{"queue": "ok", "db": "ok"}
		status := http.StatusOK
		if _, err := s.Queue.Depth(ctx); err != nil {
			LoggerFrom(r).Error("health queue probe failed", slog.Any("error", err))
			services["queue"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
		if err := s.DB.Ping(ctx); err != nil {
			LoggerFrom(r).Error("health db probe failed", slog.Any("error", err))
			services["db"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]any{
			"status":   overall,
			"services": services,
		})
	}
}
