// Package usecase contains the application services tying the domain ports
// together: order admission and order reads.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/observability"
)

// maxSlippage is the highest accepted slippage tolerance (50%).
var maxSlippage = decimal.NewFromFloat(0.5)

// SubmitInput is one admission request, already decoded from the wire.
type SubmitInput struct {
	Type     string
	TokenIn  string
	TokenOut string
	AmountIn string
	Slippage string

	IdempotencyKey string
	ClientIP       string
}

// SubmitOutput carries the accepted order id and the rate limit decision the
// HTTP layer surfaces as headers.
type SubmitOutput struct {
	OrderID   string
	RateLimit domain.RateLimitDecision
}

// SubmitService is the admission pipeline for POST /orders/execute.
type SubmitService struct {
	Repo    domain.OrderRepository
	Queue   domain.Queue
	Limiter domain.RateLimiter
	Idem    domain.IdempotencyStore

	QueueFullThreshold int64
}

// NewSubmitService wires the admission pipeline.
func NewSubmitService(repo domain.OrderRepository, q domain.Queue, rl domain.RateLimiter, idem domain.IdempotencyStore, queueFullThreshold int64) SubmitService {
	return SubmitService{
		Repo:               repo,
		Queue:              q,
		Limiter:            rl,
		Idem:               idem,
		QueueFullThreshold: queueFullThreshold,
	}
}

// Submit runs validate, rate limit, backpressure, idempotency, create and
// enqueue in order, short-circuiting on the first failure.
func (s SubmitService) Submit(ctx domain.Context, in SubmitInput) (SubmitOutput, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "usecase.Submit")
	defer span.End()

	log := observability.LoggerFromContext(ctx)
	var out SubmitOutput

	amountIn, slippage, err := validate(in)
	if err != nil {
		observability.OrdersRejectedTotal.WithLabelValues("invalid_body").Inc()
		return out, err
	}

	decision, err := s.Limiter.Allow(ctx, in.ClientIP)
	if err != nil {
		// The limiter failed open; the decision is still usable.
		log.Warn("rate limiter degraded", slog.Any("error", err))
	}
	out.RateLimit = decision
	if !decision.Allowed {
		observability.OrdersRejectedTotal.WithLabelValues("rate_limited").Inc()
		return out, fmt.Errorf("op=submit ip=%s: %w", in.ClientIP, domain.ErrRateLimited)
	}

	depth, err := s.Queue.Depth(ctx)
	if err != nil {
		return out, fmt.Errorf("op=submit depth: %w", err)
	}
	if depth.Waiting > s.QueueFullThreshold {
		observability.OrdersRejectedTotal.WithLabelValues("queue_full").Inc()
		return out, fmt.Errorf("op=submit waiting=%d: %w", depth.Waiting, domain.ErrQueueFull)
	}

	orderID := uuid.NewString()
	fingerprint := fingerprint(in)
	reserved := false
	if in.IdempotencyKey != "" {
		rec, fresh, err := s.Idem.Reserve(ctx, in.IdempotencyKey, domain.IdempotencyRecord{
			Fingerprint: fingerprint,
			OrderID:     orderID,
		})
		if err != nil {
			return out, fmt.Errorf("op=submit idempotency: %w", err)
		}
		if !fresh {
			if rec.Fingerprint != fingerprint {
				observability.OrdersRejectedTotal.WithLabelValues("idempotency_conflict").Inc()
				return out, fmt.Errorf("op=submit key=%s: %w", in.IdempotencyKey, domain.ErrConflict)
			}
			// Replay: indistinguishable from a fresh success.
			out.OrderID = rec.OrderID
			return out, nil
		}
		reserved = true
	}

	release := func() {
		if !reserved {
			return
		}
		if err := s.Idem.Release(ctx, in.IdempotencyKey); err != nil {
			log.Error("idempotency release failed",
				slog.String("key", in.IdempotencyKey), slog.Any("error", err))
		}
	}

	order := domain.Order{
		ID:       orderID,
		Type:     domain.OrderType(in.Type),
		TokenIn:  in.TokenIn,
		TokenOut: in.TokenOut,
		AmountIn: amountIn,
		Slippage: slippage,
		Status:   domain.OrderPending,
	}
	entry := domain.LogEntry{
		Stage:     string(domain.OrderPending),
		Timestamp: time.Now().UTC(),
		Fields: map[string]any{
			"token_in":  in.TokenIn,
			"token_out": in.TokenOut,
			"amount_in": amountIn.String(),
			"slippage":  slippage.String(),
		},
	}
	if err := s.Repo.Create(ctx, order, entry); err != nil {
		release()
		return out, fmt.Errorf("op=submit create: %w", err)
	}

	// Row first, enqueue second. If this fails the row stays pending and the
	// janitor re-enqueues it after a grace period.
	if _, err := s.Queue.Enqueue(ctx, orderID, domain.JobPayload{
		Type:     in.Type,
		TokenIn:  in.TokenIn,
		TokenOut: in.TokenOut,
		AmountIn: amountIn.String(),
		Slippage: slippage.String(),
	}); err != nil {
		log.Error("enqueue failed after create, janitor will recover",
			slog.String("order_id", orderID), slog.Any("error", err))
	}

	observability.OrdersSubmittedTotal.Inc()
	out.OrderID = orderID
	return out, nil
}

// validate enforces the admission body rules and parses the decimals.
func validate(in SubmitInput) (amountIn, slippage decimal.Decimal, err error) {
	if domain.OrderType(in.Type) != domain.OrderTypeMarket {
		return amountIn, slippage, fmt.Errorf("op=submit type=%q: %w", in.Type, domain.ErrInvalidArgument)
	}
	tokenIn := strings.TrimSpace(in.TokenIn)
	tokenOut := strings.TrimSpace(in.TokenOut)
	if tokenIn == "" || tokenOut == "" || tokenIn == tokenOut {
		return amountIn, slippage, fmt.Errorf("op=submit tokens=%q/%q: %w", in.TokenIn, in.TokenOut, domain.ErrInvalidArgument)
	}
	amountIn, err = decimal.NewFromString(in.AmountIn)
	if err != nil || !amountIn.IsPositive() {
		return amountIn, slippage, fmt.Errorf("op=submit amount_in=%q: %w", in.AmountIn, domain.ErrInvalidArgument)
	}
	slippage, err = decimal.NewFromString(in.Slippage)
	if err != nil || slippage.IsNegative() || slippage.GreaterThan(maxSlippage) {
		return amountIn, slippage, fmt.Errorf("op=submit slippage=%q: %w", in.Slippage, domain.ErrInvalidArgument)
	}
	return amountIn, slippage, nil
}

// fingerprint hashes the canonical body so idempotency key reuse with a
// different body is detectable.
func fingerprint(in SubmitInput) string {
	h := sha256.New()
	for _, part := range []string{in.Type, in.TokenIn, in.TokenOut, in.AmountIn, in.Slippage} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
