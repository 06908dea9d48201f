// Package router selects the best execution venue for an order.
//
// The router is pure orchestration over the venue ports: it fetches quotes in
// parallel, ranks them by net-of-fee price with decimal arithmetic, executes
// on the winner and validates slippage. It touches neither persistence nor
// the event bus; failures propagate upward as typed errors.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/observability"
)

const (
	// QuoteTimeout bounds the parallel quote fan-out.
	QuoteTimeout = 5 * time.Second
	// ExecuteTimeout bounds a single venue execution.
	ExecuteTimeout = 10 * time.Second
)

// Router fans out to the configured venues.
type Router struct {
	venues map[string]domain.Venue
}

// New constructs a Router over the given venues.
func New(venues ...domain.Venue) *Router {
	m := make(map[string]domain.Venue, len(venues))
	for _, v := range venues {
		m[v.ID()] = v
	}
	return &Router{venues: m}
}

// GetQuotes queries every venue concurrently under a hard deadline. Venues
// that time out or fail are omitted; ErrQuoteUnavailable is returned only
// when no venue answered.
func (r *Router) GetQuotes(ctx domain.Context, tokenIn, tokenOut string, amount decimal.Decimal) (map[string]domain.Quote, error) {
	tracer := otel.Tracer("router")
	ctx, span := tracer.Start(ctx, "router.GetQuotes")
	defer span.End()

	qctx, cancel := contextWithTimeout(ctx, QuoteTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		quotes = make(map[string]domain.Quote, len(r.venues))
		wg     sync.WaitGroup
	)
	for id, v := range r.venues {
		wg.Add(1)
		go func(id string, v domain.Venue) {
			defer wg.Done()
			q, err := v.GetQuote(qctx, tokenIn, tokenOut, amount)
			if err != nil {
				observability.LoggerFromContext(ctx).Warn("venue quote failed",
					slog.String("venue", id),
					slog.String("pair", tokenIn+"/"+tokenOut),
					slog.Any("error", err))
				return
			}
			mu.Lock()
			quotes[id] = q
			mu.Unlock()
		}(id, v)
	}
	wg.Wait()

	if len(quotes) == 0 {
		return nil, fmt.Errorf("op=router.get_quotes pair=%s/%s: %w", tokenIn, tokenOut, domain.ErrQuoteUnavailable)
	}
	return quotes, nil
}

// SelectBest picks the venue with the highest net-of-fee price. Ties break
// on lexicographic venue id so the choice is deterministic.
func SelectBest(quotes map[string]domain.Quote) (string, domain.Quote, error) {
	if len(quotes) == 0 {
		return "", domain.Quote{}, fmt.Errorf("op=router.select_best: %w", domain.ErrQuoteUnavailable)
	}
	ids := make([]string, 0, len(quotes))
	for id := range quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := ids[0]
	bestNet := quotes[best].NetPrice()
	for _, id := range ids[1:] {
		if net := quotes[id].NetPrice(); net.GreaterThan(bestNet) {
			best, bestNet = id, net
		}
	}
	return best, quotes[best], nil
}

// Execute runs the order on the chosen venue under the execution deadline.
func (r *Router) Execute(ctx domain.Context, venueID string, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	tracer := otel.Tracer("router")
	ctx, span := tracer.Start(ctx, "router.Execute")
	defer span.End()

	v, ok := r.venues[venueID]
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("op=router.execute venue=%s: %w", venueID, domain.ErrVenueUnavailable)
	}
	ectx, cancel := contextWithTimeout(ctx, ExecuteTimeout)
	defer cancel()

	res, err := v.Execute(ectx, req)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("op=router.execute venue=%s: %w", venueID, err)
	}
	return res, nil
}

// CheckSlippage passes iff |expected - actual| / expected <= maxSlippage.
func CheckSlippage(expected, actual, maxSlippage decimal.Decimal) bool {
	if expected.IsZero() {
		return false
	}
	deviation := expected.Sub(actual).Abs().Div(expected)
	return deviation.LessThanOrEqual(maxSlippage)
}
