package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/service/router"
)

type fakeVenue struct {
	id       string
	quote    domain.Quote
	quoteErr error
	result   domain.ExecutionResult
	execErr  error
	delay    time.Duration
}

func (f *fakeVenue) ID() string { return f.id }

func (f *fakeVenue) GetQuote(ctx domain.Context, _, _ string, _ decimal.Decimal) (domain.Quote, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return domain.Quote{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.quoteErr != nil {
		return domain.Quote{}, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeVenue) Execute(ctx domain.Context, _ domain.ExecutionRequest) (domain.ExecutionResult, error) {
	if f.execErr != nil {
		return domain.ExecutionResult{}, f.execErr
	}
	return f.result, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGetQuotes_OmitsFailingVenues(t *testing.T) {
	r := router.New(
		&fakeVenue{id: "a", quote: domain.Quote{Price: dec("100"), Fee: dec("0.003")}},
		&fakeVenue{id: "b", quoteErr: domain.ErrVenueUnavailable},
	)
	quotes, err := r.GetQuotes(context.Background(), "SOL", "USDC", dec("1"))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Contains(t, quotes, "a")
}

func TestGetQuotes_AllFail(t *testing.T) {
	r := router.New(
		&fakeVenue{id: "a", quoteErr: domain.ErrVenueUnavailable},
		&fakeVenue{id: "b", quoteErr: domain.ErrVenueUnavailable},
	)
	_, err := r.GetQuotes(context.Background(), "SOL", "USDC", dec("1"))
	require.ErrorIs(t, err, domain.ErrQuoteUnavailable)
}

func TestSelectBest_NetOfFeeOrdering(t *testing.T) {
	// Venue A quotes 100 at fee 0.003 (net 99.7); venue B quotes 100.5 at
	// fee 0.002 (net 100.299). B wins on net price.
	quotes := map[string]domain.Quote{
		"a": {Price: dec("100"), Fee: dec("0.003")},
		"b": {Price: dec("100.5"), Fee: dec("0.002")},
	}
	best, q, err := router.SelectBest(quotes)
	require.NoError(t, err)
	assert.Equal(t, "b", best)
	assert.True(t, q.Price.Equal(dec("100.5")))
}

func TestSelectBest_TieBreaksOnVenueID(t *testing.T) {
	quotes := map[string]domain.Quote{
		"zeta":  {Price: dec("100"), Fee: dec("0.001")},
		"alpha": {Price: dec("100"), Fee: dec("0.001")},
	}
	best, _, err := router.SelectBest(quotes)
	require.NoError(t, err)
	assert.Equal(t, "alpha", best)
}

func TestSelectBest_Empty(t *testing.T) {
	_, _, err := router.SelectBest(nil)
	require.ErrorIs(t, err, domain.ErrQuoteUnavailable)
}

func TestExecute_UnknownVenue(t *testing.T) {
	r := router.New(&fakeVenue{id: "a"})
	_, err := r.Execute(context.Background(), "nope", domain.ExecutionRequest{})
	require.ErrorIs(t, err, domain.ErrVenueUnavailable)
}

func TestExecute_PassesThroughResult(t *testing.T) {
	r := router.New(&fakeVenue{
		id:     "a",
		result: domain.ExecutionResult{TxHash: "abc", ExecutedPrice: dec("100.2")},
	})
	res, err := r.Execute(context.Background(), "a", domain.ExecutionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.TxHash)
	assert.True(t, res.ExecutedPrice.Equal(dec("100.2")))
}

func TestCheckSlippage(t *testing.T) {
	// |100.5 - 100.2| / 100.5 = 0.002985... <= 0.05
	assert.True(t, router.CheckSlippage(dec("100.5"), dec("100.2"), dec("0.05")))
	// |100 - 95| / 100 = 0.05 > 0.001
	assert.False(t, router.CheckSlippage(dec("100"), dec("95"), dec("0.001")))
	// Exactly at the bound passes.
	assert.True(t, router.CheckSlippage(dec("100"), dec("95"), dec("0.05")))
	// Zero expected price never passes.
	assert.False(t, router.CheckSlippage(dec("0"), dec("1"), dec("0.5")))
}
