package mock_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrade/order-engine/internal/adapter/venue/mock"
	"github.com/flowtrade/order-engine/internal/domain"
)

func newFastVenue(seed int64, opts ...mock.Option) *mock.Venue {
	opts = append([]mock.Option{mock.WithLatency(0, 0)}, opts...)
	return mock.New("dex-test", rand.New(rand.NewSource(seed)), opts...)
}

func TestGetQuote_DeterministicWithFixedSeed(t *testing.T) {
	a := newFastVenue(42)
	b := newFastVenue(42)

	qa, err := a.GetQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	qb, err := b.GetQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)

	assert.True(t, qa.Price.Equal(qb.Price), "same seed must quote the same price")
	assert.True(t, qa.Fee.Equal(qb.Fee))
}

func TestGetQuote_UsesConfiguredBasePrice(t *testing.T) {
	v := newFastVenue(1,
		mock.WithBasePrice("SOL", "USDC", decimal.NewFromInt(100)),
		mock.WithVariance(0, 0),
	)
	q, err := v.GetQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(100)))
}

func TestExecute_PriceNearExpected(t *testing.T) {
	v := newFastVenue(7, mock.WithVariance(0, 0.005))
	res, err := v.Execute(context.Background(), domain.ExecutionRequest{
		ExpectedPrice: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.Len(t, res.TxHash, 64)

	dev := decimal.NewFromInt(100).Sub(res.ExecutedPrice).Abs().Div(decimal.NewFromInt(100))
	assert.True(t, dev.LessThanOrEqual(decimal.RequireFromString("0.005")),
		"executed price %s deviates more than variance", res.ExecutedPrice)
}

func TestScriptedFailures(t *testing.T) {
	v := newFastVenue(1, mock.WithFailures(2, domain.ErrVenueUnavailable))

	_, err := v.GetQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrVenueUnavailable)
	_, err = v.Execute(context.Background(), domain.ExecutionRequest{ExpectedPrice: decimal.NewFromInt(100)})
	require.ErrorIs(t, err, domain.ErrVenueUnavailable)

	// Third call succeeds.
	_, err = v.GetQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
}

func TestSimulate_HonorsCancellation(t *testing.T) {
	v := mock.New("slow", rand.New(rand.NewSource(1)), mock.WithLatency(time.Second, 2*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := v.GetQuote(ctx, "SOL", "USDC", decimal.NewFromInt(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBasePrice_StablePerPair(t *testing.T) {
	v := newFastVenue(1, mock.WithVariance(0, 0))
	q1, err := v.GetQuote(context.Background(), "ETH", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	q2, err := v.GetQuote(context.Background(), "ETH", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, q1.Price.Equal(q2.Price), "derived base price must be stable")
}
