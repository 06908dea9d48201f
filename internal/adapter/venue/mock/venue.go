// Package mock implements simulated execution venues.
//
// A simulated venue answers quotes around a per-pair base price with bounded
// random variance and latency, and fabricates transaction hashes on execute.
// The RNG is injected so test runs are deterministic; production seeds from
// entropy unless MOCK_SEED is set.
package mock

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowtrade/order-engine/internal/domain"
)

// Venue is a configurable simulated execution venue.
type Venue struct {
	id  string
	fee decimal.Decimal

	mu  sync.Mutex
	rng *rand.Rand

	minLatency time.Duration
	maxLatency time.Duration

	// quoteVariance and execVariance are max relative deviations, e.g. 0.01.
	quoteVariance float64
	execVariance  float64

	basePrices map[string]decimal.Decimal

	// Scripted failures for chaos and retry tests: the next failRemaining
	// calls to GetQuote/Execute return failErr.
	failRemaining int
	failErr       error
}

// Option configures a Venue.
type Option func(*Venue)

// WithFee sets the proportional fee, e.g. 0.003.
func WithFee(fee decimal.Decimal) Option {
	return func(v *Venue) { v.fee = fee }
}

// WithLatency bounds the simulated response latency.
func WithLatency(min, max time.Duration) Option {
	return func(v *Venue) { v.minLatency, v.maxLatency = min, max }
}

// WithBasePrice fixes the base price for a pair instead of deriving one.
func WithBasePrice(tokenIn, tokenOut string, price decimal.Decimal) Option {
	return func(v *Venue) { v.basePrices[pairKey(tokenIn, tokenOut)] = price }
}

// WithVariance sets the max relative deviation applied to quotes and
// executions.
func WithVariance(quote, exec float64) Option {
	return func(v *Venue) { v.quoteVariance, v.execVariance = quote, exec }
}

// WithFailures scripts the next n calls to fail with err.
func WithFailures(n int, err error) Option {
	return func(v *Venue) { v.failRemaining, v.failErr = n, err }
}

// New constructs a venue with the given id and RNG.
func New(id string, rng *rand.Rand, opts ...Option) *Venue {
	v := &Venue{
		id:            id,
		fee:           decimal.NewFromFloat(0.003),
		rng:           rng,
		minLatency:    20 * time.Millisecond,
		maxLatency:    300 * time.Millisecond,
		quoteVariance: 0.01,
		execVariance:  0.005,
		basePrices:    map[string]decimal.Decimal{},
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// ID returns the venue identifier.
func (v *Venue) ID() string { return v.id }

// GetQuote returns a quote around the pair's base price.
func (v *Venue) GetQuote(ctx domain.Context, tokenIn, tokenOut string, _ decimal.Decimal) (domain.Quote, error) {
	if err := v.simulate(ctx); err != nil {
		return domain.Quote{}, err
	}
	price := v.basePrice(tokenIn, tokenOut).Mul(v.jitter(v.quoteVariance))
	return domain.Quote{Price: price, Fee: v.fee}, nil
}

// Execute fabricates a transaction hash and an executed price near the
// expected price.
func (v *Venue) Execute(ctx domain.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	if err := v.simulate(ctx); err != nil {
		return domain.ExecutionResult{}, err
	}
	executed := req.ExpectedPrice.Mul(v.jitter(v.execVariance))
	return domain.ExecutionResult{TxHash: v.txHash(), ExecutedPrice: executed}, nil
}

// simulate applies latency and scripted failures, honoring cancellation.
func (v *Venue) simulate(ctx domain.Context) error {
	v.mu.Lock()
	var delay time.Duration
	if v.maxLatency > v.minLatency {
		delay = v.minLatency + time.Duration(v.rng.Int63n(int64(v.maxLatency-v.minLatency)))
	} else {
		delay = v.minLatency
	}
	fail := false
	var failErr error
	if v.failRemaining > 0 {
		v.failRemaining--
		fail, failErr = true, v.failErr
	}
	v.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=venue.simulate venue=%s: %w", v.id, ctx.Err())
		case <-t.C:
		}
	}
	if fail {
		if failErr == nil {
			failErr = domain.ErrVenueUnavailable
		}
		return fmt.Errorf("op=venue.simulate venue=%s: %w", v.id, failErr)
	}
	return nil
}

// jitter returns a multiplier in [1-spread, 1+spread].
func (v *Venue) jitter(spread float64) decimal.Decimal {
	v.mu.Lock()
	f := 1 + spread*(2*v.rng.Float64()-1)
	v.mu.Unlock()
	return decimal.NewFromFloat(f)
}

func (v *Venue) txHash() string {
	v.mu.Lock()
	b := make([]byte, 32)
	v.rng.Read(b)
	v.mu.Unlock()
	return hex.EncodeToString(b)
}

// basePrice derives a stable price for a pair when none was configured, so
// different venues quote in the same neighborhood for the same pair.
func (v *Venue) basePrice(tokenIn, tokenOut string) decimal.Decimal {
	key := pairKey(tokenIn, tokenOut)
	v.mu.Lock()
	p, ok := v.basePrices[key]
	if !ok {
		h := fnv.New64a()
		_, _ = h.Write([]byte(key))
		// Map the hash into [1, 1000) with two decimals.
		cents := int64(h.Sum64()%99900) + 100
		p = decimal.New(cents, -2)
		v.basePrices[key] = p
	}
	v.mu.Unlock()
	return p
}

func pairKey(tokenIn, tokenOut string) string { return tokenIn + "/" + tokenOut }
