package paymaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gousdcbridge/config"
	"gousdcbridge/logger"
	"gousdcbridge/metrics"
	"gousdcbridge/retry"
	"gousdcbridge/types"
)

var ErrUnknownChain = errors.New("chain is not configured")

var (
	weiPerNative   = decimal.New(1, 18)
	unitsPerStable = decimal.New(1, 6)
	hundred        = decimal.NewFromInt(100)
)

// FeeEstimator converts a native gas cost into stable-coin base units.
type FeeEstimator struct {
	chains   map[int]config.ChainConfig
	rates    *RateCache
	markup   decimal.Decimal
	validity time.Duration
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewFeeEstimator parses markupPercent ("10" means 10%). An unparsable or
// negative markup is an error.
func NewFeeEstimator(chains map[int]config.ChainConfig, rates *RateCache, markupPercent string, validity time.Duration, m *metrics.Metrics) (*FeeEstimator, error) {
	markup := decimal.Zero
	if markupPercent != "" {
		v, err := decimal.NewFromString(markupPercent)
		if err != nil {
			return nil, fmt.Errorf("invalid markup percent %q: %w", markupPercent, err)
		}
		markup = v
	}
	if markup.IsNegative() {
		return nil, fmt.Errorf("invalid markup percent %q: negative", markupPercent)
	}
	return &FeeEstimator{
		chains:   chains,
		rates:    rates,
		markup:   markup,
		validity: validity,
		now:      time.Now,
		log:      logger.Named("paymaster"),
		metrics:  m,
	}, nil
}

// EstimateFee prices gasWei on chainID in stable-coin base units, rounded up.
// Rate outages fall back to cached or default rates and never fail the call.
func (e *FeeEstimator) EstimateFee(ctx context.Context, chainID int, gasWei *big.Int) (*types.FeeEstimate, error) {
	chain, ok := e.chains[chainID]
	if !ok {
		return nil, retry.Fatal(retry.ReasonInvalidInput, fmt.Errorf("%w: %d", ErrUnknownChain, chainID))
	}
	if gasWei == nil || gasWei.Sign() < 0 {
		return nil, retry.Fatal(retry.ReasonInvalidInput, fmt.Errorf("invalid gas amount %v", gasWei))
	}

	nativeUSD, source := e.rates.Get(ctx, chain.NativeCoinID)
	stableUSD, _ := e.rates.Get(ctx, StableCoinID)

	fee := convert(gasWei, nativeUSD, stableUSD, e.markup)

	now := e.now()
	est := &types.FeeEstimate{
		ChainID:       chainID,
		GasWei:        types.AmountFromBig(gasWei),
		FeeUSDC:       types.AmountFromBig(fee),
		NativeUSDRate: nativeUSD.String(),
		StableUSDRate: stableUSD.String(),
		MarkupPercent: e.markup.String(),
		RateSource:    source,
		ComputedAt:    now,
		ValidUntil:    now.Add(e.validity),
	}

	if e.metrics != nil {
		e.metrics.FeeEstimates.WithLabelValues(fmt.Sprint(chainID)).Inc()
	}
	e.log.Debug("fee estimate",
		zap.Int("chain", chainID),
		zap.String("gas_wei", gasWei.String()),
		zap.String("fee", fee.String()),
		zap.String("rate_source", source),
	)
	return est, nil
}

// convert computes ceil(gasWei / 1e18 * nativeUSD / stableUSD * (100 + markup) / 100 * 1e6)
// with exact decimal arithmetic.
func convert(gasWei *big.Int, nativeUSD, stableUSD, markup decimal.Decimal) *big.Int {
	num := decimal.NewFromBigInt(gasWei, 0).
		Mul(nativeUSD).
		Mul(hundred.Add(markup)).
		Mul(unitsPerStable)
	den := weiPerNative.Mul(stableUSD).Mul(hundred)
	if !den.IsPositive() {
		den = weiPerNative.Mul(hundred)
	}

	q, r := num.QuoRem(den, 0)
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q.BigInt()
}
