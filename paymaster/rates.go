package paymaster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gousdcbridge/logger"
	"gousdcbridge/metrics"
	"gousdcbridge/retry"
)

// price source id of the bridged stable-coin
const StableCoinID = "usd-coin"

const (
	SourceLive      = "live"
	SourceCached    = "cached"
	SourceLastKnown = "last_known"
	SourceDefault   = "default"
)

// Conservative prices used when the source never answered: gas coins are priced
// high and the stable-coin at par so fees err on the side of overcharging.
var (
	DefaultRates = map[string]decimal.Decimal{
		"ethereum":    decimal.NewFromInt(5000),
		"avalanche-2": decimal.NewFromInt(100),
		StableCoinID:  decimal.NewFromInt(1),
	}
	DefaultNativeRate = decimal.NewFromInt(5000)
)

// RateSource returns the USD price of a coin.
type RateSource interface {
	USDPrice(ctx context.Context, coinID string) (decimal.Decimal, error)
}

// CoinGecko reads simple/price from a coingecko compatible API.
type CoinGecko struct {
	baseURL string
	client  *http.Client
}

func NewCoinGecko(baseURL string, timeout time.Duration) *CoinGecko {
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *CoinGecko) USDPrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(coinID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, retry.Transient(retry.ReasonNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, retry.Transient(retry.ReasonNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, retry.Classify(fmt.Errorf("price source: %s", resp.Status))
	}

	var prices map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Zero, retry.Fatal(retry.ReasonDecode, err)
	}
	price, ok := prices[coinID]["usd"]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usd price for %s", coinID)
	}
	return price, nil
}

type rateEntry struct {
	value   decimal.Decimal
	expires time.Time
}

// RateCache keeps the last price of every coin. An expired entry is refreshed
// on access; when the refresh fails the stale value is served, and without any
// value the conservative default.
type RateCache struct {
	src     RateSource
	ttl     time.Duration
	now     func() time.Time
	rates   *cache.Cache
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewRateCache(src RateSource, ttl time.Duration, m *metrics.Metrics) *RateCache {
	return &RateCache{
		src: src,
		ttl: ttl,
		now: time.Now,
		// entries never leave the cache, expiry is tracked per entry so a
		// stale rate stays available as the last known one
		rates:   cache.New(cache.NoExpiration, 0),
		log:     logger.Named("paymaster"),
		metrics: m,
	}
}

// Get never fails; the second value tells where the rate came from.
func (c *RateCache) Get(ctx context.Context, coinID string) (decimal.Decimal, string) {
	var last *rateEntry
	if v, ok := c.rates.Get(coinID); ok {
		e := v.(rateEntry)
		if c.now().Before(e.expires) {
			return e.value, SourceCached
		}
		last = &e
	}

	price, err := c.src.USDPrice(ctx, coinID)
	if err == nil {
		c.rates.Set(coinID, rateEntry{value: price, expires: c.now().Add(c.ttl)}, cache.NoExpiration)
		return price, SourceLive
	}

	if last != nil {
		c.log.Warn("rate refresh failed, using last known rate",
			zap.String("coin", coinID),
			zap.String("rate", last.value.String()),
			zap.Error(err),
		)
		c.fallback(coinID, SourceLastKnown)
		return last.value, SourceLastKnown
	}

	def, ok := DefaultRates[coinID]
	if !ok {
		def = DefaultNativeRate
	}
	c.log.Warn("rate source unavailable, using default rate",
		zap.String("coin", coinID),
		zap.String("rate", def.String()),
		zap.Error(err),
	)
	c.fallback(coinID, SourceDefault)
	return def, SourceDefault
}

func (c *RateCache) fallback(coinID, source string) {
	if c.metrics != nil {
		c.metrics.RateFallbacks.WithLabelValues(coinID, source).Inc()
	}
}
