package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/metrics"
	"github.com/tablesight/credits-backend/internal/models"
)

// DefaultTTL bounds how stale a cached rate may be. Repeated settlement
// checks within the window never hit the upstream feed.
const DefaultTTL = 60 * time.Second

// Config represents price feed cache configuration
type Config struct {
	TTL            time.Duration             `yaml:"ttl"`
	RequestTimeout time.Duration             `yaml:"request_timeout"`
	Endpoints      map[string]EndpointConfig `yaml:"endpoints"`
	StableAssets   []string                  `yaml:"stable_assets"`
	FallbackRates  map[string]string         `yaml:"fallback_rates"`
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Cache supplies current asset->USD rates without hammering the upstream
// price provider. Cache state is process-wide; everything else is injected
// so tests can supply a fake clock and fetcher.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]cachedRate
	ttl       time.Duration
	now       func() time.Time
	fetcher   Fetcher
	stable    map[string]bool
	fallbacks map[string]decimal.Decimal
	logger    *zap.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithClock overrides the cache's time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a rate cache backed by the given fetcher
func NewCache(cfg *Config, fetcher Fetcher, logger *zap.Logger, opts ...Option) (*Cache, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	stable := make(map[string]bool, len(cfg.StableAssets))
	for _, asset := range cfg.StableAssets {
		stable[asset] = true
	}

	fallbacks := make(map[string]decimal.Decimal, len(cfg.FallbackRates))
	for asset, raw := range cfg.FallbackRates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback rate for %s: %w", asset, err)
		}
		if rate.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("fallback rate for %s must be positive", asset)
		}
		fallbacks[asset] = rate
	}

	c := &Cache{
		entries:   make(map[string]cachedRate),
		ttl:       ttl,
		now:       time.Now,
		fetcher:   fetcher,
		stable:    stable,
		fallbacks: fallbacks,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetRate returns the current asset->USD rate. A cached value within its TTL
// is returned unchanged without a network call. On upstream failure a
// stable-value asset falls back to its configured rate (1.0 by default,
// assuming the peg holds), and the fallback is cached like a fetched value.
// A volatile asset with an expired entry is served that last known rate;
// only an asset that has never been fetched and has no fallback fails.
func (c *Cache) GetRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	c.mu.Lock()
	now := c.now()
	if entry, ok := c.entries[asset]; ok && now.Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		metrics.RateLookupsTotal.WithLabelValues(asset, "cache").Inc()
		return entry.rate, nil
	}
	c.mu.Unlock()

	// The upstream call runs unlocked so one slow feed request cannot
	// block cache hits for other assets. Concurrent misses on the same
	// asset may fetch twice; the last write wins.
	rate, err := c.fetcher.FetchRate(ctx, asset)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil && rate.GreaterThan(decimal.Zero) {
		c.entries[asset] = cachedRate{rate: rate, fetchedAt: now}
		metrics.RateLookupsTotal.WithLabelValues(asset, "fetch").Inc()
		return rate, nil
	}
	if err == nil {
		err = fmt.Errorf("upstream returned non-positive rate for %s", asset)
	}

	if fallback, ok := c.fallbackFor(asset); ok {
		c.logger.Warn("Rate fetch failed, using fallback rate",
			zap.String("asset", asset),
			zap.String("fallback", fallback.String()),
			zap.Error(err),
		)
		c.entries[asset] = cachedRate{rate: fallback, fetchedAt: now}
		metrics.RateLookupsTotal.WithLabelValues(asset, "fallback").Inc()
		return fallback, nil
	}

	// An expired entry is still a rate we once fetched successfully, and
	// serving it beats failing the settlement. fetchedAt stays untouched
	// so the next lookup retries the upstream.
	if entry, ok := c.entries[asset]; ok {
		c.logger.Warn("Rate fetch failed, serving last known rate",
			zap.String("asset", asset),
			zap.String("rate", entry.rate.String()),
			zap.Time("fetched_at", entry.fetchedAt),
			zap.Error(err),
		)
		metrics.RateLookupsTotal.WithLabelValues(asset, "stale").Inc()
		return entry.rate, nil
	}

	c.logger.Error("Rate fetch failed and no fallback applies",
		zap.String("asset", asset),
		zap.Error(err),
	)
	metrics.RateLookupsTotal.WithLabelValues(asset, "miss").Inc()
	return decimal.Zero, models.NewRateUnavailableError(asset, err)
}

// fallbackFor resolves the fallback policy for an asset. An operator
// configured override always wins; stable assets default to the peg.
func (c *Cache) fallbackFor(asset string) (decimal.Decimal, bool) {
	if rate, ok := c.fallbacks[asset]; ok {
		return rate, true
	}
	if c.stable[asset] {
		return decimal.NewFromInt(1), true
	}
	return decimal.Zero, false
}
