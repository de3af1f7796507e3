package rates_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/metrics"
	"github.com/tablesight/credits-backend/internal/models"
	"github.com/tablesight/credits-backend/internal/rates"
)

type fakeFetcher struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (f *fakeFetcher) FetchRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.calls++
	return f.rate, f.err
}

func newTestCache(t *testing.T, cfg *rates.Config, fetcher rates.Fetcher, now *time.Time) *rates.Cache {
	t.Helper()
	cache, err := rates.NewCache(cfg, fetcher, zap.NewNop(), rates.WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	return cache
}

func TestGetRateCachesWithinTTL(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{rate: decimal.NewFromFloat(150.25)}
	cache := newTestCache(t, &rates.Config{TTL: time.Minute}, fetcher, &now)

	first, err := cache.GetRate(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}
	if !first.Equal(decimal.NewFromFloat(150.25)) {
		t.Errorf("Expected 150.25, got %s", first)
	}

	// A changed upstream value inside the TTL must not be observed
	fetcher.rate = decimal.NewFromFloat(99.0)
	now = now.Add(30 * time.Second)

	second, err := cache.GetRate(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}
	if !second.Equal(first) {
		t.Errorf("Expected cached rate %s, got %s", first, second)
	}
	if fetcher.calls != 1 {
		t.Errorf("Expected 1 upstream call, got %d", fetcher.calls)
	}
}

func TestGetRateRefetchesAfterTTL(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{rate: decimal.NewFromFloat(150.25)}
	cache := newTestCache(t, &rates.Config{TTL: time.Minute}, fetcher, &now)

	if _, err := cache.GetRate(context.Background(), "SOL"); err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}

	fetcher.rate = decimal.NewFromFloat(160.00)
	now = now.Add(61 * time.Second)

	rate, err := cache.GetRate(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(160.00)) {
		t.Errorf("Expected refreshed rate 160, got %s", rate)
	}
	if fetcher.calls != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", fetcher.calls)
	}
}

func TestGetRateStableAssetFallsBackToPeg(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{err: errors.New("feed down")}
	cache := newTestCache(t, &rates.Config{
		TTL:          time.Minute,
		StableAssets: []string{"USDT"},
	}, fetcher, &now)

	rate, err := cache.GetRate(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected peg fallback 1, got %s", rate)
	}
}

func TestGetRateConfiguredFallbackWinsOverPeg(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{err: errors.New("feed down")}
	cache := newTestCache(t, &rates.Config{
		TTL:           time.Minute,
		StableAssets:  []string{"USDT"},
		FallbackRates: map[string]string{"USDT": "0.99"},
	}, fetcher, &now)

	rate, err := cache.GetRate(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(0.99)) {
		t.Errorf("Expected configured fallback 0.99, got %s", rate)
	}
}

func TestGetRateVolatileAssetWithoutFallbackFails(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{err: errors.New("feed down")}
	cache := newTestCache(t, &rates.Config{TTL: time.Minute}, fetcher, &now)

	_, err := cache.GetRate(context.Background(), "SOL")
	if err == nil {
		t.Fatal("Expected error for volatile asset without fallback")
	}
	if !errors.Is(err, models.ErrRateUnavailable) {
		t.Errorf("Expected ErrRateUnavailable, got %v", err)
	}
}

func TestGetRateServesStaleRateWhenUpstreamDown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{rate: decimal.NewFromFloat(150.25)}
	cache := newTestCache(t, &rates.Config{TTL: time.Minute}, fetcher, &now)

	if _, err := cache.GetRate(context.Background(), "SOL"); err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}

	// The feed goes down after the entry expires. The last fetched rate
	// still beats failing the lookup.
	fetcher.err = errors.New("feed down")
	now = now.Add(5 * time.Minute)

	rate, err := cache.GetRate(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("Expected stale rate, got error: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(150.25)) {
		t.Errorf("Expected last known rate 150.25, got %s", rate)
	}
	if fetcher.calls != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", fetcher.calls)
	}

	// The stale entry is not re-armed: the next lookup retries upstream
	fetcher.err = nil
	fetcher.rate = decimal.NewFromFloat(175.00)

	rate, err = cache.GetRate(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(175.00)) {
		t.Errorf("Expected recovered rate 175, got %s", rate)
	}
	if fetcher.calls != 3 {
		t.Errorf("Expected 3 upstream calls, got %d", fetcher.calls)
	}
}

func TestGetRateCountsLookupsBySource(t *testing.T) {
	// Distinct asset names keep the global counters isolated per test
	const asset = "SOL-METRICS"
	lookups := func(source string) float64 {
		return testutil.ToFloat64(metrics.RateLookupsTotal.WithLabelValues(asset, source))
	}
	fetchBefore, cacheBefore, staleBefore := lookups("fetch"), lookups("cache"), lookups("stale")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{rate: decimal.NewFromFloat(150.25)}
	cache := newTestCache(t, &rates.Config{TTL: time.Minute}, fetcher, &now)

	if _, err := cache.GetRate(context.Background(), asset); err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}
	if _, err := cache.GetRate(context.Background(), asset); err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}

	fetcher.err = errors.New("feed down")
	now = now.Add(5 * time.Minute)
	if _, err := cache.GetRate(context.Background(), asset); err != nil {
		t.Fatalf("GetRate failed: %v", err)
	}

	if got := lookups("fetch") - fetchBefore; got != 1 {
		t.Errorf("Expected 1 fetch lookup, got %g", got)
	}
	if got := lookups("cache") - cacheBefore; got != 1 {
		t.Errorf("Expected 1 cache hit, got %g", got)
	}
	if got := lookups("stale") - staleBefore; got != 1 {
		t.Errorf("Expected 1 stale serve, got %g", got)
	}
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) FetchRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	if asset == "SLOW" {
		close(f.started)
		<-f.release
	}
	return decimal.NewFromInt(100), nil
}

func TestGetRateSlowFetchDoesNotBlockOtherAssets(t *testing.T) {
	now := time.Now()
	fetcher := &blockingFetcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	cache := newTestCache(t, &rates.Config{TTL: time.Minute}, fetcher, &now)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		if _, err := cache.GetRate(context.Background(), "SLOW"); err != nil {
			t.Errorf("Slow GetRate failed: %v", err)
		}
	}()
	<-fetcher.started

	// With the slow fetch in flight, a lookup for another asset must
	// still complete
	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		if _, err := cache.GetRate(context.Background(), "FAST"); err != nil {
			t.Errorf("Fast GetRate failed: %v", err)
		}
	}()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Lookup blocked behind an unrelated in-flight fetch")
	}

	close(fetcher.release)
	<-slowDone
}

func TestGetRateRejectsZeroRate(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{rate: decimal.Zero}
	cache := newTestCache(t, &rates.Config{TTL: time.Minute}, fetcher, &now)

	_, err := cache.GetRate(context.Background(), "SOL")
	if !errors.Is(err, models.ErrRateUnavailable) {
		t.Errorf("Expected ErrRateUnavailable for zero rate, got %v", err)
	}
}

func TestNewCacheRejectsInvalidFallback(t *testing.T) {
	_, err := rates.NewCache(&rates.Config{
		FallbackRates: map[string]string{"USDT": "-1"},
	}, &fakeFetcher{}, zap.NewNop())
	if err == nil {
		t.Fatal("Expected error for negative fallback rate")
	}
}
