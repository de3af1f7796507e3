package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Fetcher retrieves a spot asset->USD rate from an upstream price feed
type Fetcher interface {
	FetchRate(ctx context.Context, asset string) (decimal.Decimal, error)
}

// EndpointConfig describes the upstream feed for one asset. The feed is
// expected to answer with {"<key>": {"usd": <number>}}.
type EndpointConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// HTTPFetcher queries a JSON price feed endpoint per asset
type HTTPFetcher struct {
	endpoints map[string]EndpointConfig
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPFetcher creates a fetcher with a bounded request timeout
func NewHTTPFetcher(endpoints map[string]EndpointConfig, timeout time.Duration, logger *zap.Logger) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFetcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// FetchRate fetches the USD rate for the given asset symbol
func (f *HTTPFetcher) FetchRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	endpoint, ok := f.endpoints[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price feed endpoint configured for asset %s", asset)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build price feed request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price feed response: %w", err)
	}

	entry, ok := payload[endpoint.Key]
	if !ok || entry.USD <= 0 {
		return decimal.Zero, fmt.Errorf("price feed response missing rate for %s", endpoint.Key)
	}

	rate := decimal.NewFromFloat(entry.USD)
	f.logger.Debug("Fetched spot rate",
		zap.String("asset", asset),
		zap.String("rate", rate.String()),
	)
	return rate, nil
}
