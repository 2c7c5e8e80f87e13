// Package price fetches current ask prices from the upstream feed in one
// batched request per enrichment pass, with a static reference table as the
// degradation path when the feed is unreachable.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFeedUnavailable wraps any total upstream feed failure. Callers degrade
// to static reference prices instead of failing the pipeline.
var ErrFeedUnavailable = errors.New("price: upstream feed unavailable")

// Feed returns current ask prices for a set of instrument symbols.
type Feed interface {
	// AskPrices issues exactly one upstream request covering all symbols.
	AskPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// HTTPFeed implements Feed against a REST endpoint that accepts a
// comma-separated symbol list and returns [{"symbol": ..., "ask": ...}].
type HTTPFeed struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFeed creates a feed client.
func NewHTTPFeed(baseURL string, timeout time.Duration) *HTTPFeed {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFeed{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type quotePayload struct {
	Symbol string          `json:"symbol"`
	Ask    decimal.Decimal `json:"ask"`
}

// AskPrices fetches all symbols in a single batched GET.
func (f *HTTPFeed) AskPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrFeedUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	var quotes []quotePayload
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	out := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		out[q.Symbol] = q.Ask
	}
	return out, nil
}

// Unavailable is a Feed with no upstream configured. Every call fails with
// ErrFeedUnavailable, which pushes callers onto the static reference table.
type Unavailable struct{}

func (Unavailable) AskPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return nil, ErrFeedUnavailable
}

// StaticPrices is the reference table used when the upstream feed fails.
// Stale by definition; callers mark records served from it accordingly.
func StaticPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"BTC":  decimal.NewFromInt(60000),
		"ETH":  decimal.NewFromInt(3000),
		"SOL":  decimal.NewFromInt(150),
		"STRK": decimal.NewFromFloat(1.5),
	}
}
