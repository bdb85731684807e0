package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DELTA REST FEED - OHLCV candles and account state over the exchange REST API
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxCandlesPerRequest = 2000
	requestTimeout       = 10 * time.Second
	maxRetries           = 3
	retryBackoff         = 500 * time.Millisecond
)

// resolutionSeconds maps the supported timeframes to bar lengths.
var resolutionSeconds = map[string]int64{
	"1m": 60, "5m": 300, "15m": 900, "1h": 3600, "1d": 86400,
}

// MinBars is the default history depth fetched per timeframe. The 5m window
// is deep enough to warm the classifier, not just the slowest filter.
var MinBars = map[string]int{
	"1m": 300, "5m": 700, "15m": 240, "1h": 240,
}

// DeltaFeed pulls candles and balances from a Delta-style REST API.
type DeltaFeed struct {
	baseURL string
	client  *http.Client
}

// NewDeltaFeed creates a REST feed against baseURL.
func NewDeltaFeed(baseURL string) *DeltaFeed {
	return &DeltaFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type candleRow struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type candlesResponse struct {
	Success bool        `json:"success"`
	Result  []candleRow `json:"result"`
}

// Candles fetches up to `bars` candles of the given resolution ending now.
// Timestamps are normalized to milliseconds regardless of what the venue
// returns.
func (f *DeltaFeed) Candles(ctx context.Context, symbol, resolution string, bars int) (*types.Candles, error) {
	secs, ok := resolutionSeconds[resolution]
	if !ok {
		return nil, fmt.Errorf("unsupported resolution %q", resolution)
	}
	if bars <= 0 || bars > maxCandlesPerRequest {
		bars = maxCandlesPerRequest
	}
	end := time.Now().Unix()
	start := end - secs*int64(bars)

	q := url.Values{}
	q.Set("resolution", resolution)
	q.Set("symbol", symbol)
	q.Set("start", fmt.Sprintf("%d", start))
	q.Set("end", fmt.Sprintf("%d", end))
	endpoint := f.baseURL + "/v2/history/candles?" + q.Encode()

	body, err := f.getWithRetry(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s candles: %w", resolution, err)
	}
	var resp candlesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode candles: %w", err)
	}

	out := &types.Candles{}
	for _, row := range resp.Result {
		ts := row.Time
		if ts < 1e12 { // seconds -> milliseconds
			ts *= 1000
		}
		out.Append(ts, row.Open, row.High, row.Low, row.Close, row.Volume)
	}
	return out, nil
}

// getWithRetry performs a GET with bounded retries and a short backoff.
func (f *DeltaFeed) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("⚠️ candle fetch failed, retrying")
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
			continue
		}
		return body, nil
	}
	return nil, lastErr
}

// PriorDayLevels derives the prior UTC day's high and low from 1h candles.
func PriorDayLevels(c1h *types.Candles, now time.Time) (pdh, pdl float64) {
	dayStart := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	prevStart := dayStart.AddDate(0, 0, -1).UnixMilli()
	prevEnd := dayStart.UnixMilli()
	for i := 0; i < c1h.Len(); i++ {
		ts := c1h.Timestamp[i]
		if ts < prevStart || ts >= prevEnd {
			continue
		}
		if pdh == 0 || c1h.High[i] > pdh {
			pdh = c1h.High[i]
		}
		if pdl == 0 || c1h.Low[i] < pdl {
			pdl = c1h.Low[i]
		}
	}
	return pdh, pdl
}

// QuoteFromPair extracts the settlement currency from a pair like BTCUSD.
func QuoteFromPair(pair string) string {
	for _, q := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(pair, q) {
			return q
		}
	}
	return "USD"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
