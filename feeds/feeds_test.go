package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/taserbot/types"
)

func TestCandlesNormalizesSecondsToMillis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/history/candles", r.URL.Path)
		assert.Equal(t, "5m", r.URL.Query().Get("resolution"))
		assert.Equal(t, "BTCUSD", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"success":true,"result":[
			{"time":1700000000,"open":1,"high":2,"low":0.5,"close":1.5,"volume":10},
			{"time":1700000300,"open":1.5,"high":2.5,"low":1,"close":2,"volume":12}
		]}`))
	}))
	defer srv.Close()

	f := NewDeltaFeed(srv.URL)
	c, err := f.Candles(context.Background(), "BTCUSD", "5m", 240)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	assert.Equal(t, int64(1700000000000), c.Timestamp[0], "seconds become milliseconds")
	assert.Equal(t, 2.0, c.LastClose())
}

func TestCandlesRetriesOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"success":true,"result":[{"time":1700000000000,"open":1,"high":1,"low":1,"close":1,"volume":1}]}`))
	}))
	defer srv.Close()

	c, err := NewDeltaFeed(srv.URL).Candles(context.Background(), "BTCUSD", "1m", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, c.Len())
}

func TestCandlesRejectsUnknownResolution(t *testing.T) {
	_, err := NewDeltaFeed("http://unused").Candles(context.Background(), "BTCUSD", "7m", 10)
	assert.Error(t, err)
}

func TestPriorDayLevels(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	c := &types.Candles{}
	// Two bars inside the prior day, one today, one two days back.
	c.Append(time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC).UnixMilli(), 90, 99, 80, 90, 1)
	c.Append(time.Date(2026, 8, 23, 3, 0, 0, 0, time.UTC).UnixMilli(), 100, 105, 95, 100, 1)
	c.Append(time.Date(2026, 8, 23, 20, 0, 0, 0, time.UTC).UnixMilli(), 100, 112, 98, 110, 1)
	c.Append(time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC).UnixMilli(), 110, 140, 60, 120, 1)

	pdh, pdl := PriorDayLevels(c, now)
	assert.Equal(t, 112.0, pdh)
	assert.Equal(t, 95.0, pdl)
}

func TestQuoteFromPair(t *testing.T) {
	assert.Equal(t, "USD", QuoteFromPair("BTCUSD"))
	assert.Equal(t, "USDT", QuoteFromPair("ETHUSDT"))
	assert.Equal(t, "USD", QuoteFromPair("SOMETHING"))
}

func TestMarkPriceFeedFanOutDropsWhenFull(t *testing.T) {
	f := NewMarkPriceFeed("ws://unused", "BTCUSD")
	ch := f.Subscribe()
	for i := 0; i < 100; i++ {
		f.publish(100 + float64(i))
	}
	last, at := f.LastPrice()
	assert.Equal(t, 199.0, last)
	assert.False(t, at.IsZero())
	// Buffer holds the first 64; the rest were dropped, not blocked on.
	assert.Equal(t, 64, len(ch))
	first := <-ch
	assert.Equal(t, 100.0, first.Price)
}
