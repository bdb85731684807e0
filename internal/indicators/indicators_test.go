package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSIBounds(t *testing.T) {
	up := make([]float64, 50)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	assert.Equal(t, 100.0, RSI(up, 14), "monotonic rally pins RSI at 100")

	down := make([]float64, 50)
	for i := range down {
		down[i] = 200 - float64(i)
	}
	assert.InDelta(t, 0.0, RSI(down, 14), 1e-9)

	assert.Equal(t, 50.0, RSI([]float64{1, 2}, 14), "insufficient data is neutral")
}

func TestRSISeriesWarmup(t *testing.T) {
	prices := []float64{10, 11, 10.5, 11.2, 11.8, 11.4, 12.0, 12.3, 12.1, 12.6,
		12.9, 12.4, 13.0, 13.2, 13.5, 13.1}
	s := RSISeries(prices, 14)
	require.Len(t, s, len(prices))
	for i := 0; i < 14; i++ {
		assert.True(t, math.IsNaN(s[i]), "bar %d should be warm-up", i)
	}
	assert.False(t, math.IsNaN(s[14]))
	assert.InDelta(t, RSI(prices, 14), s[len(s)-1], 1.0)
}

func TestEMASeriesSeedsFirstValue(t *testing.T) {
	prices := []float64{5, 6, 7, 8}
	s := EMASeries(prices, 3)
	require.Len(t, s, 4)
	assert.Equal(t, 5.0, s[0])
	assert.Greater(t, s[3], s[0], "rising prices pull EMA up")
}

func TestMACDSignOnTrend(t *testing.T) {
	prices := make([]float64, 80)
	for i := range prices {
		prices[i] = 100 + float64(i)*0.5
	}
	line, signal, hist := MACD(prices, 12, 26, 9)
	assert.Greater(t, line, 0.0)
	assert.Greater(t, signal, 0.0)
	assert.InDelta(t, line-signal, hist, 1e-12)
}

func TestATRSeries(t *testing.T) {
	n := 30
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 101
		lows[i] = 99
		closes[i] = 100
	}
	s := ATRSeries(highs, lows, closes, 14)
	require.Len(t, s, n)
	assert.True(t, math.IsNaN(s[13]))
	assert.InDelta(t, 2.0, s[n-1], 1e-9, "constant 2.0 true range")
	assert.InDelta(t, 2.0, ATR(highs, lows, closes, 14), 1e-9)
}

func TestADXSeriesStrongTrend(t *testing.T) {
	n := 120
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)
		highs[i] = base + 1
		lows[i] = base - 1
		closes[i] = base + 0.5
	}
	s := ADXSeries(highs, lows, closes, 14)
	last := Last(s, math.NaN())
	require.False(t, math.IsNaN(last))
	assert.Greater(t, last, 25.0, "one-way trend should read as trending")
}

func TestVWAPConstantPrice(t *testing.T) {
	h := []float64{100, 100, 100}
	l := []float64{100, 100, 100}
	c := []float64{100, 100, 100}
	v := []float64{1, 5, 10}
	s := VWAP(h, l, c, v)
	for _, x := range s {
		assert.InDelta(t, 100.0, x, 1e-9)
	}
}

func TestAnchoredVWAPStart(t *testing.T) {
	h := []float64{10, 20, 30, 40}
	l := []float64{10, 20, 30, 40}
	c := []float64{10, 20, 30, 40}
	v := []float64{1, 1, 1, 1}
	s := AnchoredVWAP(h, l, c, v, 2)
	assert.True(t, math.IsNaN(s[0]))
	assert.True(t, math.IsNaN(s[1]))
	assert.InDelta(t, 30.0, s[2], 1e-9)
	assert.InDelta(t, 35.0, s[3], 1e-9)
}

func TestLorentzianDistance(t *testing.T) {
	assert.Equal(t, 0.0, LorentzianDistance([]float64{1, 2, 3}, []float64{1, 2, 3}))
	d := LorentzianDistance([]float64{0, 0}, []float64{1, math.E - 1})
	assert.InDelta(t, math.Log(2)+1.0, d, 1e-9)
}

func TestLinRegSlope(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.0, LinRegSlope(vals, 5), 1e-9)
	assert.Equal(t, 0.0, LinRegSlope(vals, 10), "not enough data")
}

func TestPivots(t *testing.T) {
	highs := []float64{1, 2, 5, 2, 1}
	lows := []float64{5, 4, 1, 4, 5}
	assert.True(t, PivotHigh(highs, 2, 2, 2))
	assert.False(t, PivotHigh(highs, 1, 2, 2), "window runs off the left edge")
	assert.True(t, PivotLow(lows, 2, 2, 2))
}

func TestNoiseMedian(t *testing.T) {
	highs := []float64{101, 102, 103, 110}
	lows := []float64{100, 100, 100, 100}
	// spans 1,2,3,10 -> median of last 4 = (2+3)/2
	assert.InDelta(t, 2.5, NoiseMedian(highs, lows, 4), 1e-9)
	assert.Equal(t, 0.0, NoiseMedian(nil, nil, 10))
}

func TestCCIAndWaveTrendFinite(t *testing.T) {
	n := 60
	h := make([]float64, n)
	l := make([]float64, n)
	c := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + 3*math.Sin(float64(i)/5)
		h[i] = base + 1
		l[i] = base - 1
		c[i] = base
	}
	assert.False(t, math.IsNaN(CCI(h, l, c, 20)))
	assert.False(t, math.IsNaN(WaveTrend(h, l, c, 10, 11)))
}
