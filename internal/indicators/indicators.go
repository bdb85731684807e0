package indicators

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// RSI calculates Relative Strength Index (Wilder)
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50 // Neutral if not enough data
	}

	gains := make([]float64, 0)
	losses := make([]float64, 0)

	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	if len(gains) < period {
		return 50
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])

	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// RSISeries returns the full Wilder RSI series aligned to prices.
// Entries before the warm-up window are NaN.
func RSISeries(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(prices) < period+1 {
		return out
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		ch := prices[i] - prices[i-1]
		if ch > 0 {
			avgGain += ch
		} else {
			avgLoss -= ch
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		ch := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if ch > 0 {
			gain = ch
		} else {
			loss = -ch
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMA calculates the last Exponential Moving Average value
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])

	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}

	return ema
}

// EMASeries returns the EMA series seeded at the first value.
func EMASeries(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if len(prices) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = prices[0]
	for i := 1; i < len(prices); i++ {
		out[i] = out[i-1] + k*(prices[i]-out[i-1])
	}
	return out
}

// SMA calculates Simple Moving Average
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}

	return average(prices[len(prices)-period:])
}

// MACD calculates MACD line, signal line and histogram from full EMA series.
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (float64, float64, float64) {
	if len(prices) < slowPeriod {
		return 0, 0, 0
	}

	fast := EMASeries(prices, fastPeriod)
	slow := EMASeries(prices, slowPeriod)
	macdLine := make([]float64, len(prices))
	for i := range prices {
		macdLine[i] = fast[i] - slow[i]
	}
	signal := EMASeries(macdLine, signalPeriod)

	last := len(prices) - 1
	return macdLine[last], signal[last], macdLine[last] - signal[last]
}

// ATR calculates the last Average True Range (Wilder)
func ATR(highs, lows, closes []float64, period int) float64 {
	s := ATRSeries(highs, lows, closes, period)
	for i := len(s) - 1; i >= 0; i-- {
		if !math.IsNaN(s[i]) {
			return s[i]
		}
	}
	return 0
}

// ATRSeries returns the Wilder-smoothed ATR series aligned to inputs (NaN warm-up).
func ATRSeries(highs, lows, closes []float64, period int) []float64 {
	m := minLen(highs, lows, closes)
	out := make([]float64, m)
	for i := range out {
		out[i] = math.NaN()
	}
	if m <= period {
		return out
	}

	tr := make([]float64, m)
	for i := 1; i < m; i++ {
		tr[i] = math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr
	for i := period + 1; i < m; i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// ADXSeries returns the Wilder ADX series aligned to inputs (NaN warm-up).
func ADXSeries(highs, lows, closes []float64, period int) []float64 {
	m := minLen(highs, lows, closes)
	out := make([]float64, m)
	for i := range out {
		out[i] = math.NaN()
	}
	if m <= 2*period {
		return out
	}

	plusDM := make([]float64, m)
	minusDM := make([]float64, m)
	tr := make([]float64, m)
	for i := 1; i < m; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		tr[i] = math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
	}

	// Wilder running sums
	trS, pdmS, mdmS := 0.0, 0.0, 0.0
	for i := 1; i <= period; i++ {
		trS += tr[i]
		pdmS += plusDM[i]
		mdmS += minusDM[i]
	}

	dx := make([]float64, m)
	for i := range dx {
		dx[i] = math.NaN()
	}
	computeDX := func(i int) {
		if trS <= 0 {
			return
		}
		pdi := 100 * pdmS / trS
		mdi := 100 * mdmS / trS
		if pdi+mdi > 0 {
			dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
		}
	}
	computeDX(period)
	for i := period + 1; i < m; i++ {
		trS = trS - trS/float64(period) + tr[i]
		pdmS = pdmS - pdmS/float64(period) + plusDM[i]
		mdmS = mdmS - mdmS/float64(period) + minusDM[i]
		computeDX(i)
	}

	// ADX = Wilder smoothing of DX, seeded with the first period of valid DX
	start := 2 * period
	sum := 0.0
	n := 0
	for i := period; i <= start; i++ {
		if !math.IsNaN(dx[i]) {
			sum += dx[i]
			n++
		}
	}
	if n == 0 {
		return out
	}
	adx := sum / float64(n)
	out[start] = adx
	for i := start + 1; i < m; i++ {
		if math.IsNaN(dx[i]) {
			continue
		}
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		out[i] = adx
	}
	return out
}

// VWAP returns the rolling volume-weighted average price series.
func VWAP(highs, lows, closes, volumes []float64) []float64 {
	m := minLen(highs, lows, closes)
	if len(volumes) < m {
		m = len(volumes)
	}
	out := make([]float64, m)
	cumPV, cumV := 0.0, 0.0
	for i := 0; i < m; i++ {
		tp := (highs[i] + lows[i] + closes[i]) / 3.0
		cumPV += tp * volumes[i]
		cumV += volumes[i]
		out[i] = cumPV / math.Max(cumV, 1e-9)
	}
	return out
}

// AnchoredVWAP returns the VWAP anchored at startIdx; entries before it are NaN.
func AnchoredVWAP(highs, lows, closes, volumes []float64, startIdx int) []float64 {
	m := minLen(highs, lows, closes)
	if len(volumes) < m {
		m = len(volumes)
	}
	out := make([]float64, m)
	for i := range out {
		out[i] = math.NaN()
	}
	if startIdx < 0 || startIdx >= m {
		return out
	}
	cumPV, cumV := 0.0, 0.0
	for i := startIdx; i < m; i++ {
		tp := (highs[i] + lows[i] + closes[i]) / 3.0
		cumPV += tp * volumes[i]
		cumV += volumes[i]
		out[i] = cumPV / math.Max(cumV, 1e-9)
	}
	return out
}

// CCI calculates the last Commodity Channel Index value.
func CCI(highs, lows, closes []float64, period int) float64 {
	m := minLen(highs, lows, closes)
	if m < period {
		return 0
	}
	tp := make([]float64, period)
	for i := 0; i < period; i++ {
		j := m - period + i
		tp[i] = (highs[j] + lows[j] + closes[j]) / 3.0
	}
	mean := average(tp)
	dev := 0.0
	for _, v := range tp {
		dev += math.Abs(v - mean)
	}
	dev /= float64(period)
	if dev == 0 {
		return 0
	}
	return (tp[period-1] - mean) / (0.015 * dev)
}

// WaveTrend computes the last WaveTrend oscillator value (channel n1, average n2).
func WaveTrend(highs, lows, closes []float64, n1, n2 int) float64 {
	m := minLen(highs, lows, closes)
	if m < n1+n2 {
		return 0
	}
	hlc := make([]float64, m)
	for i := 0; i < m; i++ {
		hlc[i] = (highs[i] + lows[i] + closes[i]) / 3.0
	}
	esa := EMASeries(hlc, n1)
	dev := make([]float64, m)
	for i := 0; i < m; i++ {
		dev[i] = math.Abs(hlc[i] - esa[i])
	}
	d := EMASeries(dev, n1)
	ci := make([]float64, m)
	for i := 0; i < m; i++ {
		ci[i] = (hlc[i] - esa[i]) / math.Max(0.015*d[i], 1e-9)
	}
	wt := EMASeries(ci, n2)
	return wt[m-1]
}

// LorentzianDistance is the noise-robust similarity metric used by the k-NN
// classifier: sum of ln(1+|a-b|) per feature.
func LorentzianDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	d := 0.0
	for i := 0; i < n; i++ {
		d += math.Log(1.0 + math.Abs(a[i]-b[i]))
	}
	return d
}

// LinRegSlope returns the least-squares slope over the last period values.
func LinRegSlope(values []float64, period int) float64 {
	n := len(values)
	if period < 2 || n < period {
		return 0
	}
	window := values[n-period:]
	sumX, sumY, sumXY, sumXX := 0.0, 0.0, 0.0, 0.0
	for i, v := range window {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	den := float64(period)*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (float64(period)*sumXY - sumX*sumY) / den
}

// Stdev returns the standard deviation over the last period values.
func Stdev(values []float64, period int) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	if period > 0 && n > period {
		values = values[n-period:]
	}
	avg := average(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - avg) * (v - avg)
	}
	return math.Sqrt(sum / float64(len(values)))
}

// PivotHigh reports whether the bar at index i is a pivot high with strength
// left/right bars on each side.
func PivotHigh(highs []float64, i, left, right int) bool {
	if i-left < 0 || i+right >= len(highs) {
		return false
	}
	for j := i - left; j <= i+right; j++ {
		if j != i && highs[j] >= highs[i] {
			return false
		}
	}
	return true
}

// PivotLow reports whether the bar at index i is a pivot low.
func PivotLow(lows []float64, i, left, right int) bool {
	if i-left < 0 || i+right >= len(lows) {
		return false
	}
	for j := i - left; j <= i+right; j++ {
		if j != i && lows[j] <= lows[i] {
			return false
		}
	}
	return true
}

// NoiseMedian returns the median high-low span of the last bars candles,
// a micro-noise proxy in absolute price units. At least 3 bars are used.
func NoiseMedian(highs, lows []float64, bars int) float64 {
	m := minLen(highs, lows)
	if m == 0 {
		return 0
	}
	k := bars
	if k < 3 {
		k = 3
	}
	if k > m {
		k = m
	}
	spans := make([]float64, 0, k)
	for i := m - k; i < m; i++ {
		spans = append(spans, math.Max(0, highs[i]-lows[i]))
	}
	sort.Float64s(spans)
	mid := len(spans) / 2
	if len(spans)%2 == 1 {
		return spans[mid]
	}
	return 0.5 * (spans[mid-1] + spans[mid])
}

// Volatility calculates price volatility (standard deviation)
func Volatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}

	avg := average(prices)
	sumSquares := 0.0

	for _, p := range prices {
		sumSquares += (p - avg) * (p - avg)
	}

	return math.Sqrt(sumSquares / float64(len(prices)))
}

// Helper functions

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func minLen(series ...[]float64) int {
	m := -1
	for _, s := range series {
		if m < 0 || len(s) < m {
			m = len(s)
		}
	}
	if m < 0 {
		return 0
	}
	return m
}

// Last returns the last non-NaN value of a series, or fallback when none exists.
func Last(series []float64, fallback float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return fallback
}

// DecimalToFloat converts decimal to float64
func DecimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// FloatToDecimal converts float64 to decimal
func FloatToDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
