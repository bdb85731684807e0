package indicators

import "math"

// CCISeries returns the full Commodity Channel Index series (NaN warm-up).
func CCISeries(highs, lows, closes []float64, period int) []float64 {
	m := minLen(highs, lows, closes)
	out := make([]float64, m)
	for i := range out {
		out[i] = math.NaN()
	}
	if m < period {
		return out
	}
	tp := make([]float64, m)
	for i := 0; i < m; i++ {
		tp[i] = (highs[i] + lows[i] + closes[i]) / 3.0
	}
	for i := period - 1; i < m; i++ {
		window := tp[i-period+1 : i+1]
		mean := average(window)
		dev := 0.0
		for _, v := range window {
			dev += math.Abs(v - mean)
		}
		dev /= float64(period)
		if dev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (tp[i] - mean) / (0.015 * dev)
	}
	return out
}

// WaveTrendSeries returns the full WaveTrend oscillator series.
func WaveTrendSeries(highs, lows, closes []float64, n1, n2 int) []float64 {
	m := minLen(highs, lows, closes)
	out := make([]float64, m)
	if m == 0 {
		return out
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
	return EMASeries(ci, n2)
}
