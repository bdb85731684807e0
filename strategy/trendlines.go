package strategy

import (
	"math"

	"github.com/web3guy0/taserbot/internal/indicators"
	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PIVOT TRENDLINES - sloped resistance/support rails with first-break detection
// ═══════════════════════════════════════════════════════════════════════════════

// Trendlines is the current rail state: the projected upper (resistance) and
// lower (support) line values at the latest bar, and whether that bar is the
// FIRST close through a line since its anchoring pivot.
type Trendlines struct {
	Upper     float64
	Lower     float64
	UpBreak   bool
	DownBreak bool
	Slope     float64 // per-bar slope magnitude used for projection
}

// TrendlineParams tunes the rails.
type TrendlineParams struct {
	Lookback int     // pivot strength window each side
	Method   string  // "atr", "stdev" or "linreg" slope source
	Mult     float64 // slope multiplier
}

func (p TrendlineParams) withDefaults() TrendlineParams {
	if p.Lookback <= 0 {
		p.Lookback = 14
	}
	if p.Method == "" {
		p.Method = "atr"
	}
	if p.Mult == 0 {
		p.Mult = 1.0
	}
	return p
}

// slopeUnit derives the per-bar slope magnitude from recent volatility.
func slopeUnit(c *types.Candles, p TrendlineParams) float64 {
	switch p.Method {
	case "stdev":
		return p.Mult * indicators.Stdev(c.Close, p.Lookback) / float64(p.Lookback)
	case "linreg":
		return p.Mult * math.Abs(indicators.LinRegSlope(c.Close, p.Lookback))
	default:
		atr := indicators.ATR(c.High, c.Low, c.Close, p.Lookback)
		return p.Mult * atr / float64(p.Lookback)
	}
}

// lastPivot finds the most recent confirmed pivot index, or -1.
func lastPivot(c *types.Candles, lookback int, high bool) int {
	n := c.Len()
	for i := n - 1 - lookback; i >= lookback; i-- {
		if high && indicators.PivotHigh(c.High, i, lookback, lookback) {
			return i
		}
		if !high && indicators.PivotLow(c.Low, i, lookback, lookback) {
			return i
		}
	}
	return -1
}

// Compute projects both rails to the latest bar and flags first breaks.
// The upper rail decays downward from the pivot high, the lower rail decays
// upward from the pivot low; a break only counts if no earlier close between
// pivot and now already crossed the projected line.
func ComputeTrendlines(c *types.Candles, params TrendlineParams) Trendlines {
	p := params.withDefaults()
	n := c.Len()
	out := Trendlines{Upper: math.NaN(), Lower: math.NaN()}
	if n < 3*p.Lookback {
		return out
	}
	slope := slopeUnit(c, p)
	out.Slope = slope

	if ph := lastPivot(c, p.Lookback, true); ph >= 0 {
		lineAt := func(i int) float64 {
			return c.High[ph] - slope*float64(i-ph)
		}
		out.Upper = lineAt(n - 1)
		if c.Close[n-1] > out.Upper {
			crossed := false
			for i := ph + 1; i < n-1; i++ {
				if c.Close[i] > lineAt(i) {
					crossed = true
					break
				}
			}
			out.UpBreak = !crossed
		}
	}

	if pl := lastPivot(c, p.Lookback, false); pl >= 0 {
		lineAt := func(i int) float64 {
			return c.Low[pl] + slope*float64(i-pl)
		}
		out.Lower = lineAt(n - 1)
		if c.Close[n-1] < out.Lower {
			crossed := false
			for i := pl + 1; i < n-1; i++ {
				if c.Close[i] < lineAt(i) {
					crossed = true
					break
				}
			}
			out.DownBreak = !crossed
		}
	}
	return out
}
