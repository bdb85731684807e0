package heatmap

import (
	"fmt"
	"math"
	"sort"

	"github.com/web3guy0/taserbot/types"
)

// Level is one liquidity shelf: a binned price with an accumulated
// dwell/volume score.
type Level struct {
	Price float64 `json:"price"`
	Score float64 `json:"score"`
}

// Options control the level builder. Zero values fall back to the defaults
// the bot runs with in production.
type Options struct {
	DwellAlpha    float64 // volume vs dwell blend exponent
	BinPctMin     float64 // minimum bin width as fraction of price
	BinATRFrac    float64 // bin width as fraction of ATR
	TopK          int
	MinSpacingBin int     // merge radius in bins
	HalfLifeBars  float64 // recency half-life
}

func (o Options) withDefaults() Options {
	if o.DwellAlpha == 0 {
		o.DwellAlpha = 0.70
	}
	if o.BinPctMin == 0 {
		o.BinPctMin = 0.0005
	}
	if o.BinATRFrac == 0 {
		o.BinATRFrac = 0.25
	}
	if o.TopK == 0 {
		o.TopK = 24
	}
	if o.MinSpacingBin == 0 {
		o.MinSpacingBin = 2
	}
	if o.HalfLifeBars == 0 {
		o.HalfLifeBars = 120
	}
	return o
}

// adaptiveTick sizes the price bin from the last price and current ATR%,
// floored at one cent.
func adaptiveTick(lastPx, atrPct float64, o Options) float64 {
	step := 0.01
	frac := math.Max(o.BinPctMin, o.BinATRFrac*atrPct)
	tick := math.Floor(lastPx*frac/step) * step
	if tick < step {
		tick = step
	}
	return tick
}

func decayWeight(age, halfLife float64) float64 {
	if halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, age/halfLife)
}

// Build scores every bar of the window into price bins and returns the top
// levels by score. Score per bar blends volume and dwell (inverse range),
// decayed by bar age.
func Build(c *types.Candles, atrPct float64, opts Options) []Level {
	o := opts.withDefaults()
	n := c.Len()
	if n == 0 {
		return nil
	}
	tick := adaptiveTick(c.LastClose(), atrPct, o)

	bins := make(map[int64]float64)
	for i := 0; i < n; i++ {
		rng := math.Max(c.High[i]-c.Low[i], tick*0.25)
		vol := math.Max(c.Volume[i], 1e-9)
		age := float64(n - 1 - i)
		score := math.Pow(vol, o.DwellAlpha) *
			math.Pow(1.0/rng, 1.0-o.DwellAlpha) *
			decayWeight(age, o.HalfLifeBars)
		bin := int64(math.Floor(c.Close[i] / tick))
		bins[bin] += score
	}

	raw := make([]Level, 0, len(bins))
	for bin, score := range bins {
		raw = append(raw, Level{Price: float64(bin) * tick, Score: score})
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].Price > raw[j].Price })
	if len(raw) > 240 {
		raw = raw[:240]
	}

	merged := mergeNearby(raw, float64(o.MinSpacingBin)*tick)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > o.TopK {
		merged = merged[:o.TopK]
	}
	return merged
}

// mergeNearby clusters levels within spacing of each other into a single
// score-weighted level. Input must be sorted by price descending.
func mergeNearby(levels []Level, spacing float64) []Level {
	if len(levels) == 0 {
		return nil
	}
	out := make([]Level, 0, len(levels))
	cur := levels[0]
	wpx := cur.Price * cur.Score
	for _, lv := range levels[1:] {
		if cur.Price-lv.Price <= spacing {
			cur.Score += lv.Score
			wpx += lv.Price * lv.Score
			cur.Price = wpx / math.Max(cur.Score, 1e-12)
			continue
		}
		out = append(out, cur)
		cur = lv
		wpx = lv.Price * lv.Score
	}
	return append(out, cur)
}

// Multi is the per-timeframe level map the confluence gate consumes.
type Multi map[string][]Level

// tfHalfLives mirrors the production recency tuning per timeframe.
var tfHalfLives = map[string]float64{
	"5m": 120, "15m": 120, "1h": 96, "1d": 30, "30d": 30,
}

// BuildMulti builds levels for each provided timeframe window.
func BuildMulti(windows map[string]*types.Candles, atrPct float64, opts Options) Multi {
	out := make(Multi, len(windows))
	for tf, c := range windows {
		o := opts
		if hl, ok := tfHalfLives[tf]; ok {
			o.HalfLifeBars = hl
		}
		out[tf] = Build(c, atrPct, o)
	}
	return out
}

// GateResult is the confluence verdict for a proposed entry.
type GateResult struct {
	Near      bool
	Block     bool
	Why       string
	HitsAbove int
	HitsBelow int
}

// tfScanOrder keeps the gate deterministic across runs.
var tfScanOrder = []string{"5m", "15m", "1h", "1d", "30d"}

// ConfluenceGate counts timeframes with a top level within tolPct of price on
// each side. A LONG is blocked when needTFs or more timeframes stack levels
// overhead; a SHORT when they stack below. Pure function of its inputs.
func ConfluenceGate(hm Multi, price float64, side string, tolPct float64, needTFs, topN int) GateResult {
	res := GateResult{}
	if price <= 0 || len(hm) == 0 {
		return res
	}
	tol := price * tolPct
	for _, tf := range tfScanOrder {
		levels, ok := hm[tf]
		if !ok {
			continue
		}
		if len(levels) > topN {
			levels = levels[:topN]
		}
		above, below := false, false
		for _, lv := range levels {
			d := lv.Price - price
			if d >= 0 && d <= tol {
				above = true
			}
			if d <= 0 && -d <= tol {
				below = true
			}
		}
		if above {
			res.HitsAbove++
		}
		if below {
			res.HitsBelow++
		}
	}
	res.Near = res.HitsAbove > 0 || res.HitsBelow > 0
	switch side {
	case types.SideLong:
		if res.HitsAbove >= needTFs {
			res.Block = true
			res.Why = fmt.Sprintf("liquidity wall overhead on %d TFs", res.HitsAbove)
		}
	case types.SideShort:
		if res.HitsBelow >= needTFs {
			res.Block = true
			res.Why = fmt.Sprintf("liquidity shelf below on %d TFs", res.HitsBelow)
		}
	}
	return res
}
