package strategy

import (
	"fmt"
	"math"

	"github.com/web3guy0/taserbot/internal/indicators"
	"github.com/web3guy0/taserbot/risk"
	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRENDSCALP ENGINE - ML-gated trend scalps off trendline breaks
// ═══════════════════════════════════════════════════════════════════════════════

// TrendScalpConfig is the engine's knob set, filled from the env config.
type TrendScalpConfig struct {
	MinBars5m int

	VolFloorPct  float64 // min atr/price
	ADXMin       float64
	ADXSoft      float64 // soft floor usable with EMA+RSI alignment
	MABufferPct  float64 // EMA200 buffer
	Use15mEMA    bool    // also require the 15m EMA200 side
	PullbackPct  float64
	WAIMin       float64
	RequireBoth  bool // ML and price trigger must agree
	RSIOverheat  float64
	EMAFast      int
	EMASlow      int
	TLWidthMult  float64 // base trendline slope multiplier
	TLLookback   int
	TLMethod     string

	SLMixAlpha  float64 // ATR weight in the stop-pad blend
	SLATRMult   float64
	SLNoiseMult float64
	SLNoiseBars int
	SLMinPct    float64
	SLMaxPct    float64
	FeePct      float64
	TP          risk.TPParams
	TPFractions []float64

	RequireNewBar     bool
	MinReentrySeconds float64
	BlockReentryPct   float64
	CooldownBars5m    int
}

// TrendScalp is the primary engine: a Lorentzian k-NN directional gate
// stacked on trendline-break price triggers and a trend-quality filter chain.
type TrendScalp struct {
	cfg  TrendScalpConfig
	gate *MLGate
}

// NewTrendScalp builds the engine; gate may wrap any Predictor.
func NewTrendScalp(cfg TrendScalpConfig, gate *MLGate) *TrendScalp {
	if cfg.MinBars5m <= 0 {
		cfg.MinBars5m = 210
	}
	if cfg.EMAFast <= 0 {
		cfg.EMAFast = 8
	}
	if cfg.EMASlow <= 0 {
		cfg.EMASlow = 20
	}
	if cfg.TLLookback <= 0 {
		cfg.TLLookback = 14
	}
	if cfg.SLMixAlpha <= 0 {
		cfg.SLMixAlpha = 0.55
	}
	if cfg.SLATRMult <= 0 {
		cfg.SLATRMult = 0.80
	}
	if cfg.SLNoiseMult <= 0 {
		cfg.SLNoiseMult = 1.90
	}
	if cfg.SLNoiseBars <= 0 {
		cfg.SLNoiseBars = 10
	}
	return &TrendScalp{cfg: cfg, gate: gate}
}

func (t *TrendScalp) Name() string { return "trendscalp" }

// adaptiveWidthMult narrows the trendline channel as trend strength builds.
func adaptiveWidthMult(base, adx float64) float64 {
	switch {
	case adx >= 40:
		return math.Min(base, 0.25)
	case adx >= 30:
		return math.Min(base, 0.35)
	default:
		return base
	}
}

// wai is the weak-ahead index: higher-high participation plus mean close
// location over the window, mirrored for shorts. Range roughly 0..2.
func wai(c *types.Candles, side string, window int) float64 {
	n := c.Len()
	if n < window+1 {
		return 0
	}
	hh, loc := 0.0, 0.0
	for i := n - window; i < n; i++ {
		if side == types.SideLong {
			if c.High[i] > c.High[i-1] {
				hh++
			}
		} else {
			if c.Low[i] < c.Low[i-1] {
				hh++
			}
		}
		rng := c.High[i] - c.Low[i]
		if rng > 0 {
			l := (c.Close[i] - c.Low[i]) / rng
			if side == types.SideShort {
				l = 1 - l
			}
			loc += l
		}
	}
	return hh/float64(window) + loc/float64(window)
}

// reentryBlocked applies the engine-local cool-off against the last exit.
func (t *TrendScalp) reentryBlocked(s *Scan, side string, price float64) (bool, string) {
	if t.cfg.RequireNewBar && s.LastSignalBar != 0 && s.LastSignalBar == s.C5m.LastTimestamp() {
		return true, "same 5m bar as last signal"
	}
	if s.LastExitTime.IsZero() {
		return false, ""
	}
	elapsed := s.Now.Sub(s.LastExitTime).Seconds()
	if elapsed < t.cfg.MinReentrySeconds {
		return true, fmt.Sprintf("re-entry cool-off %.0fs", t.cfg.MinReentrySeconds-elapsed)
	}
	if t.cfg.CooldownBars5m > 0 {
		barMs := int64(300_000)
		if elapsed*1000 < float64(int64(t.cfg.CooldownBars5m)*barMs) {
			return true, "re-entry bar cooldown"
		}
	}
	if side == s.LastExitSide && s.LastExitPrice > 0 {
		if math.Abs(price-s.LastExitPrice)/s.LastExitPrice <= t.cfg.BlockReentryPct {
			return true, "price still at last exit"
		}
	}
	return false, ""
}

// Evaluate runs the full filter stack and returns at most one draft.
func (t *TrendScalp) Evaluate(s *Scan) (*Signal, error) {
	c5 := s.C5m
	if c5.Len() < t.cfg.MinBars5m {
		return NoTrade(t.Name(), "warming up"), nil
	}
	price := c5.LastClose()

	ml := t.gate.Evaluate(c5)
	if !ml.Warm {
		return NoTrade(t.Name(), "classifier warming up"), nil
	}

	atr14 := indicators.ATR(c5.High, c5.Low, c5.Close, 14)
	atrPct := atr14 / math.Max(price, 1e-9)
	if atrPct < t.cfg.VolFloorPct {
		return NoTrade(t.Name(), "volatility below floor"), nil
	}

	adxSeries := indicators.ADXSeries(c5.High, c5.Low, c5.Close, 20)
	adx := indicators.Last(adxSeries, 0)
	adxSlope3 := 0.0
	if n := len(adxSeries); n > 3 && !math.IsNaN(adxSeries[n-1]) && !math.IsNaN(adxSeries[n-4]) {
		adxSlope3 = adxSeries[n-1] - adxSeries[n-4]
	}

	ema200 := indicators.EMA(c5.Close, 200)
	emaFast := indicators.EMA(c5.Close, t.cfg.EMAFast)
	emaSlow := indicators.EMA(c5.Close, t.cfg.EMASlow)
	rsi15 := indicators.RSI(s.C15m.Close, 14)
	if s.C15m.Len() < 15 {
		rsi15 = indicators.RSI(c5.Close, 14)
	}

	// Side from the EMA200 relation with buffer.
	var side string
	switch {
	case price > ema200*(1+t.cfg.MABufferPct):
		side = types.SideLong
	case price < ema200*(1-t.cfg.MABufferPct):
		side = types.SideShort
	default:
		return NoTrade(t.Name(), "inside EMA200 buffer"), nil
	}
	if t.cfg.Use15mEMA && s.C15m.Len() >= 200 {
		ema15 := indicators.EMA(s.C15m.Close, 200)
		if (side == types.SideLong && s.C15m.LastClose() < ema15) ||
			(side == types.SideShort && s.C15m.LastClose() > ema15) {
			return NoTrade(t.Name(), "15m EMA200 disagrees"), nil
		}
	}

	emaTrendOK := (side == types.SideLong && emaFast > emaSlow) ||
		(side == types.SideShort && emaFast < emaSlow)
	rsiAligned := (side == types.SideLong && rsi15 > 50) ||
		(side == types.SideShort && rsi15 < 50)

	// ADX gate with slope bonus and a soft floor for aligned setups.
	adxMinEff := t.cfg.ADXMin
	if adxSlope3 > 0 {
		adxMinEff -= 2.0
	}
	if adx < adxMinEff {
		if !(adx >= t.cfg.ADXSoft && emaTrendOK && rsiAligned) {
			return NoTrade(t.Name(), "trend strength below gate"), nil
		}
	}

	// RSI15 checks: dead-zone, directional bias, overheat.
	if rsi15 >= 45 && rsi15 <= 55 {
		return NoTrade(t.Name(), "RSI15 neutral"), nil
	}
	if !rsiAligned {
		return NoTrade(t.Name(), "RSI15 against side"), nil
	}
	requireBoth := t.cfg.RequireBoth
	if (side == types.SideLong && rsi15 >= t.cfg.RSIOverheat) ||
		(side == types.SideShort && rsi15 <= 100-t.cfg.RSIOverheat) {
		requireBoth = true
	}

	// Pullback: entry must be near the fast EMA, not chasing.
	maxPull := math.Max(t.cfg.PullbackPct, 0.5*atrPct)
	if math.Abs(price-emaFast)/price > maxPull {
		return NoTrade(t.Name(), "too extended from fast EMA"), nil
	}

	if w := wai(c5, side, 12); w < t.cfg.WAIMin {
		return NoTrade(t.Name(), "weak participation"), nil
	}

	widthMult := adaptiveWidthMult(t.cfg.TLWidthMult, adx)
	tl := ComputeTrendlines(c5, TrendlineParams{
		Lookback: t.cfg.TLLookback,
		Method:   t.cfg.TLMethod,
		Mult:     widthMult,
	})
	if channelTooNarrow(tl, widthMult, atr14) {
		return NoTrade(t.Name(), "channel narrower than the trend requires"), nil
	}
	breakOK := (side == types.SideLong && tl.UpBreak) ||
		(side == types.SideShort && tl.DownBreak)

	mlOK := ml.Bias == side && ml.Conf > 0
	var triggered bool
	if requireBoth {
		triggered = mlOK && (breakOK || emaTrendOK)
	} else {
		triggered = mlOK || breakOK
	}
	if !triggered {
		return NoTrade(t.Name(), "no trigger alignment"), nil
	}

	if blocked, why := t.reentryBlocked(s, side, price); blocked {
		return NoTrade(t.Name(), why), nil
	}

	noise1m := 0.0
	if s.C1m != nil {
		noise1m = indicators.NoiseMedian(s.C1m.High, s.C1m.Low, t.cfg.SLNoiseBars)
	}
	sl := t.buildSL(side, price, atr14, noise1m, tl)
	tps := risk.ComputeTPs(side, price, sl, atr14, atrPct, adx, t.cfg.TP)

	emaSide := 1
	if side == types.SideShort {
		emaSide = -1
	}
	return &Signal{
		Engine: t.Name(),
		Side:   side,
		Entry:  price,
		SL:     sl,
		TPs:    tps,
		Reason: fmt.Sprintf("trend scalp %s (adx %.1f, ml %.2f)", side, adx, ml.Conf),
		Meta: map[string]interface{}{
			"adx":        adx,
			"atr_pct":    atrPct,
			"ema_side":   emaSide,
			"ml_bias":    ml.Bias,
			"ml_conf":    ml.Conf,
			"ml_slope":   ml.Slope,
			"tl_break":   breakOK,
			"structure":  emaTrendOK,
		},
	}, nil
}

// channelTooNarrow rejects setups whose trendline channel is thinner than
// the adaptive width demands; breaks out of a channel that tight carry no
// information.
func channelTooNarrow(tl Trendlines, mult, atr float64) bool {
	if math.IsNaN(tl.Upper) || math.IsNaN(tl.Lower) {
		return false
	}
	return tl.Upper-tl.Lower < mult*atr
}

// buildSL anchors the stop past the opposing trendline with a pad blended
// from ATR and 1m noise, floored at fees, then clamps its distance to the
// percent rails.
func (t *TrendScalp) buildSL(side string, price, atr, noise1m float64, tl Trendlines) float64 {
	pad := t.cfg.SLMixAlpha*t.cfg.SLATRMult*atr +
		(1-t.cfg.SLMixAlpha)*t.cfg.SLNoiseMult*noise1m
	pad = math.Max(pad, price*t.cfg.FeePct)
	var sl float64
	if side == types.SideLong {
		anchor := price - atr
		if !math.IsNaN(tl.Lower) && tl.Lower < price {
			anchor = tl.Lower
		}
		sl = anchor - pad
		sl = math.Max(sl, price*(1-t.cfg.SLMaxPct))
		sl = math.Min(sl, price*(1-t.cfg.SLMinPct))
	} else {
		anchor := price + atr
		if !math.IsNaN(tl.Upper) && tl.Upper > price {
			anchor = tl.Upper
		}
		sl = anchor + pad
		sl = math.Min(sl, price*(1+t.cfg.SLMaxPct))
		sl = math.Max(sl, price*(1+t.cfg.SLMinPct))
	}
	return math.Round(sl*1e4) / 1e4
}
