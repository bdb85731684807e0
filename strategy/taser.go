package strategy

import (
	"math"
	"sort"

	"github.com/web3guy0/taserbot/internal/indicators"
	"github.com/web3guy0/taserbot/risk"
	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TASER ENGINE - structural level rules around PDH/PDL, VWAP and AVWAP
// ═══════════════════════════════════════════════════════════════════════════════

// TaserConfig tunes the rules engine.
type TaserConfig struct {
	Aggression string

	NearPDHPct     float64
	NearPDLPct     float64
	NearAVWAPPct   float64
	NearVWAPPctMin float64
	NearVWAPPctMax float64
	ATRNearMult    float64
	RSIOverbought  float64

	ChopMinFlips     int
	ChopMaxWidthPct  float64
	ConfMaxSpreadPct float64
	AvoidZoneATRMult float64

	SLMixAlpha  float64
	SLATRMult   float64
	SLNoiseMult float64
	SLNoiseBars int
	SLMinPct    float64
	SLMaxPct    float64
	FeePct      float64

	TPATRMults []float64 // 0.90, 1.50, 2.20
	TPRMults   []float64
	TPMode     string
	TP1Abs     float64 // TP1 forced to entry +/- this
	MinRMult   float64
}

// Taser trades reactions at structural levels: prior-day extremes, session
// VWAP and the anchored VWAP from the last major swing.
type Taser struct {
	cfg TaserConfig
}

func NewTaser(cfg TaserConfig) *Taser {
	if cfg.SLNoiseBars <= 0 {
		cfg.SLNoiseBars = 10
	}
	if len(cfg.TPATRMults) != 3 {
		cfg.TPATRMults = []float64{0.90, 1.50, 2.20}
	}
	return &Taser{cfg: cfg}
}

func (t *Taser) Name() string { return "taser" }

type zone struct{ lo, hi float64 }

func (z zone) contains(p float64) bool { return p >= z.lo && p <= z.hi }

// avoidZones builds the no-trade bands: chop compression, VWAP/AVWAP
// confluence, and an ATR-wide collar around each.
func (t *Taser) avoidZones(c5 *types.Candles, vwap, avwap, atr float64) []zone {
	var zones []zone

	// Chop detection: frequent close flips inside a tight band.
	n := c5.Len()
	window := 36
	if n >= window {
		flips := 0
		hi, lo := c5.High[n-window], c5.Low[n-window]
		for i := n - window + 1; i < n; i++ {
			if (c5.Close[i] > c5.Open[i]) != (c5.Close[i-1] > c5.Open[i-1]) {
				flips++
			}
			hi = math.Max(hi, c5.High[i])
			lo = math.Min(lo, c5.Low[i])
		}
		mid := (hi + lo) / 2
		if flips >= t.cfg.ChopMinFlips && mid > 0 && (hi-lo)/mid <= t.cfg.ChopMaxWidthPct {
			zones = append(zones, zone{lo: lo, hi: hi})
		}
	}

	// VWAP/AVWAP confluence band: two magnets this close trap price.
	if vwap > 0 && avwap > 0 {
		mid := (vwap + avwap) / 2
		if math.Abs(vwap-avwap)/mid <= t.cfg.ConfMaxSpreadPct {
			pad := t.cfg.AvoidZoneATRMult * atr
			zones = append(zones, zone{lo: math.Min(vwap, avwap) - pad, hi: math.Max(vwap, avwap) + pad})
		}
	}
	return mergeZones(zones)
}

func mergeZones(zones []zone) []zone {
	if len(zones) < 2 {
		return zones
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].lo < zones[j].lo })
	out := zones[:1]
	for _, z := range zones[1:] {
		last := &out[len(out)-1]
		if z.lo <= last.hi {
			last.hi = math.Max(last.hi, z.hi)
			continue
		}
		out = append(out, z)
	}
	return out
}

func nearPct(price, level, pct float64) bool {
	if level <= 0 {
		return false
	}
	return math.Abs(price-level)/level <= pct
}

// aggrBoost scales the dynamic nearness window by aggression.
func (t *Taser) aggrBoost() float64 {
	switch t.cfg.Aggression {
	case "aggressive":
		return 1.0
	case "conservative":
		return 0.5
	default:
		return 0.66
	}
}

// nearDyn is the ATR-adaptive nearness band used at VWAP.
func (t *Taser) nearDyn(price, level, atrPct float64) bool {
	if level <= 0 {
		return false
	}
	band := math.Max(t.cfg.NearVWAPPctMin,
		math.Min(t.cfg.ATRNearMult*atrPct, t.cfg.NearVWAPPctMax*t.aggrBoost()/0.66))
	return math.Abs(price-level)/level <= band
}

func (t *Taser) flowOKLong(delta, oi float64) bool {
	switch t.cfg.Aggression {
	case "aggressive":
		return delta > 0 || oi > 0
	case "conservative":
		return delta > 0 && oi >= 0
	default:
		return delta > 0
	}
}

func (t *Taser) flowOKShort(delta, oi float64) bool {
	switch t.cfg.Aggression {
	case "aggressive":
		return delta < 0 || oi < 0
	case "conservative":
		return delta < 0 && oi <= 0
	default:
		return delta < 0
	}
}

// lastMajorSwing picks the stronger of the highest high / lowest low over the
// window as the anchored-VWAP origin.
func lastMajorSwing(c *types.Candles, window int) int {
	n := c.Len()
	if n == 0 {
		return 0
	}
	start := n - window
	if start < 0 {
		start = 0
	}
	hiIdx, loIdx := start, start
	for i := start; i < n; i++ {
		if c.High[i] > c.High[hiIdx] {
			hiIdx = i
		}
		if c.Low[i] < c.Low[loIdx] {
			loIdx = i
		}
	}
	// More recent extreme wins the anchor.
	if hiIdx > loIdx {
		return hiIdx
	}
	return loIdx
}

// Evaluate walks the rule list in priority order and returns the first match.
func (t *Taser) Evaluate(s *Scan) (*Signal, error) {
	if s.C5m.Len() < 180 || s.C15m.Len() < 14 || s.C1h.Len() < 24 {
		return NoTrade(t.Name(), "warming up"), nil
	}
	c5 := s.C5m
	price := c5.LastClose()
	n := c5.Len()

	rsi := indicators.RSI(s.C15m.Close, 14)
	_, _, hist := indicators.MACD(c5.Close, 12, 26, 9)
	vwapS := indicators.VWAP(c5.High, c5.Low, c5.Close, c5.Volume)
	vwap := vwapS[len(vwapS)-1]
	anchor := lastMajorSwing(c5, 150)
	avwapS := indicators.AnchoredVWAP(c5.High, c5.Low, c5.Close, c5.Volume, anchor)
	avwap := avwapS[len(avwapS)-1]

	// atr30 as mean bar span, the original noise measure at this layer.
	atr30 := 0.0
	k := 30
	if n < k {
		k = n
	}
	for i := n - k; i < n; i++ {
		atr30 += c5.High[i] - c5.Low[i]
	}
	atr30 /= float64(k)
	atrPct := atr30 / math.Max(price, 1e-9)

	for _, z := range t.avoidZones(c5, vwap, avwap, atr30) {
		if z.contains(price) {
			return NoTrade(t.Name(), "no edge at actionable levels, inside avoid/trap zone"), nil
		}
	}

	longBias := price > vwap && hist > 0
	shortBias := price < vwap && hist < 0
	rsiFake := rsi > t.cfg.RSIOverbought && hist <= 0

	// Liquidity wall veto: stacked levels against weak participation.
	waiLong := wai(c5, types.SideLong, 12)
	waiShort := wai(c5, types.SideShort, 12)

	// Micro-trend override: three one-way closes with MACD agreement cancels
	// fading rules in that direction.
	microUp := n >= 4 && c5.Close[n-1] > c5.Close[n-2] && c5.Close[n-2] > c5.Close[n-3] && hist > 0
	microDown := n >= 4 && c5.Close[n-1] < c5.Close[n-2] && c5.Close[n-2] < c5.Close[n-3] && hist < 0

	type candidate struct {
		side   string
		reason string
	}
	var pick *candidate

	switch {
	// Rule 1: prior-day-high breakout continuation.
	case s.PDH > 0 && price > s.PDH && t.flowOKLong(s.PseudoDelta, s.OIChange) && !rsiFake:
		pick = &candidate{types.SideLong, "PDH breakout with flow"}

	// Rule 2: rejection short at PDH or a rising AVWAP overhead.
	case (nearPct(price, s.PDH, t.cfg.NearPDHPct) || (avwap > price && nearPct(price, avwap, t.cfg.NearAVWAPPct))) &&
		(t.flowOKShort(s.PseudoDelta, s.OIChange) || rsiFake || shortBias):
		if !microUp {
			pick = &candidate{types.SideShort, "rejection at resistance"}
		}

	// Rule 3: reclaim long through a declining AVWAP.
	case avwap < price && nearPct(price, avwap, t.cfg.NearAVWAPPct) &&
		(t.flowOKLong(s.PseudoDelta, s.OIChange) || longBias):
		if !microDown {
			pick = &candidate{types.SideLong, "AVWAP reclaim"}
		}

	// Rule 4: VWAP reclaim / loss inside the dynamic band.
	case t.nearDyn(price, vwap, atrPct) && longBias && !microDown:
		pick = &candidate{types.SideLong, "VWAP reclaim"}
	case t.nearDyn(price, vwap, atrPct) && shortBias && !microUp:
		pick = &candidate{types.SideShort, "VWAP loss"}

	// Rule 5: prior-day-low sweep and reclaim.
	case s.PDL > 0 && price > s.PDL && sweptBelow(c5, s.PDL, 3) &&
		(t.flowOKLong(s.PseudoDelta, s.OIChange) || longBias):
		pick = &candidate{types.SideLong, "PDL sweep and reclaim"}
	}

	if pick == nil {
		return NoTrade(t.Name(), "no structural setup"), nil
	}
	// Weak-side wall veto.
	if pick.side == types.SideLong && s.HMHitsAbove >= 2 && waiLong < 1.2 {
		return NoTrade(t.Name(), "wall overhead against weak tape"), nil
	}
	if pick.side == types.SideShort && s.HMHitsBelow >= 2 && waiShort < 1.2 {
		return NoTrade(t.Name(), "shelf below against weak tape"), nil
	}

	noise1m := indicators.NoiseMedian(s.C1m.High, s.C1m.Low, t.cfg.SLNoiseBars)
	sl := t.structuralSL(pick.side, price, atr30, noise1m, vwap, avwap, s.PDH, s.PDL)
	tps := t.makeTPs(pick.side, price, sl, atr30)

	emaSide := 1
	if pick.side == types.SideShort {
		emaSide = -1
	}
	return &Signal{
		Engine: t.Name(),
		Side:   pick.side,
		Entry:  price,
		SL:     sl,
		TPs:    tps,
		Reason: pick.reason,
		Meta: map[string]interface{}{
			"vwap":     vwap,
			"avwap":    avwap,
			"rsi15":    rsi,
			"atr_pct":  atrPct,
			"ema_side": emaSide,
			"adx":      indicators.Last(indicators.ADXSeries(c5.High, c5.Low, c5.Close, 20), 0),
		},
	}, nil
}

// sweptBelow reports whether any of the last k bars pierced the level.
func sweptBelow(c *types.Candles, level float64, k int) bool {
	n := c.Len()
	if n < k {
		k = n
	}
	for i := n - k; i < n; i++ {
		if c.Low[i] < level {
			return true
		}
	}
	return false
}

// structuralSL anchors the stop beyond the nearest cluster of structural
// levels, padded by a blend of ATR and 1m micro-noise, inside the rails.
func (t *Taser) structuralSL(side string, price, atr, noise1m, vwap, avwap, pdh, pdl float64) float64 {
	alpha := t.cfg.SLMixAlpha
	rawPad := alpha*t.cfg.SLATRMult*atr + (1-alpha)*t.cfg.SLNoiseMult*noise1m
	pad := math.Max(
		math.Min(math.Max(rawPad, price*t.cfg.SLMinPct*0.5), price*t.cfg.SLMaxPct*0.5),
		price*t.cfg.FeePct)

	levels := []float64{vwap, avwap}
	if side == types.SideLong {
		if pdl > 0 {
			levels = append(levels, pdl)
		}
		anchor := price
		for _, lv := range levels {
			if lv > 0 && lv < price {
				anchor = math.Min(anchor, lv)
			}
		}
		sl := anchor - pad
		sl = math.Max(sl, price*(1-t.cfg.SLMaxPct))
		sl = math.Min(sl, price*(1-t.cfg.SLMinPct))
		return math.Round(sl*1e4) / 1e4
	}
	if pdh > 0 {
		levels = append(levels, pdh)
	}
	anchor := price
	for _, lv := range levels {
		if lv > price {
			anchor = math.Max(anchor, lv)
		}
	}
	sl := anchor + pad
	sl = math.Min(sl, price*(1+t.cfg.SLMaxPct))
	sl = math.Max(sl, price*(1+t.cfg.SLMinPct))
	return math.Round(sl*1e4) / 1e4
}

// makeTPs builds the rung ladder, forcing TP1 to the absolute first-target
// distance, then applies the shared min-R stretch and ladder guard.
func (t *Taser) makeTPs(side string, entry, sl, atr float64) []float64 {
	p := risk.TPParams{
		Mode:     t.cfg.TPMode,
		ATRMults: t.cfg.TPATRMults,
		RMults:   t.cfg.TPRMults,
		MinRMult: t.cfg.MinRMult,
		TP1Abs:   t.cfg.TP1Abs,
	}
	atrPct := atr / math.Max(entry, 1e-9)
	tps := risk.ComputeTPs(side, entry, sl, atr, atrPct, 0, p)
	if len(tps) > 0 && t.cfg.TP1Abs > 0 {
		if side == types.SideLong {
			tps[0] = entry + t.cfg.TP1Abs
		} else {
			tps[0] = entry - t.cfg.TP1Abs
		}
	}
	return risk.EnsureOrder(side, entry, tps)
}
