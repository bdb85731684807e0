package manager

import (
	"math"

	"github.com/web3guy0/taserbot/internal/indicators"
	"github.com/web3guy0/taserbot/internal/regime"
	"github.com/web3guy0/taserbot/risk"
	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION FSM - proposes SL/TP changes per tick; the guard has final say
// ═══════════════════════════════════════════════════════════════════════════════

// Trail styles.
const (
	TrailStructure = "structure"
	TrailFracR     = "fracr"
)

// FSMConfig is the proposal knob set.
type FSMConfig struct {
	TrailStyle        string
	NoTrailBeforeTP1  bool
	PostTP1DelayBars  int
	BEEpsATRMult      float64
	MSStepR           float64 // milestone step in R
	MSLockDeltaR      float64 // lock advance per milestone in R
	TP1LockFracR      float64
	TP2LockFracR      float64
	TP1LockATRMult    float64
	TP2LockATRMult    float64
	PostTP2JumpFrac   float64 // jump to entry + frac*(tp2-entry)
	PostTP2ATRMult    float64 // then trail this many ATRs off price
	StallBars         int
	StallNearTPATR    float64
	StallTPEps        float64
	AbsLockUSD        float64
	FeesPad           float64
	MinGapATRMult     float64
	MinGapPct         float64
	BufferATRMult     float64
	ModeAdapt         bool
	ChopATRMults      []float64
	RallyATRMults     []float64
	ChopATRPctMax     float64
	ChopADXMax        float64
}

// TradeState is the slice of the persisted trade the FSM reasons over.
type TradeState struct {
	Side         string
	Entry        float64
	SL           float64
	TPs          []float64
	TP1Hit       bool
	TP2Hit       bool
	TP3Hit       bool
	BarsSinceTP1 int
	MFE          float64 // best favorable excursion, price units
	Regime       string
}

// MarketState is the per-tick market context.
type MarketState struct {
	Price    float64
	ATR5     float64
	ATR14    float64
	ATRPct   float64
	ADX      float64
	RSISlope float64
	MLConf   float64
	C5m      *types.Candles
}

// Proposal is the FSM's verdict for one tick. SL of 0 means no change.
type Proposal struct {
	SL            float64
	TPs           []float64
	TakeProfitNow bool
	Why           string
}

func (c FSMConfig) dir(side string) float64 {
	if side == types.SideShort {
		return -1
	}
	return 1
}

// rValue is the initial risk unit; the FSM keeps it from entry and the first
// stop rather than the live stop so milestones stay fixed.
func rValue(entry, initialSL float64) float64 {
	return math.Abs(entry - initialSL)
}

// Propose computes the next SL/TP proposal. Pre-TP1 the stop is frozen apart
// from the absolute-dollar insurance lock; the TP ladder may only be clamped.
// Post-TP1 the milestone ratchet, the structure/fracR trails and the post-TP2
// lock compete and the tightest survivor goes to the guard.
func Propose(ts TradeState, ms MarketState, initialSL float64, cfg FSMConfig) Proposal {
	p := Proposal{}
	dir := cfg.dir(ts.Side)
	r := rValue(ts.Entry, initialSL)
	if r <= 0 || ms.Price <= 0 {
		return p
	}

	// TP maintenance runs in every phase.
	tps := risk.ClampTP1Distance(ts.Side, ts.Entry, ms.ATR14, r, append([]float64(nil), ts.TPs...))
	if cfg.ModeAdapt && ts.TP1Hit {
		tps = widenExtendOnly(ts.Side, ts.Entry, ms, tps, cfg)
	}
	p.TPs = risk.EnsureOrder(ts.Side, ts.Entry, tps)

	if !ts.TP1Hit {
		// Frozen phase: only the abs-$ lock may touch the stop.
		if cfg.AbsLockUSD > 0 {
			if lock := risk.AbsLockFromEntry(ts.Side, ts.Entry, ms.Price, ts.MFE, cfg.AbsLockUSD, cfg.FeesPad); lock != 0 {
				p.SL = guard(ts, ms, lock, true, cfg)
				p.Why = "abs lock"
			}
		}
		return p
	}

	beFloor := risk.BEFloor(ts.Side, ts.Entry, cfg.FeesPad)

	// Fresh TP1: one break-even nudge, then a short grace before trailing.
	if ts.BarsSinceTP1 == 0 {
		be := beFloor + dir*cfg.BEEpsATRMult*ms.ATR5
		p.SL = guard(ts, ms, be, true, cfg)
		p.Why = "BE after TP1"
		return p
	}
	if ts.BarsSinceTP1 < cfg.PostTP1DelayBars {
		p.SL = guard(ts, ms, beFloor, true, cfg)
		p.Why = "post-TP1 grace"
		return p
	}

	// Candidate stops compete; the tightest valid one wins.
	candidates := []float64{beFloor}

	// Milestone ratchet: every MSStepR of progress locks MSLockDeltaR more.
	if cfg.MSStepR > 0 {
		k := math.Floor(ts.MFE / (cfg.MSStepR * r))
		if k > 0 {
			candidates = append(candidates, ts.Entry+dir*k*cfg.MSLockDeltaR*r)
		}
	}

	if ts.TP2Hit && len(ts.TPs) >= 2 {
		jump := ts.Entry + dir*cfg.PostTP2JumpFrac*(ts.TPs[1]-ts.Entry)
		trail := ms.Price - dir*cfg.PostTP2ATRMult*ms.ATR5
		tuck := risk.ToTPLock(ts.Side, ts.TPs[0], ms.ATR5, cfg.TP1LockATRMult, ts.SL)
		candidates = append(candidates, jump, trail, tuck)
	}

	switch cfg.TrailStyle {
	case TrailFracR:
		frac := cfg.TP1LockFracR
		pad := cfg.TP1LockATRMult
		tpIdx := 0
		if ts.TP2Hit {
			frac = cfg.TP2LockFracR
			pad = cfg.TP2LockATRMult
			tpIdx = 1
		}
		// Classifier conviction nudges the lock fraction.
		switch {
		case ms.MLConf >= 0.70:
			frac += 0.15
		case ms.MLConf > 0 && ms.MLConf < 0.50:
			frac -= 0.10
		}
		frac = math.Min(0.80, math.Max(0.20, frac))
		if tpIdx < len(ts.TPs) {
			candidates = append(candidates,
				risk.TrailFracR(ts.Side, ts.Entry, ts.TPs[tpIdx], frac, ms.ATR5, pad, 0))
		}
	default: // structure
		n, k := 9, 1.2
		if ts.TP3Hit {
			n, k = 5, 0.6
		} else if ts.TP2Hit {
			n, k = 7, 0.8
		}
		if ch := risk.Chandelier(ts.Side, ms.C5m, n, k, ms.ATR5); ch != 0 {
			candidates = append(candidates, ch)
		}
	}

	best := 0.0
	for _, c := range candidates {
		if c == 0 {
			continue
		}
		if best == 0 || dir*(c-best) > 0 {
			best = c
		}
	}
	if best != 0 {
		p.SL = guard(ts, ms, best, false, cfg)
		if p.SL != 0 {
			p.Why = "trail"
		}
	}

	// Stall take: price camped at the next rung without follow-through.
	if next, ok := nextTP(ts); ok && cfg.StallBars > 0 {
		near := math.Abs(ms.Price-next) <= cfg.StallNearTPATR*ms.ATR5+cfg.StallTPEps
		adverse := dir*ms.RSISlope < 0
		if near && adverse && stalledBars(ms.C5m, cfg.StallBars) {
			p.TakeProfitNow = true
			p.Why = "stall take"
		}
	}
	return p
}

// guard funnels a candidate through the shared SL guard and returns 0 when
// nothing changes.
func guard(ts TradeState, ms MarketState, proposed float64, allowBE bool, cfg FSMConfig) float64 {
	out := risk.GuardSL(risk.GuardInputs{
		Side: ts.Side, Entry: ts.Entry, Price: ms.Price,
		CurrentSL: ts.SL, ProposedSL: proposed,
		ATR: ms.ATR5, TP1Hit: ts.TP1Hit, AllowBE: allowBE,
		FeesPad:   cfg.FeesPad,
		MinGapATR: cfg.MinGapATRMult, MinGapPct: cfg.MinGapPct,
		BufferATR: cfg.BufferATRMult,
	})
	if out == ts.SL {
		return 0
	}
	// Post-TP1 the stop never sits behind break-even again.
	if ts.TP1Hit {
		be := risk.BEFloor(ts.Side, ts.Entry, cfg.FeesPad)
		if cfg.dir(ts.Side)*(out-be) < 0 {
			return 0
		}
	}
	return out
}

// widenExtendOnly re-derives the ladder for the current mode and keeps each
// rung only if it extends beyond the existing one.
func widenExtendOnly(side string, entry float64, ms MarketState, tps []float64, cfg FSMConfig) []float64 {
	mults := cfg.RallyATRMults
	if ms.ATRPct <= cfg.ChopATRPctMax && ms.ADX <= cfg.ChopADXMax {
		mults = cfg.ChopATRMults
	}
	dir := cfg.dir(side)
	for i := 0; i < len(tps) && i < len(mults); i++ {
		cand := entry + dir*mults[i]*ms.ATR14
		if dir*(cand-tps[i]) > 0 {
			tps[i] = cand
		}
	}
	return tps
}

// nextTP is the first unhit ladder rung.
func nextTP(ts TradeState) (float64, bool) {
	hits := []bool{ts.TP1Hit, ts.TP2Hit, ts.TP3Hit}
	for i, tp := range ts.TPs {
		if i < len(hits) && !hits[i] {
			return tp, true
		}
	}
	return 0, false
}

// stalledBars reports whether the last n closes made no net progress.
func stalledBars(c *types.Candles, n int) bool {
	m := c.Len()
	if m < n+1 {
		return false
	}
	first := c.Close[m-1-n]
	last := c.Close[m-1]
	rng := 0.0
	for i := m - n; i < m; i++ {
		rng = math.Max(rng, c.High[i]-c.Low[i])
	}
	return math.Abs(last-first) <= 0.25*math.Max(rng, 1e-9)
}

// EMAFlip reports whether the EMA200 relation turned against the position on
// the 5m or the 15m frame (with tolerance). A position entered on the
// adverse side of the EMA200 cannot flip; that relation was already part of
// the entry evidence.
func EMAFlip(side string, entryEMASide int, c5, c15 *types.Candles, tolPct float64) bool {
	adverse := -1
	if side == types.SideShort {
		adverse = 1
	}
	if entryEMASide == adverse {
		return false
	}
	flippedOn := func(c *types.Candles) bool {
		if c == nil || c.Len() < 200 {
			return false
		}
		ema := indicators.EMA(c.Close, 200)
		p := c.LastClose()
		if side == types.SideLong {
			return p < ema*(1-tolPct)
		}
		return p > ema*(1+tolPct)
	}
	return flippedOn(c5) || flippedOn(c15)
}

// SwingBroken reports a 5m close through the prior swing extreme by a k*ATR
// pad. The latest bar is excluded from the swing window it is tested against.
func SwingBroken(side string, c5 *types.Candles, atr, padATR float64) bool {
	n := c5.Len()
	if n < 2 {
		return false
	}
	window := 20
	if n-1 < window {
		window = n - 1
	}
	p5 := c5.LastClose()
	if side == types.SideLong {
		lo := c5.Low[n-1-window]
		for i := n - window; i < n-1; i++ {
			lo = math.Min(lo, c5.Low[i])
		}
		return p5 < lo-padATR*atr
	}
	hi := c5.High[n-1-window]
	for i := n - window; i < n-1; i++ {
		hi = math.Max(hi, c5.High[i])
	}
	return p5 > hi+padATR*atr
}

// HardInvalidation is the emergency exit test: the EMA200 relation flipped
// against the position on either frame and 5m structure broke by a padded
// margin. The manager flattens on the spot when it fires before TP1.
func HardInvalidation(side string, entryEMASide int, c5, c15 *types.Candles, atr, tolPct, padATR float64) bool {
	return EMAFlip(side, entryEMASide, c5, c15, tolPct) && SwingBroken(side, c5, atr, padATR)
}

// BuildEntrySnapshot freezes the entry-time trend evidence for PEV.
func BuildEntrySnapshot(side string, adx, atrPct float64, emaSide int, structure bool, ts int64) risk.EntrySnapshot {
	return risk.EntrySnapshot{
		Side: side, ADX: adx, ATRPct: atrPct,
		EMA200Side: emaSide, Structure: structure, Timestamp: ts,
	}
}

// RegimeThresholds adapts config floats into the classifier's band.
func RegimeThresholds(adxUp, adxDn, atrUp, atrDn float64) regime.Thresholds {
	return regime.Thresholds{ADXUp: adxUp, ADXDn: adxDn, ATRUp: atrUp, ATRDn: atrDn}
}
