package risk

import (
	"time"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POST-ENTRY VALIDITY - is the thesis that justified the entry still alive?
// ═══════════════════════════════════════════════════════════════════════════════

// Validity verdicts.
const (
	PEVOK   = "OK"
	PEVWarn = "WARN"
	PEVExit = "EXIT"
)

// EntrySnapshot freezes the trend evidence present at fill time. Hard
// invalidation is judged against these values, not against fresh thresholds.
type EntrySnapshot struct {
	Side       string  `json:"side"`
	ADX        float64 `json:"adx_e"`
	ATRPct     float64 `json:"atrpct_e"`
	EMA200Side int     `json:"ema200_side_e"` // +1 above, -1 below
	Structure  bool    `json:"structure_e"`
	Timestamp  int64   `json:"ts_e"`
}

// PEVConfig holds the degradation thresholds.
type PEVConfig struct {
	SoftADXMax    float64 // soft: adx at or below this
	SoftATRPctMax float64 // soft: atr% at or below this
	HardADXMax    float64
	HardATRPctMax float64
	GraceMin      time.Duration
	GraceBars5m   int // soft grace in 5m bars; the longer of this and GraceMin wins
	Confirm1mBars int
}

// PEVState is carried across ticks by the position manager.
type PEVState struct {
	WarnSince time.Time
}

// PEVResult is one evaluation of post-entry validity.
type PEVResult struct {
	Verdict string
	Reason  string
}

// EvaluatePEV classifies the live trend evidence against the snapshot.
// Hard degradation (dead trend strength plus an EMA flip against the
// snapshot, confirmed on 1m closes) exits on the spot. Soft degradation
// starts a WARN grace window and exits once it ages out. The 1m counter is
// supplied by the caller from consecutive adverse 1m closes.
func EvaluatePEV(snap EntrySnapshot, adx, atrPct float64, emaSide int, structureOK bool,
	confirm1m int, now time.Time, cfg PEVConfig, st *PEVState) PEVResult {

	emaFlipped := (snap.EMA200Side > 0 && emaSide < 0) || (snap.EMA200Side < 0 && emaSide > 0)
	hard := adx <= cfg.HardADXMax &&
		atrPct <= cfg.HardATRPctMax &&
		emaFlipped &&
		confirm1m >= cfg.Confirm1mBars
	if hard {
		st.WarnSince = time.Time{}
		return PEVResult{Verdict: PEVExit, Reason: "entry thesis invalidated"}
	}

	soft := adx <= cfg.SoftADXMax || atrPct <= cfg.SoftATRPctMax || !structureOK
	if !soft {
		st.WarnSince = time.Time{}
		return PEVResult{Verdict: PEVOK}
	}

	if st.WarnSince.IsZero() {
		st.WarnSince = now
	}
	grace := cfg.GraceMin
	if bars := time.Duration(cfg.GraceBars5m) * 5 * time.Minute; bars > grace {
		grace = bars
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	if now.Sub(st.WarnSince) >= grace {
		return PEVResult{Verdict: PEVExit, Reason: "trend decay beyond grace"}
	}
	return PEVResult{Verdict: PEVWarn, Reason: "trend quality degrading"}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ML PEV - classifier-driven hold / tighten / exit
// ═══════════════════════════════════════════════════════════════════════════════

// ML PEV actions.
const (
	PEVActionHold    = "hold"
	PEVActionTighten = "tighten"
	PEVActionExit    = "exit"
)

// PEVDecision is the classifier-side verdict on an open position.
type PEVDecision struct {
	Action string
	Reason string
	Target float64 // tighten target stop, when Action is tighten
}

// EvaluateMLPEV exits on a confirmed classifier flip against the position and
// tightens to break-even-plus-fees when conviction fades after the grace.
func EvaluateMLPEV(posSide, mlBias string, conf, confThr float64, flipConfirmed, graceOver bool,
	entry, feesPad float64) PEVDecision {

	opposite := (posSide == types.SideLong && mlBias == types.SideShort) ||
		(posSide == types.SideShort && mlBias == types.SideLong)
	if opposite && conf >= confThr && flipConfirmed {
		return PEVDecision{Action: PEVActionExit, Reason: "PEV_ML_FLIP"}
	}
	if graceOver && conf < confThr {
		return PEVDecision{
			Action: PEVActionTighten,
			Reason: "PEV_ML_WEAK",
			Target: BEFloor(posSide, entry, feesPad),
		}
	}
	return PEVDecision{Action: PEVActionHold}
}
