package risk

import (
	"math"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SL GUARDS - Every stop-loss change funnels through GuardSL
// ═══════════════════════════════════════════════════════════════════════════════

// GuardInputs carries everything GuardSL needs to vet a proposed stop.
type GuardInputs struct {
	Side        string
	Entry       float64
	Price       float64
	CurrentSL   float64
	ProposedSL  float64
	ATR         float64
	TP1Hit      bool
	AllowBE     bool // permit the break-even exception before TP1
	FeesPad     float64
	MinGapATR   float64 // min gap as ATR multiple
	MinGapPct   float64 // min gap as fraction of price
	BufferATR   float64 // extra buffer past the raw min gap
}

// BEFloor returns the break-even-plus-fees stop for a side.
func BEFloor(side string, entry, feesPad float64) float64 {
	if side == types.SideLong {
		return entry * (1 + feesPad)
	}
	return entry * (1 - feesPad)
}

// MinGap is the smallest distance the stop may sit from price.
func MinGap(price, atr, gapATRMult, gapPct float64) float64 {
	return math.Max(gapATRMult*atr, gapPct*price)
}

// GuardSL vets a proposed stop and returns the stop to actually use.
// Order of checks: pre-TP1 freeze (unless the break-even exception is
// allowed), min-gap from current price, polarity clamp to the correct side
// of price, tighten-only against the current stop. Idempotent: feeding the
// result back in returns the same stop.
func GuardSL(in GuardInputs) float64 {
	cur := in.CurrentSL
	prop := in.ProposedSL
	if prop == 0 || in.Price <= 0 {
		return cur
	}

	// Pre-TP1 the stop is frozen; only the explicit BE exception may move it.
	if !in.TP1Hit && !in.AllowBE {
		return cur
	}

	gap := MinGap(in.Price, in.ATR, in.MinGapATR, in.MinGapPct) + in.BufferATR*in.ATR

	if in.Side == types.SideLong {
		// Keep the stop below price by at least the gap.
		if prop > in.Price-gap {
			prop = in.Price - gap
		}
		if prop >= in.Price { // polarity clamp
			prop = in.Price - gap
		}
		if cur != 0 && prop <= cur { // tighten-only
			return cur
		}
		return prop
	}

	if prop < in.Price+gap {
		prop = in.Price + gap
	}
	if prop <= in.Price {
		prop = in.Price + gap
	}
	if cur != 0 && prop >= cur {
		return cur
	}
	return prop
}
