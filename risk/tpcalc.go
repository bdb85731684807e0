package risk

import (
	"math"
	"sort"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP CALCULATOR - ladder construction, ordering and sanitation
// ═══════════════════════════════════════════════════════════════════════════════

// TPParams configures ladder construction.
type TPParams struct {
	Mode          string    // "atr" or "r"
	ATRMults      []float64 // TP1..TP3 ATR multiples
	RMults        []float64 // TP1..TP3 R multiples
	MinRMult      float64   // TP1 must clear min(MinRMult*R, TP1Abs)
	TP1Abs        float64   // absolute TP1 distance cap used by the min-R rule
	ModeAdapt     bool
	ChopATRMults  []float64
	RallyATRMults []float64
	ChopATRPctMax float64
	ChopADXMax    float64
}

// StructuredTP is a ladder rung with its reduce-only size fraction.
type StructuredTP struct {
	Px       float64 `json:"px"`
	SizeFrac float64 `json:"size_frac"`
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

// ComputeTPs builds the three-rung ladder away from entry. R is |entry-sl|.
func ComputeTPs(side string, entry, sl, atr, atrPct, adx float64, p TPParams) []float64 {
	r := math.Abs(entry - sl)
	dir := 1.0
	if side == types.SideShort {
		dir = -1.0
	}

	mults := p.ATRMults
	unit := atr
	if p.Mode == "r" {
		mults = p.RMults
		unit = r
	} else if p.ModeAdapt {
		if atrPct <= p.ChopATRPctMax && adx <= p.ChopADXMax {
			mults = p.ChopATRMults
		} else {
			mults = p.RallyATRMults
		}
	}

	tps := make([]float64, 0, 3)
	for _, m := range mults {
		tps = append(tps, entry+dir*m*unit)
	}
	tps = orderTPs(side, entry, tps)
	tps = enforceMinR(side, entry, r, atr, tps, p)
	tps = tpGuard(side, entry, atr, r, tps)
	for i := range tps {
		tps[i] = round4(tps[i])
	}
	return tps
}

// orderTPs sorts rungs outward from entry and drops rungs on the wrong side.
func orderTPs(side string, entry float64, tps []float64) []float64 {
	out := tps[:0]
	for _, tp := range tps {
		if side == types.SideLong && tp > entry {
			out = append(out, tp)
		} else if side == types.SideShort && tp < entry {
			out = append(out, tp)
		}
	}
	sort.Float64s(out)
	if side == types.SideShort {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// enforceMinR stretches TP1 out to the minimum reward and respaces the rest.
func enforceMinR(side string, entry, r, atr float64, tps []float64, p TPParams) []float64 {
	if len(tps) == 0 || r <= 0 || p.MinRMult <= 0 {
		return tps
	}
	need := p.MinRMult * r
	if p.TP1Abs > 0 {
		need = math.Min(need, p.TP1Abs)
	}
	dir := 1.0
	if side == types.SideShort {
		dir = -1.0
	}
	if dir*(tps[0]-entry) >= need {
		return tps
	}
	gap := math.Max(0.6*atr, 0.8*r)
	tps[0] = entry + dir*need
	for i := 1; i < len(tps); i++ {
		floor := tps[i-1] + dir*gap
		if dir*(tps[i]-floor) < 0 {
			tps[i] = floor
		}
	}
	return tps
}

// tpGuard keeps only rungs beyond entry and pads the ladder back to 3 rungs
// in gap-sized steps.
func tpGuard(side string, entry, atr, r float64, tps []float64) []float64 {
	tps = orderTPs(side, entry, tps)
	dir := 1.0
	if side == types.SideShort {
		dir = -1.0
	}
	gap := math.Max(0.6*atr, 0.8*r)
	if gap <= 0 {
		gap = math.Max(entry*0.002, 0.01)
	}
	for len(tps) < 3 {
		last := entry
		if len(tps) > 0 {
			last = tps[len(tps)-1]
		}
		tps = append(tps, last+dir*gap)
	}
	return tps[:3]
}

// EnsureOrder normalizes a ladder: wrong-side rungs dropped, sorted outward,
// strictly monotonic at 4dp, capped at 3. Idempotent.
func EnsureOrder(side string, entry float64, tps []float64) []float64 {
	clean := make([]float64, 0, len(tps))
	for _, tp := range tps {
		if tp > 0 {
			clean = append(clean, round4(tp))
		}
	}
	clean = orderTPs(side, entry, clean)
	out := make([]float64, 0, 3)
	for _, tp := range clean {
		if len(out) > 0 {
			if side == types.SideLong && tp <= out[len(out)-1] {
				continue
			}
			if side == types.SideShort && tp >= out[len(out)-1] {
				continue
			}
		}
		out = append(out, tp)
		if len(out) == 3 {
			break
		}
	}
	return out
}

// SanitizeTPOrder enforces the fee-aware minimum step between entry and TP1
// and between consecutive rungs, then re-normalizes. The minimum distance is
// entry*feePct*feePadMult. Idempotent.
func SanitizeTPOrder(side string, entry float64, tps []float64, feePct, feePadMult float64) []float64 {
	tps = EnsureOrder(side, entry, tps)
	if len(tps) == 0 {
		return tps
	}
	minDist := entry * feePct * feePadMult
	dir := 1.0
	if side == types.SideShort {
		dir = -1.0
	}
	prev := entry
	out := make([]float64, 0, 3)
	for _, tp := range tps {
		if dir*(tp-prev) < minDist {
			continue
		}
		out = append(out, round4(tp))
		prev = tp
	}
	return out
}

// ClampTP1Distance caps a runaway TP1 at a seed distance built from an ATR
// ladder (or an R fallback) and fixes up spacing of the later rungs.
func ClampTP1Distance(side string, entry, atr, r float64, tps []float64) []float64 {
	if len(tps) == 0 {
		return tps
	}
	dir := 1.0
	if side == types.SideShort {
		dir = -1.0
	}
	var seed float64
	if atr > 0 {
		seed = 0.60 * atr
	} else if r > 0 {
		seed = math.Max(0.10, 0.40*r)
	} else {
		return tps
	}
	d1 := dir * (tps[0] - entry)
	if d1 <= seed {
		return tps
	}
	tps[0] = round4(entry + dir*seed)
	step := math.Max(0.01, 0.10*seed)
	for i := 1; i < len(tps); i++ {
		floor := tps[i-1] + dir*step
		if dir*(tps[i]-floor) < 0 {
			tps[i] = round4(floor)
		}
	}
	return tps
}

// EnforceMinSL pushes a too-tight stop out to the entry rail minSLPct.
func EnforceMinSL(side string, entry, sl, minSLPct float64) float64 {
	if entry <= 0 || sl <= 0 {
		return sl
	}
	if side == types.SideLong {
		rail := entry * (1 - minSLPct)
		if sl > rail {
			return round4(rail)
		}
		return sl
	}
	rail := entry * (1 + minSLPct)
	if sl < rail {
		return round4(rail)
	}
	return sl
}

// NormalizeFracs clamps negatives to zero and renormalizes to sum 1; an
// all-zero or mismatched input falls back to the default split.
func NormalizeFracs(fracs []float64, want int) []float64 {
	fallback := []float64{0.3, 0.3, 0.4}
	if want > 0 && want != 3 {
		fallback = make([]float64, want)
		for i := range fallback {
			fallback[i] = 1.0 / float64(want)
		}
	}
	if len(fracs) != want {
		return fallback
	}
	sum := 0.0
	out := make([]float64, want)
	for i, f := range fracs {
		if f > 0 {
			out[i] = f
			sum += f
		}
	}
	if sum <= 0 {
		return fallback
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// FractionsForMode returns the size split per regime mode: chop front-loads,
// rally keeps a runner leg.
func FractionsForMode(chop bool) []float64 {
	if chop {
		return []float64{0.50, 0.30, 0.20}
	}
	return []float64{0.30, 0.30, 0.40}
}

// Structured pairs a ladder with normalized fractions.
func Structured(tps []float64, fracs []float64) []StructuredTP {
	fr := NormalizeFracs(fracs, len(tps))
	out := make([]StructuredTP, len(tps))
	for i, tp := range tps {
		out[i] = StructuredTP{Px: tp, SizeFrac: fr[i]}
	}
	return out
}
