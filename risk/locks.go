package risk

import (
	"math"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROFIT LOCKS - stop proposals that only ever ratchet toward profit
// ═══════════════════════════════════════════════════════════════════════════════

// AbsLockFromEntry proposes a stop that locks `lockUSD` per contract once MFE
// has reached the lock. Returns 0 (no proposal) while unarmed. The lock floor
// is break-even plus fees plus the lock, clamped just inside current price.
func AbsLockFromEntry(side string, entry, price, mfeAbs, lockUSD, feesPad float64) float64 {
	if lockUSD <= 0 || mfeAbs < lockUSD {
		return 0
	}
	if side == types.SideLong {
		floor := entry*(1+feesPad) + lockUSD
		return math.Min(floor, price-1e-6)
	}
	floor := entry*(1-feesPad) - lockUSD
	return math.Max(floor, price+1e-6)
}

// ToTPLock proposes a stop tucked atrMult ATRs inside a hit TP level.
// Returns the tighter of the proposal and the current stop.
func ToTPLock(side string, tp, atr, atrMult, currentSL float64) float64 {
	if tp <= 0 {
		return currentSL
	}
	var prop float64
	if side == types.SideLong {
		prop = tp - atrMult*atr
		return math.Max(prop, currentSL)
	}
	prop = tp + atrMult*atr
	if currentSL == 0 {
		return prop
	}
	return math.Min(prop, currentSL)
}

// TrailFracR proposes a stop at frac of the distance from entry to the target
// TP, padded back by atrPad ATRs. Tighten-only against the current stop.
func TrailFracR(side string, entry, tp, frac, atr, atrPad, currentSL float64) float64 {
	if tp <= 0 || frac <= 0 {
		return currentSL
	}
	if side == types.SideLong {
		prop := entry + frac*(tp-entry) - atrPad*atr
		return math.Max(prop, currentSL)
	}
	prop := entry - frac*(entry-tp) + atrPad*atr
	if currentSL == 0 {
		return prop
	}
	return math.Min(prop, currentSL)
}

// Chandelier is the structure trail: highest high (lowest low) of the last n
// bars minus (plus) k ATRs.
func Chandelier(side string, c *types.Candles, n int, k, atr float64) float64 {
	m := c.Len()
	if m == 0 || n <= 0 {
		return 0
	}
	if n > m {
		n = m
	}
	if side == types.SideLong {
		hh := c.High[m-n]
		for i := m - n + 1; i < m; i++ {
			if c.High[i] > hh {
				hh = c.High[i]
			}
		}
		return hh - k*atr
	}
	ll := c.Low[m-n]
	for i := m - n + 1; i < m; i++ {
		if c.Low[i] < ll {
			ll = c.Low[i]
		}
	}
	return ll + k*atr
}
