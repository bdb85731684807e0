package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - capital-fraction and risk-R models
// ═══════════════════════════════════════════════════════════════════════════════

// Sizing modes.
const (
	SizeModeCapitalFrac = "capital_frac"
	SizeModeRiskR       = "risk_r"
	SizeModeBoth        = "both"
)

// SizingConfig carries the sizing knobs in exact decimal arithmetic.
type SizingConfig struct {
	Mode            string
	CapitalFraction decimal.Decimal
	MaxLeverage     decimal.Decimal
	RiskPct         decimal.Decimal // percent of balance risked per trade
	MinSLFrac       decimal.Decimal // risk denominator floor as fraction of entry
	MinSLAbs        decimal.Decimal // risk denominator absolute floor
	MinQty          decimal.Decimal
	MaxQty          decimal.Decimal
	NotionalMin     decimal.Decimal
	FeeRatePerSide  decimal.Decimal
	DryRun          bool
	PaperUseStart   bool
	PaperStartBal   decimal.Decimal
}

// EffectiveBalance returns the balance sizing should work from: the fixed
// paper balance in dry-run when configured, otherwise the venue balance.
func (c SizingConfig) EffectiveBalance(venueBal decimal.Decimal) decimal.Decimal {
	if c.DryRun && c.PaperUseStart && c.PaperStartBal.IsPositive() {
		return c.PaperStartBal
	}
	return venueBal
}

// qtyCapital sizes from a fraction of balance at leverage.
func qtyCapital(c SizingConfig, bal, entry decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	lev := c.MaxLeverage
	if lev.LessThan(decimal.NewFromInt(1)) {
		lev = decimal.NewFromInt(1)
	}
	return bal.Mul(c.CapitalFraction).Mul(lev).Div(entry)
}

// qtyRisk sizes so an SL hit loses RiskPct of balance. The per-contract risk
// denominator is floored at entry*MinSLFrac and MinSLAbs so a paper-thin stop
// cannot explode the size.
func qtyRisk(c SizingConfig, bal, entry, sl decimal.Decimal) decimal.Decimal {
	riskUSD := bal.Mul(c.RiskPct).Div(decimal.NewFromInt(100))
	perContract := entry.Sub(sl).Abs()
	if floor := entry.Mul(c.MinSLFrac); perContract.LessThan(floor) {
		perContract = floor
	}
	if perContract.LessThan(c.MinSLAbs) {
		perContract = c.MinSLAbs
	}
	if !perContract.IsPositive() {
		return decimal.Zero
	}
	return riskUSD.Div(perContract)
}

// ChooseSize resolves the contract quantity for an entry. Returns zero when
// the notional floor cannot be met.
func ChooseSize(c SizingConfig, venueBal, entry, sl decimal.Decimal) decimal.Decimal {
	bal := c.EffectiveBalance(venueBal)
	if !bal.IsPositive() || !entry.IsPositive() {
		return decimal.Zero
	}

	qc := qtyCapital(c, bal, entry)
	qr := qtyRisk(c, bal, entry, sl)

	var qty decimal.Decimal
	switch c.Mode {
	case SizeModeRiskR:
		qty = qr
	case SizeModeBoth:
		if qc.IsPositive() && qr.IsPositive() {
			qty = decimal.Min(qc, qr)
		} else {
			qty = decimal.Max(qc, qr)
		}
	default: // capital_frac
		qty = qc
	}

	// Snap a tiny positive size up to MinQty, but never past the capital cap.
	if qty.IsPositive() && qty.LessThan(c.MinQty) {
		if c.MinQty.LessThanOrEqual(qc) || qc.IsZero() {
			qty = c.MinQty
		} else {
			return decimal.Zero
		}
	}
	if c.MaxQty.IsPositive() && qty.GreaterThan(c.MaxQty) {
		qty = c.MaxQty
	}
	if c.NotionalMin.IsPositive() && qty.Mul(entry).LessThan(c.NotionalMin) {
		return decimal.Zero
	}
	return qty.Truncate(8)
}

// CalcFees returns the (negative) round-trip taker fees for a fill.
func CalcFees(c SizingConfig, entry, exit, qty decimal.Decimal) decimal.Decimal {
	notional := entry.Add(exit).Mul(qty)
	return notional.Mul(c.FeeRatePerSide).Neg()
}

// CalcPnL is the gross PnL of a closed leg.
func CalcPnL(side string, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if side == types.SideShort {
		return entry.Sub(exit).Mul(qty)
	}
	return exit.Sub(entry).Mul(qty)
}
