package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/taserbot/types"
)

func defaultTPParams() TPParams {
	return TPParams{
		Mode:          "atr",
		ATRMults:      []float64{0.60, 1.00, 1.50},
		RMults:        []float64{0.8, 1.4, 2.2},
		MinRMult:      1.4,
		TP1Abs:        0.50,
		ChopATRMults:  []float64{0.60, 1.00, 1.50},
		RallyATRMults: []float64{0.90, 1.60, 2.60},
		ChopATRPctMax: 0.0025,
		ChopADXMax:    25,
	}
}

func TestComputeTPsLongMonotonic(t *testing.T) {
	tps := ComputeTPs(types.SideLong, 100, 99.5, 0.8, 0.004, 30, defaultTPParams())
	require.Len(t, tps, 3)
	assert.Greater(t, tps[0], 100.0)
	assert.Greater(t, tps[1], tps[0])
	assert.Greater(t, tps[2], tps[1])
}

func TestComputeTPsShortMonotonic(t *testing.T) {
	tps := ComputeTPs(types.SideShort, 100, 100.5, 0.8, 0.004, 30, defaultTPParams())
	require.Len(t, tps, 3)
	assert.Less(t, tps[0], 100.0)
	assert.Less(t, tps[1], tps[0])
	assert.Less(t, tps[2], tps[1])
}

func TestComputeTPsModeAdapt(t *testing.T) {
	p := defaultTPParams()
	p.ModeAdapt = true
	chop := ComputeTPs(types.SideLong, 100, 99.5, 1.0, 0.0020, 20, p)
	rally := ComputeTPs(types.SideLong, 100, 99.5, 1.0, 0.0050, 35, p)
	assert.Greater(t, rally[2]-100, chop[2]-100, "rally ladder reaches farther")
}

func TestEnsureOrderIdempotent(t *testing.T) {
	raw := []float64{101.5, 99.0, 101.5, 100.8, 102.3, 103.0}
	once := EnsureOrder(types.SideLong, 100, raw)
	twice := EnsureOrder(types.SideLong, 100, once)
	assert.Equal(t, once, twice)
	require.Len(t, once, 3)
	assert.Equal(t, []float64{100.8, 101.5, 102.3}, once,
		"wrong-side dropped, dupes dropped, capped at 3")
}

func TestSanitizeTPOrderFeeStep(t *testing.T) {
	// 100*0.0005*2.0 = 0.10 minimum step.
	tps := SanitizeTPOrder(types.SideLong, 100, []float64{100.05, 100.3, 100.35}, 0.0005, 2.0)
	assert.Equal(t, []float64{100.3}, tps,
		"TP1 inside the fee step dropped, next rung too close dropped")

	once := SanitizeTPOrder(types.SideLong, 100, []float64{100.2, 100.5, 100.9}, 0.0005, 2.0)
	twice := SanitizeTPOrder(types.SideLong, 100, once, 0.0005, 2.0)
	assert.Equal(t, once, twice, "sanitize(sanitize(x)) == sanitize(x)")
}

func TestClampTP1Distance(t *testing.T) {
	tps := ClampTP1Distance(types.SideLong, 100, 1.0, 0.5, []float64{102.0, 102.5, 103.0})
	assert.InDelta(t, 100.60, tps[0], 1e-9, "TP1 capped at the ATR seed")
	assert.Greater(t, tps[1], tps[0])
	assert.Greater(t, tps[2], tps[1])

	near := ClampTP1Distance(types.SideLong, 100, 1.0, 0.5, []float64{100.4, 101, 102})
	assert.Equal(t, 100.4, near[0], "TP1 inside the seed untouched")
}

func TestEnforceMinSL(t *testing.T) {
	assert.InDelta(t, 99.55, EnforceMinSL(types.SideLong, 100, 99.9, 0.0045), 1e-9)
	assert.Equal(t, 99.0, EnforceMinSL(types.SideLong, 100, 99.0, 0.0045), "wide stop untouched")
	assert.InDelta(t, 100.45, EnforceMinSL(types.SideShort, 100, 100.1, 0.0045), 1e-9)
}

func TestNormalizeFracs(t *testing.T) {
	assert.Equal(t, []float64{0.3, 0.3, 0.4}, NormalizeFracs(nil, 3), "fallback split")
	got := NormalizeFracs([]float64{1, 1, 2}, 3)
	assert.InDelta(t, 0.25, got[0], 1e-9)
	assert.InDelta(t, 0.50, got[2], 1e-9)
	assert.Equal(t, []float64{0.3, 0.3, 0.4}, NormalizeFracs([]float64{-1, 0, 0}, 3))
}

func TestFractionsForMode(t *testing.T) {
	assert.Equal(t, []float64{0.50, 0.30, 0.20}, FractionsForMode(true))
	assert.Equal(t, []float64{0.30, 0.30, 0.40}, FractionsForMode(false))
}

func sizingBase() SizingConfig {
	return SizingConfig{
		Mode:            SizeModeCapitalFrac,
		CapitalFraction: decimal.NewFromFloat(0.5),
		MaxLeverage:     decimal.NewFromInt(1),
		RiskPct:         decimal.NewFromFloat(1.0),
		MinSLFrac:       decimal.NewFromFloat(0.0045),
		MinSLAbs:        decimal.NewFromFloat(0.05),
		MinQty:          decimal.NewFromInt(1),
		MaxQty:          decimal.NewFromInt(1500),
		FeeRatePerSide:  decimal.NewFromFloat(0.0005),
	}
}

func TestChooseSizeCapitalFrac(t *testing.T) {
	c := sizingBase()
	qty := ChooseSize(c, decimal.NewFromInt(1000), decimal.NewFromInt(100), decimal.NewFromFloat(99.5))
	assert.True(t, qty.Equal(decimal.NewFromInt(5)), "1000*0.5/100 = 5, got %s", qty)
}

func TestChooseSizeBothTakesMin(t *testing.T) {
	c := sizingBase()
	c.Mode = SizeModeBoth
	qty := ChooseSize(c, decimal.NewFromInt(1000), decimal.NewFromInt(100), decimal.NewFromFloat(99.0))
	// risk qty: 10 / 1.0 = 10, capital 5 -> min is 5
	assert.True(t, qty.Equal(decimal.NewFromInt(5)), "got %s", qty)
}

func TestChooseSizeNotionalFloorAndMaxQty(t *testing.T) {
	c := sizingBase()
	c.NotionalMin = decimal.NewFromInt(10000)
	qty := ChooseSize(c, decimal.NewFromInt(1000), decimal.NewFromInt(100), decimal.NewFromFloat(99.5))
	assert.True(t, qty.IsZero(), "below notional floor returns zero")

	c = sizingBase()
	c.MaxQty = decimal.NewFromInt(2)
	qty = ChooseSize(c, decimal.NewFromInt(1000), decimal.NewFromInt(100), decimal.NewFromFloat(99.5))
	assert.True(t, qty.Equal(decimal.NewFromInt(2)))
}

func TestChooseSizePaperBalance(t *testing.T) {
	c := sizingBase()
	c.DryRun = true
	c.PaperUseStart = true
	c.PaperStartBal = decimal.NewFromInt(200)
	qty := ChooseSize(c, decimal.NewFromInt(100000), decimal.NewFromInt(100), decimal.NewFromFloat(99.5))
	assert.True(t, qty.Equal(decimal.NewFromInt(1)), "paper balance 200*0.5/100 = 1")
}

func TestCalcPnLAndFees(t *testing.T) {
	c := sizingBase()
	pnl := CalcPnL(types.SideLong, decimal.NewFromInt(100), decimal.NewFromInt(102), decimal.NewFromInt(3))
	assert.True(t, pnl.Equal(decimal.NewFromInt(6)))
	pnl = CalcPnL(types.SideShort, decimal.NewFromInt(100), decimal.NewFromInt(102), decimal.NewFromInt(3))
	assert.True(t, pnl.Equal(decimal.NewFromInt(-6)))

	fees := CalcFees(c, decimal.NewFromInt(100), decimal.NewFromInt(102), decimal.NewFromInt(3))
	assert.True(t, fees.IsNegative())
	assert.True(t, fees.Equal(decimal.NewFromFloat(-0.303)), "got %s", fees)
}
