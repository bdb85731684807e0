package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/taserbot/types"
)

func guardBase() GuardInputs {
	return GuardInputs{
		Side:       types.SideLong,
		Entry:      100,
		Price:      102,
		CurrentSL:  99,
		ProposedSL: 100.5,
		ATR:        0.8,
		TP1Hit:     true,
		MinGapATR:  0.35,
		MinGapPct:  0.0012,
	}
}

func TestGuardSLFreezeBeforeTP1(t *testing.T) {
	in := guardBase()
	in.TP1Hit = false
	assert.Equal(t, 99.0, GuardSL(in), "stop frozen before TP1")

	in.AllowBE = true
	assert.Equal(t, 100.5, GuardSL(in), "BE exception moves the stop")
}

func TestGuardSLTightenOnly(t *testing.T) {
	in := guardBase()
	in.ProposedSL = 98.0
	assert.Equal(t, 99.0, GuardSL(in), "loosening proposal ignored")
}

func TestGuardSLMinGapAndPolarity(t *testing.T) {
	in := guardBase()
	in.ProposedSL = 101.95 // inside the gap
	got := GuardSL(in)
	gap := MinGap(in.Price, in.ATR, in.MinGapATR, in.MinGapPct)
	assert.InDelta(t, in.Price-gap, got, 1e-9)

	in.ProposedSL = 103 // wrong side of price
	assert.InDelta(t, in.Price-gap, GuardSL(in), 1e-9)
}

func TestGuardSLIdempotent(t *testing.T) {
	in := guardBase()
	first := GuardSL(in)
	in.CurrentSL = first
	in.ProposedSL = first
	assert.Equal(t, first, GuardSL(in), "guard(guard(x)) == guard(x)")
}

func TestGuardSLShort(t *testing.T) {
	in := GuardInputs{
		Side: types.SideShort, Entry: 100, Price: 97, CurrentSL: 101,
		ProposedSL: 99.5, ATR: 0.8, TP1Hit: true,
		MinGapATR: 0.35, MinGapPct: 0.0012,
	}
	got := GuardSL(in)
	assert.Less(t, got, 101.0, "short stop ratchets down")
	assert.Greater(t, got, in.Price, "stop stays above price")
}

func TestBEFloor(t *testing.T) {
	assert.InDelta(t, 100.07, BEFloor(types.SideLong, 100, 0.0007), 1e-9)
	assert.InDelta(t, 99.93, BEFloor(types.SideShort, 100, 0.0007), 1e-9)
}

func TestLocks(t *testing.T) {
	// Abs lock unarmed until MFE reaches the lock.
	assert.Equal(t, 0.0, AbsLockFromEntry(types.SideLong, 100, 101, 0.3, 0.5, 0.0007))
	got := AbsLockFromEntry(types.SideLong, 100, 101, 0.8, 0.5, 0.0007)
	assert.InDelta(t, 100.57, got, 1e-6)

	// fracR trail is tighten-only.
	assert.Equal(t, 101.0, TrailFracR(types.SideLong, 100, 102, 0.2, 0.5, 0.1, 101))
	up := TrailFracR(types.SideLong, 100, 103, 0.65, 0.5, 0.25, 100.2)
	assert.InDelta(t, 100+0.65*3-0.125, up, 1e-9)

	// to-TP lock tucks inside the hit level.
	assert.InDelta(t, 101.75, ToTPLock(types.SideLong, 102, 1.0, 0.25, 100), 1e-9)
}

func TestChandelier(t *testing.T) {
	c := &types.Candles{}
	for i := 0; i < 10; i++ {
		px := 100 + float64(i)
		c.Append(int64(i), px, px+1, px-1, px, 1)
	}
	assert.InDelta(t, 110-1.2*0.8, Chandelier(types.SideLong, c, 9, 1.2, 0.8), 1e-9)
	assert.InDelta(t, 99+0.6*0.8, Chandelier(types.SideShort, c, 10, 0.6, 0.8), 1e-9)
}

func TestEvaluatePEVLifecycle(t *testing.T) {
	cfg := PEVConfig{
		SoftADXMax: 23, SoftATRPctMax: 0.0035,
		HardADXMax: 22, HardATRPctMax: 0.00315,
		GraceMin: 5 * time.Minute, Confirm1mBars: 3,
	}
	snap := EntrySnapshot{Side: types.SideLong, EMA200Side: 1, Structure: true}
	st := &PEVState{}
	t0 := time.Now()

	// Healthy trend.
	res := EvaluatePEV(snap, 30, 0.0045, 1, true, 0, t0, cfg, st)
	assert.Equal(t, PEVOK, res.Verdict)
	assert.True(t, st.WarnSince.IsZero())

	// Soft degradation opens a warn window.
	res = EvaluatePEV(snap, 21, 0.0045, 1, true, 0, t0, cfg, st)
	assert.Equal(t, PEVWarn, res.Verdict)

	// Still inside the grace: warn, not exit.
	res = EvaluatePEV(snap, 21, 0.0045, 1, true, 0, t0.Add(3*time.Minute), cfg, st)
	assert.Equal(t, PEVWarn, res.Verdict)

	// The grace aged out: exit even without the hard combination.
	res = EvaluatePEV(snap, 21, 0.0045, 1, true, 0, t0.Add(6*time.Minute), cfg, st)
	assert.Equal(t, PEVExit, res.Verdict)

	// Recovery clears the window.
	st = &PEVState{}
	res = EvaluatePEV(snap, 30, 0.0045, 1, true, 0, t0.Add(7*time.Minute), cfg, st)
	assert.Equal(t, PEVOK, res.Verdict)
	assert.True(t, st.WarnSince.IsZero())

	// The hard combination needs no window: dead bands, EMA flip against the
	// snapshot, 1m confirmation, and the exit is immediate.
	res = EvaluatePEV(snap, 20, 0.0030, -1, true, 3, t0.Add(8*time.Minute), cfg, st)
	assert.Equal(t, PEVExit, res.Verdict)
	assert.Equal(t, "entry thesis invalidated", res.Reason)

	// Without the 1m confirmation the same evidence only warns.
	st = &PEVState{}
	res = EvaluatePEV(snap, 20, 0.0030, -1, true, 2, t0.Add(9*time.Minute), cfg, st)
	assert.Equal(t, PEVWarn, res.Verdict)
}

func TestEvaluatePEVGraceBars(t *testing.T) {
	cfg := PEVConfig{
		SoftADXMax: 23, SoftATRPctMax: 0.0035,
		HardADXMax: 22, HardATRPctMax: 0.00315,
		GraceMin: 5 * time.Minute, GraceBars5m: 2, Confirm1mBars: 3,
	}
	snap := EntrySnapshot{Side: types.SideLong, EMA200Side: 1, Structure: true}
	st := &PEVState{}
	t0 := time.Now()

	// Two 5m bars of grace beat the five-minute floor: ten minutes total.
	res := EvaluatePEV(snap, 21, 0.0045, 1, true, 0, t0, cfg, st)
	assert.Equal(t, PEVWarn, res.Verdict)
	res = EvaluatePEV(snap, 21, 0.0045, 1, true, 0, t0.Add(7*time.Minute), cfg, st)
	assert.Equal(t, PEVWarn, res.Verdict, "inside the bar-derived grace")
	res = EvaluatePEV(snap, 21, 0.0045, 1, true, 0, t0.Add(11*time.Minute), cfg, st)
	assert.Equal(t, PEVExit, res.Verdict)
}

func TestEvaluateMLPEV(t *testing.T) {
	d := EvaluateMLPEV(types.SideLong, types.SideShort, 0.60, 0.56, true, false, 100, 0.0007)
	assert.Equal(t, PEVActionExit, d.Action)
	assert.Equal(t, "PEV_ML_FLIP", d.Reason)

	d = EvaluateMLPEV(types.SideLong, types.SideLong, 0.40, 0.56, false, true, 100, 0.0007)
	assert.Equal(t, PEVActionTighten, d.Action)
	assert.InDelta(t, 100.07, d.Target, 1e-9)

	d = EvaluateMLPEV(types.SideLong, types.SideShort, 0.60, 0.56, false, false, 100, 0.0007)
	assert.Equal(t, PEVActionHold, d.Action, "unconfirmed flip holds")
}
