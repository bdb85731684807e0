package regime

import "math"

// Market regime labels. CHOP scalps out at TP1, RUNNER keeps a runner leg.
const (
	Chop   = "CHOP"
	Runner = "RUNNER"
)

// Thresholds are the hysteresis band for the classifier. Up thresholds must
// both hold to enter RUNNER; either Down threshold failing drops back to CHOP.
type Thresholds struct {
	ADXUp  float64
	ADXDn  float64
	ATRUp  float64 // atr/price
	ATRDn  float64
}

// Classify assigns CHOP or RUNNER with hysteresis so the label cannot flap
// between adjacent ticks. prev is the previous label ("" on the first call).
// emaSide is +1/-1 for price above/below EMA200, closeSlope the recent 5m
// close slope.
func Classify(prev string, adx, atrPct, emaSide, closeSlope float64, th Thresholds) string {
	if math.IsNaN(adx) || math.IsNaN(atrPct) {
		if prev != "" {
			return prev
		}
		return Chop
	}

	wantRunner := adx >= th.ADXUp && atrPct >= th.ATRUp && emaSide*closeSlope >= 0
	wantChop := adx <= th.ADXDn || atrPct <= th.ATRDn

	switch prev {
	case Runner:
		if wantChop {
			return Chop
		}
		return Runner
	case Chop:
		if wantRunner {
			return Runner
		}
		return Chop
	default:
		if wantRunner {
			return Runner
		}
		return Chop
	}
}

// ADXSlope returns the change of the ADX series over the last `back` bars.
func ADXSlope(series []float64, back int) float64 {
	n := len(series)
	if back <= 0 || n <= back {
		return 0
	}
	a, b := series[n-1], series[n-1-back]
	if math.IsNaN(a) || math.IsNaN(b) {
		return 0
	}
	return a - b
}

// SoftDegrade reports whether trend quality has decayed below the working
// floor. A rising ADX slope earns a 2-point allowance on the ADX floor.
func SoftDegrade(adx, adxSlope3, atrPct, adxMin, atrFloor float64) bool {
	eff := adxMin
	if adxSlope3 > 0 {
		eff -= 2.0
	}
	return adx < eff || atrPct < atrFloor
}
