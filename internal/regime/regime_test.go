package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var th = Thresholds{ADXUp: 26, ADXDn: 23, ATRUp: 0.0040, ATRDn: 0.0035}

func TestClassifyHysteresis(t *testing.T) {
	// Fresh start in the dead band lands in CHOP.
	assert.Equal(t, Chop, Classify("", 24, 0.0038, 1, 1, th))

	// Strong trend promotes to RUNNER.
	assert.Equal(t, Runner, Classify(Chop, 27, 0.0045, 1, 0.5, th))

	// Inside the band the previous label sticks, both directions.
	assert.Equal(t, Runner, Classify(Runner, 24.5, 0.0038, 1, 0.5, th))
	assert.Equal(t, Chop, Classify(Chop, 24.5, 0.0038, 1, 0.5, th))

	// Either Down threshold failing demotes.
	assert.Equal(t, Chop, Classify(Runner, 22, 0.0045, 1, 0.5, th))
	assert.Equal(t, Chop, Classify(Runner, 30, 0.0030, 1, 0.5, th))

	// Slope fighting the EMA side blocks promotion.
	assert.Equal(t, Chop, Classify(Chop, 30, 0.0050, 1, -0.5, th))
}

func TestClassifyDeterministic(t *testing.T) {
	a := Classify(Chop, 27, 0.0045, 1, 0.5, th)
	b := Classify(Chop, 27, 0.0045, 1, 0.5, th)
	assert.Equal(t, a, b)
}

func TestADXSlope(t *testing.T) {
	s := []float64{20, 21, 22, 25}
	assert.Equal(t, 5.0, ADXSlope(s, 3))
	assert.Equal(t, 0.0, ADXSlope(s, 10))
}

func TestSoftDegrade(t *testing.T) {
	// Below the floor degrades.
	assert.True(t, SoftDegrade(19, 0, 0.0040, 20, 0.0020))
	// Rising slope buys a 2-point allowance.
	assert.False(t, SoftDegrade(19, 1.5, 0.0040, 20, 0.0020))
	// ATR floor breach degrades regardless of ADX.
	assert.True(t, SoftDegrade(30, 0, 0.0010, 20, 0.0020))
}
