package strategy

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/taserbot/internal/indicators"
	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LORENTZIAN K-NN CLASSIFIER - directional bias from nearest historical bars
// ═══════════════════════════════════════════════════════════════════════════════

// Predictor maps a 5m candle window to a directional bias with confidence in
// [0,1]. The built-in k-NN is the default; any model satisfying this can be
// swapped in.
type Predictor interface {
	Predict(c *types.Candles) (bias string, conf float64)
}

// MLSignal is the gate's output consumed by TrendScalp and the PEV logic.
type MLSignal struct {
	Bias  string
	Conf  float64
	Slope float64 // confidence change since the previous evaluation
	Warm  bool
}

// labelHorizon is how many bars ahead a training label looks.
const labelHorizon = 4

// KNN is a Lorentzian-distance k-nearest-neighbors classifier over a fixed
// five-feature space (RSI14, WaveTrend, CCI20, ADX20, RSI9).
type KNN struct {
	K       int
	MaxBack int
}

// NewKNN applies the production defaults for zero values.
func NewKNN(k, maxBack int) *KNN {
	if k <= 0 {
		k = 8
	}
	if maxBack <= 0 {
		maxBack = 2000
	}
	return &KNN{K: k, MaxBack: maxBack}
}

// featureMatrix builds the per-bar feature rows. Rows with any NaN are
// marked unusable.
func featureMatrix(c *types.Candles) ([][5]float64, []bool) {
	rsi14 := indicators.RSISeries(c.Close, 14)
	rsi9 := indicators.RSISeries(c.Close, 9)
	wt := indicators.WaveTrendSeries(c.High, c.Low, c.Close, 10, 11)
	cci := indicators.CCISeries(c.High, c.Low, c.Close, 20)
	adx := indicators.ADXSeries(c.High, c.Low, c.Close, 20)

	n := c.Len()
	rows := make([][5]float64, n)
	ok := make([]bool, n)
	for i := 0; i < n; i++ {
		rows[i] = [5]float64{rsi14[i], wt[i], cci[i], adx[i], rsi9[i]}
		ok[i] = true
		for _, v := range rows[i] {
			if math.IsNaN(v) {
				ok[i] = false
				break
			}
		}
	}
	return rows, ok
}

// Predict votes over the K nearest historical bars by Lorentzian distance.
// History is walked with a stride-4 downsample, labels look labelHorizon bars
// ahead, and the neighbor window ratchets: a candidate only enters once its
// distance exceeds the rolling threshold, and on overflow the element at
// floor(K*3/4) becomes the new threshold. This keeps neighbors spread across
// regimes instead of clustered on the most recent bars.
func (k *KNN) Predict(c *types.Candles) (string, float64) {
	n := c.Len()
	if n < 64 {
		return types.SideNone, 0
	}
	rows, usable := featureMatrix(c)
	cur := rows[n-1]
	if !usable[n-1] {
		return types.SideNone, 0
	}

	start := 0
	if n-1-labelHorizon > k.MaxBack {
		start = n - 1 - labelHorizon - k.MaxBack
	}

	var (
		dists    []float64
		votes    []int
		lastDist = -1.0
	)
	for i := start; i < n-1-labelHorizon; i++ {
		if i%4 != 0 || !usable[i] {
			continue
		}
		d := indicators.LorentzianDistance(cur[:], rows[i][:])
		if d < lastDist {
			continue
		}
		lastDist = d
		label := -1
		if c.Close[i+labelHorizon] > c.Close[i] {
			label = 1
		}
		dists = append(dists, d)
		votes = append(votes, label)
		if len(votes) > k.K {
			lastDist = dists[k.K*3/4]
			dists = dists[1:]
			votes = votes[1:]
		}
	}
	if len(votes) == 0 {
		return types.SideNone, 0
	}

	sum := 0
	for _, v := range votes {
		sum += v
	}
	conf := math.Abs(float64(sum)) / float64(k.K)
	if conf > 1 {
		conf = 1
	}
	switch {
	case sum > 0:
		return types.SideLong, conf
	case sum < 0:
		return types.SideShort, conf
	default:
		return types.SideNone, 0
	}
}

// MLGate wraps a predictor with the warm-up rule and confidence slope
// tracking.
type MLGate struct {
	predictor  Predictor
	warmupBars int
	prevConf   float64
	hasPrev    bool
}

// NewMLGate wires a gate around a predictor; a nil predictor yields a gate
// that always reports neutral.
func NewMLGate(p Predictor, warmupBars int) *MLGate {
	if warmupBars <= 0 {
		warmupBars = 600
	}
	return &MLGate{predictor: p, warmupBars: warmupBars}
}

// Evaluate runs the predictor once warm. Below the warm-up bar count the
// output is neutral with Warm=false; directional bias with zero confidence
// is normalized to neutral.
func (g *MLGate) Evaluate(c *types.Candles) MLSignal {
	if c.Len() < g.warmupBars {
		return MLSignal{Bias: types.SideNone, Warm: false}
	}
	sig := MLSignal{Bias: types.SideNone, Warm: true}
	if g.predictor != nil {
		bias, conf := g.predictor.Predict(c)
		if conf <= 0 && bias != types.SideNone {
			log.Debug().Str("bias", bias).Msg("🤖 Classifier bias without confidence, treating as neutral")
			bias = types.SideNone
		}
		sig.Bias = bias
		sig.Conf = conf
	}
	if g.hasPrev {
		sig.Slope = sig.Conf - g.prevConf
	}
	g.prevConf = sig.Conf
	g.hasPrev = true
	return sig
}
