package heatmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/taserbot/types"
)

func flatWindow(price float64, bars int) *types.Candles {
	c := &types.Candles{}
	for i := 0; i < bars; i++ {
		c.Append(int64(i)*300_000, price, price+0.5, price-0.5, price, 100)
	}
	return c
}

func TestBuildConcentratesOnDwell(t *testing.T) {
	c := flatWindow(100, 50)
	// A handful of bars away from the shelf.
	for i := 0; i < 5; i++ {
		c.Append(int64(50+i)*300_000, 110, 110.5, 109.5, 110, 10)
	}
	levels := Build(c, 0.002, Options{})
	require.NotEmpty(t, levels)
	assert.InDelta(t, 100.0, levels[0].Price, 0.5,
		"heaviest level sits where price dwelt with volume")
}

func TestBuildEmptyWindow(t *testing.T) {
	assert.Nil(t, Build(&types.Candles{}, 0.002, Options{}))
}

func TestMergeNearby(t *testing.T) {
	in := []Level{{Price: 100.0, Score: 3}, {Price: 99.99, Score: 1}, {Price: 95, Score: 2}}
	out := mergeNearby(in, 0.05)
	require.Len(t, out, 2)
	assert.InDelta(t, 99.9975, out[0].Price, 1e-6, "score-weighted center")
	assert.Equal(t, 4.0, out[0].Score)
}

func TestConfluenceGateBlocksStackedWalls(t *testing.T) {
	hm := Multi{
		"5m":  {{Price: 100.10, Score: 5}},
		"15m": {{Price: 100.12, Score: 4}},
		"1h":  {{Price: 98.00, Score: 9}},
	}
	res := ConfluenceGate(hm, 100.0, types.SideLong, 0.0015, 2, 12)
	assert.True(t, res.Block, "two TFs agree on a wall overhead")
	assert.Equal(t, 2, res.HitsAbove)

	// The same stack does not block a short.
	res = ConfluenceGate(hm, 100.0, types.SideShort, 0.0015, 2, 12)
	assert.False(t, res.Block)
	assert.Equal(t, 0, res.HitsBelow)
}

func TestConfluenceGatePure(t *testing.T) {
	hm := Multi{"5m": {{Price: 100.05, Score: 1}}, "15m": {{Price: 100.06, Score: 1}}}
	a := ConfluenceGate(hm, 100.0, types.SideLong, 0.0015, 2, 12)
	b := ConfluenceGate(hm, 100.0, types.SideLong, 0.0015, 2, 12)
	assert.Equal(t, a, b, "same inputs, same verdict")
}

func TestConfluenceGateRespectsTopN(t *testing.T) {
	hm := Multi{"5m": {
		{Price: 120, Score: 10}, // strongest but far
		{Price: 100.05, Score: 1},
	}}
	res := ConfluenceGate(hm, 100.0, types.SideLong, 0.0015, 1, 1)
	assert.False(t, res.Block, "near level ranked outside topN is ignored")
}
