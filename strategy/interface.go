package strategy

import (
	"time"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Common contract every signal engine implements
// ═══════════════════════════════════════════════════════════════════════════════

// Signal is a fully-formed trade draft: side, entry, protective stop and the
// TP ladder, plus engine diagnostics for telemetry.
type Signal struct {
	Engine string
	Side   string // types.SideLong / types.SideShort / types.SideNone
	Entry  float64
	SL     float64
	TPs    []float64
	Reason string
	Meta   map[string]interface{}
}

// Actionable reports whether the signal proposes a trade.
func (s *Signal) Actionable() bool {
	return s != nil && (s.Side == types.SideLong || s.Side == types.SideShort)
}

// NoTrade builds a non-actionable signal carrying the skip reason.
func NoTrade(engine, reason string) *Signal {
	return &Signal{Engine: engine, Side: types.SideNone, Reason: reason}
}

// Scan is the per-cycle market snapshot handed to every engine.
type Scan struct {
	Pair string

	C1m  *types.Candles
	C5m  *types.Candles
	C15m *types.Candles
	C1h  *types.Candles

	PDH float64 // prior-day high from 1h bars
	PDL float64 // prior-day low

	Aggression  string
	PseudoDelta float64 // signed volume proxy over recent 5m bars
	OIChange    float64 // open-interest delta when the venue provides it

	// Multi-timeframe liquidity confluence near price, from the heatmap.
	HMHitsAbove int
	HMHitsBelow int

	// Engine-local re-entry memory for the scanned pair.
	LastExitTime  time.Time
	LastExitPrice float64
	LastExitSide  string
	LastSignalBar int64 // 5m bar ts of the last accepted signal
	Now           time.Time
}

// Engine turns a market snapshot into at most one trade draft.
type Engine interface {
	Name() string
	Evaluate(s *Scan) (*Signal, error)
}

// PseudoDelta sums signed bar volume over the last n bars, a cheap taker-flow
// proxy when the venue has no trade feed.
func PseudoDelta(c *types.Candles, n int) float64 {
	m := c.Len()
	if m == 0 {
		return 0
	}
	if n > m {
		n = m
	}
	d := 0.0
	for i := m - n; i < m; i++ {
		switch {
		case c.Close[i] > c.Open[i]:
			d += c.Volume[i]
		case c.Close[i] < c.Open[i]:
			d -= c.Volume[i]
		}
	}
	return d
}
