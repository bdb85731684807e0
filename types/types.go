package types

import "time"

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side of a trade.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
	SideNone  = "NONE"
)

// Candles is a timeframed OHLCV bundle: six equal-length columns ordered by
// time, timestamps always in milliseconds.
type Candles struct {
	Timestamp []int64
	Open      []float64
	High      []float64
	Low       []float64
	Close     []float64
	Volume    []float64
}

// Len returns the number of bars.
func (c *Candles) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Close)
}

// Empty reports whether the bundle has no bars.
func (c *Candles) Empty() bool { return c.Len() == 0 }

// LastClose returns the most recent close, or 0 when empty.
func (c *Candles) LastClose() float64 {
	if c.Len() == 0 {
		return 0
	}
	return c.Close[len(c.Close)-1]
}

// LastTimestamp returns the most recent bar timestamp in ms, or 0 when empty.
func (c *Candles) LastTimestamp() int64 {
	if c.Len() == 0 {
		return 0
	}
	return c.Timestamp[len(c.Timestamp)-1]
}

// Tail returns a view of the last n bars (the whole bundle when n >= Len).
func (c *Candles) Tail(n int) *Candles {
	m := c.Len()
	if n <= 0 || m == 0 {
		return &Candles{}
	}
	if n > m {
		n = m
	}
	i := m - n
	return &Candles{
		Timestamp: c.Timestamp[i:],
		Open:      c.Open[i:],
		High:      c.High[i:],
		Low:       c.Low[i:],
		Close:     c.Close[i:],
		Volume:    c.Volume[i:],
	}
}

// Append adds one bar to the bundle.
func (c *Candles) Append(ts int64, o, h, l, cl, v float64) {
	c.Timestamp = append(c.Timestamp, ts)
	c.Open = append(c.Open, o)
	c.High = append(c.High, h)
	c.Low = append(c.Low, l)
	c.Close = append(c.Close, cl)
	c.Volume = append(c.Volume, v)
}

// VenuePosition is what the exchange reports for the traded symbol.
type VenuePosition struct {
	Side       string
	Contracts  float64
	EntryPrice float64
}

// PriceUpdate is a mark-price tick from the live feed.
type PriceUpdate struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}
