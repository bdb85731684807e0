package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - account-level halt on loss streaks and daily drawdown
// ═══════════════════════════════════════════════════════════════════════════════

// Circuit halts new entries after a run of losing trades or when the day's
// realized loss exceeds a fraction of peak equity. Open positions are still
// managed; only fresh scans are gated.
type Circuit struct {
	mu sync.Mutex

	maxLossStreak   int
	maxDailyLossPct decimal.Decimal
	cooldown        time.Duration

	lossStreak int
	dayPnL     decimal.Decimal
	peakEquity decimal.Decimal
	openUntil  time.Time
	reason     string
	day        string
}

// NewCircuit builds the breaker. maxLossStreak <= 0 disables the streak arm.
func NewCircuit(maxLossStreak int, maxDailyLossPct float64, cooldown time.Duration) *Circuit {
	return &Circuit{
		maxLossStreak:   maxLossStreak,
		maxDailyLossPct: decimal.NewFromFloat(maxDailyLossPct),
		cooldown:        cooldown,
	}
}

// rollover resets daily counters at the UTC date boundary.
func (c *Circuit) rollover(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if c.day == day {
		return
	}
	c.day = day
	c.dayPnL = decimal.Zero
	c.lossStreak = 0
}

// RecordClose feeds one closed trade's realized PnL into the breaker.
func (c *Circuit) RecordClose(pnl decimal.Decimal, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(now)

	c.dayPnL = c.dayPnL.Add(pnl)
	if pnl.IsNegative() {
		c.lossStreak++
	} else {
		c.lossStreak = 0
	}
	if c.maxLossStreak > 0 && c.lossStreak >= c.maxLossStreak {
		c.trip(now, "loss streak")
	}
}

// Halted reports whether new entries are gated right now. equity updates the
// peak used for the daily drawdown arm.
func (c *Circuit) Halted(now time.Time, equity decimal.Decimal) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(now)

	if equity.GreaterThan(c.peakEquity) {
		c.peakEquity = equity
	}
	if now.Before(c.openUntil) {
		return true, c.reason
	}
	if c.maxDailyLossPct.IsPositive() && c.peakEquity.IsPositive() && c.dayPnL.IsNegative() {
		if c.dayPnL.Abs().Div(c.peakEquity).GreaterThan(c.maxDailyLossPct) {
			c.trip(now, "daily drawdown")
			return true, c.reason
		}
	}
	return false, ""
}

func (c *Circuit) trip(now time.Time, reason string) {
	if now.Before(c.openUntil) {
		return
	}
	c.openUntil = now.Add(c.cooldown)
	c.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("loss_streak", c.lossStreak).
		Str("day_pnl", c.dayPnL.StringFixed(2)).
		Dur("cooldown", c.cooldown).
		Msg("🚨 Circuit open, pausing new entries")
}
