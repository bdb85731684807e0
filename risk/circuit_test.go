package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCircuitLossStreakTripsAndCoolsDown(t *testing.T) {
	c := NewCircuit(3, 0, time.Hour)
	now := time.Now()
	eq := decimal.NewFromInt(1000)

	loss := decimal.NewFromInt(-10)
	c.RecordClose(loss, now)
	c.RecordClose(loss, now)
	halted, _ := c.Halted(now, eq)
	assert.False(t, halted, "two losses are not a streak of three")

	c.RecordClose(loss, now)
	halted, why := c.Halted(now, eq)
	assert.True(t, halted)
	assert.Equal(t, "loss streak", why)

	halted, _ = c.Halted(now.Add(2*time.Hour), eq)
	assert.False(t, halted, "cooldown elapsed")
}

func TestCircuitWinResetsStreak(t *testing.T) {
	c := NewCircuit(2, 0, time.Hour)
	now := time.Now()
	c.RecordClose(decimal.NewFromInt(-10), now)
	c.RecordClose(decimal.NewFromInt(5), now)
	c.RecordClose(decimal.NewFromInt(-10), now)
	halted, _ := c.Halted(now, decimal.NewFromInt(1000))
	assert.False(t, halted, "a win in between breaks the streak")
}

func TestCircuitDailyDrawdownTrips(t *testing.T) {
	c := NewCircuit(0, 0.05, time.Hour)
	now := time.Now()
	eq := decimal.NewFromInt(1000)

	c.Halted(now, eq) // establish peak
	c.RecordClose(decimal.NewFromInt(-60), now)
	halted, why := c.Halted(now, eq.Sub(decimal.NewFromInt(60)))
	assert.True(t, halted, "six percent day loss against a five percent cap")
	assert.Equal(t, "daily drawdown", why)
}

func TestCircuitDayRollover(t *testing.T) {
	c := NewCircuit(2, 0, time.Minute)
	now := time.Now()
	c.RecordClose(decimal.NewFromInt(-10), now)

	tomorrow := now.Add(25 * time.Hour)
	c.RecordClose(decimal.NewFromInt(-10), tomorrow)
	halted, _ := c.Halted(tomorrow, decimal.NewFromInt(1000))
	assert.False(t, halted, "yesterday's loss does not carry into today's streak")
}
