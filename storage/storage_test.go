package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func TestOpenTradeSingleton(t *testing.T) {
	db := testDB(t)

	got, err := db.OpenTrade("BTCUSD")
	require.NoError(t, err)
	assert.Nil(t, got, "no open trade yet")

	tr := &Trade{
		Pair: "BTCUSD", Engine: "trendscalp", Side: "LONG", Mode: ModePaper,
		Entry: decimal.NewFromInt(100), SL: decimal.NewFromFloat(99.5),
		Qty: decimal.NewFromInt(5),
	}
	require.NoError(t, db.NewTrade(tr))
	assert.Equal(t, StatusOpen, tr.Status)

	got, err = db.OpenTrade("BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tr.ID, got.ID)

	// A partial fill still counts as the open position.
	tr.Status = StatusPartial
	require.NoError(t, db.SaveTrade(tr))
	got, err = db.OpenTrade("BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, db.CloseTrade(tr, StatusClosedTP,
		decimal.NewFromInt(102), decimal.NewFromInt(10), decimal.NewFromFloat(-0.1)))
	got, err = db.OpenTrade("BTCUSD")
	require.NoError(t, err)
	assert.Nil(t, got, "closed trades do not block new entries")
	assert.NotNil(t, tr.ClosedAt)
}

func TestOrdersLifecycle(t *testing.T) {
	db := testDB(t)
	tr := &Trade{Pair: "BTCUSD", Engine: "taser", Side: "SHORT", Mode: ModePaper}
	require.NoError(t, db.NewTrade(tr))

	require.NoError(t, db.AddOrder(&Order{TradeID: tr.ID, Kind: OrderKindEntry, Status: OrderFilled}))
	require.NoError(t, db.AddOrder(&Order{TradeID: tr.ID, Kind: OrderKindSL, Status: OrderOpen}))
	require.NoError(t, db.AddOrder(&Order{TradeID: tr.ID, Kind: OrderKindTP, Status: OrderOpen, ReduceOnly: true}))

	open, err := db.OpenOrders(tr.ID, "")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	sls, err := db.OpenOrders(tr.ID, OrderKindSL)
	require.NoError(t, err)
	require.Len(t, sls, 1)

	require.NoError(t, db.CancelOpenOrders(tr.ID))
	open, err = db.OpenOrders(tr.ID, "")
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := db.TradeOrders(tr.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3, "cancelled orders remain on record")
}

func TestSettingsRoundtrip(t *testing.T) {
	db := testDB(t)
	v, err := db.GetSetting("cooldown:trendscalp")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, db.SetSetting("cooldown:trendscalp", "12345"))
	v, err = db.GetSetting("cooldown:trendscalp")
	require.NoError(t, err)
	assert.Equal(t, "12345", v)
}

func TestTelemetryWindowAndThrottle(t *testing.T) {
	db := testDB(t)
	db.Log("scheduler", TagNoTrade, "no setup", map[string]string{"pair": "BTCUSD"})
	db.LogOncePerBar("scheduler", TagSizeZero, "qty=0", nil, 1000)
	db.LogOncePerBar("scheduler", TagSizeZero, "qty=0", nil, 1000) // same bar, dropped
	db.LogOncePerBar("scheduler", TagSizeZero, "qty=0", nil, 1300) // next bar, kept

	rows, err := db.LastHours(1)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestExportCSV(t *testing.T) {
	db := testDB(t)
	db.Log("manager", TagStatus, "tick", nil)
	dir := t.TempDir()
	path, err := db.ExportCSV(dir, 24)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ts_ist")
	assert.Contains(t, string(data), TagStatus)
}

func TestExportEngineSplitCSV(t *testing.T) {
	db := testDB(t)
	win := &Trade{Pair: "BTCUSD", Engine: "trendscalp", Side: "LONG", Mode: ModePaper}
	require.NoError(t, db.NewTrade(win))
	require.NoError(t, db.CloseTrade(win, StatusClosedTP,
		decimal.NewFromInt(102), decimal.NewFromInt(10), decimal.Zero))
	loss := &Trade{Pair: "BTCUSD", Engine: "taser", Side: "SHORT", Mode: ModePaper}
	require.NoError(t, db.NewTrade(loss))
	require.NoError(t, db.CloseTrade(loss, StatusClosedSL,
		decimal.NewFromInt(101), decimal.NewFromInt(-5), decimal.Zero))

	path, err := db.ExportEngineSplitCSV(t.TempDir(), 24*time.Hour)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "trendscalp")
	assert.Contains(t, string(data), "taser")
}
