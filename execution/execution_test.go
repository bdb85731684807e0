package execution

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/taserbot/risk"
	"github.com/web3guy0/taserbot/storage"
	"github.com/web3guy0/taserbot/types"
)

func testAdapter(t *testing.T, mark float64) (*Adapter, *storage.DB, *PaperExchange) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	ex := NewPaperExchange(decimal.NewFromInt(1000), func() float64 { return mark })
	a := NewAdapter(ex, db, AdapterConfig{DryRun: true, PlaceTP3Limit: true})
	return a, db, ex
}

func draftTrade(t *testing.T, db *storage.DB) *storage.Trade {
	t.Helper()
	tr := &storage.Trade{
		Pair: "BTCUSD", Engine: "trendscalp", Side: types.SideLong, Mode: storage.ModePaper,
		Entry: decimal.NewFromInt(100), SL: decimal.NewFromFloat(99.5),
		TP1: decimal.NewFromFloat(100.6), TP2: decimal.NewFromFloat(101.0),
		TP3: decimal.NewFromFloat(101.5), Qty: decimal.NewFromInt(5),
	}
	require.NoError(t, db.NewTrade(tr))
	return tr
}

func TestPlaceBracketRecordsOrders(t *testing.T) {
	a, db, ex := testAdapter(t, 100.02)
	tr := draftTrade(t, db)

	require.NoError(t, a.PlaceBracket(context.Background(), tr, nil, risk.EntrySnapshot{Side: types.SideLong}))

	orders, err := db.TradeOrders(tr.ID)
	require.NoError(t, err)
	require.Len(t, orders, 3, "entry + stop + resting TP3")
	assert.Equal(t, storage.OrderKindEntry, orders[0].Kind)
	assert.Equal(t, storage.OrderFilled, orders[0].Status)
	assert.True(t, tr.Entry.Equal(decimal.NewFromFloat(100.02)), "entry updated to fill price")
	assert.Contains(t, tr.Meta, "entry_validity")

	pos, err := ex.Position(context.Background(), "BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, types.SideLong, pos.Side)
	assert.Equal(t, 5.0, pos.Contracts)
}

func TestPlaceBracketIdempotent(t *testing.T) {
	a, db, _ := testAdapter(t, 100)
	tr := draftTrade(t, db)
	ctx := context.Background()

	require.NoError(t, a.PlaceBracket(ctx, tr, nil, risk.EntrySnapshot{}))
	before, _ := db.TradeOrders(tr.ID)
	require.NoError(t, a.PlaceBracket(ctx, tr, nil, risk.EntrySnapshot{}), "replay is a no-op")
	after, _ := db.TradeOrders(tr.ID)
	assert.Equal(t, len(before), len(after), "no duplicate orders on replay")
}

func TestPlaceBracketRejectsInvalidDraft(t *testing.T) {
	a, db, _ := testAdapter(t, 100)
	tr := &storage.Trade{Pair: "BTCUSD", Side: types.SideLong}
	require.NoError(t, db.NewTrade(tr))
	err := a.PlaceBracket(context.Background(), tr, nil, risk.EntrySnapshot{})
	assert.Error(t, err)
}

func TestStructuredLadderSplitsQty(t *testing.T) {
	a, db, _ := testAdapter(t, 100)
	tr := draftTrade(t, db)
	tr.Qty = decimal.NewFromInt(10)
	require.NoError(t, db.SaveTrade(tr))

	ladder := []risk.StructuredTP{
		{Px: 100.6, SizeFrac: 0.5}, {Px: 101.0, SizeFrac: 0.3}, {Px: 101.5, SizeFrac: 0.2},
	}
	require.NoError(t, a.PlaceBracket(context.Background(), tr, ladder, risk.EntrySnapshot{}))

	tps, err := db.OpenOrders(tr.ID, storage.OrderKindTP)
	require.NoError(t, err)
	require.Len(t, tps, 3)
	total := decimal.Zero
	for _, o := range tps {
		assert.True(t, o.ReduceOnly)
		total = total.Add(o.Qty)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(10)), "rungs cover the full size, got %s", total)
}

func TestEnsurePartialTP1Idempotent(t *testing.T) {
	a, db, _ := testAdapter(t, 100)
	tr := draftTrade(t, db)
	ctx := context.Background()

	require.NoError(t, a.EnsurePartialTP1(ctx, tr, 0.5))
	require.NoError(t, a.EnsurePartialTP1(ctx, tr, 0.5), "second call finds the resting TP")
	tps, err := db.OpenOrders(tr.ID, storage.OrderKindTP)
	require.NoError(t, err)
	assert.Len(t, tps, 1)
}

func TestExitRemainderMarketCancelsProtection(t *testing.T) {
	a, db, ex := testAdapter(t, 101)
	tr := draftTrade(t, db)
	ctx := context.Background()
	require.NoError(t, a.PlaceBracket(ctx, tr, nil, risk.EntrySnapshot{}))

	fill, err := a.ExitRemainderMarket(ctx, tr, 5)
	require.NoError(t, err)
	assert.Equal(t, 101.0, fill)

	open, err := db.OpenOrders(tr.ID, "")
	require.NoError(t, err)
	assert.Empty(t, open, "resting protection cancelled")

	pos, err := ex.Position(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Nil(t, pos, "venue flat after the flatten")
}

func TestAmendTPsReconcilesLadder(t *testing.T) {
	a, db, _ := testAdapter(t, 100)
	tr := draftTrade(t, db)
	ctx := context.Background()
	require.NoError(t, a.PlaceBracket(ctx, tr, nil, risk.EntrySnapshot{}))

	// The bracket rested TP3 at 101.5; the new ladder shares no rung with it.
	ladder := []float64{100.72, 101.2, 101.9}
	require.NoError(t, a.AmendTPs(ctx, tr, ladder))

	open, err := db.OpenOrders(tr.ID, storage.OrderKindTP)
	require.NoError(t, err)
	require.Len(t, open, 3, "stale rung cancelled, full ladder placed")
	total := decimal.Zero
	for _, o := range open {
		assert.True(t, o.ReduceOnly)
		assert.False(t, o.Price.Equal(decimal.NewFromFloat(101.5)), "stale rung must not survive")
		total = total.Add(o.Qty)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(5)), "rungs cover the full size, got %s", total)

	// Replay with the same ladder: every rung matches, nothing is re-sent.
	require.NoError(t, a.AmendTPs(ctx, tr, ladder))
	again, err := db.OpenOrders(tr.ID, storage.OrderKindTP)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestAmendTPsKeepsMatchingRung(t *testing.T) {
	a, db, _ := testAdapter(t, 100)
	tr := draftTrade(t, db)
	ctx := context.Background()
	require.NoError(t, a.PlaceBracket(ctx, tr, nil, risk.EntrySnapshot{}))

	// TP3 survives at its price; its quantity stays reserved, so the free
	// remainder is zero and no extra legs appear.
	require.NoError(t, a.AmendTPs(ctx, tr, []float64{100.72, 101.0, 101.5}))
	open, err := db.OpenOrders(tr.ID, storage.OrderKindTP)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Price.Equal(decimal.NewFromFloat(101.5)))
}

func TestReduceMarketLeavesProtection(t *testing.T) {
	a, db, ex := testAdapter(t, 100.8)
	tr := draftTrade(t, db)
	ctx := context.Background()
	require.NoError(t, a.PlaceBracket(ctx, tr, nil, risk.EntrySnapshot{}))

	fill, err := a.ReduceMarket(ctx, tr, 2)
	require.NoError(t, err)
	assert.Equal(t, 100.8, fill)

	pos, err := ex.Position(ctx, "BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 3.0, pos.Contracts, "partial only trims the position")

	sls, err := db.OpenOrders(tr.ID, storage.OrderKindSL)
	require.NoError(t, err)
	assert.NotEmpty(t, sls, "stop stays armed for the remainder")
}

func TestReenterFromRecoveryReducedSize(t *testing.T) {
	a, db, ex := testAdapter(t, 100.1)
	tr := draftTrade(t, db)
	ctx := context.Background()

	require.NoError(t, a.ReenterFromRecovery(ctx, tr, 5))
	assert.True(t, tr.Qty.Equal(decimal.NewFromInt(3)), "60%% of the pre-restart size, got %s", tr.Qty)

	pos, err := ex.Position(ctx, "BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 3.0, pos.Contracts)

	sls, err := db.OpenOrders(tr.ID, storage.OrderKindSL)
	require.NoError(t, err)
	assert.NotEmpty(t, sls, "stop re-armed at the recorded trigger")
}

func TestAmendSLReplacesStop(t *testing.T) {
	a, db, _ := testAdapter(t, 100)
	tr := draftTrade(t, db)
	ctx := context.Background()
	require.NoError(t, a.PlaceBracket(ctx, tr, nil, risk.EntrySnapshot{}))

	require.NoError(t, a.AmendSL(ctx, tr, 99.8))
	assert.True(t, tr.SL.Equal(decimal.NewFromFloat(99.8)))
	sls, err := db.OpenOrders(tr.ID, storage.OrderKindSL)
	require.NoError(t, err)
	require.Len(t, sls, 1, "exactly one live stop")
	assert.True(t, sls[0].Price.Equal(decimal.NewFromFloat(99.8)))
}
