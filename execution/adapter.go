package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taserbot/risk"
	"github.com/web3guy0/taserbot/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ADAPTER - brackets, partials and flatten on top of Exchange
// ═══════════════════════════════════════════════════════════════════════════════

// AdapterConfig tunes bracket placement.
type AdapterConfig struct {
	DryRun          bool
	PlaceTP3Limit   bool    // rest the final TP as a reduce-only limit
	PreplacePartial bool    // rest the TP1 partial at bracket time
	PartialTP1Frac  float64 // reduce-only fraction at TP1
	TPMatchTol      float64 // price tolerance for TP idempotency checks
}

// Adapter turns approved drafts into venue orders and keeps the order rows
// in storage consistent with what the venue holds.
type Adapter struct {
	ex  Exchange
	db  *storage.DB
	cfg AdapterConfig
}

// NewAdapter wires the adapter.
func NewAdapter(ex Exchange, db *storage.DB, cfg AdapterConfig) *Adapter {
	if cfg.TPMatchTol == 0 {
		cfg.TPMatchTol = 0.0005
	}
	return &Adapter{ex: ex, db: db, cfg: cfg}
}

// alreadyBracketed reports whether the trade already has a live entry order;
// a second PlaceBracket for the same trade is a no-op.
func (a *Adapter) alreadyBracketed(tradeID uint) (bool, error) {
	orders, err := a.db.TradeOrders(tradeID)
	if err != nil {
		return false, err
	}
	for _, o := range orders {
		if o.Kind == storage.OrderKindEntry &&
			(o.Status == storage.OrderOpen || o.Status == storage.OrderFilled) {
			return true, nil
		}
	}
	return false, nil
}

// PlaceBracket executes the entry and arms the stop plus the TP ladder.
// Idempotent per trade: replays return without touching the venue. The
// entry-validity snapshot is folded into the trade meta at fill time. A
// failed entry is fatal for the draft; failed SL/TP legs are logged and left
// to the manager to retry.
func (a *Adapter) PlaceBracket(ctx context.Context, trade *storage.Trade,
	structured []risk.StructuredTP, snap risk.EntrySnapshot) error {

	if trade.Entry.LessThanOrEqual(decimal.Zero) || trade.SL.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("invalid bracket: entry=%s sl=%s", trade.Entry, trade.SL)
	}
	exists, err := a.alreadyBracketed(trade.ID)
	if err != nil {
		return err
	}
	if exists {
		a.db.Log("execution", storage.TagBracketExists, "bracket already placed", map[string]uint{"trade": trade.ID})
		return nil
	}

	qty, _ := trade.Qty.Float64()

	// Entry. A rejected entry aborts the whole draft.
	ack, err := a.ex.PlaceMarket(ctx, trade.Pair, openingSide(trade.Side), qty)
	if err != nil {
		a.db.Log("execution", storage.TagEntryError, err.Error(), map[string]uint{"trade": trade.ID})
		return fmt.Errorf("entry failed: %w", err)
	}
	if ack.AvgFillPrice > 0 {
		trade.Entry = decimal.NewFromFloat(ack.AvgFillPrice)
	}
	if b, err := json.Marshal(snap); err == nil {
		trade.Meta = mergeMeta(trade.Meta, "entry_validity", string(b))
	}
	a.db.AddOrder(&storage.Order{
		TradeID: trade.ID, VenueID: ack.VenueID, Kind: storage.OrderKindEntry,
		Status: storage.OrderFilled, Price: trade.Entry, Qty: trade.Qty,
	})

	// Stop. Non-fatal: the manager re-arms on its next tick.
	slPx, _ := trade.SL.Float64()
	if ack, err := a.ex.PlaceStop(ctx, trade.Pair, closingSide(trade.Side), qty, slPx); err != nil {
		a.db.Log("execution", storage.TagSLError, err.Error(), map[string]uint{"trade": trade.ID})
		log.Error().Err(err).Msg("❌ Stop placement failed, manager will retry")
	} else {
		a.db.AddOrder(&storage.Order{
			TradeID: trade.ID, VenueID: ack.VenueID, Kind: storage.OrderKindSL,
			Status: storage.OrderOpen, Price: trade.SL, Qty: trade.Qty, ReduceOnly: true,
		})
	}

	// TP legs: structured ladder, or optional TP1 partial + resting TP3.
	if len(structured) > 0 {
		a.placeStructured(ctx, trade, structured, qty)
	} else {
		if a.cfg.PreplacePartial && a.cfg.PartialTP1Frac > 0 && !trade.TP1.IsZero() {
			a.EnsurePartialTP1(ctx, trade, a.cfg.PartialTP1Frac)
		}
		if a.cfg.PlaceTP3Limit && !trade.TP3.IsZero() {
			tp3, _ := trade.TP3.Float64()
			if ack, err := a.ex.PlaceLimit(ctx, trade.Pair, closingSide(trade.Side), qty, tp3, true); err != nil {
				a.db.Log("execution", storage.TagTPError, err.Error(), map[string]uint{"trade": trade.ID})
			} else {
				a.db.AddOrder(&storage.Order{
					TradeID: trade.ID, VenueID: ack.VenueID, Kind: storage.OrderKindTP,
					Status: storage.OrderOpen, Price: trade.TP3, Qty: trade.Qty, ReduceOnly: true,
				})
			}
		}
	}

	tag := storage.TagLiveOrders
	if a.cfg.DryRun {
		tag = storage.TagPaperOrders
	}
	a.db.Log("execution", tag, "bracket placed", map[string]interface{}{
		"trade": trade.ID, "entry": trade.Entry, "sl": trade.SL, "qty": trade.Qty,
	})
	return a.db.SaveTrade(trade)
}

// placeStructured rests one reduce-only limit per ladder rung.
func (a *Adapter) placeStructured(ctx context.Context, trade *storage.Trade, tps []risk.StructuredTP, qty float64) {
	remaining := qty
	for i, tp := range tps {
		legQty := roundQty(qty * tp.SizeFrac)
		if i == len(tps)-1 {
			legQty = roundQty(remaining) // last rung takes the remainder
		}
		if legQty <= 0 {
			continue
		}
		remaining -= legQty
		ack, err := a.ex.PlaceLimit(ctx, trade.Pair, closingSide(trade.Side), legQty, tp.Px, true)
		if err != nil {
			a.db.Log("execution", storage.TagTPError, err.Error(), map[string]interface{}{"trade": trade.ID, "rung": i + 1})
			continue
		}
		a.db.AddOrder(&storage.Order{
			TradeID: trade.ID, VenueID: ack.VenueID, Kind: storage.OrderKindTP,
			Status: storage.OrderOpen, Price: decimal.NewFromFloat(tp.Px),
			Qty: decimal.NewFromFloat(legQty), ReduceOnly: true,
		})
	}
}

// tpExistsAt reports whether an open TP already rests at the price.
func (a *Adapter) tpExistsAt(tradeID uint, px float64) bool {
	orders, err := a.db.OpenOrders(tradeID, storage.OrderKindTP)
	if err != nil {
		return false
	}
	for _, o := range orders {
		op, _ := o.Price.Float64()
		if px > 0 && math.Abs(op-px)/px <= a.cfg.TPMatchTol {
			return true
		}
	}
	return false
}

// EnsurePartialTP1 rests the reduce-only TP1 partial if it is not already
// there. Idempotent by price.
func (a *Adapter) EnsurePartialTP1(ctx context.Context, trade *storage.Trade, frac float64) error {
	if trade.TP1.IsZero() || frac <= 0 {
		return nil
	}
	tp1, _ := trade.TP1.Float64()
	if a.tpExistsAt(trade.ID, tp1) {
		return nil
	}
	qty, _ := trade.Qty.Float64()
	legQty := roundQty(qty * frac)
	if legQty <= 0 {
		return nil
	}
	ack, err := a.ex.PlaceLimit(ctx, trade.Pair, closingSide(trade.Side), legQty, tp1, true)
	if err != nil {
		a.db.Log("execution", storage.TagTPError, err.Error(), map[string]uint{"trade": trade.ID})
		return err
	}
	return a.db.AddOrder(&storage.Order{
		TradeID: trade.ID, VenueID: ack.VenueID, Kind: storage.OrderKindTP,
		Status: storage.OrderOpen, Price: trade.TP1,
		Qty: decimal.NewFromFloat(legQty), ReduceOnly: true,
	})
}

// AmendTPs reconciles the resting reduce-only ladder with the new rung
// prices. Rungs that already rest within tolerance stay; stale orders are
// cancelled and missing rungs are placed, splitting the uncovered quantity
// evenly with the last rung taking the remainder.
func (a *Adapter) AmendTPs(ctx context.Context, trade *storage.Trade, newTPs []float64) error {
	open, err := a.db.OpenOrders(trade.ID, storage.OrderKindTP)
	if err != nil {
		return err
	}
	matched := make([]bool, len(newTPs))
	keptQty := 0.0
	for _, o := range open {
		op, _ := o.Price.Float64()
		keep := false
		for i, tp := range newTPs {
			if matched[i] || tp <= 0 {
				continue
			}
			if math.Abs(op-tp)/tp <= a.cfg.TPMatchTol {
				matched[i] = true
				keep = true
				break
			}
		}
		if keep {
			q, _ := o.Qty.Float64()
			keptQty += q
			continue
		}
		if o.VenueID != "" {
			if err := a.ex.CancelOrder(ctx, trade.Pair, o.VenueID); err != nil {
				log.Warn().Err(err).Str("order", o.VenueID).Msg("⚠️ Failed to cancel stale TP")
			}
		}
		o.Status = storage.OrderCancelled
		a.db.SaveOrder(&o)
	}

	missing := make([]int, 0, len(newTPs))
	for i, tp := range newTPs {
		if tp > 0 && !matched[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	qty, _ := trade.Qty.Float64()
	free := qty - keptQty
	if free <= 0 {
		return nil
	}
	legQty := roundQty(free / float64(len(missing)))
	remaining := free
	for j, i := range missing {
		leg := legQty
		if j == len(missing)-1 {
			leg = roundQty(remaining)
		}
		if leg <= 0 {
			continue
		}
		remaining -= leg
		ack, err := a.ex.PlaceLimit(ctx, trade.Pair, closingSide(trade.Side), leg, newTPs[i], true)
		if err != nil {
			a.db.Log("execution", storage.TagTPError, err.Error(), map[string]interface{}{"trade": trade.ID, "rung": i + 1})
			continue
		}
		a.db.AddOrder(&storage.Order{
			TradeID: trade.ID, VenueID: ack.VenueID, Kind: storage.OrderKindTP,
			Status: storage.OrderOpen, Price: decimal.NewFromFloat(newTPs[i]),
			Qty: decimal.NewFromFloat(leg), ReduceOnly: true,
		})
	}
	log.Info().Uint("trade", trade.ID).Int("rungs", len(missing)).Msg("🔁 TP ladder amended")
	return nil
}

// ReduceMarket closes part of the position at market without touching the
// resting protection; the stop stays armed for the remainder.
func (a *Adapter) ReduceMarket(ctx context.Context, trade *storage.Trade, qty float64) (float64, error) {
	if qty <= 0 {
		return 0, nil
	}
	ack, err := a.ex.PlaceMarket(ctx, trade.Pair, closingSide(trade.Side), qty)
	if err != nil {
		return 0, fmt.Errorf("partial close failed: %w", err)
	}
	a.db.AddOrder(&storage.Order{
		TradeID: trade.ID, VenueID: ack.VenueID, Kind: storage.OrderKindTP,
		Status: storage.OrderFilled, Price: decimal.NewFromFloat(ack.AvgFillPrice),
		Qty: decimal.NewFromFloat(qty), ReduceOnly: true,
	})
	return ack.AvgFillPrice, nil
}

// ExitRemainderMarket flattens whatever the trade still holds and cancels
// its resting protection.
func (a *Adapter) ExitRemainderMarket(ctx context.Context, trade *storage.Trade, remainingQty float64) (float64, error) {
	if remainingQty <= 0 {
		return 0, nil
	}
	ack, err := a.ex.PlaceMarket(ctx, trade.Pair, closingSide(trade.Side), remainingQty)
	if err != nil {
		return 0, fmt.Errorf("failed to flatten: %w", err)
	}
	open, _ := a.db.OpenOrders(trade.ID, "")
	for _, o := range open {
		if o.VenueID != "" {
			if err := a.ex.CancelOrder(ctx, trade.Pair, o.VenueID); err != nil {
				log.Warn().Err(err).Str("order", o.VenueID).Msg("⚠️ Failed to cancel resting order")
			}
		}
	}
	if err := a.db.CancelOpenOrders(trade.ID); err != nil {
		return ack.AvgFillPrice, err
	}
	return ack.AvgFillPrice, nil
}

// AmendSL replaces the resting stop with a new trigger price.
func (a *Adapter) AmendSL(ctx context.Context, trade *storage.Trade, newSL float64) error {
	open, err := a.db.OpenOrders(trade.ID, storage.OrderKindSL)
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.VenueID != "" {
			a.ex.CancelOrder(ctx, trade.Pair, o.VenueID)
		}
		o.Status = storage.OrderCancelled
		a.db.SaveOrder(&o)
	}
	qty, _ := trade.Qty.Float64()
	ack, err := a.ex.PlaceStop(ctx, trade.Pair, closingSide(trade.Side), qty, newSL)
	if err != nil {
		a.db.Log("execution", storage.TagSLError, err.Error(), map[string]uint{"trade": trade.ID})
		return err
	}
	trade.SL = decimal.NewFromFloat(newSL)
	if err := a.db.AddOrder(&storage.Order{
		TradeID: trade.ID, VenueID: ack.VenueID, Kind: storage.OrderKindSL,
		Status: storage.OrderOpen, Price: trade.SL, Qty: trade.Qty, ReduceOnly: true,
	}); err != nil {
		return err
	}
	return a.db.SaveTrade(trade)
}

// ReenterFromRecovery re-opens a position that survived a restart blackout
// at reduced size and re-arms its stop; conviction that survived a blackout
// does not get full size. The original bracket rows are already on file, so
// this places directly rather than through PlaceBracket.
func (a *Adapter) ReenterFromRecovery(ctx context.Context, trade *storage.Trade, qtyHint float64) error {
	qty := roundQty(qtyHint * 0.6)
	if qty <= 0 {
		return fmt.Errorf("recovery size rounds to zero")
	}
	ack, err := a.ex.PlaceMarket(ctx, trade.Pair, openingSide(trade.Side), qty)
	if err != nil {
		a.db.Log("execution", storage.TagEntryError, err.Error(), map[string]uint{"trade": trade.ID})
		return fmt.Errorf("recovery entry failed: %w", err)
	}
	trade.Qty = decimal.NewFromFloat(qty)
	fillPx := trade.Entry
	if ack.AvgFillPrice > 0 {
		fillPx = decimal.NewFromFloat(ack.AvgFillPrice)
	}
	a.db.AddOrder(&storage.Order{
		TradeID: trade.ID, VenueID: ack.VenueID, Kind: storage.OrderKindEntry,
		Status: storage.OrderFilled, Price: fillPx, Qty: trade.Qty,
	})
	slPx, _ := trade.SL.Float64()
	if sack, err := a.ex.PlaceStop(ctx, trade.Pair, closingSide(trade.Side), qty, slPx); err != nil {
		a.db.Log("execution", storage.TagSLError, err.Error(), map[string]uint{"trade": trade.ID})
		log.Error().Err(err).Msg("❌ Recovery stop placement failed, manager will retry")
	} else {
		a.db.AddOrder(&storage.Order{
			TradeID: trade.ID, VenueID: sack.VenueID, Kind: storage.OrderKindSL,
			Status: storage.OrderOpen, Price: trade.SL, Qty: trade.Qty, ReduceOnly: true,
		})
	}
	log.Info().Uint("trade", trade.ID).Float64("qty", qty).Msg("🔁 Position re-entered after restart")
	return a.db.SaveTrade(trade)
}

func roundQty(q float64) float64 { return math.Round(q*1e8) / 1e8 }

// mergeMeta inserts key:rawJSON into a JSON object string.
func mergeMeta(meta, key, rawJSON string) string {
	obj := map[string]json.RawMessage{}
	if meta != "" {
		json.Unmarshal([]byte(meta), &obj)
	}
	obj[key] = json.RawMessage(rawJSON)
	out, err := json.Marshal(obj)
	if err != nil {
		return meta
	}
	return string(out)
}
