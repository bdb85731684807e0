package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taserbot/bot"
	"github.com/web3guy0/taserbot/execution"
	"github.com/web3guy0/taserbot/internal/indicators"
	"github.com/web3guy0/taserbot/internal/regime"
	"github.com/web3guy0/taserbot/risk"
	"github.com/web3guy0/taserbot/storage"
	"github.com/web3guy0/taserbot/strategy"
	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - owns one open trade from handoff to final close
// ═══════════════════════════════════════════════════════════════════════════════

// CandleSource supplies OHLCV windows; the REST feed satisfies it.
type CandleSource interface {
	Candles(ctx context.Context, symbol, resolution string, bars int) (*types.Candles, error)
}

// Config is the manager's knob set.
type Config struct {
	Pair              string
	DryRun            bool
	ManagePoll        time.Duration
	CheckPosEvery     time.Duration
	StatusInterval    time.Duration
	SLConfirmBars     int
	SLTightenCooldown time.Duration
	TPExtendCooldown  time.Duration
	TPEps             float64 // min rung move worth a venue round-trip
	PartialTP1Frac    float64
	GivebackArmR      float64
	GivebackFrac      float64
	EMATolPct         float64
	PEVHardPadATR     float64
	MLConfThr         float64

	// ML is the manager's own classifier gate; nil disables the ML-side
	// validity checks. It must not be shared with an engine, the gate keeps
	// slope state between calls.
	ML *strategy.MLGate

	FSM    FSMConfig
	PEV    risk.PEVConfig
	Regime regime.Thresholds
	Sizing risk.SizingConfig
}

// Manager runs the per-trade management loop.
type Manager struct {
	db       *storage.DB
	adapter  *execution.Adapter
	ex       execution.Exchange
	feed     CandleSource
	notifier *bot.Notifier
	cfg      Config

	// Per-trade runtime state, reset on handoff.
	initialSL      float64
	entrySnap      risk.EntrySnapshot
	lastBarTS      int64
	barsSinceTP1   int
	mfe            float64
	mae            float64
	slTouchStreak  int
	confirm1m      int
	mlFlipStreak   int
	pevState       risk.PEVState
	regimeLabel    string
	lastSLChange   time.Time
	lastTPChange   time.Time
	lastVenueCheck time.Time
	lastStatus     time.Time
	openedAt       time.Time
}

// New builds a manager.
func New(db *storage.DB, adapter *execution.Adapter, ex execution.Exchange,
	feed CandleSource, notifier *bot.Notifier, cfg Config) *Manager {
	return &Manager{db: db, adapter: adapter, ex: ex, feed: feed, notifier: notifier, cfg: cfg}
}

// Run manages the trade until it closes or the context ends. The scheduler
// hands off here right after the bracket is placed.
func (m *Manager) Run(ctx context.Context, trade *storage.Trade) error {
	m.reset(trade)
	log.Info().Uint("trade", trade.ID).Str("side", trade.Side).Msg("🎯 Managing position")

	ticker := time.NewTicker(m.cfg.ManagePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		c1m, err := m.feed.Candles(ctx, m.cfg.Pair, "1m", 240)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ 1m fetch failed, retrying next poll")
			continue
		}
		c5, err := m.feed.Candles(ctx, m.cfg.Pair, "5m", 240)
		if err != nil {
			continue
		}
		c15, err := m.feed.Candles(ctx, m.cfg.Pair, "15m", 240)
		if err != nil {
			continue
		}
		done, err := m.Tick(ctx, trade, c1m, c5, c15, time.Now())
		if err != nil {
			log.Error().Err(err).Msg("❌ Manage tick failed")
			continue
		}
		if done {
			return nil
		}
	}
}

// reset clears per-trade runtime state.
func (m *Manager) reset(trade *storage.Trade) {
	sl, _ := trade.SL.Float64()
	m.initialSL = sl
	m.entrySnap = entrySnapshotOf(trade)
	m.lastBarTS = 0
	m.barsSinceTP1 = 0
	m.mfe, m.mae = 0, 0
	m.slTouchStreak = 0
	m.confirm1m = 0
	m.mlFlipStreak = 0
	m.pevState = risk.PEVState{}
	m.regimeLabel = trade.Regime
	m.lastSLChange = time.Time{}
	m.lastTPChange = time.Time{}
	m.openedAt = time.Now()
}

// entrySnapshotOf restores the fill-time validity snapshot persisted in the
// trade meta; trades from before the snapshot existed fall back to reading
// the entry side as the trend side.
func entrySnapshotOf(trade *storage.Trade) risk.EntrySnapshot {
	var meta struct {
		EntryValidity risk.EntrySnapshot `json:"entry_validity"`
	}
	snap := risk.EntrySnapshot{}
	if trade.Meta != "" {
		if err := json.Unmarshal([]byte(trade.Meta), &meta); err == nil {
			snap = meta.EntryValidity
		}
	}
	if snap.Side == "" {
		snap.Side = trade.Side
		snap.Structure = true
	}
	if snap.EMA200Side == 0 {
		if trade.Side == types.SideShort {
			snap.EMA200Side = -1
		} else {
			snap.EMA200Side = 1
		}
	}
	return snap
}

// Tick advances the trade one poll. Returns done=true when the trade is
// closed and the manager should hand control back.
func (m *Manager) Tick(ctx context.Context, trade *storage.Trade,
	c1m, c5, c15 *types.Candles, now time.Time) (bool, error) {

	if c5.Empty() {
		return false, nil
	}
	price := c5.LastClose()
	if !c1m.Empty() {
		price = c1m.LastClose()
	}
	entry, _ := trade.Entry.Float64()
	sl, _ := trade.SL.Float64()
	dir := 1.0
	if trade.Side == types.SideShort {
		dir = -1.0
	}

	// Venue reconcile: live positions that vanished venue-side close here.
	if !m.cfg.DryRun && now.Sub(m.lastVenueCheck) >= m.cfg.CheckPosEvery {
		m.lastVenueCheck = now
		pos, err := m.ex.Position(ctx, m.cfg.Pair)
		if err == nil && (pos == nil || pos.Contracts == 0) {
			return true, m.close(ctx, trade, storage.StatusClosedVenueFlat, price, "venue reports flat")
		}
	}

	// Bar advance.
	if ts := c5.LastTimestamp(); ts != m.lastBarTS {
		if m.lastBarTS != 0 && trade.TP1Hit {
			m.barsSinceTP1++
		}
		m.lastBarTS = ts
	}

	// Bar extremes for touch detection: 1m wicks when available, else 5m.
	barHigh, barLow := c5.High[c5.Len()-1], c5.Low[c5.Len()-1]
	if !c1m.Empty() {
		barHigh, barLow = c1m.High[c1m.Len()-1], c1m.Low[c1m.Len()-1]
	}

	// Excursions.
	fav := dir * (price - entry)
	m.mfe = math.Max(m.mfe, fav)
	m.mae = math.Max(m.mae, -fav)

	// Stop touch: judged on the bar extreme, not the close. A wick through
	// the trigger is a fill on any real venue.
	slTouched := (trade.Side == types.SideLong && barLow <= sl) ||
		(trade.Side == types.SideShort && barHigh >= sl)
	if slTouched {
		m.slTouchStreak++
		if m.slTouchStreak > m.cfg.SLConfirmBars {
			return true, m.close(ctx, trade, storage.StatusClosedSL, sl, "stop hit")
		}
	} else {
		m.slTouchStreak = 0
	}

	// TP touches and the regime-dependent TP1 behavior.
	if done, err := m.handleTPHits(ctx, trade, barHigh, barLow, dir); done || err != nil {
		return done, err
	}

	// Features for regime, PEV and the FSM.
	atr5 := indicators.ATR(c5.High, c5.Low, c5.Close, 5)
	atr14 := indicators.ATR(c5.High, c5.Low, c5.Close, 14)
	atrPct := atr14 / math.Max(price, 1e-9)
	adxS := indicators.ADXSeries(c5.High, c5.Low, c5.Close, 20)
	adx := indicators.Last(adxS, 0)
	ema200 := indicators.EMA(c5.Close, 200)
	emaSide := 1
	if price < ema200 {
		emaSide = -1
	}
	closeSlope := indicators.LinRegSlope(c5.Close, 10)

	emaF := float64(emaSide)
	m.regimeLabel = regime.Classify(m.regimeLabel, adx, atrPct, emaF, closeSlope, m.cfg.Regime)
	if trade.Regime != m.regimeLabel {
		trade.Regime = m.regimeLabel
		m.db.SaveTrade(trade)
	}

	// A runner that flips to chop after TP1 has no thesis left to ride;
	// the remainder comes off at market.
	if trade.TP1Hit && !trade.TP3Hit && m.regimeLabel == regime.Chop {
		return true, m.exitRemainder(ctx, trade, storage.StatusClosedTP, "regime flipped to chop after TP1")
	}

	// 1m confirmation counter for hard invalidation: consecutive adverse closes.
	if !c1m.Empty() && dir*(c1m.LastClose()-entry) < 0 {
		m.confirm1m++
	} else {
		m.confirm1m = 0
	}

	// Post-entry validity runs until TP1 pays; after that the trail owns the
	// risk. A confirmed EMA flip plus a padded swing break flattens on the
	// spot, softer decay goes through the grace window.
	if !trade.TP1Hit {
		broken := SwingBroken(trade.Side, c5, atr14, m.cfg.PEVHardPadATR)
		if broken && EMAFlip(trade.Side, m.entrySnap.EMA200Side, c5, c15, m.cfg.EMATolPct) {
			return true, m.exitRemainder(ctx, trade, storage.StatusClosedPEV, "entry thesis invalidated")
		}
		pev := risk.EvaluatePEV(m.entrySnap, adx, atrPct, emaSide, !broken, m.confirm1m, now, m.cfg.PEV, &m.pevState)
		if pev.Verdict == risk.PEVExit {
			return true, m.exitRemainder(ctx, trade, storage.StatusClosedPEV, pev.Reason)
		}
	}

	// Classifier read: feeds the flip exit, the weak-conviction tighten, the
	// trail-fraction nudge and the giveback arm.
	var mlDec risk.PEVDecision
	mlConf, mlSlope, mlWarm := 0.0, 0.0, false
	if m.cfg.ML != nil {
		sig := m.cfg.ML.Evaluate(c5)
		mlConf, mlSlope, mlWarm = sig.Conf, sig.Slope, sig.Warm
		if sig.Warm {
			opposite := (trade.Side == types.SideLong && sig.Bias == types.SideShort) ||
				(trade.Side == types.SideShort && sig.Bias == types.SideLong)
			if opposite && sig.Conf >= m.cfg.MLConfThr {
				m.mlFlipStreak++
			} else {
				m.mlFlipStreak = 0
			}
			mlDec = risk.EvaluateMLPEV(trade.Side, sig.Bias, sig.Conf, m.cfg.MLConfThr,
				m.mlFlipStreak >= 2, m.graceOver(now), entry, m.cfg.FSM.FeesPad)
			if mlDec.Action == risk.PEVActionExit {
				return true, m.exitRemainder(ctx, trade, storage.StatusClosedPEV, mlDec.Reason)
			}
		}
	}

	// Giveback guard: after arming, surrendering too much MFE flattens, but
	// only while the classifier is fading (or absent).
	r := rValue(entry, m.initialSL)
	if r > 0 && m.cfg.GivebackArmR > 0 && m.mfe >= m.cfg.GivebackArmR*r {
		fading := m.cfg.ML == nil || !mlWarm || mlSlope < 0
		if fading && m.mfe > 0 && (m.mfe-fav)/m.mfe >= m.cfg.GivebackFrac {
			return true, m.exitRemainder(ctx, trade, storage.StatusClosedGiveback, "giveback guard")
		}
	}

	// FSM proposal.
	ts := TradeState{
		Side: trade.Side, Entry: entry, SL: sl,
		TPs:    tpsOf(trade),
		TP1Hit: trade.TP1Hit, TP2Hit: trade.TP2Hit, TP3Hit: trade.TP3Hit,
		BarsSinceTP1: m.barsSinceTP1, MFE: m.mfe, Regime: m.regimeLabel,
	}
	market := MarketState{
		Price: price, ATR5: atr5, ATR14: atr14, ATRPct: atrPct, ADX: adx,
		RSISlope: rsiSlope(c5), MLConf: mlConf, C5m: c5,
	}
	prop := Propose(ts, market, m.initialSL, m.cfg.FSM)

	if prop.TakeProfitNow {
		return true, m.exitRemainder(ctx, trade, storage.StatusClosedTP, prop.Why)
	}
	if mlDec.Action == risk.PEVActionTighten {
		if g := guard(ts, market, mlDec.Target, true, m.cfg.FSM); g != 0 {
			if prop.SL == 0 || dir*(g-prop.SL) > 0 {
				prop.SL = g
				prop.Why = mlDec.Reason
			}
		}
	}
	if prop.SL != 0 && now.Sub(m.lastSLChange) >= m.cfg.SLTightenCooldown {
		if err := m.adapter.AmendSL(ctx, trade, prop.SL); err == nil {
			m.lastSLChange = now
			log.Info().Float64("sl", prop.SL).Str("why", prop.Why).Msg("🔒 Stop tightened")
		}
	}
	// Rung moves only reach the venue past the epsilon and the cooldown; a
	// ladder that barely moved is not worth a cancel/replace round-trip.
	if len(prop.TPs) > 0 && m.tpsDiffer(trade, prop.TPs) &&
		now.Sub(m.lastTPChange) >= m.cfg.TPExtendCooldown {
		applyTPs(trade, prop.TPs)
		m.db.SaveTrade(trade)
		if err := m.adapter.AmendTPs(ctx, trade, tpsOf(trade)); err != nil {
			log.Warn().Err(err).Msg("⚠️ TP amend failed, will retry next tick")
		} else {
			m.lastTPChange = now
			m.notifier.SendThrottled(fmt.Sprintf("tpamend-%d", trade.ID),
				fmt.Sprintf("🔁 %s %s TP ladder moved", trade.Pair, trade.Side))
		}
	}

	// Heartbeat telemetry.
	if m.cfg.StatusInterval > 0 && now.Sub(m.lastStatus) >= m.cfg.StatusInterval {
		m.lastStatus = now
		m.db.Log("manager", storage.TagStatus, "managing", map[string]interface{}{
			"trade": trade.ID, "price": price, "sl": trade.SL,
			"mfe": m.mfe, "mae": m.mae, "regime": m.regimeLabel,
		})
	}
	return false, nil
}

// handleTPHits marks rungs touched by the bar extremes. TP1 in CHOP exits
// the whole position; TP1 in RUNNER takes the partial and rides the rest.
// TP3 always closes.
func (m *Manager) handleTPHits(ctx context.Context, trade *storage.Trade, barHigh, barLow, dir float64) (bool, error) {
	tps := tpsOf(trade)
	touched := func(tp float64) bool {
		if tp <= 0 {
			return false
		}
		if dir > 0 {
			return barHigh >= tp
		}
		return barLow <= tp
	}

	if !trade.TP1Hit && len(tps) > 0 && touched(tps[0]) {
		trade.TP1Hit = true
		m.barsSinceTP1 = 0
		if m.regimeLabel == regime.Chop {
			return true, m.exitRemainder(ctx, trade, storage.StatusClosedTP, "TP1 in chop, done")
		}
		if m.cfg.PartialTP1Frac > 0 {
			qty, _ := trade.Qty.Float64()
			part := qty * m.cfg.PartialTP1Frac
			if _, err := m.adapter.ReduceMarket(ctx, trade, part); err == nil {
				trade.Qty = decimal.NewFromFloat(qty - part)
				trade.Status = storage.StatusPartial
			}
		}
		m.db.SaveTrade(trade)
		m.notifier.SendThrottled(fmt.Sprintf("tp1-%d", trade.ID),
			fmt.Sprintf("✅ TP1 hit on %s %s", trade.Pair, trade.Side))
	}
	if trade.TP1Hit && !trade.TP2Hit && len(tps) > 1 && touched(tps[1]) {
		trade.TP2Hit = true
		m.db.SaveTrade(trade)
	}
	if trade.TP2Hit && !trade.TP3Hit && len(tps) > 2 && touched(tps[2]) {
		trade.TP3Hit = true
		return true, m.exitRemainder(ctx, trade, storage.StatusClosedTP, "final target")
	}
	return false, nil
}

// exitRemainder flattens at market and finalizes the trade.
func (m *Manager) exitRemainder(ctx context.Context, trade *storage.Trade, status, why string) error {
	qty, _ := trade.Qty.Float64()
	fill, err := m.adapter.ExitRemainderMarket(ctx, trade, qty)
	if err != nil {
		return err
	}
	if fill == 0 {
		fill, _ = trade.Entry.Float64() // paper venues without mark fall back
	}
	return m.close(ctx, trade, status, fill, why)
}

// close finalizes bookkeeping at an exit price.
func (m *Manager) close(_ context.Context, trade *storage.Trade, status string, exitPx float64, why string) error {
	exit := decimal.NewFromFloat(exitPx)
	pnl := risk.CalcPnL(trade.Side, trade.Entry, exit, trade.Qty)
	fees := risk.CalcFees(m.cfg.Sizing, trade.Entry, exit, trade.Qty)
	if err := m.db.CloseTrade(trade, status, exit, pnl, fees); err != nil {
		return err
	}
	m.db.CancelOpenOrders(trade.ID)
	m.db.AddEvent(trade.ID, status, why)
	m.db.Log("manager", status, why, map[string]interface{}{
		"trade": trade.ID, "exit": exitPx, "pnl": pnl, "mfe": m.mfe, "mae": m.mae,
	})
	m.notifier.Sendf("🏁 %s %s closed (%s): pnl %s", trade.Pair, trade.Side, status, pnl.StringFixed(4))
	log.Info().Uint("trade", trade.ID).Str("status", status).Str("pnl", pnl.String()).Msg("🏁 Position closed")
	return nil
}

func tpsOf(trade *storage.Trade) []float64 {
	out := make([]float64, 0, 3)
	for _, d := range []decimal.Decimal{trade.TP1, trade.TP2, trade.TP3} {
		if !d.IsZero() {
			f, _ := d.Float64()
			out = append(out, f)
		}
	}
	return out
}

func applyTPs(trade *storage.Trade, tps []float64) {
	set := func(dst *decimal.Decimal, i int) {
		if i < len(tps) {
			*dst = decimal.NewFromFloat(tps[i])
		}
	}
	set(&trade.TP1, 0)
	set(&trade.TP2, 1)
	set(&trade.TP3, 2)
}

// tpsDiffer reports whether any proposed rung moved past the epsilon from
// what the trade currently carries.
func (m *Manager) tpsDiffer(trade *storage.Trade, tps []float64) bool {
	cur := []decimal.Decimal{trade.TP1, trade.TP2, trade.TP3}
	eps := m.cfg.TPEps
	if eps <= 0 {
		eps = 1e-9
	}
	for i, tp := range tps {
		if i >= len(cur) {
			break
		}
		c, _ := cur[i].Float64()
		if math.Abs(tp-c) > eps {
			return true
		}
	}
	return false
}

// graceOver reports whether the position has outlived the validity grace.
func (m *Manager) graceOver(now time.Time) bool {
	grace := m.cfg.PEV.GraceMin
	if b := time.Duration(m.cfg.PEV.GraceBars5m) * 5 * time.Minute; b > grace {
		grace = b
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return now.Sub(m.openedAt) >= grace
}

// rsiSlope is the short RSI momentum used by the stall take.
func rsiSlope(c5 *types.Candles) float64 {
	s := indicators.RSISeries(c5.Close, 14)
	n := len(s)
	if n < 4 || math.IsNaN(s[n-1]) || math.IsNaN(s[n-4]) {
		return 0
	}
	return s[n-1] - s[n-4]
}
