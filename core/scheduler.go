package core

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taserbot/bot"
	"github.com/web3guy0/taserbot/execution"
	"github.com/web3guy0/taserbot/feeds"
	"github.com/web3guy0/taserbot/internal/config"
	"github.com/web3guy0/taserbot/internal/heatmap"
	"github.com/web3guy0/taserbot/internal/indicators"
	"github.com/web3guy0/taserbot/internal/regime"
	"github.com/web3guy0/taserbot/manager"
	"github.com/web3guy0/taserbot/risk"
	"github.com/web3guy0/taserbot/storage"
	"github.com/web3guy0/taserbot/strategy"
	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULER - the scan loop: one position at a time, engines in order
// ═══════════════════════════════════════════════════════════════════════════════

// Scheduler owns the outer loop: scan for a draft, approve it, size it,
// place the bracket and hand the trade to the manager.
type Scheduler struct {
	cfg      *config.Config
	db       *storage.DB
	feed     manager.CandleSource
	ex       execution.Exchange
	adapter  *execution.Adapter
	mgr      *manager.Manager
	notifier *bot.Notifier
	hmStore  *heatmap.Store
	engines  []strategy.Engine

	circuit *risk.Circuit

	lastExitTime  time.Time
	lastExitPrice float64
	lastExitSide  string
	lastSignalBar int64
	cooldownUntil map[string]time.Time
	lastExport    time.Time
}

// SetCircuit arms the account-level circuit breaker.
func (s *Scheduler) SetCircuit(c *risk.Circuit) { s.circuit = c }

// New wires the scheduler.
func New(cfg *config.Config, db *storage.DB, feed manager.CandleSource, ex execution.Exchange,
	adapter *execution.Adapter, mgr *manager.Manager, notifier *bot.Notifier,
	hmStore *heatmap.Store, engines []strategy.Engine) *Scheduler {
	return &Scheduler{
		cfg: cfg, db: db, feed: feed, ex: ex, adapter: adapter, mgr: mgr,
		notifier: notifier, hmStore: hmStore, engines: engines,
		cooldownUntil: make(map[string]time.Time),
	}
}

// Run recovers any orphaned position, then scans until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("❌ Recovery failed")
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.cfg.ScanInterval).Msg("🔍 Scan loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.ScanOnce(ctx); err != nil {
			log.Error().Err(err).Msg("❌ Scan failed")
		}
		s.maybeExport()
	}
}

// ScanOnce runs one full scan cycle.
func (s *Scheduler) ScanOnce(ctx context.Context) error {
	// Singleton position: an open trade means manage, not scan.
	open, err := s.db.OpenTrade(s.cfg.Pair)
	if err != nil {
		return err
	}
	if open != nil {
		if err := s.mgr.Run(ctx, open); err != nil && ctx.Err() == nil {
			return fmt.Errorf("manage loop: %w", err)
		}
		s.recordExit(open)
		return nil
	}

	if s.circuit != nil {
		bal, err := s.ex.Balance(ctx, feeds.QuoteFromPair(s.cfg.Pair))
		if err != nil {
			return fmt.Errorf("balance fetch: %w", err)
		}
		if halted, why := s.circuit.Halted(time.Now(), bal); halted {
			s.db.Log("scheduler", storage.TagCircuitOpen, why, nil)
			return nil
		}
	}

	c5, err := s.feed.Candles(ctx, s.cfg.Pair, "5m", feeds.MinBars["5m"])
	if err != nil {
		return fmt.Errorf("5m fetch: %w", err)
	}
	c15, err := s.feed.Candles(ctx, s.cfg.Pair, "15m", feeds.MinBars["15m"])
	if err != nil {
		return fmt.Errorf("15m fetch: %w", err)
	}
	c1h, err := s.feed.Candles(ctx, s.cfg.Pair, "1h", feeds.MinBars["1h"])
	if err != nil {
		return fmt.Errorf("1h fetch: %w", err)
	}
	c1m, err := s.feed.Candles(ctx, s.cfg.Pair, "1m", feeds.MinBars["1m"])
	if err != nil {
		return fmt.Errorf("1m fetch: %w", err)
	}
	if c5.Empty() {
		return nil
	}
	now := time.Now()
	price := c5.LastClose()
	pdh, pdl := feeds.PriorDayLevels(c1h, now)

	// Pre-draft re-entry gate: cheap checks before any engine runs.
	if blocked, tag, why := s.reentryPre(c5, price, now); blocked {
		s.db.LogOncePerBar("scheduler", tag, why, nil, c5.LastTimestamp())
		return nil
	}

	// Heatmap built once per scan, persisted, and reused by every engine.
	atr14 := indicators.ATR(c5.High, c5.Low, c5.Close, 14)
	atrPct := atr14 / math.Max(price, 1e-9)
	hm := heatmap.BuildMulti(map[string]*types.Candles{
		"5m": c5.Tail(180), "15m": c15.Tail(180), "1h": c1h.Tail(180),
	}, atrPct, heatmap.Options{})
	if s.hmStore != nil {
		if err := s.hmStore.SaveMulti(hm); err != nil {
			log.Warn().Err(err).Msg("⚠️ Heatmap snapshot failed")
		}
	}
	tol, needTFs, topN := s.cfg.HeatmapGate()
	conf := heatmap.ConfluenceGate(hm, price, types.SideNone, tol, needTFs, topN)

	scan := &strategy.Scan{
		Pair: s.cfg.Pair,
		C1m:  c1m, C5m: c5, C15m: c15, C1h: c1h,
		PDH: pdh, PDL: pdl,
		Aggression:  s.cfg.Aggression,
		PseudoDelta: strategy.PseudoDelta(c5, 30),
		HMHitsAbove: conf.HitsAbove, HMHitsBelow: conf.HitsBelow,
		LastExitTime: s.lastExitTime, LastExitPrice: s.lastExitPrice,
		LastExitSide: s.lastExitSide, LastSignalBar: s.lastSignalBar,
		Now: now,
	}

	for _, engine := range s.engines {
		if until, cooling := s.cooldownUntil[engine.Name()]; cooling && now.Before(until) {
			s.db.LogOncePerBar("scheduler", storage.TagEngineCooldown,
				engine.Name()+" cooling down", nil, c5.LastTimestamp())
			continue
		}
		sig, err := engine.Evaluate(scan)
		if err != nil {
			log.Error().Err(err).Str("engine", engine.Name()).Msg("❌ Engine failed")
			continue
		}
		if !sig.Actionable() {
			s.db.LogOncePerBar("scheduler", storage.TagNoTrade,
				engine.Name()+": "+sig.Reason, nil, c5.LastTimestamp())
			continue
		}
		s.db.Log("scheduler", storage.TagRuleApproved, sig.Reason,
			map[string]interface{}{"engine": engine.Name(), "side": sig.Side})

		// Directional confluence gate; a block tries the next engine.
		gate := heatmap.ConfluenceGate(hm, sig.Entry, sig.Side, tol, needTFs, topN)
		if gate.Block {
			s.db.Log("scheduler", storage.TagFilterHeatmapBlock, gate.Why,
				map[string]interface{}{"engine": engine.Name(), "side": sig.Side})
			continue
		}

		if placed, err := s.approveAndPlace(ctx, sig, scan, now); err != nil {
			return err
		} else if placed {
			return nil
		}
	}
	return nil
}

// approveAndPlace runs rails, sizing, persistence, bracket and handoff for
// one approved draft. Returns placed=false for size-zero skips.
func (s *Scheduler) approveAndPlace(ctx context.Context, sig *strategy.Signal,
	scan *strategy.Scan, now time.Time) (bool, error) {

	// Final rails: minimum stop distance and fee-aware TP sanitation.
	sig.SL = risk.EnforceMinSL(sig.Side, sig.Entry, sig.SL, s.cfg.MinSLPct)
	sig.TPs = risk.SanitizeTPOrder(sig.Side, sig.Entry, sig.TPs, s.cfg.FeePct, s.cfg.FeePadMult)
	if len(sig.TPs) == 0 {
		s.db.Log("scheduler", storage.TagNoTrade, "ladder empty after sanitation", nil)
		return false, nil
	}

	// Post-draft proximity: price must not have run away from the draft.
	// Side-agnostic on purpose: a fast move in either direction means the
	// level the draft priced no longer exists.
	live := scan.C5m.LastClose()
	if math.Abs(live-sig.Entry)/sig.Entry > 2*s.cfg.BlockReentryPct {
		s.db.Log("scheduler", storage.TagNoTrade, "price left the draft entry", nil)
		return false, nil
	}

	bal, err := s.ex.Balance(ctx, feeds.QuoteFromPair(s.cfg.Pair))
	if err != nil {
		return false, fmt.Errorf("balance fetch: %w", err)
	}
	qty := risk.ChooseSize(s.sizing(), bal,
		decimal.NewFromFloat(sig.Entry), decimal.NewFromFloat(sig.SL))
	if qty.IsZero() {
		s.db.LogOncePerBar("scheduler", storage.TagSizeZero, "size resolved to zero",
			map[string]interface{}{"engine": sig.Engine}, scan.C5m.LastTimestamp())
		return false, nil
	}

	s.db.Log("scheduler", storage.TagApproved, sig.Reason, map[string]interface{}{
		"engine": sig.Engine, "side": sig.Side, "entry": sig.Entry, "sl": sig.SL, "qty": qty,
	})

	mode := storage.ModeLive
	if s.cfg.DryRun {
		mode = storage.ModePaper
	}
	trade := &storage.Trade{
		Pair: s.cfg.Pair, Engine: sig.Engine, Side: sig.Side, Mode: mode,
		Entry: decimal.NewFromFloat(sig.Entry), SL: decimal.NewFromFloat(sig.SL),
		Qty: qty,
	}
	setLadder(trade, sig.TPs)
	if err := s.db.NewTrade(trade); err != nil {
		return false, err
	}

	var structured []risk.StructuredTP
	if s.cfg.TPStructured {
		structured = risk.Structured(sig.TPs, risk.FractionsForMode(trade.Regime == regime.Chop))
	}
	snap := snapshotFromMeta(sig, now)
	s.db.Log("scheduler", storage.TagBracketPlace, "placing bracket", map[string]interface{}{"trade": trade.ID})
	if err := s.adapter.PlaceBracket(ctx, trade, structured, snap); err != nil {
		return false, fmt.Errorf("bracket: %w", err)
	}
	s.lastSignalBar = scan.C5m.LastTimestamp()
	s.notifier.Sendf("🚀 %s %s @ %.4f (SL %.4f, %s)", s.cfg.Pair, sig.Side, sig.Entry, sig.SL, sig.Engine)

	// Handoff: manage until closed, then remember the exit for re-entry gates.
	if err := s.mgr.Run(ctx, trade); err != nil && ctx.Err() == nil {
		return true, fmt.Errorf("manage loop: %w", err)
	}
	s.recordExit(trade)
	return true, nil
}

// reentryPre is the pre-draft cool-off: one signal per 5m bar, a minimum
// quiet period after any exit, and no chasing the exit price.
func (s *Scheduler) reentryPre(c5 *types.Candles, price float64, now time.Time) (bool, string, string) {
	if s.cfg.RequireNewBar && s.lastSignalBar != 0 && s.lastSignalBar == c5.LastTimestamp() {
		return true, storage.TagReentryPre, "same bar as last signal"
	}
	if s.lastExitTime.IsZero() {
		return false, "", ""
	}
	if since := now.Sub(s.lastExitTime); since < time.Duration(s.cfg.MinReentrySeconds)*time.Second {
		return true, storage.TagReentryPre, fmt.Sprintf("cool-off, %s since exit", since.Round(time.Second))
	}
	if s.lastExitPrice > 0 && math.Abs(price-s.lastExitPrice)/s.lastExitPrice <= s.cfg.BlockReentryPct {
		return true, storage.TagReentryBlock, "price still at last exit"
	}
	return false, "", ""
}

// recordExit updates the re-entry memory and the per-engine loss streak
// that feeds the engine cooldown.
func (s *Scheduler) recordExit(trade *storage.Trade) {
	s.lastExitTime = time.Now()
	exit, _ := trade.ExitPrice.Float64()
	if exit == 0 {
		exit, _ = trade.Entry.Float64()
	}
	s.lastExitPrice = exit
	s.lastExitSide = trade.Side
	if s.circuit != nil {
		s.circuit.RecordClose(trade.PnL, time.Now())
	}

	key := "slstreak:" + trade.Engine
	if trade.Status == storage.StatusClosedSL {
		streak := 1
		if v, _ := s.db.GetSetting(key); v != "" {
			if prev, err := strconv.Atoi(v); err == nil {
				streak = prev + 1
			}
		}
		s.db.SetSetting(key, strconv.Itoa(streak))
		if streak >= s.cfg.EngineCooldownSLs {
			until := time.Now().Add(time.Duration(s.cfg.EngineCooldownMin) * time.Minute)
			s.cooldownUntil[trade.Engine] = until
			s.db.SetSetting(key, "0")
			s.db.Log("scheduler", storage.TagEngineCooldown,
				fmt.Sprintf("%s benched until %s", trade.Engine, until.Format(time.Kitchen)), nil)
			log.Warn().Str("engine", trade.Engine).Time("until", until).Msg("🧊 Engine cooldown")
		}
	} else {
		s.db.SetSetting(key, "0")
	}
}

// Recover reconciles any trade left open by a previous run against the last
// day of 1m bars: if the stop was breached while offline the trade closes as
// recovered; otherwise the manager resumes it.
func (s *Scheduler) Recover(ctx context.Context) error {
	open, err := s.db.OpenTrade(s.cfg.Pair)
	if err != nil || open == nil {
		return err
	}
	c1m, err := s.feed.Candles(ctx, s.cfg.Pair, "1m", 1440)
	if err != nil {
		return fmt.Errorf("recovery fetch: %w", err)
	}
	sl, _ := open.SL.Float64()
	breached := false
	for i := 0; i < c1m.Len(); i++ {
		if c1m.Timestamp[i] < open.CreatedAt.UnixMilli() {
			continue
		}
		if open.Side == types.SideLong && c1m.Low[i] <= sl {
			breached = true
			break
		}
		if open.Side == types.SideShort && c1m.High[i] >= sl {
			breached = true
			break
		}
	}
	if breached {
		exit := decimal.NewFromFloat(sl)
		pnl := risk.CalcPnL(open.Side, open.Entry, exit, open.Qty)
		fees := risk.CalcFees(s.sizing(), open.Entry, exit, open.Qty)
		if err := s.db.CloseTrade(open, storage.StatusClosedRecovered, exit, pnl, fees); err != nil {
			return err
		}
		s.db.Log("scheduler", storage.TagRecovery, "stop breached while offline",
			map[string]interface{}{"trade": open.ID})
		s.notifier.Sendf("⚠️ %s recovered as stopped out while offline", s.cfg.Pair)
		s.recordExit(open)
		return nil
	}
	// The venue may have lost the position across the restart: the paper
	// book always does, a live venue only when it reports flat. Re-enter at
	// reduced size and let the manager resume from there.
	reenter := s.cfg.DryRun
	if !s.cfg.DryRun {
		pos, perr := s.ex.Position(ctx, s.cfg.Pair)
		reenter = perr == nil && (pos == nil || pos.Contracts == 0)
	}
	if reenter {
		qty, _ := open.Qty.Float64()
		if err := s.adapter.ReenterFromRecovery(ctx, open, qty); err != nil {
			log.Warn().Err(err).Msg("⚠️ Recovery re-entry failed")
		}
	}
	s.db.Log("scheduler", storage.TagRecovery, "resuming open position",
		map[string]interface{}{"trade": open.ID})
	log.Info().Uint("trade", open.ID).Msg("🔄 Resuming position after restart")
	return nil
}

// maybeExport writes the periodic telemetry and engine-split CSVs.
func (s *Scheduler) maybeExport() {
	if s.cfg.CSVExportDir == "" || time.Since(s.lastExport) < time.Hour {
		return
	}
	s.lastExport = time.Now()
	if _, err := s.db.ExportCSV(s.cfg.CSVExportDir, 24); err != nil {
		log.Warn().Err(err).Msg("⚠️ Telemetry export failed")
	}
	if _, err := s.db.ExportEngineSplitCSV(s.cfg.CSVExportDir, 7*24*time.Hour); err != nil {
		log.Warn().Err(err).Msg("⚠️ Engine split export failed")
	}
}

// sizing adapts config decimals into the sizing model.
func (s *Scheduler) sizing() risk.SizingConfig {
	return risk.SizingConfig{
		Mode:            s.cfg.SizingMode,
		CapitalFraction: s.cfg.CapitalFraction,
		MaxLeverage:     s.cfg.MaxLeverage,
		RiskPct:         s.cfg.RiskPct,
		MinSLFrac:       decimal.NewFromFloat(s.cfg.MinSLFrac),
		MinSLAbs:        decimal.NewFromFloat(s.cfg.MinSLAbs),
		MinQty:          s.cfg.MinQty,
		MaxQty:          s.cfg.MaxQty,
		NotionalMin:     s.cfg.NotionalMin,
		FeeRatePerSide:  s.cfg.FeeRatePerSide,
		DryRun:          s.cfg.DryRun,
		PaperUseStart:   s.cfg.PaperUseStart,
		PaperStartBal:   s.cfg.PaperStartBal,
	}
}

func setLadder(trade *storage.Trade, tps []float64) {
	if len(tps) > 0 {
		trade.TP1 = decimal.NewFromFloat(tps[0])
	}
	if len(tps) > 1 {
		trade.TP2 = decimal.NewFromFloat(tps[1])
	}
	if len(tps) > 2 {
		trade.TP3 = decimal.NewFromFloat(tps[2])
	}
}

// snapshotFromMeta lifts the engine diagnostics into the entry snapshot.
func snapshotFromMeta(sig *strategy.Signal, now time.Time) risk.EntrySnapshot {
	snap := risk.EntrySnapshot{Side: sig.Side, Timestamp: now.UnixMilli(), Structure: true}
	if v, ok := sig.Meta["adx"].(float64); ok {
		snap.ADX = v
	}
	if v, ok := sig.Meta["atr_pct"].(float64); ok {
		snap.ATRPct = v
	}
	if v, ok := sig.Meta["ema_side"].(int); ok {
		snap.EMA200Side = v
	}
	if v, ok := sig.Meta["structure"].(bool); ok {
		snap.Structure = v
	}
	return snap
}
