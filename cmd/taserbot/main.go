// Taserbot - Intraday Crypto Futures Bot for Delta Exchange
//
// One pair, one position at a time. A scheduler scans 5m/15m/1h structure
// through two engines:
//
//  1. TrendScalp - a Lorentzian k-NN classifier gated by trendline breaks
//     and a trend-quality filter stack
//  2. TASER - reaction rules at prior-day extremes, VWAP and anchored VWAP
//
// Approved drafts are rail-checked, sized, bracketed (entry + SL + TP
// ladder) and handed to a position manager that ratchets the stop through
// milestones, partials at TP1 in runners and exits on post-entry validity
// decay.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taserbot/bot"
	"github.com/web3guy0/taserbot/core"
	"github.com/web3guy0/taserbot/execution"
	"github.com/web3guy0/taserbot/feeds"
	"github.com/web3guy0/taserbot/internal/config"
	"github.com/web3guy0/taserbot/internal/heatmap"
	"github.com/web3guy0/taserbot/manager"
	"github.com/web3guy0/taserbot/risk"
	"github.com/web3guy0/taserbot/storage"
	"github.com/web3guy0/taserbot/strategy"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("pair", cfg.Pair).
		Strs("engines", cfg.EngineOrder).
		Str("aggression", cfg.Aggression).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ Taserbot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	hmStore, err := heatmap.NewStore(db.Gorm(), time.Duration(cfg.HMRetentionDays)*24*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize heatmap store")
	}

	// ====== MARKET DATA ======

	feed := feeds.NewDeltaFeed(cfg.BaseURL)
	markFeed := feeds.NewMarkPriceFeed(cfg.WSURL, cfg.Pair)
	if err := markFeed.Start(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Mark price stream failed to start, using candle closes")
	} else {
		log.Info().Str("pair", cfg.Pair).Msg("📈 Mark price stream connected")
	}

	// ====== EXECUTION ======

	var ex execution.Exchange
	if cfg.DryRun {
		ex = execution.NewPaperExchange(cfg.PaperStartBal, func() float64 {
			px, _ := markFeed.LastPrice()
			return px
		})
		log.Info().Str("balance", cfg.PaperStartBal.String()).Msg("📝 Paper venue ready")
	} else {
		ex = execution.NewDeltaExchange(cfg.BaseURL, cfg.APIKey, cfg.APISecret)
		log.Info().Msg("💳 Live Delta client initialized")
	}
	adapter := execution.NewAdapter(ex, db, execution.AdapterConfig{
		DryRun:          cfg.DryRun,
		PlaceTP3Limit:   true,
		PreplacePartial: cfg.PreplacePartial,
		PartialTP1Frac:  cfg.PartialTP1,
		TPMatchTol:      cfg.TPEps,
	})

	// ====== NOTIFICATIONS ======

	notifier, err := bot.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.TGMinInterval)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram disabled")
	}
	if notifier.Enabled() {
		log.Info().Msg("🤖 Telegram notifier started")
	}

	// ====== ENGINES ======

	engines := buildEngines(cfg)
	for _, e := range engines {
		log.Info().Str("engine", e.Name()).Msg("🧠 Engine armed")
	}

	// ====== MANAGER & SCHEDULER ======

	mgr := manager.New(db, adapter, ex, feed, notifier, managerConfig(cfg))
	sched := core.New(cfg, db, feed, ex, adapter, mgr, notifier, hmStore, engines)
	if cfg.CBEnabled {
		sched.SetCircuit(risk.NewCircuit(cfg.CBMaxLosses, cfg.CBMaxDayLoss, cfg.CBCooldown))
		log.Info().Int("max_losses", cfg.CBMaxLosses).Msg("🧯 Circuit breaker armed")
	}

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("❌ Scheduler stopped")
			cancel()
		}
	}()

	mode := "LIVE"
	if cfg.DryRun {
		mode = "PAPER"
	}
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║        TASERBOT INTRADAY ENGINE          ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msgf("║  Pair: %-10s  Mode: %-6s          ║", cfg.Pair, mode)
	log.Info().Msg("║  → Scan 5m/15m/1h structure              ║")
	log.Info().Msg("║  → ML-gated scalps + TASER rules         ║")
	log.Info().Msg("║  → Bracket, ratchet, partial, exit       ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")
	cancel()
	markFeed.Stop()

	log.Info().Msg("👋 Goodbye!")
}

// buildEngines constructs the configured engines in dispatch order.
func buildEngines(cfg *config.Config) []strategy.Engine {
	tp := risk.TPParams{
		Mode:          cfg.TPMode,
		ATRMults:      []float64{cfg.TP1ATRMult, cfg.TP2ATRMult, cfg.TP3ATRMult},
		RMults:        cfg.TPRMultis,
		MinRMult:      cfg.MinRMult,
		TP1Abs:        cfg.TP1Abs,
		ModeAdapt:     cfg.ModeAdapt,
		ChopATRMults:  cfg.ChopTPATRMults,
		RallyATRMults: cfg.RallyTPATRMults,
		ChopATRPctMax: cfg.ChopATRPctMax,
		ChopADXMax:    cfg.ChopADXMax,
	}

	out := make([]strategy.Engine, 0, len(cfg.EngineOrder))
	for _, name := range cfg.EngineOrder {
		switch name {
		case "trendscalp":
			gate := strategy.NewMLGate(strategy.NewKNN(cfg.KNNNeighbors, cfg.KNNMaxBack), cfg.MLWarmupBars)
			out = append(out, strategy.NewTrendScalp(strategy.TrendScalpConfig{
				VolFloorPct:       cfg.TSVolFloorPct,
				ADXMin:            cfg.TSADXMin,
				ADXSoft:           cfg.TSADXSoft,
				MABufferPct:       cfg.TSMABufferPct,
				Use15mEMA:         cfg.TSMARequire15m,
				PullbackPct:       cfg.TSPullbackPct,
				WAIMin:            cfg.TSWAIMin,
				RequireBoth:       cfg.TSRequireBoth,
				RSIOverheat:       65,
				EMAFast:           cfg.TSEMAFast,
				EMASlow:           cfg.TSEMASlow,
				TLWidthMult:       cfg.TSTLWidthATRMult,
				TLLookback:        cfg.TSTLLookback,
				SLMixAlpha:        cfg.SLMixAlpha,
				SLATRMult:         cfg.SLATRMult,
				SLNoiseMult:       cfg.SLNoiseMult,
				SLNoiseBars:       cfg.SLNoiseBars,
				SLMinPct:          cfg.MinSLPct,
				SLMaxPct:          cfg.MaxSLPct,
				FeePct:            cfg.FeePct,
				TP:                tp,
				TPFractions:       cfg.TPFractions,
				RequireNewBar:     cfg.RequireNewBar,
				MinReentrySeconds: float64(cfg.MinReentrySeconds),
				BlockReentryPct:   cfg.BlockReentryPct,
				CooldownBars5m:    cfg.ReentryCooldownBars5,
			}, gate))
		case "taser":
			out = append(out, strategy.NewTaser(strategy.TaserConfig{
				Aggression:       cfg.Aggression,
				NearPDHPct:       cfg.NearPDHPct,
				NearPDLPct:       cfg.NearPDHPct,
				NearAVWAPPct:     cfg.NearAVWAPPct,
				NearVWAPPctMin:   cfg.NearVWAPPctMin,
				NearVWAPPctMax:   cfg.NearVWAPPctMax,
				ATRNearMult:      cfg.ATRNearMult,
				RSIOverbought:    cfg.RSIOverbought,
				ChopMinFlips:     cfg.ChopMinFlips,
				ChopMaxWidthPct:  cfg.ChopMaxWidthPct,
				ConfMaxSpreadPct: cfg.ConfMaxSpreadPct,
				AvoidZoneATRMult: cfg.VWAPReclaimATR,
				SLMixAlpha:       cfg.SLMixAlpha,
				SLATRMult:        cfg.SLATRMult,
				SLNoiseMult:      cfg.SLNoiseMult,
				SLNoiseBars:      cfg.SLNoiseBars,
				SLMinPct:         cfg.MinSLPct,
				SLMaxPct:         cfg.MaxSLPct,
				FeePct:           cfg.FeePct,
				TPATRMults:       []float64{cfg.TP1ATRMult, cfg.TP2ATRMult, cfg.TP3ATRMult},
				TPRMults:         cfg.TPRMultis,
				TPMode:           cfg.TPMode,
				TP1Abs:           cfg.TP1Abs,
				MinRMult:         cfg.MinRMult,
			}))
		default:
			log.Warn().Str("engine", name).Msg("⚠️ Unknown engine in ENGINE_ORDER, skipping")
		}
	}
	return out
}

// managerConfig adapts the env config into the manager's knob set.
func managerConfig(cfg *config.Config) manager.Config {
	return manager.Config{
		Pair:              cfg.Pair,
		DryRun:            cfg.DryRun,
		ManagePoll:        cfg.ManagePoll,
		CheckPosEvery:     cfg.CheckPosEvery,
		StatusInterval:    cfg.StatusInterval,
		SLConfirmBars:     cfg.SLConfirmBars,
		SLTightenCooldown: cfg.SLTightenCooldown,
		TPExtendCooldown:  cfg.TPExtendCooldown,
		TPEps:             cfg.TPEps,
		PartialTP1Frac:    cfg.PartialTP1,
		GivebackArmR:      cfg.GivebackArmR,
		GivebackFrac:      cfg.GivebackFrac,
		EMATolPct:         cfg.EMATolPct,
		PEVHardPadATR:     cfg.PEVHardATRMult,
		MLConfThr:         cfg.MLConfThr,
		ML:                strategy.NewMLGate(strategy.NewKNN(cfg.KNNNeighbors, cfg.KNNMaxBack), cfg.MLWarmupBars),
		FSM: manager.FSMConfig{
			TrailStyle:       cfg.TrailStyle,
			NoTrailBeforeTP1: cfg.NoTrailBeforeTP1,
			PostTP1DelayBars: cfg.PostTP1DelayBars,
			BEEpsATRMult:     cfg.BEEpsATRMult,
			MSStepR:          cfg.MSStepR,
			MSLockDeltaR:     cfg.MSLockDeltaR,
			TP1LockFracR:     cfg.TP1LockFracR,
			TP2LockFracR:     cfg.TP2LockFracR,
			TP1LockATRMult:   cfg.TP1LockATRMult,
			TP2LockATRMult:   cfg.TP2LockATRMult,
			PostTP2JumpFrac:  cfg.TSTP2LockFracR,
			PostTP2ATRMult:   cfg.TSPostTP2ATRMult,
			StallBars:        cfg.StallBars,
			StallNearTPATR:   cfg.StallNearTPATR,
			StallTPEps:       cfg.StallTPEps,
			AbsLockUSD:       cfg.AbsLockUSD,
			FeesPad:          cfg.FeesPctPad,
			MinGapATRMult:    cfg.SLMinGapATRMult,
			MinGapPct:        cfg.SLMinGapPct,
			BufferATRMult:    cfg.TSSLMinBufferATR,
			ModeAdapt:        cfg.ModeAdapt,
			ChopATRMults:     cfg.ChopTPATRMults,
			RallyATRMults:    cfg.RallyTPATRMults,
			ChopATRPctMax:    cfg.ChopATRPctMax,
			ChopADXMax:       cfg.ChopADXMax,
		},
		PEV: risk.PEVConfig{
			SoftADXMax:    cfg.TSADXDn,
			SoftATRPctMax: cfg.TSATRDn,
			HardADXMax:    cfg.TSADXDn - cfg.PEVHardADXDelta,
			HardATRPctMax: cfg.TSATRDn * cfg.PEVHardATRMult,
			GraceMin:      time.Duration(cfg.PEVGraceMinS) * time.Second,
			GraceBars5m:   cfg.PEVGraceBars5m,
			Confirm1mBars: cfg.PEVConfirm1mBars,
		},
		Regime: manager.RegimeThresholds(cfg.TSADXUp, cfg.TSADXDn, cfg.TSATRUp, cfg.TSATRDn),
		Sizing: risk.SizingConfig{
			Mode:            cfg.SizingMode,
			CapitalFraction: cfg.CapitalFraction,
			MaxLeverage:     cfg.MaxLeverage,
			RiskPct:         cfg.RiskPct,
			MinSLFrac:       decimal.NewFromFloat(cfg.MinSLFrac),
			MinSLAbs:        decimal.NewFromFloat(cfg.MinSLAbs),
			MinQty:          cfg.MinQty,
			MaxQty:          cfg.MaxQty,
			NotionalMin:     cfg.NotionalMin,
			FeeRatePerSide:  cfg.FeeRatePerSide,
			DryRun:          cfg.DryRun,
			PaperUseStart:   cfg.PaperUseStart,
			PaperStartBal:   cfg.PaperStartBal,
		},
	}
}
