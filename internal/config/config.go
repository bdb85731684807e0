package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64
	TGMinInterval  time.Duration

	// Instrument
	Pair       string
	ExchangeID string
	BaseURL    string
	WSURL      string
	APIKey     string
	APISecret  string

	// Mode
	DryRun bool
	Debug  bool

	// Loop cadence
	ScanInterval time.Duration
	ManagePoll   time.Duration

	// Engines
	EngineOrder       []string
	Aggression        string // "conservative" | "balanced" | "aggressive"
	EngineCooldownMin int    // minutes an engine sits out after consecutive SL losses
	EngineCooldownSLs int    // consecutive SL closes that arm the cooldown

	// Re-entry hygiene
	RequireNewBar        bool
	MinReentrySeconds    int
	BlockReentryPct      float64
	ReentryCooldownBars5 int

	// Sizing
	SizingMode      string // "capital_frac" | "risk_r" | "both"
	CapitalFraction decimal.Decimal
	MaxLeverage     decimal.Decimal
	RiskPct         decimal.Decimal
	MinQty          decimal.Decimal
	MaxQty          decimal.Decimal
	NotionalMin     decimal.Decimal
	MinSLFrac       float64
	MinSLAbs        float64
	PaperUseStart   bool
	PaperStartBal   decimal.Decimal
	FeeRatePerSide  decimal.Decimal

	// SL construction
	MinSLPct     float64
	MaxSLPct     float64
	SLMixAlpha   float64
	SLATRMult    float64
	SLNoiseMult  float64
	SLNoiseBars  int
	FeePct       float64
	FeePadMult   float64
	FeesPctPad   float64

	// TP ladder
	TPMode           string // "atr" | "r"
	TP1ATRMult       float64
	TP2ATRMult       float64
	TP3ATRMult       float64
	TPRMultis        []float64
	MinRMult         float64
	TP1Abs           float64
	TPFractions      []float64
	TPStructured     bool
	ModeAdapt        bool
	ChopATRPctMax    float64
	ChopADXMax       float64
	ChopTPATRMults   []float64
	RallyTPATRMults  []float64
	ChopTPFracs      []float64
	RallyTPFracs     []float64

	// TrendScalp entry filters
	TSVolFloorPct    float64
	TSADXMin         float64
	TSADXSoft        float64
	TSADXSlopeBonus  float64
	TSTLLookback     int
	TSTLWidthATRMult float64
	TSMABufferPct    float64
	TSMARequire15m   bool
	TSPullbackPct    float64
	TSWAIMin         float64
	TSRequireBoth    bool
	TSEMAFast        int
	TSEMASlow        int

	// k-NN classifier
	KNNNeighbors  int
	KNNMaxBack    int
	MLWarmupBars  int
	MLConfThr     float64

	// Regime hysteresis
	TSADXUp float64
	TSADXDn float64
	TSATRUp float64
	TSATRDn float64

	// Post-entry validity
	PEVEnabled       bool
	PEVGraceBars5m   int
	PEVGraceMinS     int
	PEVHardADXDelta  float64
	PEVHardATRMult   float64
	PEVUse1mConfirm  bool
	PEVConfirm1mBars int
	EMATolPct        float64

	// Manager / FSM
	NoTrailBeforeTP1  bool
	TrailStyle        string // "structure" | "fracr"
	PostTP1DelayBars  int
	BEEpsATRMult      float64
	TP1LockFracR      float64
	TP2LockFracR      float64
	TP1LockATRMult    float64
	TP2LockATRMult    float64
	TSTP2LockFracR    float64
	TSPostTP2ATRMult  float64
	MSStepR           float64
	MSLockDeltaR      float64
	SLMinGapATRMult   float64
	SLMinGapPct       float64
	TSSLMinBufferATR  float64
	TSSLMinStepATR    float64
	SLTightenCooldown time.Duration
	TPExtendCooldown  time.Duration
	TPEps             float64
	SLConfirmBars     int
	TPConfirmBars     int
	StallBars         int
	StallNearTPATR    float64
	StallTPEps        float64
	GivebackArmR      float64
	GivebackFrac      float64
	PartialTP1        float64
	PreplacePartial   bool
	AbsLockUSD        float64
	CheckPosEvery     time.Duration
	StatusInterval    time.Duration

	// Heatmap
	HMBinPctMin      float64
	HMBinATRFrac     float64
	HMDwellAlpha     float64
	HMHalfLife5m     float64
	HMHalfLife15m    float64
	HMHalfLife1h     float64
	HMHalfLife1d     float64
	HMTopK           int
	HMMinSpacingBins int
	HMRetentionDays  int

	// TASER rules
	NearPDHPct        float64
	NearAVWAPPct      float64
	NearVWAPPctMin    float64
	NearVWAPPctMax    float64
	VWAPReclaimATR    float64
	ATRNearMult       float64
	RSIOverbought     float64
	AvoidEnabled      bool
	AvoidLookbackBars int
	ChopMinFlips      int
	ChopMaxWidthPct   float64
	ConfMaxSpreadPct  float64

	// Circuit breaker
	CBEnabled      bool
	CBMaxLosses    int
	CBMaxDayLoss   float64 // fraction of peak equity
	CBCooldown     time.Duration

	// Database
	DatabasePath string
	CSVExportDir string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TGMinInterval: getEnvDuration("TG_MIN_INTERVAL_S", 20*time.Second),

		Pair:       getEnv("PAIR", "SOLUSD"),
		ExchangeID: getEnv("EXCHANGE_ID", "delta"),
		BaseURL:    getEnv("DELTA_BASE_URL", "https://api.india.delta.exchange"),
		WSURL:      getEnv("DELTA_WS_URL", "wss://socket.india.delta.exchange"),
		APIKey:     os.Getenv("DELTA_API_KEY"),
		APISecret:  os.Getenv("DELTA_API_SECRET"),

		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		ScanInterval: getEnvDuration("SCAN_INTERVAL_SECONDS", 30*time.Second),
		ManagePoll:   getEnvDuration("MANAGE_POLL_SECONDS", 5*time.Second),

		EngineOrder:       getEnvList("ENGINE_ORDER", []string{"trendscalp"}),
		Aggression:        strings.ToLower(getEnv("AGGRESSION", "balanced")),
		EngineCooldownMin: getEnvInt("ENGINE_COOLDOWN_MIN", 15),
		EngineCooldownSLs: getEnvInt("ENGINE_COOLDOWN_SLS", 2),

		RequireNewBar:        getEnvBool("REQUIRE_NEW_BAR", true),
		MinReentrySeconds:    getEnvInt("MIN_REENTRY_SECONDS", 90),
		BlockReentryPct:      getEnvFloat("BLOCK_REENTRY_PCT", 0.0015),
		ReentryCooldownBars5: getEnvInt("REENTRY_COOLDOWN_BARS_5M", 1),

		SizingMode:      strings.ToLower(getEnv("SIZING_MODE", "capital_frac")),
		CapitalFraction: getEnvDecimal("CAPITAL_FRACTION", decimal.NewFromFloat(0.5)),
		MaxLeverage:     getEnvDecimal("MAX_LEVERAGE", decimal.NewFromInt(1)),
		RiskPct:         getEnvDecimal("RISK_PCT", decimal.NewFromInt(1)),
		MinQty:          getEnvDecimal("MIN_QTY", decimal.NewFromInt(1)),
		MaxQty:          getEnvDecimal("MAX_QTY", decimal.NewFromInt(1500)),
		NotionalMin:     getEnvDecimal("NOTIONAL_MIN", decimal.Zero),
		MinSLFrac:       getEnvFloat("MIN_SL_FRAC", 0.0005),
		MinSLAbs:        getEnvFloat("MIN_SL_ABS", 0),
		PaperUseStart:   getEnvBool("PAPER_USE_START_BALANCE", false),
		PaperStartBal:   getEnvDecimal("PAPER_START_BALANCE", decimal.NewFromInt(1000)),
		FeeRatePerSide:  getEnvDecimal("FEE_RATE_PER_SIDE", decimal.NewFromFloat(0.0005)),

		MinSLPct:    getEnvFloat("MIN_SL_PCT", 0.0045),
		MaxSLPct:    getEnvFloat("MAX_SL_PCT", 0.0120),
		SLMixAlpha:  getEnvFloat("SL_MIX_ALPHA", 0.55),
		SLATRMult:   getEnvFloat("SL_ATR_MULT", 0.80),
		SLNoiseMult: getEnvFloat("SL_NOISE_MULT", 1.90),
		SLNoiseBars: getEnvInt("SL_NOISE_BARS_1M", 10),
		FeePct:      getEnvFloat("FEE_PCT", 0.0005),
		FeePadMult:  getEnvFloat("FEE_PAD_MULT", 2.0),
		FeesPctPad:  getEnvFloat("FEES_PCT_PAD", 0.0007),

		TPMode:          strings.ToLower(getEnv("TP_MODE", "atr")),
		TP1ATRMult:      getEnvFloat("TP1_ATR_MULT", 0.60),
		TP2ATRMult:      getEnvFloat("TP2_ATR_MULT", 1.00),
		TP3ATRMult:      getEnvFloat("TP3_ATR_MULT", 1.50),
		TPRMultis:       getEnvFloats("TP_R_MULTIS", []float64{0.8, 1.4, 2.2}),
		MinRMult:        getEnvFloat("MIN_R_MULT", 1.4),
		TP1Abs:          getEnvFloat("TP1_ABS", 0.50),
		TPFractions:     getEnvFloats("TP_FRACTIONS", []float64{0.30, 0.30, 0.40}),
		TPStructured:    getEnvBool("TS_TP_STRUCTURED", false),
		ModeAdapt:       getEnvBool("MODE_ADAPT_ENABLED", false),
		ChopATRPctMax:   getEnvFloat("MODE_CHOP_ATR_PCT_MAX", 0.0025),
		ChopADXMax:      getEnvFloat("MODE_CHOP_ADX_MAX", 25),
		ChopTPATRMults:  getEnvFloats("MODE_CHOP_TP_ATR_MULTS", []float64{0.60, 1.00, 1.50}),
		RallyTPATRMults: getEnvFloats("MODE_RALLY_TP_ATR_MULTS", []float64{0.90, 1.60, 2.60}),
		ChopTPFracs:     getEnvFloats("MODE_CHOP_TP_FRACS", []float64{0.50, 0.30, 0.20}),
		RallyTPFracs:    getEnvFloats("MODE_RALLY_TP_FRACS", []float64{0.30, 0.30, 0.40}),

		TSVolFloorPct:    getEnvFloat("TS_VOL_FLOOR_PCT", 0.0020),
		TSADXMin:         getEnvFloat("TS_ADX_MIN", 20),
		TSADXSoft:        getEnvFloat("TS_ADX_SOFT", 15),
		TSADXSlopeBonus:  getEnvFloat("TS_ADX_SLOPE_BONUS", 2.0),
		TSTLLookback:     getEnvInt("TS_TL_LOOKBACK", 14),
		TSTLWidthATRMult: getEnvFloat("TS_TL_WIDTH_ATR_MULT", 0.50),
		TSMABufferPct:    getEnvFloat("TS_MA_BUFFER_PCT", 0.0015),
		TSMARequire15m:   getEnvBool("TS_MA_REQUIRE_15M", false),
		TSPullbackPct:    getEnvFloat("TS_PULLBACK_PCT", 0.0025),
		TSWAIMin:         getEnvFloat("TS_WAI_MIN", 0.60),
		TSRequireBoth:    getEnvBool("TS_REQUIRE_BOTH", true),
		TSEMAFast:        getEnvInt("TS_EMA_FAST", 8),
		TSEMASlow:        getEnvInt("TS_EMA_SLOW", 20),

		KNNNeighbors: getEnvInt("KNN_K", 8),
		KNNMaxBack:   getEnvInt("KNN_MAX_BACK", 2000),
		MLWarmupBars: getEnvInt("TS_ML_WARMUP_BARS", 600),
		MLConfThr:    getEnvFloat("TS_ML_CONF_THR", 0.56),

		TSADXUp: getEnvFloat("TS_ADX_UP", 26),
		TSADXDn: getEnvFloat("TS_ADX_DN", 23),
		TSATRUp: getEnvFloat("TS_ATR_UP", 0.0040),
		TSATRDn: getEnvFloat("TS_ATR_DN", 0.0035),

		PEVEnabled:       getEnvBool("PEV_ENABLED", true),
		PEVGraceBars5m:   getEnvInt("PEV_GRACE_BARS_5M", 2),
		PEVGraceMinS:     getEnvInt("PEV_GRACE_MIN_S", 300),
		PEVHardADXDelta:  getEnvFloat("PEV_HARD_ADX_DELTA", 1.0),
		PEVHardATRMult:   getEnvFloat("PEV_HARD_ATR_MULT", 0.90),
		PEVUse1mConfirm:  getEnvBool("PEV_USE_1M_CONFIRM", true),
		PEVConfirm1mBars: getEnvInt("PEV_CONFIRM_1M_BARS", 3),
		EMATolPct:        getEnvFloat("EMA_TOL_PCT", 0.0015),

		NoTrailBeforeTP1:  getEnvBool("GLOBAL_NO_TRAIL_BEFORE_TP1", true),
		TrailStyle:        strings.ToLower(getEnv("TRAIL_STYLE", "structure")),
		PostTP1DelayBars:  getEnvInt("POST_TP1_SL_DELAY_BARS", 3),
		BEEpsATRMult:      getEnvFloat("BE_EPS_ATR_MULT", 0.10),
		TP1LockFracR:      getEnvFloat("TP1_LOCK_FRACR", 0.65),
		TP2LockFracR:      getEnvFloat("TP2_LOCK_FRACR", 0.75),
		TP1LockATRMult:    getEnvFloat("TP1_LOCK_ATR_MULT", 0.25),
		TP2LockATRMult:    getEnvFloat("TP2_LOCK_ATR_MULT", 0.35),
		TSTP2LockFracR:    getEnvFloat("TS_TP2_LOCK_FRACR", 0.70),
		TSPostTP2ATRMult:  getEnvFloat("TS_POST_TP2_ATR_MULT", 0.50),
		MSStepR:           getEnvFloat("MS_STEP_R", 0.50),
		MSLockDeltaR:      getEnvFloat("MS_LOCK_DELTA_R", 0.25),
		SLMinGapATRMult:   getEnvFloat("SL_MIN_GAP_ATR_MULT", 0.35),
		SLMinGapPct:       getEnvFloat("SL_MIN_GAP_PCT", 0.0012),
		TSSLMinBufferATR:  getEnvFloat("TS_SL_MIN_BUFFER_ATR", 0.20),
		TSSLMinStepATR:    getEnvFloat("TS_SL_MIN_STEP_ATR", 0.05),
		SLTightenCooldown: getEnvDuration("SL_TIGHTEN_COOLDOWN_SEC", 55*time.Second),
		TPExtendCooldown:  getEnvDuration("TP_EXTEND_COOLDOWN_SEC", 55*time.Second),
		TPEps:             getEnvFloat("TP_EPS", 0.01),
		SLConfirmBars:     getEnvInt("SL_CLOSE_CONFIRM_BARS", 0),
		TPConfirmBars:     getEnvInt("TP_HIT_CONFIRM_BARS", 0),
		StallBars:         getEnvInt("STALL_BARS", 3),
		StallNearTPATR:    getEnvFloat("STALL_NEAR_TP_ATR", 0.50),
		StallTPEps:        getEnvFloat("STALL_TP_EPS", 0.02),
		GivebackArmR:      getEnvFloat("TS_GIVEBACK_ARM_R", 1.0),
		GivebackFrac:      getEnvFloat("TS_GIVEBACK_FRAC", 0.40),
		PartialTP1:        getEnvFloat("TS_PARTIAL_TP1", 0.50),
		PreplacePartial:   getEnvBool("PREPLACE_TP1_PARTIAL", false),
		AbsLockUSD:        getEnvFloat("SCALP_ABS_LOCK_USD", 0),
		CheckPosEvery:     getEnvDuration("TS_CHECK_POS_EVERY_S", 10*time.Second),
		StatusInterval:    getEnvDuration("STATUS_INTERVAL_SECONDS", 60*time.Second),

		HMBinPctMin:      getEnvFloat("HM_BIN_PCT_MIN", 0.0005),
		HMBinATRFrac:     getEnvFloat("HM_BIN_ATR_FRAC", 0.25),
		HMDwellAlpha:     getEnvFloat("HM_DWELL_ALPHA", 0.70),
		HMHalfLife5m:     getEnvFloat("HM_HALF_LIFE_5M", 120),
		HMHalfLife15m:    getEnvFloat("HM_HALF_LIFE_15M", 120),
		HMHalfLife1h:     getEnvFloat("HM_HALF_LIFE_1H", 96),
		HMHalfLife1d:     getEnvFloat("HM_HALF_LIFE_1D", 30),
		HMTopK:           getEnvInt("HM_TOP_K", 24),
		HMMinSpacingBins: getEnvInt("HM_MIN_SPACING_BINS", 2),
		HMRetentionDays:  getEnvInt("HEATMAP_RETENTION_DAYS", 90),

		NearPDHPct:        getEnvFloat("NEAR_PDH_PCT", 0.0015),
		NearAVWAPPct:      getEnvFloat("NEAR_AVWAP_PCT", 0.0015),
		NearVWAPPctMin:    getEnvFloat("NEAR_VWAP_PCT_MIN", 0.0008),
		NearVWAPPctMax:    getEnvFloat("NEAR_VWAP_PCT_MAX", 0.0030),
		VWAPReclaimATR:    getEnvFloat("VWAP_RECLAIM_ATR_MULT", 0.60),
		ATRNearMult:       getEnvFloat("ATR_NEAR_MULT", 0.60),
		RSIOverbought:     getEnvFloat("RSI_OB", 70),
		AvoidEnabled:      getEnvBool("DYN_AVOID_ENABLED", true),
		AvoidLookbackBars: getEnvInt("AVOID_LOOKBACK_BARS", 120),
		ChopMinFlips:      getEnvInt("CHOP_MIN_FLIPS", 12),
		ChopMaxWidthPct:   getEnvFloat("CHOP_MAX_WIDTH_PCT", 0.006),
		ConfMaxSpreadPct:  getEnvFloat("CONF_MAX_SPREAD_PCT", 0.004),

		CBEnabled:    getEnvBool("CB_ENABLED", true),
		CBMaxLosses:  getEnvInt("CB_MAX_LOSSES", 4),
		CBMaxDayLoss: getEnvFloat("CB_MAX_DAY_LOSS_PCT", 0.05),
		CBCooldown:   getEnvDuration("CB_COOLDOWN_S", 60*time.Minute),

		DatabasePath: getEnv("DATABASE_PATH", "data/taserbot.db"),
		CSVExportDir: getEnv("CSV_EXPORT_DIR", "data/exports"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.Pair == "" {
		return nil, fmt.Errorf("PAIR is required")
	}
	if !cfg.DryRun && (cfg.APIKey == "" || cfg.APISecret == "") {
		return nil, fmt.Errorf("DELTA_API_KEY and DELTA_API_SECRET are required when DRY_RUN=false")
	}
	if cfg.MinSLPct <= 0 || cfg.MaxSLPct <= cfg.MinSLPct {
		return nil, fmt.Errorf("invalid SL rails: MIN_SL_PCT=%v MAX_SL_PCT=%v", cfg.MinSLPct, cfg.MaxSLPct)
	}
	switch cfg.Aggression {
	case "conservative", "balanced", "aggressive":
	default:
		return nil, fmt.Errorf("invalid AGGRESSION: %s", cfg.Aggression)
	}
	for i, e := range cfg.EngineOrder {
		cfg.EngineOrder[i] = normalizeEngine(e)
	}

	return cfg, nil
}

// HeatmapGate returns the confluence-gate parameters for the configured
// aggression level: tolerance pct, number of TFs required, top-N levels.
func (c *Config) HeatmapGate() (tolPct float64, needTFs, topN int) {
	switch c.Aggression {
	case "aggressive":
		return 0.0010, 3, 12
	case "conservative":
		return 0.0025, 2, 16
	default:
		return 0.0015, 2, 12
	}
}

// normalizeEngine maps engine aliases to canonical names.
func normalizeEngine(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "scalp", "trend_scalp", "trendscalp":
		return "trendscalp"
	case "rules", "taser":
		return "taser"
	case "trendfollow", "trend_follow":
		return "trendfollow"
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		v := strings.ToLower(value)
		return v == "true" || v == "1" || v == "yes" || v == "on"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration reads a plain number of seconds ("30") or a Go duration ("30s").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated list, trimming blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvFloats parses a CSV of floats, keeping at most three values.
func getEnvFloats(key string, defaultValue []float64) []float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	value = strings.Trim(value, "[]")
	parts := strings.Split(value, ",")
	out := make([]float64, 0, 3)
	for _, p := range parts {
		if f, err := strconv.ParseFloat(strings.TrimSpace(p), 64); err == nil {
			out = append(out, f)
		}
		if len(out) == 3 {
			break
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
