package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORAGE - trades, orders, events and settings on gorm (sqlite or postgres)
// ═══════════════════════════════════════════════════════════════════════════════

// Trade lifecycle statuses.
const (
	StatusOpen            = "OPEN"
	StatusPartial         = "PARTIAL"
	StatusClosedSL        = "CLOSED_SL"
	StatusClosedTP        = "CLOSED_TP"
	StatusClosedPEV       = "CLOSED_PEV"
	StatusClosedGiveback  = "CLOSED_GIVEBACK"
	StatusClosedManual    = "CLOSED_MANUAL"
	StatusClosedVenueFlat = "CLOSED_VENUE_FLAT"
	StatusClosedRecovered = "CLOSED_SL_RECOVERED"
)

// Trade modes.
const (
	ModePaper = "PAPER"
	ModeLive  = "LIVE"
)

// Order kinds and statuses.
const (
	OrderKindEntry = "market_entry"
	OrderKindSL    = "stop_loss"
	OrderKindTP    = "take_profit"

	OrderOpen      = "open"
	OrderFilled    = "filled"
	OrderCancelled = "cancelled"
)

// Trade is one bracketed position from entry to final close.
type Trade struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Pair   string `gorm:"index"`
	Engine string `gorm:"index"`
	Side   string
	Mode   string
	Status string `gorm:"index"`

	Entry decimal.Decimal `gorm:"type:decimal(20,8)"`
	SL    decimal.Decimal `gorm:"type:decimal(20,8)"`
	TP1   decimal.Decimal `gorm:"type:decimal(20,8)"`
	TP2   decimal.Decimal `gorm:"type:decimal(20,8)"`
	TP3   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Qty   decimal.Decimal `gorm:"type:decimal(20,8)"`

	TP1Hit bool
	TP2Hit bool
	TP3Hit bool
	Regime string

	ExitPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnL       decimal.Decimal `gorm:"type:decimal(20,8)"`
	Fees      decimal.Decimal `gorm:"type:decimal(20,8)"`
	ClosedAt  *time.Time

	Meta string // JSON: entry-validity snapshot, engine diagnostics
}

// IsOpen reports whether the trade still holds size.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen || t.Status == StatusPartial
}

// Order is one venue (or paper) order attached to a trade.
type Order struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	TradeID    uint   `gorm:"index"`
	VenueID    string `gorm:"index"`
	Kind       string `gorm:"index"`
	Status     string `gorm:"index"`
	ReduceOnly bool

	Price decimal.Decimal `gorm:"type:decimal(20,8)"`
	Qty   decimal.Decimal `gorm:"type:decimal(20,8)"`
}

// Event is a free-form trade lifecycle annotation.
type Event struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	TradeID   uint   `gorm:"index"`
	Kind      string `gorm:"index"`
	Message   string
}

// Setting is a persisted key/value pair (engine cooldowns, counters).
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// DB wraps the gorm handle with the bot's query surface.
type DB struct {
	conn *gorm.DB
}

// New opens the database: a postgres:// URL selects postgres, anything else
// is treated as a sqlite path. Migrates all models.
func New(dbPath string) (*DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		dialector = postgres.Open(dbPath)
		log.Info().Msg("🗄️ Using PostgreSQL database")
	} else {
		dialector = sqlite.Open(dbPath)
		log.Info().Str("path", dbPath).Msg("🗄️ Using SQLite database")
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.AutoMigrate(&Trade{}, &Order{}, &Event{}, &Setting{}, &TelemetryEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Gorm exposes the raw handle for stores layered on the same database.
func (d *DB) Gorm() *gorm.DB { return d.conn }

// OpenTrade returns the single open/partial trade for the pair, or nil.
func (d *DB) OpenTrade(pair string) (*Trade, error) {
	var t Trade
	err := d.conn.
		Where("pair = ? AND status IN ?", pair, []string{StatusOpen, StatusPartial}).
		Order("id desc").First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open trade: %w", err)
	}
	return &t, nil
}

// NewTrade persists a fresh OPEN trade.
func (d *DB) NewTrade(t *Trade) error {
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if err := d.conn.Create(t).Error; err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// SaveTrade writes back a mutated trade.
func (d *DB) SaveTrade(t *Trade) error {
	return d.conn.Save(t).Error
}

// CloseTrade finalizes a trade with its exit price, PnL and fees.
func (d *DB) CloseTrade(t *Trade, status string, exit, pnl, fees decimal.Decimal) error {
	now := time.Now().UTC()
	t.Status = status
	t.ExitPrice = exit
	t.PnL = pnl
	t.Fees = fees
	t.ClosedAt = &now
	if err := d.conn.Save(t).Error; err != nil {
		return fmt.Errorf("failed to close trade: %w", err)
	}
	return nil
}

// AddOrder persists an order row for a trade.
func (d *DB) AddOrder(o *Order) error {
	return d.conn.Create(o).Error
}

// SaveOrder writes back a mutated order.
func (d *DB) SaveOrder(o *Order) error {
	return d.conn.Save(o).Error
}

// TradeOrders returns all orders of a trade, oldest first.
func (d *DB) TradeOrders(tradeID uint) ([]Order, error) {
	var out []Order
	err := d.conn.Where("trade_id = ?", tradeID).Order("id asc").Find(&out).Error
	return out, err
}

// OpenOrders returns open orders of a trade, optionally filtered by kind.
func (d *DB) OpenOrders(tradeID uint, kind string) ([]Order, error) {
	q := d.conn.Where("trade_id = ? AND status = ?", tradeID, OrderOpen)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []Order
	err := q.Order("id asc").Find(&out).Error
	return out, err
}

// CancelOpenOrders marks every open order of a trade cancelled.
func (d *DB) CancelOpenOrders(tradeID uint) error {
	return d.conn.Model(&Order{}).
		Where("trade_id = ? AND status = ?", tradeID, OrderOpen).
		Update("status", OrderCancelled).Error
}

// AddEvent appends a trade lifecycle annotation.
func (d *DB) AddEvent(tradeID uint, kind, message string) error {
	return d.conn.Create(&Event{TradeID: tradeID, Kind: kind, Message: message}).Error
}

// GetSetting reads a persisted key, "" when absent.
func (d *DB) GetSetting(key string) (string, error) {
	var s Setting
	err := d.conn.First(&s, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// SetSetting upserts a persisted key.
func (d *DB) SetSetting(key, value string) error {
	s := Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return d.conn.Save(&s).Error
}

// RecentTrades returns trades created within the window, newest first.
func (d *DB) RecentTrades(window time.Duration) ([]Trade, error) {
	var out []Trade
	cutoff := time.Now().UTC().Add(-window)
	err := d.conn.Where("created_at >= ?", cutoff).Order("id desc").Find(&out).Error
	return out, err
}
