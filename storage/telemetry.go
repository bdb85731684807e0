package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEMETRY - append-only decision trail with windowed reads and CSV export
// ═══════════════════════════════════════════════════════════════════════════════

// Telemetry tags.
const (
	TagReentryPre         = "REENTRY_PRE"
	TagReentryBlock       = "REENTRY_BLOCK"
	TagFilterHeatmapBlock = "FILTER_HEATMAP_BLOCK"
	TagNoTrade            = "NO_TRADE"
	TagRuleApproved       = "RULE_APPROVED"
	TagApproved           = "APPROVED"
	TagSizeZero           = "SIZE_ZERO"
	TagBracketPlace       = "BRACKET_PLACE"
	TagBracketExists      = "BRACKET_EXISTS"
	TagPaperOrders        = "PAPER_ORDERS"
	TagLiveOrders         = "LIVE_ORDERS"
	TagEntryError         = "ENTRY_ERROR"
	TagSLError            = "SL_ERROR"
	TagTPError            = "TP_ERROR"
	TagStatus             = "STATUS"
	TagEngineCooldown     = "ENGINE_COOLDOWN"
	TagCircuitOpen        = "CIRCUIT_OPEN"
	TagRecovery           = "RECOVERY"
)

// TelemetryEntry is one decision-trail row.
type TelemetryEntry struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`
	Component string    `gorm:"index"`
	Tag       string    `gorm:"index"`
	Message   string
	Payload   string
}

func (TelemetryEntry) TableName() string { return "telemetry" }

// istZone stamps exported rows in IST like the ops tooling expects.
var istZone = time.FixedZone("IST", int(5*time.Hour/time.Second+30*time.Minute/time.Second))

var throttleMu sync.Mutex
var throttleSeen = map[string]int64{}

// Log appends a telemetry row. Failures are logged, never fatal.
func (d *DB) Log(component, tag, message string, payload interface{}) {
	row := TelemetryEntry{
		Timestamp: time.Now().UTC(),
		Component: component,
		Tag:       tag,
		Message:   message,
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			row.Payload = string(b)
		}
	}
	if err := d.conn.Create(&row).Error; err != nil {
		log.Warn().Err(err).Str("tag", tag).Msg("⚠️ Failed to write telemetry")
	}
}

// LogOncePerBar suppresses repeats of a tag within one candle; the first
// occurrence per (tag, barTS) is written, the rest dropped.
func (d *DB) LogOncePerBar(component, tag, message string, payload interface{}, barTS int64) {
	throttleMu.Lock()
	prev, seen := throttleSeen[tag]
	if seen && prev == barTS {
		throttleMu.Unlock()
		return
	}
	throttleSeen[tag] = barTS
	throttleMu.Unlock()
	d.Log(component, tag, message, payload)
}

// Window returns telemetry rows inside [from, to), oldest first.
func (d *DB) Window(from, to time.Time) ([]TelemetryEntry, error) {
	var out []TelemetryEntry
	err := d.conn.
		Where("timestamp >= ? AND timestamp < ?", from.UTC(), to.UTC()).
		Order("id asc").Find(&out).Error
	return out, err
}

// LastHours returns telemetry from the trailing window.
func (d *DB) LastHours(hours int) ([]TelemetryEntry, error) {
	now := time.Now().UTC()
	return d.Window(now.Add(-time.Duration(hours)*time.Hour), now)
}

// PurgeTelemetry deletes rows older than the retention window.
func (d *DB) PurgeTelemetry(retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)
	return d.conn.Where("timestamp < ?", cutoff).Delete(&TelemetryEntry{}).Error
}

// ExportCSV writes the trailing window of telemetry to dir, IST timestamps,
// one file per call. Returns the written path.
func (d *DB) ExportCSV(dir string, hours int) (string, error) {
	rows, err := d.LastHours(hours)
	if err != nil {
		return "", fmt.Errorf("failed to read telemetry window: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}
	name := fmt.Sprintf("telemetry_%dh_%s.csv", hours, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"ts_ist", "component", "tag", "message", "payload"}); err != nil {
		return "", err
	}
	for _, row := range rows {
		rec := []string{
			row.Timestamp.In(istZone).Format("2006-01-02 15:04:05"),
			row.Component, row.Tag, row.Message, row.Payload,
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	return path, nil
}

// ExportEngineSplitCSV writes per-engine trade outcome summaries over the
// window: one row per engine with counts and summed PnL.
func (d *DB) ExportEngineSplitCSV(dir string, window time.Duration) (string, error) {
	trades, err := d.RecentTrades(window)
	if err != nil {
		return "", fmt.Errorf("failed to read trades: %w", err)
	}
	type agg struct {
		total, wins, losses int
		pnl                 float64
	}
	byEngine := map[string]*agg{}
	for _, t := range trades {
		if t.IsOpen() {
			continue
		}
		a, ok := byEngine[t.Engine]
		if !ok {
			a = &agg{}
			byEngine[t.Engine] = a
		}
		a.total++
		pnl, _ := t.PnL.Float64()
		a.pnl += pnl
		if pnl > 0 {
			a.wins++
		} else {
			a.losses++
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("engines_%s_%s.csv", window, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"engine", "trades", "wins", "losses", "pnl"}); err != nil {
		return "", err
	}
	for engine, a := range byEngine {
		rec := []string{
			engine,
			fmt.Sprintf("%d", a.total),
			fmt.Sprintf("%d", a.wins),
			fmt.Sprintf("%d", a.losses),
			fmt.Sprintf("%.4f", a.pnl),
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	return path, nil
}
