package heatmap

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Snapshot is one persisted per-timeframe level set.
type Snapshot struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`
	Timeframe string    `gorm:"index"`
	Payload   string    // JSON-encoded []Level
}

func (Snapshot) TableName() string { return "heatmap_levels" }

// Store persists heatmap snapshots with bounded retention.
type Store struct {
	db        *gorm.DB
	retention time.Duration
}

// NewStore migrates the snapshot table. Retention defaults to 90 days.
func NewStore(db *gorm.DB, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, fmt.Errorf("failed to migrate heatmap snapshots: %w", err)
	}
	return &Store{db: db, retention: retention}, nil
}

// SaveMulti writes one snapshot row per timeframe and purges expired rows.
// Saving the same multi twice only adds rows; Recent always reads the latest
// row per timeframe, so replays are harmless.
func (s *Store) SaveMulti(hm Multi) error {
	now := time.Now().UTC()
	for tf, levels := range hm {
		payload, err := json.Marshal(levels)
		if err != nil {
			return fmt.Errorf("failed to encode %s levels: %w", tf, err)
		}
		row := Snapshot{Timestamp: now, Timeframe: tf, Payload: string(payload)}
		if err := s.db.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to save %s snapshot: %w", tf, err)
		}
	}
	cutoff := now.Add(-s.retention)
	return s.db.Where("timestamp < ?", cutoff).Delete(&Snapshot{}).Error
}

// Recent returns the latest persisted level set per timeframe.
func (s *Store) Recent() (Multi, error) {
	var rows []Snapshot
	err := s.db.Order("timestamp desc").Limit(64).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	out := make(Multi)
	for _, row := range rows {
		if _, seen := out[row.Timeframe]; seen {
			continue
		}
		var levels []Level
		if err := json.Unmarshal([]byte(row.Payload), &levels); err != nil {
			continue // tolerate a corrupt row, newer rows come first
		}
		out[row.Timeframe] = levels
	}
	return out, nil
}
