package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a box has no cached counts yet.
var ErrNotFound = errors.New("no cached state for box")

// CachedBox holds the egg counts of a box from its last capture without a
// chicken in it, along with the annotated images behind those counts.
type CachedBox struct {
	BoxID                int       `gorm:"primaryKey;autoIncrement:false" json:"box_id"`
	EggCountBlob         int       `json:"egg_count_blob"`
	EggCountModel        int       `json:"egg_count_model"`
	RunTimestamp         int64     `gorm:"index" json:"run_timestamp"`
	ImageKey             string    `json:"image_key"`
	BlobArtifactPath     string    `json:"blob_artifact_path"`
	ModelArtifactPathEgg string    `json:"model_artifact_path_egg"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TableName pins the table name.
func (CachedBox) TableName() string {
	return "nesting_box_cache"
}

// StateCache is a per-box cache of the latest unobscured egg counts.
type StateCache struct {
	db *gorm.DB
}

// OpenStateCache opens (or creates) a SQLite database at path and migrates
// the schema. Use ":memory:" for an ephemeral cache.
func OpenStateCache(path string) (*StateCache, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state cache: %w", err)
	}
	return NewStateCache(db)
}

// NewStateCache wraps an open database and migrates the schema.
func NewStateCache(db *gorm.DB) (*StateCache, error) {
	if err := db.AutoMigrate(&CachedBox{}); err != nil {
		return nil, fmt.Errorf("failed to migrate state cache: %w", err)
	}
	return &StateCache{db: db}, nil
}

// Record upserts the cached counts of a box. An older run never overwrites a
// newer one.
func (c *StateCache) Record(ctx context.Context, box CachedBox) error {
	if box.UpdatedAt.IsZero() {
		box.UpdatedAt = time.Now().UTC()
	}
	result := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "box_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"egg_count_blob",
			"egg_count_model",
			"run_timestamp",
			"image_key",
			"blob_artifact_path",
			"model_artifact_path_egg",
			"updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("excluded.run_timestamp >= nesting_box_cache.run_timestamp"),
		}},
	}).Create(&box)
	if result.Error != nil {
		return fmt.Errorf("failed to record box %d: %w", box.BoxID, result.Error)
	}
	return nil
}

// Latest returns the cached counts of a box or ErrNotFound.
func (c *StateCache) Latest(ctx context.Context, boxID int) (*CachedBox, error) {
	var box CachedBox
	err := c.db.WithContext(ctx).Where("box_id = ?", boxID).Take(&box).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read box %d: %w", boxID, err)
	}
	return &box, nil
}

// All returns every cached box ordered by id.
func (c *StateCache) All(ctx context.Context) ([]CachedBox, error) {
	var boxes []CachedBox
	if err := c.db.WithContext(ctx).Order("box_id").Find(&boxes).Error; err != nil {
		return nil, fmt.Errorf("failed to list cached boxes: %w", err)
	}
	return boxes, nil
}

// Close closes the underlying database.
func (c *StateCache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
