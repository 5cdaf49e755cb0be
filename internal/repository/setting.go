package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/winfleet-io/winfleet/internal/db"
)

// gormSettingRepository is the GORM implementation of SettingRepository.
type gormSettingRepository struct {
	db *gorm.DB
}

// NewSettingRepository returns a SettingRepository backed by the provided *gorm.DB.
func NewSettingRepository(db *gorm.DB) SettingRepository {
	return &gormSettingRepository{db: db}
}

// Get returns the value for key. Returns ErrNotFound for unknown keys.
func (r *gormSettingRepository) Get(ctx context.Context, key string) (string, error) {
	var s db.Setting
	err := r.db.WithContext(ctx).First(&s, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("settings: get: %w", err)
	}
	return s.Value, nil
}

// Set inserts or replaces the value for key.
func (r *gormSettingRepository) Set(ctx context.Context, key, value string) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&db.Setting{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("settings: set: %w", err)
	}
	return nil
}
