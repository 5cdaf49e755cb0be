package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/winfleet-io/winfleet/internal/db"
)

// gormSavedCommandRepository is the GORM implementation of SavedCommandRepository.
type gormSavedCommandRepository struct {
	db *gorm.DB
}

// NewSavedCommandRepository returns a SavedCommandRepository backed by the
// provided *gorm.DB.
func NewSavedCommandRepository(db *gorm.DB) SavedCommandRepository {
	return &gormSavedCommandRepository{db: db}
}

// Create inserts a new template. Name collisions map to ErrConflict.
func (r *gormSavedCommandRepository) Create(ctx context.Context, cmd *db.SavedCommand) error {
	if err := r.db.WithContext(ctx).Create(cmd).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("saved commands: create: %w", err)
	}
	return nil
}

// GetByID retrieves a template. Returns ErrNotFound if no record exists.
func (r *gormSavedCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.SavedCommand, error) {
	var cmd db.SavedCommand
	err := r.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("saved commands: get by id: %w", err)
	}
	return &cmd, nil
}

// Update persists all fields of an existing template.
func (r *gormSavedCommandRepository) Update(ctx context.Context, cmd *db.SavedCommand) error {
	result := r.db.WithContext(ctx).Save(cmd)
	if result.Error != nil {
		return fmt.Errorf("saved commands: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a template. System templates are protected — the row is
// checked first and ErrProtected returned instead of deleting.
func (r *gormSavedCommandRepository) Delete(ctx context.Context, id uuid.UUID) error {
	cmd, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cmd.IsSystem {
		return ErrProtected
	}

	result := r.db.WithContext(ctx).Delete(&db.SavedCommand{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("saved commands: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns templates, optionally filtered by category, plus the total count.
func (r *gormSavedCommandRepository) List(ctx context.Context, category string, opts ListOptions) ([]db.SavedCommand, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.SavedCommand{})
	if category != "" {
		q = q.Where("category = ?", category)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("saved commands: list count: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var cmds []db.SavedCommand
	if err := q.Order("name ASC").Limit(limit).Offset(opts.Offset).Find(&cmds).Error; err != nil {
		return nil, 0, fmt.Errorf("saved commands: list: %w", err)
	}
	return cmds, total, nil
}

// isUniqueViolation detects unique constraint errors from either driver
// without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key") // postgres
}
