package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/winfleet-io/winfleet/internal/db"
)

// gormHistoryRepository is the GORM implementation of HistoryRepository.
type gormHistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository returns a HistoryRepository backed by the provided *gorm.DB.
func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &gormHistoryRepository{db: db}
}

// Append inserts one command audit row. The history is append-only — there is
// deliberately no update or delete.
func (r *gormHistoryRepository) Append(ctx context.Context, entry *db.CommandHistory) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// ListByAgent returns the most recent history rows for one agent, newest first.
func (r *gormHistoryRepository) ListByAgent(ctx context.Context, agentID string, opts ListOptions) ([]db.CommandHistory, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows []db.CommandHistory
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("timestamp DESC").
		Limit(limit).
		Offset(opts.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: list by agent: %w", err)
	}
	return rows, nil
}

// AppendTerminal inserts one terminal command audit row.
func (r *gormHistoryRepository) AppendTerminal(ctx context.Context, entry *db.TerminalCommand) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("history: append terminal: %w", err)
	}
	return nil
}

// ListTerminalBySession returns the audit trail of one terminal session in
// execution order.
func (r *gormHistoryRepository) ListTerminalBySession(ctx context.Context, sessionID string) ([]db.TerminalCommand, error) {
	var rows []db.TerminalCommand
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: list terminal by session: %w", err)
	}
	return rows, nil
}
