// Package repository defines the narrow persistence interfaces the core
// depends on, together with their GORM implementations. The core never touches
// *gorm.DB directly — handlers and services receive these interfaces so tests
// can substitute fakes.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/winfleet-io/winfleet/internal/db"
)

// AgentListOptions controls agent list queries. OrderBy accepts a column from
// the allow-list in the implementation; anything else falls back to hostname.
type AgentListOptions struct {
	Status    string // filter, empty = all
	Limit     int
	Offset    int
	OrderBy   string
	OrderDesc bool
}

// ListOptions contains plain pagination for secondary listings.
type ListOptions struct {
	Limit  int
	Offset int
}

// AgentRepository persists agent records. Hostnames are not unique — List
// deduplicates by hostname read-side, keeping the row with the greatest
// last_seen_at.
type AgentRepository interface {
	Upsert(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateStatus(ctx context.Context, id string, status string, lastSeenAt time.Time) error
	SetStatus(ctx context.Context, id string, status string) error
	UpdateTags(ctx context.Context, id string, tagsJSON string) error
	Heartbeat(ctx context.Context, id string, lastSeenAt time.Time, systemInfoJSON string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts AgentListOptions) ([]db.Agent, int64, error)
}

// HistoryRepository appends and queries the command audit trail.
type HistoryRepository interface {
	Append(ctx context.Context, entry *db.CommandHistory) error
	ListByAgent(ctx context.Context, agentID string, opts ListOptions) ([]db.CommandHistory, error)
	AppendTerminal(ctx context.Context, entry *db.TerminalCommand) error
	ListTerminalBySession(ctx context.Context, sessionID string) ([]db.TerminalCommand, error)
}

// SavedCommandRepository manages reusable command templates.
// Delete must refuse to remove system templates.
type SavedCommandRepository interface {
	Create(ctx context.Context, cmd *db.SavedCommand) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.SavedCommand, error)
	Update(ctx context.Context, cmd *db.SavedCommand) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, category string, opts ListOptions) ([]db.SavedCommand, int64, error)
}

// UserRepository manages operator accounts.
type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
}

// SettingRepository is a string key-value store for server settings.
type SettingRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
