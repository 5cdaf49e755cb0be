package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is the persistent record of a managed Windows endpoint. The primary
// key is the agent-supplied (or server-generated) string id — hostnames are
// explicitly NOT unique: several rows may share one hostname, and list queries
// deduplicate read-side by keeping the row with the greatest last_seen.
//
// Connection state is never persisted as truth. The is_connected flag surfaced
// by the API is recomputed from the in-memory registry on every read.
type Agent struct {
	ID         string `gorm:"primaryKey"`
	Hostname   string `gorm:"not null;index"`
	IP         string `gorm:"not null;default:''"`
	OS         string `gorm:"not null;default:''"`
	Version    string `gorm:"not null;default:''"`
	Status     string `gorm:"not null;default:'offline';index"` // "online", "offline", "warning", "error"
	LastSeenAt *time.Time
	Tags       string    `gorm:"type:text;default:'[]'"` // JSON array of strings
	SystemInfo string    `gorm:"type:text;default:'{}'"` // JSON, opaque nested record
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Command history
// -----------------------------------------------------------------------------

// CommandHistory is an append-only audit row written for every command result
// that flows back from an agent, including mock agents. Queried by agent and
// recency via the composite (agent_id, timestamp) index.
type CommandHistory struct {
	base
	AgentID       string    `gorm:"not null;index:idx_history_agent_ts,priority:1"`
	Command       string    `gorm:"type:text;not null"`
	Success       bool      `gorm:"not null"`
	Output        string    `gorm:"type:text;default:''"`
	Error         string    `gorm:"type:text;default:''"`
	ExecutionTime float64   `gorm:"not null;default:0"` // seconds
	Timestamp     time.Time `gorm:"not null;index:idx_history_agent_ts,priority:2"`
}

// TerminalCommand records one full line executed inside an interactive
// terminal session. Written when the UI input ends with a newline.
type TerminalCommand struct {
	base
	SessionID string    `gorm:"not null;index"`
	AgentID   string    `gorm:"not null;index"`
	UserID    string    `gorm:"not null;default:''"`
	Command   string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Saved command templates
// -----------------------------------------------------------------------------

// SavedCommand is a reusable PowerShell command template. Command text may
// reference $Name placeholders described by the Parameters JSON list.
// System templates (IsSystem) are installed by the seed command and cannot be
// deleted through the public API.
type SavedCommand struct {
	base
	Name        string `gorm:"not null;uniqueIndex"`
	Description string `gorm:"type:text;default:''"`
	Category    string `gorm:"not null;default:'general'"`
	Command     string `gorm:"type:text;not null"`
	Parameters  string `gorm:"type:text;default:'[]'"` // JSON list of {name,type,default,required}
	Tags        string `gorm:"type:text;default:'[]'"` // JSON array of strings
	Version     string `gorm:"not null;default:'1.0'"`
	Author      string `gorm:"not null;default:''"`
	IsSystem    bool   `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Users & settings
// -----------------------------------------------------------------------------

// User is an operator account. Password holds a bcrypt hash, never plaintext.
type User struct {
	base
	Email       string `gorm:"uniqueIndex;not null"`
	Password    string `gorm:"not null"`
	DisplayName string `gorm:"not null"`
	Role        string `gorm:"not null;default:'user'"` // "admin" or "user"
	IsActive    bool   `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "dispatch.default_timeout").
//
// Setting does not embed base because it uses a string primary key (the key
// itself) rather than a UUID, and does not need CreatedAt.
type Setting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}
