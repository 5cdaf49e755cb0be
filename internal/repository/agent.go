package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/winfleet-io/winfleet/internal/db"
)

// agentOrderColumns is the allow-list for AgentListOptions.OrderBy. Anything
// outside this set falls back to hostname to keep the ORDER BY injection-safe.
var agentOrderColumns = map[string]string{
	"hostname":     "hostname",
	"status":       "status",
	"last_seen":    "last_seen_at",
	"last_seen_at": "last_seen_at",
	"created_at":   "created_at",
}

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Upsert inserts the agent or, when the id already exists, refreshes the
// mutable registration fields. Called on every register frame, so reconnects
// update hostname/ip/version in place without duplicating rows.
func (r *gormAgentRepository) Upsert(ctx context.Context, agent *db.Agent) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"hostname", "ip", "os", "version", "status",
			"last_seen_at", "system_info", "updated_at",
		}),
	}).Create(agent).Error
	if err != nil {
		return fmt.Errorf("agents: upsert: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its string id.
// Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status and last_seen_at columns. Called on
// every heartbeat and disconnect — touching two columns avoids write
// amplification on the full row.
func (r *gormAgentRepository) UpdateStatus(ctx context.Context, id string, status string, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"last_seen_at": lastSeenAt,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates the status column alone. Used by the liveness
// reclassifier, which must not advance last_seen_at — only heartbeats and
// registrations may do that.
func (r *gormAgentRepository) SetStatus(ctx context.Context, id string, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("agents: set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTags merge-replaces the tags column with the supplied JSON array.
func (r *gormAgentRepository) UpdateTags(ctx context.Context, id string, tagsJSON string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("tags", tagsJSON)
	if result.Error != nil {
		return fmt.Errorf("agents: update tags: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat advances last_seen_at, flips status to online, and attaches the
// provided system info when non-empty.
func (r *gormAgentRepository) Heartbeat(ctx context.Context, id string, lastSeenAt time.Time, systemInfoJSON string) error {
	updates := map[string]interface{}{
		"status":       "online",
		"last_seen_at": lastSeenAt,
	}
	if systemInfoJSON != "" {
		updates["system_info"] = systemInfoJSON
	}

	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("agents: heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes an agent row. Agents are only removed by explicit API
// call, never by lifecycle transitions.
func (r *gormAgentRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("agents: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns agents matching opts plus the total count before pagination.
// Rows sharing a hostname are deduplicated after the fetch, keeping the one
// with the greatest last_seen_at — hostname is not a key, so this is strictly
// a read-side concern and the underlying rows remain untouched.
func (r *gormAgentRepository) List(ctx context.Context, opts AgentListOptions) ([]db.Agent, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Agent{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	column, ok := agentOrderColumns[opts.OrderBy]
	if !ok {
		column = "hostname"
	}
	direction := "ASC"
	if opts.OrderDesc {
		direction = "DESC"
	}

	var agents []db.Agent
	if err := q.Order(column + " " + direction).Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	agents = dedupeByHostname(agents)
	total := int64(len(agents))

	// Pagination applies after deduplication so offsets stay stable.
	if opts.Offset > 0 {
		if opts.Offset >= len(agents) {
			agents = nil
		} else {
			agents = agents[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(agents) > opts.Limit {
		agents = agents[:opts.Limit]
	}

	return agents, total, nil
}

// dedupeByHostname keeps, for each hostname, the row with the greatest
// last_seen_at. Rows without last_seen_at lose to any row that has one.
// Input order is preserved for the surviving rows.
func dedupeByHostname(agents []db.Agent) []db.Agent {
	winner := make(map[string]int, len(agents)) // hostname -> index into result
	result := make([]db.Agent, 0, len(agents))

	for _, a := range agents {
		idx, seen := winner[a.Hostname]
		if !seen {
			winner[a.Hostname] = len(result)
			result = append(result, a)
			continue
		}
		if laterSeen(a.LastSeenAt, result[idx].LastSeenAt) {
			result[idx] = a
		}
	}
	return result
}

func laterSeen(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}
