// Package liveness derives an agent's online/offline classification from
// three independent signals: transport attachment (registry), heartbeat
// recency (last_seen_at), and the most recently persisted status field.
// Attachment or a fresh heartbeat wins; a stale heartbeat without attachment
// means offline.
package liveness

import (
	"time"

	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/registry"
)

// Status values produced by Classify.
const (
	StatusOnline  = "online"
	StatusWarning = "warning"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// Config holds the classification thresholds. Zero values fall back to the
// defaults (30 s warning, 60 s offline).
type Config struct {
	WarningAfter time.Duration
	OfflineAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarningAfter <= 0 {
		c.WarningAfter = 30 * time.Second
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 60 * time.Second
	}
	return c
}

// State is the classification record returned by /agents/{id}/status.
type State struct {
	AgentID      string     `json:"agent_id"`
	Status       string     `json:"status"`
	Attached     bool       `json:"attached"`
	IsMock       bool       `json:"is_mock,omitempty"`
	HeartbeatAge *float64   `json:"heartbeat_age_seconds,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	StatusField  string     `json:"stored_status"`
}

// Tracker classifies agents. Stateless apart from its configuration; the
// registry is the source of attachment truth and the caller supplies the
// persisted record.
type Tracker struct {
	reg *registry.Registry
	cfg Config
}

// New creates a Tracker with the given thresholds.
func New(reg *registry.Registry, cfg Config) *Tracker {
	return &Tracker{reg: reg, cfg: cfg.withDefaults()}
}

// Classify computes the liveness state of one agent record at time now.
func (t *Tracker) Classify(agent *db.Agent, now time.Time) State {
	state := State{
		AgentID:     agent.ID,
		StatusField: agent.Status,
		LastSeenAt:  agent.LastSeenAt,
	}

	if s, ok := t.reg.SessionOf(agent.ID); ok {
		state.Attached = true
		state.IsMock = s.IsMock
	}

	if agent.LastSeenAt == nil {
		if state.Attached {
			state.Status = StatusOnline
		} else {
			state.Status = StatusUnknown
		}
		return state
	}

	age := now.Sub(*agent.LastSeenAt)
	ageSeconds := age.Seconds()
	state.HeartbeatAge = &ageSeconds

	switch {
	case state.Attached || age < t.cfg.WarningAfter:
		state.Status = StatusOnline
	case age < t.cfg.OfflineAfter:
		state.Status = StatusWarning
	default:
		state.Status = StatusOffline
	}
	return state
}
