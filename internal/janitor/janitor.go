// Package janitor runs the server's periodic maintenance jobs on a gocron
// scheduler: sweeping idle terminal sessions, evicting resolved correlator
// entries, reclassifying agent liveness, and refreshing gauge metrics.
//
// Jobs run in singleton mode: if a sweep is still running when the next tick
// fires, the new execution is skipped rather than overlapped.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/correlator"
	"github.com/winfleet-io/winfleet/internal/liveness"
	"github.com/winfleet-io/winfleet/internal/metrics"
	"github.com/winfleet-io/winfleet/internal/repository"
	"github.com/winfleet-io/winfleet/internal/terminal"
)

// responseRetention is how long resolved correlator entries stay retrievable
// through the async result endpoint before eviction.
const responseRetention = 5 * time.Minute

// reclassifyInterval is how often persisted agent statuses are reconciled
// with the liveness classification.
const reclassifyInterval = 30 * time.Second

// Janitor owns the gocron scheduler and its maintenance tasks.
// The zero value is not usable — create instances with New.
type Janitor struct {
	cron     gocron.Scheduler
	corr     *correlator.Correlator
	terms    *terminal.Manager
	liveness *liveness.Tracker
	agents   repository.AgentRepository
	logger   *zap.Logger
}

// New creates a Janitor. Call Start to begin processing.
func New(
	corr *correlator.Correlator,
	terms *terminal.Manager,
	lv *liveness.Tracker,
	agents repository.AgentRepository,
	logger *zap.Logger,
) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("janitor: creating gocron scheduler: %w", err)
	}

	return &Janitor{
		cron:     s,
		corr:     corr,
		terms:    terms,
		liveness: lv,
		agents:   agents,
		logger:   logger.Named("janitor"),
	}, nil
}

// Start registers the maintenance jobs and starts the scheduler. Call once at
// server startup, after every component is wired.
func (j *Janitor) Start() error {
	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"terminal_sweep", j.terms.SweepInterval(), j.sweepTerminals},
		{"correlator_sweep", responseRetention, j.sweepCorrelator},
		{"liveness_reclassify", reclassifyInterval, j.reclassify},
	}

	for _, job := range jobs {
		_, err := j.cron.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(job.task),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("janitor: scheduling %s: %w", job.name, err)
		}
	}

	j.cron.Start()
	j.logger.Info("janitor started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any running task to
// finish.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor: shutdown: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) sweepTerminals() {
	if closed := j.terms.Sweep(time.Now().UTC()); closed > 0 {
		j.logger.Info("closed idle terminal sessions", zap.Int("count", closed))
	}
}

func (j *Janitor) sweepCorrelator() {
	removed := j.corr.Sweep(responseRetention)
	metrics.RequestsPending.Set(float64(j.corr.Pending()))
	if removed > 0 {
		j.logger.Debug("evicted resolved requests", zap.Int("count", removed))
	}
}

// reclassify reconciles every persisted status with the current liveness
// classification. Only the status column is written — last_seen_at is owned
// by heartbeats.
func (j *Janitor) reclassify() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	agents, _, err := j.agents.List(ctx, repository.AgentListOptions{})
	if err != nil {
		j.logger.Warn("reclassify list failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	changed := 0
	for i := range agents {
		state := j.liveness.Classify(&agents[i], now)
		if state.Status == liveness.StatusUnknown || state.Status == agents[i].Status {
			continue
		}
		if err := j.agents.SetStatus(ctx, agents[i].ID, state.Status); err != nil {
			j.logger.Warn("reclassify update failed",
				zap.String("agent_id", agents[i].ID),
				zap.Error(err),
			)
			continue
		}
		changed++
	}

	if changed > 0 {
		j.logger.Debug("reclassified agent statuses", zap.Int("changed", changed))
	}
}
