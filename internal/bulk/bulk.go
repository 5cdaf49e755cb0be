// Package bulk iterates one logical operation across a set of agents with
// per-target accounting. Per-agent failures never abort the run: every input
// id lands in exactly one of the successful or failed sets.
package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/dispatch"
	"github.com/winfleet-io/winfleet/internal/liveness"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
	"github.com/winfleet-io/winfleet/internal/repository"
)

// Recognised operations.
const (
	OpRefresh    = "refresh"
	OpRestart    = "restart"
	OpShutdown   = "shutdown"
	OpStatus     = "status"
	OpUpdateTags = "update_tags"
)

// ErrInvalidArgument rejects an empty id list or an unrecognised op.
var ErrInvalidArgument = errors.New("bulk: invalid argument")

// Args carries the optional operation parameters.
type Args struct {
	Tags []string `json:"tags,omitempty"`
}

// Failure records one failed target.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Report is the aggregate outcome. len(Successful) + len(Failed) always
// equals the number of input ids, and the two sets are disjoint.
type Report struct {
	Operation  string         `json:"operation"`
	Successful []string       `json:"successful"`
	Failed     []Failure      `json:"failed"`
	Results    map[string]any `json:"results"`
}

// Operator executes bulk operations.
type Operator struct {
	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	liveness *liveness.Tracker
	agents   repository.AgentRepository
	logger   *zap.Logger
}

// New creates an Operator.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, lv *liveness.Tracker, agents repository.AgentRepository, logger *zap.Logger) *Operator {
	return &Operator{
		reg:      reg,
		disp:     disp,
		liveness: lv,
		agents:   agents,
		logger:   logger.Named("bulk"),
	}
}

// privileged commands issued for the power operations.
var opCommands = map[string]string{
	OpRestart:  "Restart-Computer -Force",
	OpShutdown: "Stop-Computer -Force",
}

// Run applies op to every id in agentIDs.
func (o *Operator) Run(ctx context.Context, agentIDs []string, op string, args Args) (*Report, error) {
	if len(agentIDs) == 0 {
		return nil, fmt.Errorf("%w: agent_ids must be non-empty", ErrInvalidArgument)
	}
	switch op {
	case OpRefresh, OpRestart, OpShutdown, OpStatus, OpUpdateTags:
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidArgument, op)
	}

	report := &Report{
		Operation:  op,
		Successful: make([]string, 0, len(agentIDs)),
		Failed:     make([]Failure, 0),
		Results:    make(map[string]any, len(agentIDs)),
	}

	for _, id := range agentIDs {
		detail, err := o.runOne(ctx, id, op, args)
		if err != nil {
			report.Failed = append(report.Failed, Failure{ID: id, Error: err.Error()})
			continue
		}
		report.Successful = append(report.Successful, id)
		if detail != nil {
			report.Results[id] = detail
		}
	}

	o.logger.Info("bulk operation finished",
		zap.String("op", op),
		zap.Int("targets", len(agentIDs)),
		zap.Int("successful", len(report.Successful)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (o *Operator) runOne(ctx context.Context, agentID, op string, args Args) (any, error) {
	switch op {
	case OpRefresh:
		return o.refresh(ctx, agentID)
	case OpRestart, OpShutdown:
		return o.power(agentID, op)
	case OpStatus:
		return o.status(ctx, agentID)
	case OpUpdateTags:
		return o.updateTags(ctx, agentID, args.Tags)
	}
	return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidArgument, op)
}

// refresh nudges an attached agent for fresh system info, then reclassifies
// the persisted status from current attachment.
func (o *Operator) refresh(ctx context.Context, agentID string) (any, error) {
	if _, err := o.agents.GetByID(ctx, agentID); err != nil {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}

	attached := o.reg.IsConnected(agentID)
	if attached {
		msg, _ := protocol.NewMessage(protocol.TypeSystemInfoRequest, nil)
		if err := o.reg.Send(agentID, msg); err == nil {
			// Give the agent a beat to answer before the status write.
			time.Sleep(200 * time.Millisecond)
		}
		attached = o.reg.IsConnected(agentID)
	}

	status := "offline"
	if attached {
		status = "online"
	}
	if err := o.agents.UpdateStatus(ctx, agentID, status, time.Now().UTC()); err != nil {
		return nil, err
	}
	return map[string]any{"status": status}, nil
}

// power dispatches the privileged restart/shutdown command asynchronously and
// returns the request id so callers can poll the outcome.
func (o *Operator) power(agentID, op string) (any, error) {
	requestID, err := o.disp.Submit(agentID, opCommands[op], 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{"request_id": requestID}, nil
}

// status returns the liveness classification together with the stored record.
func (o *Operator) status(ctx context.Context, agentID string) (any, error) {
	agent, err := o.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}

	state := o.liveness.Classify(agent, time.Now().UTC())
	return map[string]any{"state": state, "agent": agent}, nil
}

// updateTags replaces the stored tag list.
func (o *Operator) updateTags(ctx context.Context, agentID string, tags []string) (any, error) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	if err := o.agents.UpdateTags(ctx, agentID, string(encoded)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("agent not found: %s", agentID)
		}
		return nil, err
	}
	return map[string]any{"tags": tags}, nil
}
