// Package dispatch implements the public "execute command on agent"
// primitive. It composes the connection registry and the correlator: a command
// frame is pushed onto the agent's transport, the caller parks on the
// correlator, and the agent's result frame (or a timeout) wakes it.
//
// Mock agents take the exact same path — their transport synthesises the
// reply into the same inbound pipeline, so every correlator invariant holds
// for mocks too.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/correlator"
	"github.com/winfleet-io/winfleet/internal/metrics"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
)

// Timeout clamp bounds. Anything outside is silently pulled into range.
const (
	MinTimeout = 1 * time.Second
	MaxTimeout = 300 * time.Second
)

// NotConnectedError reports a dispatch to an agent without a live session.
// The connected and mock agent lists are included as a diagnostic aid — a
// disconnected agent is the most common operator mistake.
type NotConnectedError struct {
	AgentID         string
	AvailableAgents []string
	MockAgents      []string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("agent %s is not connected", e.AgentID)
}

// SendFailedError reports a transport write failure. The session has already
// been detached by the registry as a side effect.
type SendFailedError struct {
	AgentID string
	Err     error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("failed to send command to agent %s: %v", e.AgentID, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// Dispatcher is the command execution front door.
// The zero value is not usable — create instances with New.
type Dispatcher struct {
	reg            *registry.Registry
	corr           *correlator.Correlator
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// New creates a Dispatcher. defaultTimeout is used when a caller passes zero;
// it is clamped like every per-call timeout.
func New(reg *registry.Registry, corr *correlator.Correlator, defaultTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		reg:            reg,
		corr:           corr,
		defaultTimeout: ClampTimeout(defaultTimeout),
		logger:         logger.Named("dispatch"),
	}
}

// ClampTimeout pulls a command timeout into [MinTimeout, MaxTimeout].
func ClampTimeout(d time.Duration) time.Duration {
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Execute dispatches command to the agent and blocks until the agent replies
// or timeout elapses. A zero timeout selects the configured default. The
// returned request id lets callers fetch the (possibly late) result again via
// the async endpoint.
//
// HTTP client disconnection does not cancel the command: ctx only unparks
// this caller, the pending entry keeps waiting for the agent.
func (d *Dispatcher) Execute(ctx context.Context, agentID, command string, timeout time.Duration) (*correlator.Response, string, error) {
	requestID, timeout, err := d.submit(agentID, command, timeout)
	if err != nil {
		return nil, "", err
	}

	resp, err := d.corr.Await(ctx, requestID, timeout)
	if err != nil {
		return nil, requestID, err
	}

	if status, _, ok := d.corr.Get(requestID); ok && status == correlator.StatusTimeout {
		metrics.CommandsDispatched.WithLabelValues("timeout").Inc()
	} else {
		metrics.CommandsDispatched.WithLabelValues("completed").Inc()
		metrics.CommandDuration.Observe(resp.ExecutionTime)
	}

	return resp, requestID, nil
}

// Submit dispatches command without waiting. Callers poll the result through
// Result. The returned request id embeds a timestamp and random nonce so
// concurrent submissions cannot collide.
func (d *Dispatcher) Submit(agentID, command string, timeout time.Duration) (string, error) {
	requestID, _, err := d.submit(agentID, command, timeout)
	return requestID, err
}

// submit performs the shared steps 1-4: registry check, request id allocation,
// correlator registration, transport send.
func (d *Dispatcher) submit(agentID, command string, timeout time.Duration) (string, time.Duration, error) {
	if timeout == 0 {
		timeout = d.defaultTimeout
	}
	timeout = ClampTimeout(timeout)

	if !d.reg.IsConnected(agentID) {
		metrics.CommandsDispatched.WithLabelValues("not_connected").Inc()
		return "", 0, &NotConnectedError{
			AgentID:         agentID,
			AvailableAgents: d.reg.ConnectedAgents(),
			MockAgents:      d.reg.MockAgents(),
		}
	}

	requestID := correlator.NewRequestID()
	d.corr.Begin(requestID, agentID, command)

	msg, err := protocol.NewMessage(protocol.TypePowershellCommand, protocol.CommandPayload{
		RequestID:      requestID,
		Command:        command,
		TimeoutSeconds: int(timeout.Seconds()),
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		d.corr.Drop(requestID)
		return "", 0, err
	}

	if err := d.reg.Send(agentID, msg); err != nil {
		// The pending entry would never resolve — remove it so the async
		// endpoint reports not_found rather than an eternal pending.
		d.corr.Drop(requestID)
		metrics.CommandsDispatched.WithLabelValues("send_failed").Inc()
		return "", 0, &SendFailedError{AgentID: agentID, Err: err}
	}

	d.logger.Info("command dispatched",
		zap.String("agent_id", agentID),
		zap.String("request_id", requestID),
		zap.Duration("timeout", timeout),
	)
	return requestID, timeout, nil
}

// Result returns the status and (when resolved) response for a request id.
func (d *Dispatcher) Result(requestID string) (string, *correlator.Response, bool) {
	return d.corr.Get(requestID)
}
