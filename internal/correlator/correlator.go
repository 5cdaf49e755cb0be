// Package correlator turns fire-and-forget transport messages into
// synchronous replies. The dispatcher registers a pending entry before sending
// a command frame; when the agent's result frame arrives the gateway delivers
// it here, waking the parked caller.
//
// Each entry resolves exactly once: either a response is delivered before the
// caller's timeout fires, or the entry is marked timed out. A late delivery
// for an already-timed-out entry is logged at debug and never overwrites the
// stored timeout record.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status of a pending entry.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
)

// Response is the outcome of one dispatched command.
type Response struct {
	Success       bool      `json:"success"`
	Output        string    `json:"output"`
	Error         string    `json:"error,omitempty"`
	ExitCode      int       `json:"exit_code"`
	ExecutionTime float64   `json:"execution_time"`
	Timestamp     time.Time `json:"timestamp"`

	// Data preserves the agent's original structured output when the wire
	// value was an object or array rather than a plain string.
	Data any `json:"data,omitempty"`
}

// entry is one in-flight (or recently resolved) request.
type entry struct {
	mu         sync.Mutex
	status     string
	response   *Response
	done       chan struct{} // closed exactly once, on first resolution
	agentID    string
	command    string
	submitted  time.Time
	resolvedAt time.Time
}

// resolve transitions the entry out of pending. Returns false if it already
// resolved — the mutex makes "deliver response" and "mark timed out" mutually
// exclusive.
func (e *entry) resolve(status string, resp *Response) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPending {
		return false
	}
	e.status = status
	e.response = resp
	e.resolvedAt = time.Now().UTC()
	close(e.done)
	return true
}

func (e *entry) snapshot() (string, *Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.response
}

// Correlator owns the pending-entries map. Safe for concurrent use.
// The zero value is not usable — create instances with New.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *zap.Logger
}

// New creates an empty Correlator.
func New(logger *zap.Logger) *Correlator {
	return &Correlator{
		entries: make(map[string]*entry),
		logger:  logger.Named("correlator"),
	}
}

// NewRequestID generates a correlation id that cannot collide under realistic
// concurrency: a nanosecond timestamp plus a random UUID fragment.
func NewRequestID() string {
	return fmt.Sprintf("cmd_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// Begin registers a pending entry for requestID. The caller must eventually
// Await or the janitor will never evict the entry (unresolved entries are
// retained indefinitely so async submitters can poll).
func (c *Correlator) Begin(requestID, agentID, command string) {
	e := &entry{
		status:    StatusPending,
		done:      make(chan struct{}),
		agentID:   agentID,
		command:   command,
		submitted: time.Now().UTC(),
	}

	c.mu.Lock()
	c.entries[requestID] = e
	c.mu.Unlock()

	c.logger.Debug("request registered",
		zap.String("request_id", requestID),
		zap.String("agent_id", agentID),
	)
}

// Deliver stores the response for requestID and wakes any waiter. The first
// resolution wins: delivery after a timeout (or a duplicate delivery) is
// ignored apart from a debug log. Unknown ids are also ignored — late arrivals
// for evicted entries are harmless.
func (c *Correlator) Deliver(requestID string, resp *Response) {
	c.mu.Lock()
	e, ok := c.entries[requestID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request dropped",
			zap.String("request_id", requestID))
		return
	}

	if !e.resolve(StatusCompleted, resp) {
		status, _ := e.snapshot()
		c.logger.Debug("late response ignored",
			zap.String("request_id", requestID),
			zap.String("status", status),
		)
		return
	}

	c.logger.Debug("response delivered",
		zap.String("request_id", requestID),
		zap.Bool("success", resp.Success),
	)
}

// Await blocks until the entry resolves or timeout elapses, whichever comes
// first. On timeout the entry is atomically marked timed out and a timeout
// response is stored for later retrieval; if a delivery races the timer and
// wins, the delivered response is returned instead. Re-awaiting an already
// resolved entry returns the cached response immediately.
func (c *Correlator) Await(ctx context.Context, requestID string, timeout time.Duration) (*Response, error) {
	c.mu.Lock()
	e, ok := c.entries[requestID]
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("correlator: unknown request %s", requestID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		_, resp := e.snapshot()
		return resp, nil

	case <-ctx.Done():
		// Caller disconnected. The command keeps running; the result stays
		// retrievable via Get. Do not mark the entry timed out.
		return nil, ctx.Err()

	case <-timer.C:
		timeoutResp := &Response{
			Success:   false,
			Error:     fmt.Sprintf("Command timed out after %gs", timeout.Seconds()),
			ExitCode:  -1,
			Timestamp: time.Now().UTC(),
		}
		if e.resolve(StatusTimeout, timeoutResp) {
			c.logger.Warn("request timed out",
				zap.String("request_id", requestID),
				zap.String("agent_id", e.agentID),
				zap.Duration("timeout", timeout),
			)
			return timeoutResp, nil
		}
		// A delivery slipped in between the timer firing and the resolve.
		_, resp := e.snapshot()
		return resp, nil
	}
}

// Drop removes an entry outright. Used by the dispatcher when the send that
// should have produced a response never left the server.
func (c *Correlator) Drop(requestID string) {
	c.mu.Lock()
	delete(c.entries, requestID)
	c.mu.Unlock()
}

// Get is the polling accessor for async callers. ok is false when the id was
// never issued or has already been evicted.
func (c *Correlator) Get(requestID string) (status string, resp *Response, ok bool) {
	c.mu.Lock()
	e, found := c.entries[requestID]
	c.mu.Unlock()

	if !found {
		return "", nil, false
	}
	status, resp = e.snapshot()
	return status, resp, true
}

// Request returns the agent id and command text recorded for a request id.
// Used by the gateway when writing history rows.
func (c *Correlator) Request(requestID string) (agentID, command string, ok bool) {
	c.mu.Lock()
	e, found := c.entries[requestID]
	c.mu.Unlock()

	if !found {
		return "", "", false
	}
	return e.agentID, e.command, true
}

// Pending returns the number of unresolved entries. Used by metrics.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if status, _ := e.snapshot(); status == StatusPending {
			n++
		}
	}
	return n
}

// Sweep evicts entries that resolved more than retention ago. Unresolved
// entries are never evicted. Called periodically by the janitor; returns the
// number of entries removed.
func (c *Correlator) Sweep(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		e.mu.Lock()
		expired := e.status != StatusPending && e.resolvedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(c.entries, id)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Debug("swept resolved requests", zap.Int("removed", removed))
	}
	return removed
}
