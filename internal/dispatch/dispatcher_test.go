package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/correlator"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
)

// echoTransport simulates an agent that replies to every command frame by
// delivering a successful result into the correlator.
type echoTransport struct {
	corr   *correlator.Correlator
	output string

	mu   sync.Mutex
	sent []*protocol.Message
}

func (t *echoTransport) Send(msg *protocol.Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	var cmd protocol.CommandPayload
	if err := msg.ParsePayload(&cmd); err != nil {
		return err
	}
	go t.corr.Deliver(cmd.RequestID, &correlator.Response{
		Success:       true,
		Output:        t.output,
		ExecutionTime: 0.1,
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

func (t *echoTransport) Close() error { return nil }

// silentTransport accepts frames and never replies.
type silentTransport struct{}

func (silentTransport) Send(*protocol.Message) error { return nil }
func (silentTransport) Close() error                 { return nil }

// brokenTransport fails every write.
type brokenTransport struct{}

func (brokenTransport) Send(*protocol.Message) error { return errors.New("broken pipe") }
func (brokenTransport) Close() error                 { return nil }

func newTestDispatcher(t *testing.T, agentTransport registry.Transport) (*Dispatcher, *registry.Registry, *correlator.Correlator) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	corr := correlator.New(zap.NewNop())

	if agentTransport != nil {
		connID := reg.Attach(agentTransport)
		_, err := reg.Bind(connID, "agent-1")
		require.NoError(t, err)
	}
	return New(reg, corr, 15*time.Second, zap.NewNop()), reg, corr
}

func TestClampTimeout(t *testing.T) {
	assert.Equal(t, MinTimeout, ClampTimeout(0))
	assert.Equal(t, MinTimeout, ClampTimeout(500*time.Millisecond))
	assert.Equal(t, MinTimeout, ClampTimeout(MinTimeout))
	assert.Equal(t, 30*time.Second, ClampTimeout(30*time.Second))
	assert.Equal(t, MaxTimeout, ClampTimeout(MaxTimeout))
	assert.Equal(t, MaxTimeout, ClampTimeout(time.Hour))
}

func TestExecuteRoundTrip(t *testing.T) {
	reg := registry.New(zap.NewNop())
	corr := correlator.New(zap.NewNop())
	echo := &echoTransport{corr: corr, output: "2024-01-01"}
	connID := reg.Attach(echo)
	_, err := reg.Bind(connID, "agent-1")
	require.NoError(t, err)

	d := New(reg, corr, 15*time.Second, zap.NewNop())

	resp, requestID, err := d.Execute(context.Background(), "agent-1", "Get-Date", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "2024-01-01", resp.Output)
	assert.NotEmpty(t, requestID)

	// The result stays retrievable after the synchronous return.
	status, cached, ok := d.Result(requestID)
	require.True(t, ok)
	assert.Equal(t, correlator.StatusCompleted, status)
	assert.Equal(t, "2024-01-01", cached.Output)

	// The frame that went out carried the same request id and the command.
	echo.mu.Lock()
	defer echo.mu.Unlock()
	require.Len(t, echo.sent, 1)
	var cmd protocol.CommandPayload
	require.NoError(t, echo.sent[0].ParsePayload(&cmd))
	assert.Equal(t, requestID, cmd.RequestID)
	assert.Equal(t, "Get-Date", cmd.Command)
}

func TestExecuteTimeout(t *testing.T) {
	d, _, _ := newTestDispatcher(t, silentTransport{})

	resp, requestID, err := d.Execute(context.Background(), "agent-1", "Start-Sleep 600", time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, -1, resp.ExitCode)
	assert.Contains(t, resp.Error, "timed out")

	status, _, ok := d.Result(requestID)
	require.True(t, ok)
	assert.Equal(t, correlator.StatusTimeout, status)
}

func TestExecuteNotConnected(t *testing.T) {
	d, reg, _ := newTestDispatcher(t, nil)

	mockConn := reg.AttachMock(silentTransport{})
	_, err := reg.Bind(mockConn, "mock-1")
	require.NoError(t, err)

	_, _, err = d.Execute(context.Background(), "ghost", "Get-Date", time.Second)
	var notConnected *NotConnectedError
	require.ErrorAs(t, err, &notConnected)
	assert.Equal(t, "ghost", notConnected.AgentID)
	assert.Equal(t, []string{"mock-1"}, notConnected.MockAgents)
}

func TestExecuteSendFailedDropsEntry(t *testing.T) {
	d, reg, corr := newTestDispatcher(t, brokenTransport{})

	_, _, err := d.Execute(context.Background(), "agent-1", "Get-Date", time.Second)
	var sendFailed *SendFailedError
	require.ErrorAs(t, err, &sendFailed)

	// The failed send must not leave an eternal pending entry behind.
	assert.Equal(t, 0, corr.Pending())
	assert.False(t, reg.IsConnected("agent-1"), "failed send should detach the session")
}

func TestSubmitAsync(t *testing.T) {
	d, _, corr := newTestDispatcher(t, silentTransport{})

	requestID, err := d.Submit("agent-1", "Get-Service", 0)
	require.NoError(t, err)

	status, _, ok := d.Result(requestID)
	require.True(t, ok)
	assert.Equal(t, correlator.StatusPending, status)

	corr.Deliver(requestID, &correlator.Response{Success: true, Output: "done"})
	status, resp, ok := d.Result(requestID)
	require.True(t, ok)
	assert.Equal(t, correlator.StatusCompleted, status)
	assert.Equal(t, "done", resp.Output)
}
