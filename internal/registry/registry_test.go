package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/protocol"
)

// fakeTransport records sent frames and close calls.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*protocol.Message
	closed  bool
	sendErr error
}

func (t *fakeTransport) Send(msg *protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func TestBindAndSend(t *testing.T) {
	r := New(zap.NewNop())
	ft := &fakeTransport{}

	connID := r.Attach(ft)
	_, err := r.Bind(connID, "agent-1")
	require.NoError(t, err)

	assert.True(t, r.IsConnected("agent-1"))

	msg := &protocol.Message{Type: protocol.TypePowershellCommand}
	require.NoError(t, r.Send("agent-1", msg))
	assert.Len(t, ft.sent, 1)
}

func TestBindUnknownConnection(t *testing.T) {
	r := New(zap.NewNop())
	_, err := r.Bind("no-such-conn", "agent-1")
	assert.Error(t, err)
}

func TestAtMostOneSessionPerAgent(t *testing.T) {
	r := New(zap.NewNop())
	oldT := &fakeTransport{}
	newT := &fakeTransport{}

	oldConn := r.Attach(oldT)
	_, err := r.Bind(oldConn, "agent-1")
	require.NoError(t, err)

	// The agent reconnects over a new transport before the old one dies.
	newConn := r.Attach(newT)
	replaced, err := r.Bind(newConn, "agent-1")
	require.NoError(t, err)
	assert.NotNil(t, replaced, "bind should report the replaced transport")
	assert.True(t, oldT.isClosed(), "old transport should get a best-effort close")

	// Traffic flows over the new session only.
	require.NoError(t, r.Send("agent-1", &protocol.Message{Type: protocol.TypeWelcome}))
	assert.Empty(t, oldT.sent)
	assert.Len(t, newT.sent, 1)

	// The old session's own detach must not tear down the new binding.
	r.Detach(oldConn)
	assert.True(t, r.IsConnected("agent-1"))
}

func TestRebindSameConnectionReleasesOldID(t *testing.T) {
	r := New(zap.NewNop())
	ft := &fakeTransport{}

	connID := r.Attach(ft)
	_, err := r.Bind(connID, "agent-a")
	require.NoError(t, err)
	_, err = r.Bind(connID, "agent-b")
	require.NoError(t, err)

	// The connection answers to the new id only.
	assert.False(t, r.IsConnected("agent-a"))
	assert.True(t, r.IsConnected("agent-b"))
	assert.ErrorIs(t, r.Send("agent-a", &protocol.Message{Type: protocol.TypeWelcome}), ErrNotConnected)
	require.NoError(t, r.Send("agent-b", &protocol.Message{Type: protocol.TypeWelcome}))

	// Detaching leaves no dangling binding behind either id.
	r.Detach(connID)
	assert.False(t, r.IsConnected("agent-a"))
	assert.False(t, r.IsConnected("agent-b"))
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, r.Send("agent-a", &protocol.Message{Type: protocol.TypeWelcome}), ErrNotConnected)
		assert.ErrorIs(t, r.Send("agent-b", &protocol.Message{Type: protocol.TypeWelcome}), ErrNotConnected)
	})
}

func TestDetachIdempotent(t *testing.T) {
	r := New(zap.NewNop())
	connID := r.Attach(&fakeTransport{})
	_, err := r.Bind(connID, "agent-1")
	require.NoError(t, err)

	r.Detach(connID)
	assert.False(t, r.IsConnected("agent-1"))
	assert.NotPanics(t, func() { r.Detach(connID) })
}

func TestSendNotConnected(t *testing.T) {
	r := New(zap.NewNop())
	err := r.Send("agent-1", &protocol.Message{Type: protocol.TypeWelcome})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendFailureDetachesSession(t *testing.T) {
	r := New(zap.NewNop())
	ft := &fakeTransport{sendErr: errors.New("broken pipe")}

	connID := r.Attach(ft)
	_, err := r.Bind(connID, "agent-1")
	require.NoError(t, err)

	err = r.Send("agent-1", &protocol.Message{Type: protocol.TypeWelcome})
	require.Error(t, err)

	assert.False(t, r.IsConnected("agent-1"), "failed send should detach the session")
	assert.True(t, ft.isClosed())
}

func TestConnectedAgentsSplitsMocks(t *testing.T) {
	r := New(zap.NewNop())

	realConn := r.Attach(&fakeTransport{})
	_, err := r.Bind(realConn, "real-1")
	require.NoError(t, err)

	mockConn := r.AttachMock(&fakeTransport{})
	_, err = r.Bind(mockConn, "mock-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"real-1"}, r.ConnectedAgents())
	assert.Equal(t, []string{"mock-1"}, r.MockAgents())

	s, ok := r.SessionOf("mock-1")
	require.True(t, ok)
	assert.True(t, s.IsMock)
}

func TestSessionOfReturnsCopy(t *testing.T) {
	r := New(zap.NewNop())
	connID := r.Attach(&fakeTransport{})
	_, err := r.Bind(connID, "agent-1")
	require.NoError(t, err)

	s, ok := r.SessionOf("agent-1")
	require.True(t, ok)
	s.AgentID = "mutated"

	again, ok := r.SessionOf("agent-1")
	require.True(t, ok)
	assert.Equal(t, "agent-1", again.AgentID)
}
