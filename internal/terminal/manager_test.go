package terminal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
	"github.com/winfleet-io/winfleet/internal/repository"
)

// agentStub collects the frames the manager sends toward the agent.
type agentStub struct {
	mu   sync.Mutex
	sent []*protocol.Message
}

func (a *agentStub) Send(msg *protocol.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func (a *agentStub) Close() error { return nil }

func (a *agentStub) frames(msgType string) []*protocol.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*protocol.Message
	for _, m := range a.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// historyStub records appended terminal commands.
type historyStub struct {
	mu       sync.Mutex
	terminal []db.TerminalCommand
}

func (h *historyStub) Append(context.Context, *db.CommandHistory) error { return nil }
func (h *historyStub) ListByAgent(context.Context, string, repository.ListOptions) ([]db.CommandHistory, error) {
	return nil, nil
}

func (h *historyStub) AppendTerminal(_ context.Context, entry *db.TerminalCommand) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminal = append(h.terminal, *entry)
	return nil
}

func (h *historyStub) ListTerminalBySession(context.Context, string) ([]db.TerminalCommand, error) {
	return nil, nil
}

func (h *historyStub) commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.terminal))
	for i, e := range h.terminal {
		out[i] = e.Command
	}
	return out
}

type testRig struct {
	manager *Manager
	agent   *agentStub
	history *historyStub
	server  *httptest.Server
}

func newTestRig(t *testing.T, idleTimeout time.Duration) *testRig {
	t.Helper()

	reg := registry.New(zap.NewNop())
	agent := &agentStub{}
	connID := reg.Attach(agent)
	_, err := reg.Bind(connID, "agent-1")
	require.NoError(t, err)

	history := &historyStub{}
	manager := NewManager(reg, history, idleTimeout, zap.NewNop())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		manager.ServeUI(w, r, "agent-1", "user-1")
	}))
	t.Cleanup(server.Close)

	return &testRig{manager: manager, agent: agent, history: history, server: server}
}

func (rig *testRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(rig.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func openSession(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	start, err := protocol.NewMessage(protocol.TypeTerminalStart, protocol.TerminalStartPayload{Rows: 24, Cols: 80})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(start))

	var reply protocol.Message
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "session_created", reply.Type)

	var created protocol.SessionCreatedPayload
	require.NoError(t, reply.ParsePayload(&created))
	require.NotEmpty(t, created.SessionID)
	return created.SessionID
}

func TestSessionLifecycle(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.dial(t)
	sessionID := openSession(t, conn)

	// The agent got a terminal_start with the session id and geometry.
	require.Eventually(t, func() bool {
		return len(rig.agent.frames(protocol.TypeTerminalStart)) == 1
	}, time.Second, 10*time.Millisecond)

	var start protocol.TerminalStartPayload
	require.NoError(t, rig.agent.frames(protocol.TypeTerminalStart)[0].ParsePayload(&start))
	assert.Equal(t, sessionID, start.SessionID)
	assert.Equal(t, 24, start.Rows)
	assert.Equal(t, 80, start.Cols)

	assert.Equal(t, 1, rig.manager.Count())
}

func TestInputForwardedAndAudited(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.dial(t)
	sessionID := openSession(t, conn)

	input, err := protocol.NewMessage(protocol.TypeTerminalInput, protocol.TerminalDataPayload{
		SessionID: sessionID,
		Data:      "Get-Process\r\n",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(input))

	// Full line lands in the audit trail.
	require.Eventually(t, func() bool {
		return len(rig.history.commands()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Get-Process"}, rig.history.commands())

	// Raw keystrokes are forwarded to the agent unchanged.
	frames := rig.agent.frames(protocol.TypeTerminalInput)
	require.Len(t, frames, 1)
	var fwd protocol.TerminalDataPayload
	require.NoError(t, frames[0].ParsePayload(&fwd))
	assert.Equal(t, sessionID, fwd.SessionID)
	assert.Equal(t, "Get-Process\r\n", fwd.Data)
}

func TestAgentOutputForwardedToUI(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.dial(t)
	sessionID := openSession(t, conn)

	out, err := protocol.NewMessage(protocol.TypeTerminalOutput, protocol.TerminalDataPayload{
		SessionID: sessionID,
		Data:      "PS C:\\> ",
	})
	require.NoError(t, err)
	rig.manager.HandleAgentFrame(out)

	var received protocol.Message
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, protocol.TypeTerminalOutput, received.Type)

	sess, ok := rig.manager.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, 1, sess.BufferLen())
}

func TestPingPong(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.dial(t)
	sessionID := openSession(t, conn)

	ping, err := protocol.NewMessage(protocol.TypeTerminalPing, protocol.TerminalDataPayload{SessionID: sessionID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ping))

	var pong protocol.Message
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, protocol.TypeTerminalPong, pong.Type)
}

func TestCloseNotifiesAgent(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.dial(t)
	sessionID := openSession(t, conn)

	closeMsg, err := protocol.NewMessage(protocol.TypeTerminalClose, protocol.TerminalDataPayload{SessionID: sessionID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(closeMsg))

	require.Eventually(t, func() bool {
		return rig.manager.Count() == 0
	}, time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, rig.agent.frames(protocol.TypeTerminalClose))
}

func TestRejectWhenAgentNotConnected(t *testing.T) {
	reg := registry.New(zap.NewNop())
	manager := NewManager(reg, &historyStub{}, 0, zap.NewNop())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		manager.ServeUI(w, r, "ghost", "user-1")
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.TypeTerminalError, msg.Type)

	// The server closes the transport right after the error frame.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	err = conn.ReadJSON(&msg)
	assert.Error(t, err)
	assert.Equal(t, 0, manager.Count())
}

func TestSweepClosesIdleSessions(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)
	conn := rig.dial(t)
	_ = openSession(t, conn)

	require.Equal(t, 1, rig.manager.Count())

	// Nothing touches the session, so it ages past the idle timeout.
	time.Sleep(80 * time.Millisecond)
	closed := rig.manager.Sweep(time.Now().UTC())
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, rig.manager.Count())

	// Sweeping again is a no-op.
	assert.Equal(t, 0, rig.manager.Sweep(time.Now().UTC()))
}
