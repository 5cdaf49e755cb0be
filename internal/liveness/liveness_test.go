package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
)

type nopTransport struct{}

func (nopTransport) Send(*protocol.Message) error { return nil }
func (nopTransport) Close() error                 { return nil }

func agentSeen(id string, ago time.Duration, now time.Time) *db.Agent {
	seen := now.Add(-ago)
	return &db.Agent{ID: id, Hostname: "H-" + id, Status: "online", LastSeenAt: &seen}
}

func TestClassifyByHeartbeatAge(t *testing.T) {
	reg := registry.New(zap.NewNop())
	tracker := New(reg, Config{})
	now := time.Now().UTC()

	tests := []struct {
		name string
		age  time.Duration
		want string
	}{
		{"fresh heartbeat", 5 * time.Second, StatusOnline},
		{"just under warning threshold", 29 * time.Second, StatusOnline},
		{"at warning threshold", 30 * time.Second, StatusWarning},
		{"just under offline threshold", 59 * time.Second, StatusWarning},
		{"at offline threshold", 60 * time.Second, StatusOffline},
		{"long gone", time.Hour, StatusOffline},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state := tracker.Classify(agentSeen("a1", tc.age, now), now)
			assert.Equal(t, tc.want, state.Status)
			require.NotNil(t, state.HeartbeatAge)
			assert.InDelta(t, tc.age.Seconds(), *state.HeartbeatAge, 0.01)
		})
	}
}

func TestAttachmentOverridesStaleHeartbeat(t *testing.T) {
	reg := registry.New(zap.NewNop())
	connID := reg.Attach(nopTransport{})
	_, err := reg.Bind(connID, "a1")
	require.NoError(t, err)

	tracker := New(reg, Config{})
	now := time.Now().UTC()

	state := tracker.Classify(agentSeen("a1", 10*time.Minute, now), now)
	assert.Equal(t, StatusOnline, state.Status)
	assert.True(t, state.Attached)
}

func TestNilLastSeen(t *testing.T) {
	reg := registry.New(zap.NewNop())
	tracker := New(reg, Config{})
	now := time.Now().UTC()

	state := tracker.Classify(&db.Agent{ID: "a1", Status: "offline"}, now)
	assert.Equal(t, StatusUnknown, state.Status)
	assert.Nil(t, state.HeartbeatAge)

	connID := reg.Attach(nopTransport{})
	_, err := reg.Bind(connID, "a1")
	require.NoError(t, err)

	state = tracker.Classify(&db.Agent{ID: "a1", Status: "offline"}, now)
	assert.Equal(t, StatusOnline, state.Status)
}

func TestCustomThresholds(t *testing.T) {
	reg := registry.New(zap.NewNop())
	tracker := New(reg, Config{WarningAfter: 10 * time.Second, OfflineAfter: 20 * time.Second})
	now := time.Now().UTC()

	assert.Equal(t, StatusOnline, tracker.Classify(agentSeen("a1", 9*time.Second, now), now).Status)
	assert.Equal(t, StatusWarning, tracker.Classify(agentSeen("a1", 15*time.Second, now), now).Status)
	assert.Equal(t, StatusOffline, tracker.Classify(agentSeen("a1", 25*time.Second, now), now).Status)
}

func TestMockSessionIsFlagged(t *testing.T) {
	reg := registry.New(zap.NewNop())
	connID := reg.AttachMock(nopTransport{})
	_, err := reg.Bind(connID, "mock-1")
	require.NoError(t, err)

	tracker := New(reg, Config{})
	now := time.Now().UTC()

	state := tracker.Classify(agentSeen("mock-1", time.Second, now), now)
	assert.Equal(t, StatusOnline, state.Status)
	assert.True(t, state.IsMock)
}
