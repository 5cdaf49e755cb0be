package bulk

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/correlator"
	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/dispatch"
	"github.com/winfleet-io/winfleet/internal/liveness"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
	"github.com/winfleet-io/winfleet/internal/repository"
)

type nopTransport struct{}

func (nopTransport) Send(*protocol.Message) error { return nil }
func (nopTransport) Close() error                 { return nil }

// memAgentRepo is an in-memory AgentRepository for bulk accounting tests.
type memAgentRepo struct {
	mu     sync.Mutex
	agents map[string]*db.Agent
}

func newMemAgentRepo(ids ...string) *memAgentRepo {
	r := &memAgentRepo{agents: make(map[string]*db.Agent)}
	now := time.Now().UTC()
	for _, id := range ids {
		r.agents[id] = &db.Agent{ID: id, Hostname: "H-" + id, Status: "online", LastSeenAt: &now, Tags: "[]"}
	}
	return r
}

func (r *memAgentRepo) Upsert(_ context.Context, a *db.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
	return nil
}

func (r *memAgentRepo) GetByID(_ context.Context, id string) (*db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (r *memAgentRepo) Update(context.Context, *db.Agent) error { return nil }

func (r *memAgentRepo) UpdateStatus(_ context.Context, id, status string, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = status
	a.LastSeenAt = &lastSeen
	return nil
}

func (r *memAgentRepo) SetStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = status
	return nil
}

func (r *memAgentRepo) UpdateTags(_ context.Context, id, tagsJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Tags = tagsJSON
	return nil
}

func (r *memAgentRepo) Heartbeat(context.Context, string, time.Time, string) error { return nil }
func (r *memAgentRepo) Delete(context.Context, string) error                       { return nil }
func (r *memAgentRepo) List(context.Context, repository.AgentListOptions) ([]db.Agent, int64, error) {
	return nil, 0, nil
}

func newTestOperator(t *testing.T, repo repository.AgentRepository, connected ...string) (*Operator, *registry.Registry) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	for _, id := range connected {
		connID := reg.Attach(nopTransport{})
		_, err := reg.Bind(connID, id)
		require.NoError(t, err)
	}
	corr := correlator.New(zap.NewNop())
	disp := dispatch.New(reg, corr, 15*time.Second, zap.NewNop())
	lv := liveness.New(reg, liveness.Config{})
	return New(reg, disp, lv, repo, zap.NewNop()), reg
}

func TestEmptyIDListRejected(t *testing.T) {
	op, _ := newTestOperator(t, newMemAgentRepo())
	_, err := op.Run(context.Background(), nil, OpRefresh, Args{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUnknownOperationRejected(t *testing.T) {
	op, _ := newTestOperator(t, newMemAgentRepo("a1"))
	_, err := op.Run(context.Background(), []string{"a1"}, "self-destruct", Args{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEveryIDGetsExactlyOneOutcome(t *testing.T) {
	repo := newMemAgentRepo("a1", "a2", "a3")
	op, _ := newTestOperator(t, repo, "a1", "a2") // a3 stored but disconnected

	ids := []string{"a1", "a2", "a3", "ghost"}
	report, err := op.Run(context.Background(), ids, OpStatus, Args{})
	require.NoError(t, err)

	assert.Len(t, report.Successful, 3)
	assert.Len(t, report.Failed, 1)
	assert.Equal(t, len(ids), len(report.Successful)+len(report.Failed))
	assert.Equal(t, "ghost", report.Failed[0].ID)
	assert.NotEmpty(t, report.Failed[0].Error)

	// The two sets are disjoint.
	failed := map[string]bool{}
	for _, f := range report.Failed {
		failed[f.ID] = true
	}
	for _, id := range report.Successful {
		assert.False(t, failed[id], "id %s in both sets", id)
	}
}

func TestRestartRequiresAttachment(t *testing.T) {
	repo := newMemAgentRepo("up", "down")
	op, _ := newTestOperator(t, repo, "up")

	report, err := op.Run(context.Background(), []string{"up", "down"}, OpRestart, Args{})
	require.NoError(t, err)

	assert.Equal(t, []string{"up"}, report.Successful)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "down", report.Failed[0].ID)

	// The successful target gets a request id back for polling.
	detail, ok := report.Results["up"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, detail["request_id"])
}

func TestRefreshReconcilesStatus(t *testing.T) {
	repo := newMemAgentRepo("up", "down")
	op, _ := newTestOperator(t, repo, "up")

	report, err := op.Run(context.Background(), []string{"up", "down"}, OpRefresh, Args{})
	require.NoError(t, err)
	assert.Len(t, report.Successful, 2)

	upAgent, err := repo.GetByID(context.Background(), "up")
	require.NoError(t, err)
	assert.Equal(t, "online", upAgent.Status)

	downAgent, err := repo.GetByID(context.Background(), "down")
	require.NoError(t, err)
	assert.Equal(t, "offline", downAgent.Status)
}

func TestUpdateTags(t *testing.T) {
	repo := newMemAgentRepo("a1")
	op, _ := newTestOperator(t, repo)

	report, err := op.Run(context.Background(), []string{"a1"}, OpUpdateTags, Args{Tags: []string{"prod", "web"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, report.Successful)

	agent, err := repo.GetByID(context.Background(), "a1")
	require.NoError(t, err)

	var tags []string
	require.NoError(t, json.Unmarshal([]byte(agent.Tags), &tags))
	assert.Equal(t, []string{"prod", "web"}, tags)
}
