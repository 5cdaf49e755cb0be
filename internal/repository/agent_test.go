package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/winfleet-io/winfleet/internal/db"
)

func tp(t time.Time) *time.Time { return &t }

func TestDedupeByHostnameKeepsMostRecent(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	agents := []db.Agent{
		{ID: "old", Hostname: "WS-01", LastSeenAt: tp(base)},
		{ID: "mid", Hostname: "WS-01", LastSeenAt: tp(base.Add(time.Minute))},
		{ID: "new", Hostname: "WS-01", LastSeenAt: tp(base.Add(2 * time.Minute))},
		{ID: "other", Hostname: "WS-02", LastSeenAt: tp(base)},
	}

	out := dedupeByHostname(agents)
	assert.Len(t, out, 2)
	assert.Equal(t, "new", out[0].ID, "latest WS-01 row wins")
	assert.Equal(t, "other", out[1].ID)
}

func TestDedupeByHostnamePreservesOrder(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	agents := []db.Agent{
		{ID: "a", Hostname: "WS-01", LastSeenAt: tp(base)},
		{ID: "b", Hostname: "WS-02", LastSeenAt: tp(base)},
		{ID: "c", Hostname: "WS-01", LastSeenAt: tp(base.Add(time.Hour))},
		{ID: "d", Hostname: "WS-03", LastSeenAt: tp(base)},
	}

	out := dedupeByHostname(agents)
	ids := make([]string, len(out))
	for i, a := range out {
		ids[i] = a.ID
	}
	// WS-01's survivor stays in the first slot even though the winning row
	// appeared later in the input.
	assert.Equal(t, []string{"c", "b", "d"}, ids)
}

func TestDedupeByHostnameNilLastSeenLoses(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	agents := []db.Agent{
		{ID: "never", Hostname: "WS-01", LastSeenAt: nil},
		{ID: "seen", Hostname: "WS-01", LastSeenAt: tp(base)},
	}
	out := dedupeByHostname(agents)
	assert.Len(t, out, 1)
	assert.Equal(t, "seen", out[0].ID)

	// Two rows that were both never seen: first one sticks.
	agents = []db.Agent{
		{ID: "first", Hostname: "WS-02"},
		{ID: "second", Hostname: "WS-02"},
	}
	out = dedupeByHostname(agents)
	assert.Len(t, out, 1)
	assert.Equal(t, "first", out[0].ID)
}

func TestLaterSeen(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	later := base.Add(time.Second)

	assert.False(t, laterSeen(nil, nil))
	assert.False(t, laterSeen(nil, tp(base)))
	assert.True(t, laterSeen(tp(base), nil))
	assert.True(t, laterSeen(tp(later), tp(base)))
	assert.False(t, laterSeen(tp(base), tp(later)))
	assert.False(t, laterSeen(tp(base), tp(base)))
}
