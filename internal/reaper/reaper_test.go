package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/analytics"
	"github.com/geoffroyotegbeye/leadflow/internal/assistant"
	"github.com/geoffroyotegbeye/leadflow/internal/flow"
	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/geoffroyotegbeye/leadflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFlow = `{"name": "Onboarding", "nodes": [{"id": "welcome"}]}`

func TestSweepAbandonsIdleSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	flows := assistant.NewAccessor(st)
	require.NoError(t, flows.SaveFlow("flow-1", []byte(testFlow)))
	tracker := flow.NewTracker(st, flows, analytics.NewAggregator(st))
	ctx := context.Background()

	idle, err := tracker.CreateSession(ctx, models.SessionCreateRequest{FlowID: "flow-1"})
	require.NoError(t, err)
	fresh, err := tracker.CreateSession(ctx, models.SessionCreateRequest{FlowID: "flow-1"})
	require.NoError(t, err)
	// Recent ledger activity keeps a session out of the sweep.
	require.NoError(t, st.AppendStep(models.Step{
		SessionID: fresh.ID,
		NodeID:    "welcome",
		Timestamp: idle.StartedAt.Add(50 * time.Minute),
		Completed: true,
	}))

	r := NewReaper(st, tracker, WithIdleTimeout(30*time.Minute))
	// The idle session started "an hour ago" from the sweep's point of view.
	r.now = func() time.Time { return idle.StartedAt.Add(time.Hour) }
	require.NoError(t, r.Sweep(ctx))

	got, err := tracker.GetSession(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAbandoned, got.Status)
	require.NotNil(t, got.EndedAt)

	got, err = tracker.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)

	// The abandoned session released its active slot; the provisional
	// abandoned count from its start stands.
	doc, err := st.GetDailyStats(idle.StartedAt.UTC().Format("2006-01-02"), "flow-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, 1, doc.ActiveSessions)
	assert.Equal(t, 2, doc.AbandonedSessions)
}

func TestSweepNoIdleSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	flows := assistant.NewAccessor(st)
	require.NoError(t, flows.SaveFlow("flow-1", []byte(testFlow)))
	tracker := flow.NewTracker(st, flows, analytics.NewAggregator(st))

	r := NewReaper(st, tracker)
	assert.NoError(t, r.Sweep(context.Background()))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	st := store.NewInMemoryStore()
	tracker := flow.NewTracker(st, assistant.NewAccessor(st), analytics.NewAggregator(st))
	r := NewReaper(st, tracker, WithSchedule("not a cron expression"))
	assert.Error(t, r.Start())
}
