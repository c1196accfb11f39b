package analytics

import (
	"testing"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/assistant"
	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/geoffroyotegbeye/leadflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reportNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newReporterFixture(t *testing.T) (*Reporter, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	r := NewReporter(st, assistant.NewAccessor(st))
	r.now = func() time.Time { return reportNow }
	return r, st
}

func seedDay(t *testing.T, st store.Store, date string, sessions, completed, partial, complete float64) {
	t.Helper()
	require.NoError(t, st.IncrementDailyStat(date, "flow-1", []string{"sessions_count"}, sessions))
	require.NoError(t, st.IncrementDailyStat(date, "flow-1", []string{"completed_sessions"}, completed))
	require.NoError(t, st.IncrementDailyStat(date, "flow-1", []string{"abandoned_sessions"}, sessions-completed))
	require.NoError(t, st.IncrementDailyStat(date, "flow-1", []string{"partial_leads"}, partial))
	require.NoError(t, st.IncrementDailyStat(date, "flow-1", []string{"complete_leads"}, complete))
	require.NoError(t, st.IncrementDailyStat(date, "flow-1", []string{"leads_count"}, complete))
}

func TestOverviewSumsRange(t *testing.T) {
	r, st := newReporterFixture(t)

	seedDay(t, st, "2025-06-09", 4, 2, 1, 1)
	seedDay(t, st, "2025-06-10", 6, 3, 2, 2)
	// Outside the 7-day window.
	seedDay(t, st, "2025-05-01", 100, 100, 100, 100)
	require.NoError(t, st.IncrementDailyStat("2025-06-10", "flow-1", []string{"messages_count"}, 12))

	o, err := r.Overview("flow-1", 7)
	require.NoError(t, err)
	assert.Equal(t, 10, o.TotalSessions)
	assert.Equal(t, 5, o.CompletedSessions)
	assert.Equal(t, 5, o.AbandonedSessions)
	assert.Equal(t, 3, o.TotalLeads)
	assert.Equal(t, 3, o.PartialLeads)
	assert.Equal(t, 3, o.CompleteLeads)
	assert.Equal(t, 12, o.MessagesCount)
	assert.InDelta(t, 30, o.ConversionRate, 0.001)
	assert.InDelta(t, 50, o.AverageCompletionRate, 0.001)
}

func TestOverviewEmptyRange(t *testing.T) {
	r, _ := newReporterFixture(t)
	o, err := r.Overview("flow-1", 7)
	require.NoError(t, err)
	assert.Zero(t, o.TotalSessions)
	assert.Zero(t, o.ConversionRate)
}

func TestTimeSeries(t *testing.T) {
	r, st := newReporterFixture(t)
	seedDay(t, st, "2025-06-09", 4, 2, 1, 0)
	seedDay(t, st, "2025-06-10", 6, 3, 0, 2)

	ts, err := r.TimeSeries("flow-1", 7)
	require.NoError(t, err)
	require.Len(t, ts.Sessions, 2)
	assert.Equal(t, models.TimeSeriesPoint{Date: "2025-06-09", Count: 4}, ts.Sessions[0])
	assert.Equal(t, models.TimeSeriesPoint{Date: "2025-06-10", Count: 6}, ts.Sessions[1])

	require.Len(t, ts.Leads, 2)
	assert.Equal(t, models.LeadSeriesPoint{Date: "2025-06-09", Status: models.LeadStatusPartial, Count: 1}, ts.Leads[0])
	assert.Equal(t, models.LeadSeriesPoint{Date: "2025-06-10", Status: models.LeadStatusComplete, Count: 2}, ts.Leads[1])
}

func TestNodePerformance(t *testing.T) {
	r, st := newReporterFixture(t)
	flows := assistant.NewAccessor(st)
	require.NoError(t, flows.SaveFlow("flow-1", []byte(`{
		"name": "Onboarding",
		"nodes": [
			{"id": "welcome", "label": "Welcome"},
			{"id": "ask-email", "label": "Email", "is_partial_lead": true}
		]
	}`)))

	for _, date := range []string{"2025-06-09", "2025-06-10"} {
		require.NoError(t, st.IncrementDailyStat(date, "flow-1", []string{"nodes", "welcome", "visits"}, 5))
		require.NoError(t, st.IncrementDailyStat(date, "flow-1", []string{"nodes", "welcome", "completions"}, 4))
		require.NoError(t, st.IncrementDailyStat(date, "flow-1", []string{"nodes", "ask-email", "visits"}, 2))
		require.NoError(t, st.PushDailyStat(date, "flow-1", []string{"nodes", "ask-email", "times"}, 3.0))
	}
	require.NoError(t, st.PushDailyStat("2025-06-10", "flow-1", []string{"nodes", "ask-email", "times"}, 6.0))

	perf, err := r.NodePerformance("flow-1", 7)
	require.NoError(t, err)
	require.Len(t, perf, 2)

	// Busiest node first.
	assert.Equal(t, "welcome", perf[0].NodeID)
	assert.Equal(t, "Welcome", perf[0].NodeLabel)
	assert.Equal(t, 10, perf[0].Visits)
	assert.Equal(t, 8, perf[0].Completions)
	assert.InDelta(t, 80, perf[0].CompletionRate, 0.001)
	assert.False(t, perf[0].IsLeadNode)

	assert.Equal(t, "ask-email", perf[1].NodeID)
	assert.True(t, perf[1].IsLeadNode)
	assert.InDelta(t, 4.0, perf[1].AverageTime, 0.001)
}

func TestNodePerformanceWithoutFlowDefinition(t *testing.T) {
	r, st := newReporterFixture(t)
	require.NoError(t, st.IncrementDailyStat("2025-06-10", "flow-gone", []string{"nodes", "n1", "visits"}, 1))

	perf, err := r.NodePerformance("flow-gone", 7)
	require.NoError(t, err)
	require.Len(t, perf, 1)
	assert.Equal(t, "n1", perf[0].NodeLabel)
}

func TestNodePerformanceRequiresFlowID(t *testing.T) {
	r, _ := newReporterFixture(t)
	_, err := r.NodePerformance("", 7)
	assert.ErrorIs(t, err, models.ErrEmptyFlowID)
}

func TestTrafficSources(t *testing.T) {
	r, st := newReporterFixture(t)
	require.NoError(t, st.IncrementDailyStat("2025-06-09", "flow-1", []string{"sources", "newsletter"}, 3))
	require.NoError(t, st.IncrementDailyStat("2025-06-10", "flow-1", []string{"sources", "newsletter"}, 2))
	require.NoError(t, st.IncrementDailyStat("2025-06-10", "flow-1", []string{"sources", "ads.example.com"}, 4))

	sources, err := r.TrafficSources("flow-1", 7)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, models.SourceCount{Source: "newsletter", Count: 5}, sources[0])
	assert.Equal(t, models.SourceCount{Source: "ads.example.com", Count: 4}, sources[1])
}

func TestResponsesMergeAcrossDays(t *testing.T) {
	r, st := newReporterFixture(t)
	require.NoError(t, st.IncrementDailyStat("2025-06-09", "flow-1", []string{"responses", "ask-color", "color", "blue"}, 2))
	require.NoError(t, st.IncrementDailyStat("2025-06-10", "flow-1", []string{"responses", "ask-color", "color", "blue"}, 1))
	require.NoError(t, st.IncrementDailyStat("2025-06-10", "flow-1", []string{"responses", "ask-color", "color", "red"}, 1))

	hist, err := r.Responses("flow-1", 7)
	require.NoError(t, err)
	assert.Equal(t, 3, hist["ask-color"]["color"]["blue"])
	assert.Equal(t, 1, hist["ask-color"]["color"]["red"])
}

func TestRecentLeads(t *testing.T) {
	r, st := newReporterFixture(t)
	flows := assistant.NewAccessor(st)
	require.NoError(t, flows.SaveFlow("flow-1", []byte(`{"name": "Onboarding", "nodes": []}`)))

	lead := models.Session{
		ID:                   "s1",
		FlowID:               "flow-1",
		Status:               models.SessionStatusCompleted,
		LeadStatus:           models.LeadStatusComplete,
		CompletionPercentage: 100,
		StartedAt:            reportNow.Add(-24 * time.Hour),
	}
	require.NoError(t, st.CreateSession(lead))
	stale := models.Session{
		ID:         "old",
		FlowID:     "flow-1",
		Status:     models.SessionStatusCompleted,
		LeadStatus: models.LeadStatusComplete,
		StartedAt:  reportNow.AddDate(0, 0, -40),
	}
	require.NoError(t, st.CreateSession(stale))

	require.NoError(t, st.AddMessage(models.Message{
		ID: "m1", SessionID: "s1", Sender: models.SenderUser,
		ContentType: models.ContentTypeForm,
		Content:     `{"name": "Alice", "email": "alice@example.com"}`,
		Timestamp:   lead.StartedAt.Add(time.Minute),
	}))
	// Non-form messages contribute nothing to lead info.
	require.NoError(t, st.AddMessage(models.Message{
		ID: "m2", SessionID: "s1", Sender: models.SenderUser,
		ContentType: models.ContentTypeText, Content: "hello",
		Timestamp: lead.StartedAt.Add(2 * time.Minute),
	}))

	leads, err := r.RecentLeads("", 30, 0, 10)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "s1", leads[0].ID)
	assert.Equal(t, "Onboarding", leads[0].FlowName)
	assert.Equal(t, models.LeadStatusComplete, leads[0].LeadStatus)
	assert.InDelta(t, 100, leads[0].CompletionPercentage, 0.001)
	assert.Equal(t, map[string]string{"name": "Alice", "email": "alice@example.com"}, leads[0].LeadInfo)
}
