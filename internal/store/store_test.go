package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
)

// withStores runs fn against every backend that needs no external service.
func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s := NewInMemoryStore()
		defer s.Close()
		fn(t, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "leadflow-test.db")
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			t.Fatalf("failed to create SQLite store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

// newPostgresStore skips unless LEADFLOW_TEST_POSTGRES_DSN is set.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("LEADFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEADFLOW_TEST_POSTGRES_DSN not set; skipping PostgreSQL test")
	}
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Fatalf("failed to create PostgreSQL store: %v", err)
	}
	return s
}

func testSession(id, flowID string, started time.Time) models.Session {
	return models.Session{
		ID:         id,
		FlowID:     flowID,
		Status:     models.SessionStatusActive,
		LeadStatus: models.LeadStatusNone,
		StartedAt:  started,
	}
}

func TestSessionLifecycle(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		sess := testSession("sess-1", "flow-1", started)
		sess.UserID = "user-7"
		sess.UserInfo = map[string]interface{}{"source": "newsletter"}

		if err := s.CreateSession(sess); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		got, err := s.GetSession("sess-1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if got == nil {
			t.Fatal("GetSession returned nil for existing session")
		}
		if got.FlowID != "flow-1" || got.UserID != "user-7" {
			t.Errorf("unexpected session: %+v", got)
		}
		if got.Status != models.SessionStatusActive || got.LeadStatus != models.LeadStatusNone {
			t.Errorf("unexpected initial statuses: %s/%s", got.Status, got.LeadStatus)
		}
		if got.UserInfo["source"] != "newsletter" {
			t.Errorf("user info not round-tripped: %+v", got.UserInfo)
		}
		if got.EndedAt != nil {
			t.Errorf("expected nil ended_at, got %v", got.EndedAt)
		}

		ended := started.Add(90 * time.Second)
		err = s.UpdateSessionFields("sess-1", map[string]interface{}{
			FieldStatus:               models.SessionStatusCompleted,
			FieldLeadStatus:           models.LeadStatusComplete,
			FieldCurrentNodeID:        "node-final",
			FieldCompletionPercentage: 100.0,
			FieldEndedAt:              ended,
		})
		if err != nil {
			t.Fatalf("UpdateSessionFields failed: %v", err)
		}

		got, err = s.GetSession("sess-1")
		if err != nil {
			t.Fatalf("GetSession after update failed: %v", err)
		}
		if got.Status != models.SessionStatusCompleted {
			t.Errorf("expected completed status, got %s", got.Status)
		}
		if got.LeadStatus != models.LeadStatusComplete {
			t.Errorf("expected complete lead status, got %s", got.LeadStatus)
		}
		if got.CurrentNodeID != "node-final" {
			t.Errorf("expected current node node-final, got %q", got.CurrentNodeID)
		}
		if got.CompletionPercentage != 100.0 {
			t.Errorf("expected completion 100, got %v", got.CompletionPercentage)
		}
		if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
			t.Errorf("expected ended_at %v, got %v", ended, got.EndedAt)
		}
	})
}

func TestGetSessionNotFound(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		got, err := s.GetSession("missing")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil for missing session, got %+v", got)
		}
	})
}

func TestUpdateSessionFieldsRejectsUnknownField(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		sess := testSession("sess-1", "flow-1", time.Now().UTC())
		if err := s.CreateSession(sess); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		err := s.UpdateSessionFields("sess-1", map[string]interface{}{"flow_id": "other"})
		if err == nil {
			t.Error("expected error for non-updatable field, got nil")
		}
	})
}

func TestListFlowSessions(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		for i, id := range []string{"a", "b", "c"} {
			sess := testSession(id, "flow-1", base.Add(time.Duration(i)*time.Hour))
			if err := s.CreateSession(sess); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}
		}
		if err := s.CreateSession(testSession("other", "flow-2", base)); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		sessions, err := s.ListFlowSessions("flow-1")
		if err != nil {
			t.Fatalf("ListFlowSessions failed: %v", err)
		}
		if len(sessions) != 3 {
			t.Fatalf("expected 3 sessions, got %d", len(sessions))
		}
		// Newest first.
		if sessions[0].ID != "c" || sessions[2].ID != "a" {
			t.Errorf("unexpected order: %s, %s, %s", sessions[0].ID, sessions[1].ID, sessions[2].ID)
		}
	})
}

func TestListLeadSessions(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

		partial := testSession("partial", "flow-1", base.Add(2*time.Hour))
		partial.LeadStatus = models.LeadStatusPartial
		complete := testSession("complete", "flow-1", base.Add(time.Hour))
		complete.LeadStatus = models.LeadStatusComplete
		none := testSession("none", "flow-1", base.Add(3*time.Hour))
		old := testSession("old", "flow-1", base.Add(-48*time.Hour))
		old.LeadStatus = models.LeadStatusComplete

		for _, sess := range []models.Session{partial, complete, none, old} {
			if err := s.CreateSession(sess); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}
		}

		leads, err := s.ListLeadSessions(base, "flow-1", 0, 10)
		if err != nil {
			t.Fatalf("ListLeadSessions failed: %v", err)
		}
		if len(leads) != 2 {
			t.Fatalf("expected 2 leads, got %d", len(leads))
		}
		if leads[0].ID != "partial" || leads[1].ID != "complete" {
			t.Errorf("unexpected lead order: %s, %s", leads[0].ID, leads[1].ID)
		}

		// Pagination.
		page, err := s.ListLeadSessions(base, "flow-1", 1, 1)
		if err != nil {
			t.Fatalf("ListLeadSessions with offset failed: %v", err)
		}
		if len(page) != 1 || page[0].ID != "complete" {
			t.Errorf("unexpected page: %+v", page)
		}
	})
}

func TestListIdleActiveSessions(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

		// Idle: started long ago, no steps.
		if err := s.CreateSession(testSession("idle", "flow-1", base)); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		// Fresh: recent step keeps it out of the sweep.
		if err := s.CreateSession(testSession("fresh", "flow-1", base)); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if err := s.AppendStep(models.Step{SessionID: "fresh", NodeID: "n1", Timestamp: base.Add(3 * time.Hour)}); err != nil {
			t.Fatalf("AppendStep failed: %v", err)
		}
		// Ended sessions never show up.
		done := testSession("done", "flow-1", base)
		done.Status = models.SessionStatusCompleted
		if err := s.CreateSession(done); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		idle, err := s.ListIdleActiveSessions(base.Add(time.Hour))
		if err != nil {
			t.Fatalf("ListIdleActiveSessions failed: %v", err)
		}
		if len(idle) != 1 || idle[0].ID != "idle" {
			t.Errorf("expected only idle session, got %+v", idle)
		}
	})
}

func TestMessages(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		if err := s.CreateSession(testSession("sess-1", "flow-1", base)); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		second := models.Message{
			ID: "m2", SessionID: "sess-1", Sender: models.SenderUser,
			Content: "Alice", ContentType: models.ContentTypeText,
			NodeID: "ask-name", Timestamp: base.Add(time.Minute),
		}
		first := models.Message{
			ID: "m1", SessionID: "sess-1", Sender: models.SenderBot,
			Content: "What is your name?", ContentType: models.ContentTypeText,
			NodeID: "ask-name", Metadata: map[string]string{"kind": "prompt"},
			Timestamp: base,
		}
		for _, m := range []models.Message{second, first} {
			if err := s.AddMessage(m); err != nil {
				t.Fatalf("AddMessage failed: %v", err)
			}
		}

		msgs, err := s.GetSessionMessages("sess-1")
		if err != nil {
			t.Fatalf("GetSessionMessages failed: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
			t.Errorf("messages not ordered by timestamp: %s, %s", msgs[0].ID, msgs[1].ID)
		}
		if msgs[0].Metadata["kind"] != "prompt" {
			t.Errorf("metadata not round-tripped: %+v", msgs[0].Metadata)
		}
		if msgs[1].Sender != models.SenderUser {
			t.Errorf("expected user sender, got %s", msgs[1].Sender)
		}
	})
}

func TestStepLedger(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		if err := s.CreateSession(testSession("sess-1", "flow-1", base)); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		last, err := s.LastStep("sess-1")
		if err != nil {
			t.Fatalf("LastStep failed: %v", err)
		}
		if last != nil {
			t.Fatalf("expected nil last step for empty ledger, got %+v", last)
		}

		steps := []models.Step{
			{SessionID: "sess-1", NodeID: "n1", Timestamp: base, Completed: true},
			{SessionID: "sess-1", NodeID: "n2", Timestamp: base.Add(time.Minute), Completed: true},
			{SessionID: "sess-1", NodeID: "n1", Timestamp: base.Add(2 * time.Minute), Completed: true},
			{SessionID: "sess-1", NodeID: "n3", Timestamp: base.Add(3 * time.Minute), Completed: false},
		}
		for _, st := range steps {
			if err := s.AppendStep(st); err != nil {
				t.Fatalf("AppendStep failed: %v", err)
			}
		}

		last, err = s.LastStep("sess-1")
		if err != nil {
			t.Fatalf("LastStep failed: %v", err)
		}
		if last == nil || last.NodeID != "n3" {
			t.Fatalf("expected last step n3, got %+v", last)
		}

		// Revisits of n1 count once; the incomplete n3 visit not at all.
		count, err := s.CountCompletedNodes("sess-1")
		if err != nil {
			t.Fatalf("CountCompletedNodes failed: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 distinct completed nodes, got %d", count)
		}
	})
}

func TestFlowDefinitionRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		got, err := s.GetFlowDefinition("missing")
		if err != nil {
			t.Fatalf("GetFlowDefinition failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil for missing flow, got %s", got)
		}

		def := []byte(`{"id":"flow-1","name":"Onboarding","nodes":[{"id":"n1"}]}`)
		if err := s.SaveFlowDefinition("flow-1", def); err != nil {
			t.Fatalf("SaveFlowDefinition failed: %v", err)
		}
		got, err = s.GetFlowDefinition("flow-1")
		if err != nil {
			t.Fatalf("GetFlowDefinition failed: %v", err)
		}
		if string(got) != string(def) {
			t.Errorf("definition not round-tripped: %s", got)
		}

		// Saving again replaces.
		updated := []byte(`{"id":"flow-1","name":"Onboarding v2","nodes":[]}`)
		if err := s.SaveFlowDefinition("flow-1", updated); err != nil {
			t.Fatalf("SaveFlowDefinition replace failed: %v", err)
		}
		got, err = s.GetFlowDefinition("flow-1")
		if err != nil {
			t.Fatalf("GetFlowDefinition failed: %v", err)
		}
		if string(got) != string(updated) {
			t.Errorf("definition not replaced: %s", got)
		}
	})
}

func TestDailyStatsIncrements(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		got, err := s.GetDailyStats("2025-06-01", "flow-1")
		if err != nil {
			t.Fatalf("GetDailyStats failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil for missing stats, got %+v", got)
		}

		for i := 0; i < 3; i++ {
			if err := s.IncrementDailyStat("2025-06-01", "flow-1", []string{"sessions_count"}, 1); err != nil {
				t.Fatalf("IncrementDailyStat failed: %v", err)
			}
		}
		if err := s.IncrementDailyStat("2025-06-01", "flow-1", []string{"abandoned_sessions"}, 1); err != nil {
			t.Fatalf("IncrementDailyStat failed: %v", err)
		}
		if err := s.IncrementDailyStat("2025-06-01", "flow-1", []string{"abandoned_sessions"}, -1); err != nil {
			t.Fatalf("IncrementDailyStat decrement failed: %v", err)
		}

		got, err = s.GetDailyStats("2025-06-01", "flow-1")
		if err != nil {
			t.Fatalf("GetDailyStats failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected stats document, got nil")
		}
		if got.SessionsCount != 3 {
			t.Errorf("expected sessions_count 3, got %d", got.SessionsCount)
		}
		if got.AbandonedSessions != 0 {
			t.Errorf("expected abandoned_sessions 0, got %d", got.AbandonedSessions)
		}
		if got.Date != "2025-06-01" || got.FlowID != "flow-1" {
			t.Errorf("identity not set: %s/%s", got.Date, got.FlowID)
		}
	})
}

func TestDailyStatsNestedPaths(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		date, flow := "2025-06-01", "flow-1"

		// Parents are created on demand, including keys containing dots.
		if err := s.IncrementDailyStat(date, flow, []string{"sources", "news.example.com"}, 1); err != nil {
			t.Fatalf("IncrementDailyStat failed: %v", err)
		}
		if err := s.IncrementDailyStat(date, flow, []string{"sources", "news.example.com"}, 1); err != nil {
			t.Fatalf("IncrementDailyStat failed: %v", err)
		}
		if err := s.IncrementDailyStat(date, flow, []string{"nodes", "ask-name", "visits"}, 1); err != nil {
			t.Fatalf("IncrementDailyStat failed: %v", err)
		}
		if err := s.PushDailyStat(date, flow, []string{"nodes", "ask-name", "times"}, 2.5); err != nil {
			t.Fatalf("PushDailyStat failed: %v", err)
		}
		if err := s.PushDailyStat(date, flow, []string{"nodes", "ask-name", "times"}, 4.0); err != nil {
			t.Fatalf("PushDailyStat failed: %v", err)
		}
		if err := s.IncrementDailyStat(date, flow, []string{"responses", "ask-color", "color", "blue"}, 1); err != nil {
			t.Fatalf("IncrementDailyStat failed: %v", err)
		}
		if err := s.SetDailyStat(date, flow, []string{"completion_rate"}, 66.7); err != nil {
			t.Fatalf("SetDailyStat failed: %v", err)
		}

		got, err := s.GetDailyStats(date, flow)
		if err != nil {
			t.Fatalf("GetDailyStats failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected stats document, got nil")
		}
		if got.Sources["news.example.com"] != 2 {
			t.Errorf("dotted source key not counted: %+v", got.Sources)
		}
		node := got.Nodes["ask-name"]
		if node.Visits != 1 {
			t.Errorf("expected 1 visit, got %d", node.Visits)
		}
		if len(node.Times) != 2 || node.Times[0] != 2.5 || node.Times[1] != 4.0 {
			t.Errorf("unexpected node times: %v", node.Times)
		}
		if got.Responses["ask-color"]["color"]["blue"] != 1 {
			t.Errorf("response histogram not counted: %+v", got.Responses)
		}
		if got.CompletionRate != 66.7 {
			t.Errorf("expected completion_rate 66.7, got %v", got.CompletionRate)
		}
	})
}

func TestSessionDurationsPush(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		date, flow := "2025-06-01", "flow-1"
		for _, d := range []float64{10, 20, 30} {
			if err := s.PushDailyStat(date, flow, []string{"session_durations"}, d); err != nil {
				t.Fatalf("PushDailyStat failed: %v", err)
			}
		}
		if err := s.SetDailyStat(date, flow, []string{"avg_session_duration"}, 20); err != nil {
			t.Fatalf("SetDailyStat failed: %v", err)
		}

		got, err := s.GetDailyStats(date, flow)
		if err != nil {
			t.Fatalf("GetDailyStats failed: %v", err)
		}
		if len(got.SessionDurations) != 3 {
			t.Fatalf("expected 3 durations, got %v", got.SessionDurations)
		}
		if got.AvgSessionDuration != 20 {
			t.Errorf("expected avg 20, got %v", got.AvgSessionDuration)
		}
	})
}

func TestGetDailyStatsRange(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		seed := []struct {
			date, flow string
			count      float64
		}{
			{"2025-06-03", "flow-1", 3},
			{"2025-06-01", "flow-1", 1},
			{"2025-06-02", "flow-2", 2},
			{"2025-05-20", "flow-1", 9},
		}
		for _, sd := range seed {
			if err := s.IncrementDailyStat(sd.date, sd.flow, []string{"sessions_count"}, sd.count); err != nil {
				t.Fatalf("IncrementDailyStat failed: %v", err)
			}
		}

		all, err := s.GetDailyStatsRange("", "2025-06-01")
		if err != nil {
			t.Fatalf("GetDailyStatsRange failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 documents, got %d", len(all))
		}
		if all[0].Date != "2025-06-01" || all[2].Date != "2025-06-03" {
			t.Errorf("documents not ordered by date: %s .. %s", all[0].Date, all[2].Date)
		}

		flowOnly, err := s.GetDailyStatsRange("flow-1", "2025-06-01")
		if err != nil {
			t.Fatalf("GetDailyStatsRange failed: %v", err)
		}
		if len(flowOnly) != 2 {
			t.Fatalf("expected 2 documents for flow-1, got %d", len(flowOnly))
		}
		for _, ds := range flowOnly {
			if ds.FlowID != "flow-1" {
				t.Errorf("unexpected flow in filtered range: %s", ds.FlowID)
			}
		}
	})
}

func TestPostgresDailyStats(t *testing.T) {
	s := newPostgresStore(t)
	defer s.Close()

	date := time.Now().UTC().Format("2006-01-02")
	flow := "pgtest-" + date
	if err := s.IncrementDailyStat(date, flow, []string{"nodes", "n.1", "visits"}, 1); err != nil {
		t.Fatalf("IncrementDailyStat failed: %v", err)
	}
	if err := s.PushDailyStat(date, flow, []string{"session_durations"}, 12.5); err != nil {
		t.Fatalf("PushDailyStat failed: %v", err)
	}
	got, err := s.GetDailyStats(date, flow)
	if err != nil {
		t.Fatalf("GetDailyStats failed: %v", err)
	}
	if got == nil || got.Nodes["n.1"].Visits != 1 {
		t.Errorf("unexpected stats document: %+v", got)
	}
	if len(got.SessionDurations) == 0 {
		t.Errorf("expected pushed duration, got %+v", got.SessionDurations)
	}
}
