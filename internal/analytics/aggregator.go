// Package analytics maintains the per-(date, flow) daily stats documents and
// serves the read-side reports derived from them.
//
// The aggregator is strictly incremental: every tracking call translates to
// atomic path increments, pushes, or sets against the current day's document.
// No call ever reads, modifies, and rewrites a whole document, so concurrent
// sessions never clobber each other's counts.
//
// Sessions are pre-counted pessimistically at start: a new session is
// immediately counted as abandoned and as a partial lead in addition to
// active. Ending a session as completed reverses both provisional counts;
// ending as abandoned only releases the active slot. A session that is never
// explicitly ended therefore converges to the correct abandoned figures
// without any reconciliation pass.
package analytics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/geoffroyotegbeye/leadflow/internal/store"
	"github.com/geoffroyotegbeye/leadflow/internal/util"
)

// Stats document path segments.
const (
	statSessionsCount      = "sessions_count"
	statActiveSessions     = "active_sessions"
	statCompletedSessions  = "completed_sessions"
	statAbandonedSessions  = "abandoned_sessions"
	statLeadsCount         = "leads_count"
	statPartialLeads       = "partial_leads"
	statCompleteLeads      = "complete_leads"
	statMessagesCount      = "messages_count"
	statMessagesByType     = "messages_by_type"
	statSources            = "sources"
	statNodes              = "nodes"
	statNodeVisits         = "visits"
	statNodeCompletions    = "completions"
	statNodeTimes          = "times"
	statResponses          = "responses"
	statAvgSessionDuration = "avg_session_duration"
	statCompletionRate     = "completion_rate"
	statSessionDurations   = "session_durations"
)

// Aggregator maintains daily stats documents through atomic path mutations.
type Aggregator struct {
	store store.Store
}

// NewAggregator creates an aggregator backed by the given store.
func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// TrackSessionStart counts a new session on its start day. The session is
// pre-counted as active, abandoned, and a partial lead; its traffic source
// tag, when present, is counted too.
func (a *Aggregator) TrackSessionStart(sess models.Session) error {
	date := util.DateKey(sess.StartedAt)
	increments := [][]string{
		{statSessionsCount},
		{statActiveSessions},
		{statAbandonedSessions},
		{statPartialLeads},
	}
	if src := sess.Source(); src != "" {
		increments = append(increments, []string{statSources, src})
	}
	for _, path := range increments {
		if err := a.store.IncrementDailyStat(date, sess.FlowID, path, 1); err != nil {
			slog.Error("Aggregator.TrackSessionStart increment failed", "error", err, "sessionID", sess.ID, "path", path)
			return fmt.Errorf("failed to track session start: %w", err)
		}
	}
	slog.Debug("Aggregator.TrackSessionStart counted", "sessionID", sess.ID, "flowID", sess.FlowID, "date", date)
	return nil
}

// TrackMessage counts one conversation message on its day.
func (a *Aggregator) TrackMessage(flowID string, m models.Message) error {
	date := util.DateKey(m.Timestamp)
	if err := a.store.IncrementDailyStat(date, flowID, []string{statMessagesCount}, 1); err != nil {
		slog.Error("Aggregator.TrackMessage increment failed", "error", err, "sessionID", m.SessionID)
		return fmt.Errorf("failed to track message: %w", err)
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = models.ContentTypeText
	}
	if err := a.store.IncrementDailyStat(date, flowID, []string{statMessagesByType, string(contentType)}, 1); err != nil {
		slog.Error("Aggregator.TrackMessage type increment failed", "error", err, "sessionID", m.SessionID)
		return fmt.Errorf("failed to track message type: %w", err)
	}
	return nil
}

// NodeVisit describes one node arrival for tracking.
type NodeVisit struct {
	FlowID string
	NodeID string
	At     time.Time
}

// TrackNodeVisit counts one node arrival.
func (a *Aggregator) TrackNodeVisit(v NodeVisit) error {
	date := util.DateKey(v.At)
	if err := a.store.IncrementDailyStat(date, v.FlowID, []string{statNodes, v.NodeID, statNodeVisits}, 1); err != nil {
		slog.Error("Aggregator.TrackNodeVisit visit increment failed", "error", err, "nodeID", v.NodeID)
		return fmt.Errorf("failed to track node visit: %w", err)
	}
	return nil
}

// TrackNodeCompletion counts the visitor moving past a node, recording the
// seconds they spent on it. Completions and dwell samples land on the node
// that was left, not the node that was reached.
func (a *Aggregator) TrackNodeCompletion(flowID, nodeID string, seconds float64, at time.Time) error {
	if nodeID == "" {
		return nil
	}
	if seconds < 0 {
		seconds = 0
	}
	date := util.DateKey(at)
	if err := a.store.IncrementDailyStat(date, flowID, []string{statNodes, nodeID, statNodeCompletions}, 1); err != nil {
		slog.Error("Aggregator.TrackNodeCompletion increment failed", "error", err, "nodeID", nodeID)
		return fmt.Errorf("failed to track node completion: %w", err)
	}
	if err := a.store.PushDailyStat(date, flowID, []string{statNodes, nodeID, statNodeTimes}, seconds); err != nil {
		slog.Error("Aggregator.TrackNodeCompletion push failed", "error", err, "nodeID", nodeID)
		return fmt.Errorf("failed to track node dwell time: %w", err)
	}
	return nil
}

// TrackUserResponse counts one user answer value under its node and field in
// the response histogram.
func (a *Aggregator) TrackUserResponse(flowID, nodeID, field, value string, at time.Time) error {
	if nodeID == "" || field == "" || value == "" {
		return nil
	}
	date := util.DateKey(at)
	if err := a.store.IncrementDailyStat(date, flowID, []string{statResponses, nodeID, field, value}, 1); err != nil {
		slog.Error("Aggregator.TrackUserResponse increment failed", "error", err, "nodeID", nodeID, "field", field)
		return fmt.Errorf("failed to track user response: %w", err)
	}
	return nil
}

// TrackSessionEnd settles a session's provisional counts on its start day and
// folds its duration into the day's running mean.
//
// A completed end releases the active slot, reverses the provisional
// abandoned and partial-lead counts, and counts a completed session and a
// complete lead. An abandoned end only releases the active slot: both the
// abandoned session and the partial lead were already counted at start.
func (a *Aggregator) TrackSessionEnd(sess models.Session, status models.SessionStatus, endedAt time.Time) error {
	date := util.DateKey(sess.StartedAt)
	flowID := sess.FlowID

	// Running mean uses the settled-session count before this event.
	before, err := a.store.GetDailyStats(date, flowID)
	if err != nil {
		slog.Error("Aggregator.TrackSessionEnd read failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to read daily stats: %w", err)
	}

	var increments [][]string
	var decrements [][]string
	switch status {
	case models.SessionStatusCompleted:
		decrements = [][]string{{statActiveSessions}, {statAbandonedSessions}, {statPartialLeads}}
		increments = [][]string{{statCompletedSessions}, {statCompleteLeads}, {statLeadsCount}}
	case models.SessionStatusAbandoned:
		decrements = [][]string{{statActiveSessions}}
	default:
		return fmt.Errorf("session end status %q: %w", status, models.ErrInvalidStatus)
	}
	for _, path := range decrements {
		if err := a.store.IncrementDailyStat(date, flowID, path, -1); err != nil {
			slog.Error("Aggregator.TrackSessionEnd decrement failed", "error", err, "sessionID", sess.ID, "path", path)
			return fmt.Errorf("failed to settle session counts: %w", err)
		}
	}
	for _, path := range increments {
		if err := a.store.IncrementDailyStat(date, flowID, path, 1); err != nil {
			slog.Error("Aggregator.TrackSessionEnd increment failed", "error", err, "sessionID", sess.ID, "path", path)
			return fmt.Errorf("failed to settle session counts: %w", err)
		}
	}

	duration := util.SecondsBetween(sess.StartedAt, endedAt)
	avg, n := 0.0, 0
	sessions := 0
	completed := 0
	if before != nil {
		avg = before.AvgSessionDuration
		n = before.CompletedSessions + before.AbandonedSessions
		sessions = before.SessionsCount
		completed = before.CompletedSessions
	}
	newAvg := (avg*float64(n) + duration) / float64(n+1)
	if err := a.store.SetDailyStat(date, flowID, []string{statAvgSessionDuration}, newAvg); err != nil {
		slog.Error("Aggregator.TrackSessionEnd avg set failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to set average duration: %w", err)
	}
	if err := a.store.PushDailyStat(date, flowID, []string{statSessionDurations}, duration); err != nil {
		slog.Error("Aggregator.TrackSessionEnd duration push failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to push session duration: %w", err)
	}

	if status == models.SessionStatusCompleted {
		completed++
	}
	if sessions > 0 {
		rate := float64(completed) / float64(sessions) * 100
		if err := a.store.SetDailyStat(date, flowID, []string{statCompletionRate}, rate); err != nil {
			slog.Error("Aggregator.TrackSessionEnd completion rate set failed", "error", err, "sessionID", sess.ID)
			return fmt.Errorf("failed to set completion rate: %w", err)
		}
	}
	slog.Debug("Aggregator.TrackSessionEnd settled", "sessionID", sess.ID, "status", status, "duration", duration)
	return nil
}
