// Package flow implements the session tracker: the state machine that drives
// a visitor's traversal of a conversational flow.
//
// Every conversation step appends to an immutable ledger; session status and
// lead qualification derive from the ledger and the flow's node flags. Lead
// status only ever moves forward: none to partial to complete, never back.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/analytics"
	"github.com/geoffroyotegbeye/leadflow/internal/assistant"
	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/geoffroyotegbeye/leadflow/internal/store"
	"github.com/geoffroyotegbeye/leadflow/internal/util"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Tracker progresses sessions through flows and feeds the analytics
// aggregator.
type Tracker struct {
	store     store.Store
	flows     *assistant.Accessor
	analytics *analytics.Aggregator
	now       func() time.Time
}

// NewTracker creates a session tracker.
func NewTracker(st store.Store, flows *assistant.Accessor, agg *analytics.Aggregator) *Tracker {
	slog.Debug("Creating Tracker")
	return &Tracker{store: st, flows: flows, analytics: agg, now: time.Now}
}

// CreateSession starts a new session on a flow. The flow must exist; the
// session begins active with no lead status.
func (t *Tracker) CreateSession(ctx context.Context, req models.SessionCreateRequest) (*models.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := t.flows.GetFlow(req.FlowID); err != nil {
		slog.Debug("Tracker.CreateSession flow lookup failed", "error", err, "flowID", req.FlowID)
		return nil, err
	}

	sess := models.Session{
		ID:         uuid.NewString(),
		FlowID:     req.FlowID,
		UserID:     req.UserID,
		UserInfo:   req.UserInfo,
		Status:     models.SessionStatusActive,
		LeadStatus: models.LeadStatusNone,
		StartedAt:  t.now().UTC(),
	}
	if err := t.store.CreateSession(sess); err != nil {
		slog.Error("Tracker.CreateSession store failed", "error", err, "flowID", req.FlowID)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := t.analytics.TrackSessionStart(sess); err != nil {
		slog.Error("Tracker.CreateSession analytics tracking failed", "error", err, "sessionID", sess.ID)
	}
	slog.Debug("Tracker.CreateSession succeeded", "sessionID", sess.ID, "flowID", sess.FlowID)
	return &sess, nil
}

// GetSession retrieves a session by id.
func (t *Tracker) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := t.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	return sess, nil
}

// GetSessionMessages retrieves a session's conversation transcript.
func (t *Tracker) GetSessionMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	if _, err := t.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	msgs, err := t.store.GetSessionMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session messages: %w", err)
	}
	return msgs, nil
}

// ListFlowSessions retrieves all sessions of a flow, newest first.
func (t *Tracker) ListFlowSessions(ctx context.Context, flowID string) ([]models.Session, error) {
	if flowID == "" {
		return nil, models.ErrEmptyFlowID
	}
	sessions, err := t.store.ListFlowSessions(flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// RecordStep persists one conversation message and, for messages tied to a
// node, advances the session. A user answer joins the ledger completed and
// re-evaluates completion and lead status, ending the session when a final
// node is reached; a bot message tied to a node only presents it.
//
// A message on an already ended session still joins the transcript, but the
// session itself is never resurrected or re-counted. The message and ledger
// entry also persist when the flow definition can no longer be loaded; only
// the flag-dependent progression is skipped then.
func (t *Tracker) RecordStep(ctx context.Context, sessionID string, req models.MessageCreateRequest) (*models.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := t.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()
	contentType := req.ContentType
	if contentType == "" {
		contentType = models.ContentTypeText
	}
	msg := models.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Sender:      req.Sender,
		Content:     req.Content,
		ContentType: contentType,
		NodeID:      req.NodeID,
		Metadata:    req.Metadata,
		Timestamp:   now,
	}
	if err := t.store.AddMessage(msg); err != nil {
		slog.Error("Tracker.RecordStep message store failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	// Analytics failures never block the conversation; they are logged and
	// the mutation proceeds.
	if err := t.analytics.TrackMessage(sess.FlowID, msg); err != nil {
		slog.Error("Tracker.RecordStep analytics tracking failed", "error", err, "sessionID", sessionID)
	}

	// An ended session keeps its terminal state no matter what arrives late,
	// and a message with no node carries no progression.
	if sess.Status.IsTerminal() || req.NodeID == "" {
		return sess, nil
	}

	// A bot message presents a node: it joins the ledger uncompleted and
	// moves the cursor, but never touches lead status or terminality.
	if req.Sender != models.SenderUser {
		return sess, t.recordPresentation(sess, req.NodeID, now)
	}

	prev, err := t.store.LastStep(sessionID)
	if err != nil {
		slog.Error("Tracker.RecordStep last step lookup failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to read step ledger: %w", err)
	}
	step := models.Step{SessionID: sessionID, NodeID: req.NodeID, Timestamp: now, Completed: true}
	if err := t.store.AppendStep(step); err != nil {
		slog.Error("Tracker.RecordStep ledger append failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to append step: %w", err)
	}

	t.trackStep(sess, msg, prev, now)

	updates := map[string]interface{}{store.FieldCurrentNodeID: req.NodeID}
	sess.CurrentNodeID = req.NodeID

	flow, err := t.flows.GetFlow(sess.FlowID)
	if err != nil {
		// The message and ledger entry are already durable; a missing or
		// corrupt definition must not lose visitor data.
		slog.Error("Tracker.RecordStep flow lookup failed", "error", err, "sessionID", sessionID, "flowID", sess.FlowID)
		if err := t.store.UpdateSessionFields(sessionID, updates); err != nil {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
		return sess, nil
	}

	if err := t.applyCompletion(sess, flow, updates); err != nil {
		return nil, err
	}
	node, known := flow.Node(req.NodeID)
	if known {
		t.applyLeadStatus(sess, node.Flags, updates)
	}
	if err := t.store.UpdateSessionFields(sessionID, updates); err != nil {
		slog.Error("Tracker.RecordStep session update failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if known && node.Flags.FinalNode {
		return t.endSession(sess, models.SessionStatusCompleted, now)
	}
	return sess, nil
}

// recordPresentation books a node being shown to the visitor: an uncompleted
// ledger entry, a cursor move, and a visit count.
func (t *Tracker) recordPresentation(sess *models.Session, nodeID string, now time.Time) error {
	step := models.Step{SessionID: sess.ID, NodeID: nodeID, Timestamp: now, Completed: false}
	if err := t.store.AppendStep(step); err != nil {
		slog.Error("Tracker ledger append failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to append step: %w", err)
	}
	if err := t.store.UpdateSessionFields(sess.ID, map[string]interface{}{store.FieldCurrentNodeID: nodeID}); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	sess.CurrentNodeID = nodeID

	if err := t.analytics.TrackNodeVisit(analytics.NodeVisit{
		FlowID: sess.FlowID, NodeID: nodeID, At: now,
	}); err != nil {
		slog.Error("Tracker node visit tracking failed", "error", err, "sessionID", sess.ID, "nodeID", nodeID)
	}
	return nil
}

// trackStep feeds the analytics aggregator for one recorded user step: a
// visit on the node just reached, and a completion with dwell time on the
// node just left. Tracking failures are logged and absorbed.
func (t *Tracker) trackStep(sess *models.Session, msg models.Message, prev *models.Step, now time.Time) {
	if err := t.analytics.TrackNodeVisit(analytics.NodeVisit{
		FlowID: sess.FlowID, NodeID: msg.NodeID, At: now,
	}); err != nil {
		slog.Error("Tracker node visit tracking failed", "error", err, "sessionID", sess.ID, "nodeID", msg.NodeID)
	}
	if prev != nil {
		dwell := util.SecondsBetween(prev.Timestamp, now)
		if err := t.analytics.TrackNodeCompletion(sess.FlowID, prev.NodeID, dwell, now); err != nil {
			slog.Error("Tracker node completion tracking failed", "error", err, "sessionID", sess.ID, "nodeID", prev.NodeID)
		}
	}
	if err := t.trackResponses(sess, msg, now); err != nil {
		slog.Error("Tracker response tracking failed", "error", err, "sessionID", sess.ID, "nodeID", msg.NodeID)
	}
}

// trackResponses counts user answers in the response histogram. Form content
// is a flat JSON object counted field by field; option and quick-reply
// answers count under the field named in the message metadata. Free text is
// not counted.
func (t *Tracker) trackResponses(sess *models.Session, msg models.Message, now time.Time) error {
	switch msg.ContentType {
	case models.ContentTypeForm:
		parsed := gjson.Parse(msg.Content)
		if !parsed.IsObject() {
			return nil
		}
		var trackErr error
		parsed.ForEach(func(key, value gjson.Result) bool {
			trackErr = t.analytics.TrackUserResponse(sess.FlowID, msg.NodeID, key.String(), value.String(), now)
			return trackErr == nil
		})
		return trackErr
	case models.ContentTypeOption, models.ContentTypeQuickReply:
		field := msg.Metadata["field"]
		if field == "" {
			field = "choice"
		}
		return t.analytics.TrackUserResponse(sess.FlowID, msg.NodeID, field, msg.Content, now)
	default:
		return nil
	}
}

// applyCompletion recomputes the session's completion percentage from the
// distinct completed nodes in the ledger.
func (t *Tracker) applyCompletion(sess *models.Session, flow *models.Flow, updates map[string]interface{}) error {
	total := flow.TotalNodeCount()
	if total == 0 {
		return nil
	}
	completed, err := t.store.CountCompletedNodes(sess.ID)
	if err != nil {
		slog.Error("Tracker completion count failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to count completed nodes: %w", err)
	}
	pct := float64(completed) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	sess.CompletionPercentage = pct
	updates[store.FieldCompletionPercentage] = pct
	return nil
}

// applyLeadStatus advances the session's lead status from the node's flags.
// Partial only applies to unqualified sessions; complete always wins; the
// status never moves backward.
func (t *Tracker) applyLeadStatus(sess *models.Session, flags models.NodeFlags, updates map[string]interface{}) {
	next := sess.LeadStatus
	if flags.CompleteLead {
		next = models.LeadStatusComplete
	} else if flags.PartialLead && sess.LeadStatus == models.LeadStatusNone {
		next = models.LeadStatusPartial
	}
	if next.Rank() > sess.LeadStatus.Rank() {
		sess.LeadStatus = next
		updates[store.FieldLeadStatus] = next
	}
}

// MarkNodeViewed records that the visitor reached a node without answering
// it. The view joins the ledger uncompleted and moves the session's cursor.
func (t *Tracker) MarkNodeViewed(ctx context.Context, sessionID string, req models.NodeViewRequest) (*models.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := t.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		slog.Debug("Tracker.MarkNodeViewed ignored on ended session", "sessionID", sessionID, "nodeID", req.NodeID)
		return sess, nil
	}

	if err := t.recordPresentation(sess, req.NodeID, t.now().UTC()); err != nil {
		return nil, err
	}
	slog.Debug("Tracker.MarkNodeViewed recorded", "sessionID", sessionID, "nodeID", req.NodeID)
	return sess, nil
}

// EndSession ends a session explicitly. The status defaults to completed.
// Ending an already ended session is idempotent: the existing terminal state
// wins, even against a conflicting status, and the analytics deltas are never
// applied twice.
func (t *Tracker) EndSession(ctx context.Context, sessionID string, req models.SessionEndRequest) (*models.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := t.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		slog.Debug("Tracker.EndSession ignored on ended session", "sessionID", sessionID, "status", sess.Status)
		return sess, nil
	}
	status := req.Status
	if status == "" {
		status = models.SessionStatusCompleted
	}
	return t.endSession(sess, status, t.now().UTC())
}

// endSession transitions a session to a terminal status and settles its
// analytics counts.
func (t *Tracker) endSession(sess *models.Session, status models.SessionStatus, endedAt time.Time) (*models.Session, error) {
	err := t.store.UpdateSessionFields(sess.ID, map[string]interface{}{
		store.FieldStatus:  status,
		store.FieldEndedAt: endedAt,
	})
	if err != nil {
		slog.Error("Tracker endSession update failed", "error", err, "sessionID", sess.ID)
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	sess.Status = status
	sess.EndedAt = &endedAt
	if err := t.analytics.TrackSessionEnd(*sess, status, endedAt); err != nil {
		slog.Error("Tracker endSession analytics tracking failed", "error", err, "sessionID", sess.ID, "status", status)
	}
	slog.Debug("Tracker endSession succeeded", "sessionID", sess.ID, "status", status)
	return sess, nil
}
