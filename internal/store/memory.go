// Package store provides storage backends for leadflow.
//
// This file implements an in-memory store used by tests and by the
// in-memory server mode.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// InMemoryStore keeps all state in process memory. Daily stats documents are
// stored as raw JSON and mutated with the same path semantics the SQL
// backends use, so the aggregator behaves identically across backends.
type InMemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]models.Session
	messages   map[string][]models.Message
	steps      map[string][]models.Step
	nextStepID int64
	flows      map[string][]byte
	stats      map[string]string
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	slog.Debug("NewInMemoryStore invoked")
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		messages: make(map[string][]models.Message),
		steps:    make(map[string][]models.Step),
		flows:    make(map[string][]byte),
		stats:    make(map[string]string),
	}
}

func (s *InMemoryStore) CreateSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess
	slog.Debug("InMemoryStore CreateSession succeeded", "sessionID", sess.ID, "flowID", sess.FlowID)
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *InMemoryStore) UpdateSessionFields(id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	for key, value := range fields {
		if !sessionFieldAllowed(key) {
			return fmt.Errorf("session field %q not updatable", key)
		}
		switch key {
		case FieldStatus:
			sess.Status = models.SessionStatus(asString(value))
		case FieldLeadStatus:
			sess.LeadStatus = models.LeadStatus(asString(value))
		case FieldCurrentNodeID:
			sess.CurrentNodeID = asString(value)
		case FieldCompletionPercentage:
			f, ok := value.(float64)
			if !ok {
				return fmt.Errorf("completion_percentage must be a float64, got %T", value)
			}
			sess.CompletionPercentage = f
		case FieldEndedAt:
			t, ok := value.(time.Time)
			if !ok {
				return fmt.Errorf("ended_at must be a time.Time, got %T", value)
			}
			sess.EndedAt = &t
		}
	}
	s.sessions[id] = sess
	slog.Debug("InMemoryStore UpdateSessionFields succeeded", "sessionID", id, "fields", len(fields))
	return nil
}

// asString unwraps the string-kinded values callers pass in session updates.
func asString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case models.SessionStatus:
		return string(v)
	case models.LeadStatus:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (s *InMemoryStore) ListFlowSessions(flowID string) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.FlowID == flowID {
			out = append(out, sess)
		}
	}
	sortSessionsByStart(out)
	return out, nil
}

func (s *InMemoryStore) ListLeadSessions(since time.Time, flowID string, offset, limit int) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if !sess.LeadStatus.IsLead() {
			continue
		}
		if sess.StartedAt.Before(since) {
			continue
		}
		if flowID != "" && sess.FlowID != flowID {
			continue
		}
		out = append(out, sess)
	}
	sortSessionsByStart(out)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListIdleActiveSessions(cutoff time.Time) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status != models.SessionStatusActive {
			continue
		}
		lastActivity := sess.StartedAt
		if steps := s.steps[sess.ID]; len(steps) > 0 {
			lastActivity = steps[len(steps)-1].Timestamp
		}
		if lastActivity.Before(cutoff) {
			out = append(out, sess)
		}
	}
	sortSessionsByStart(out)
	return out, nil
}

func sortSessionsByStart(sessions []models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return nil
}

func (s *InMemoryStore) GetSessionMessages(sessionID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *InMemoryStore) AppendStep(st models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStepID++
	st.ID = s.nextStepID
	s.steps[st.SessionID] = append(s.steps[st.SessionID], st)
	return nil
}

func (s *InMemoryStore) LastStep(sessionID string) (*models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[sessionID]
	if len(steps) == 0 {
		return nil, nil
	}
	last := steps[0]
	for _, st := range steps[1:] {
		if st.Timestamp.After(last.Timestamp) || (st.Timestamp.Equal(last.Timestamp) && st.ID > last.ID) {
			last = st
		}
	}
	return &last, nil
}

func (s *InMemoryStore) CountCompletedNodes(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, st := range s.steps[sessionID] {
		if st.Completed {
			seen[st.NodeID] = struct{}{}
		}
	}
	return len(seen), nil
}

func (s *InMemoryStore) SaveFlowDefinition(id string, definition []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(definition))
	copy(buf, definition)
	s.flows[id] = buf
	return nil
}

func (s *InMemoryStore) GetFlowDefinition(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	definition, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(definition))
	copy(out, definition)
	return out, nil
}

func statsKey(date, flowID string) string {
	return date + "|" + flowID
}

// gjsonPath renders path segments as a gjson/sjson path, escaping characters
// those libraries treat as syntax so answer values and source tags are safe
// as map keys.
func gjsonPath(path []string) string {
	var b strings.Builder
	for i, seg := range path {
		if i > 0 {
			b.WriteByte('.')
		}
		for _, r := range seg {
			switch r {
			case '.', '*', '?', '|', '#', '@', '\\':
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *InMemoryStore) IncrementDailyStat(date, flowID string, path []string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey(date, flowID)
	doc, ok := s.stats[key]
	if !ok {
		doc = "{}"
	}
	p := gjsonPath(path)
	current := gjson.Get(doc, p).Float()
	updated, err := sjson.Set(doc, p, current+amount)
	if err != nil {
		slog.Error("InMemoryStore IncrementDailyStat failed", "error", err, "date", date, "flowID", flowID, "path", p)
		return fmt.Errorf("failed to increment %s: %w", p, err)
	}
	s.stats[key] = updated
	return nil
}

func (s *InMemoryStore) PushDailyStat(date, flowID string, path []string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey(date, flowID)
	doc, ok := s.stats[key]
	if !ok {
		doc = "{}"
	}
	// sjson appends when the index equals the current array length; "-1" on
	// a missing array creates it.
	p := gjsonPath(path) + ".-1"
	updated, err := sjson.Set(doc, p, value)
	if err != nil {
		slog.Error("InMemoryStore PushDailyStat failed", "error", err, "date", date, "flowID", flowID, "path", p)
		return fmt.Errorf("failed to push to %s: %w", p, err)
	}
	s.stats[key] = updated
	return nil
}

func (s *InMemoryStore) SetDailyStat(date, flowID string, path []string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey(date, flowID)
	doc, ok := s.stats[key]
	if !ok {
		doc = "{}"
	}
	p := gjsonPath(path)
	updated, err := sjson.Set(doc, p, value)
	if err != nil {
		slog.Error("InMemoryStore SetDailyStat failed", "error", err, "date", date, "flowID", flowID, "path", p)
		return fmt.Errorf("failed to set %s: %w", p, err)
	}
	s.stats[key] = updated
	return nil
}

func (s *InMemoryStore) GetDailyStats(date, flowID string) (*models.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.stats[statsKey(date, flowID)]
	if !ok {
		return nil, nil
	}
	ds, err := scanDailyStats(date, flowID, doc)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *InMemoryStore) GetDailyStatsRange(flowID, fromDate string) ([]models.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DailyStats
	for key, doc := range s.stats {
		sep := strings.Index(key, "|")
		date, fid := key[:sep], key[sep+1:]
		if date < fromDate {
			continue
		}
		if flowID != "" && fid != flowID {
			continue
		}
		ds, err := scanDailyStats(date, fid, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
