// Package store provides storage backends for leadflow.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

const sqliteSessionColumns = `id, flow_id, user_id, user_info, status, lead_status, current_node_id, completion_percentage, started_at, ended_at`

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(sess models.Session) error {
	userInfo, err := marshalJSONColumn(sess.UserInfo)
	if err != nil {
		slog.Error("SQLiteStore CreateSession marshal failed", "error", err, "sessionID", sess.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions (`+sqliteSessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.FlowID, nilIfEmpty(sess.UserID), userInfo, string(sess.Status), string(sess.LeadStatus),
		nilIfEmpty(sess.CurrentNodeID), sess.CompletionPercentage, sess.StartedAt, sess.EndedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", sess.ID, "flowID", sess.FlowID)
	return nil
}

// GetSession retrieves a session by id. Returns nil without error when the
// session does not exist.
func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "sessionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// UpdateSessionFields applies a partial update; only supplied keys change.
func (s *SQLiteStore) UpdateSessionFields(id string, fields map[string]interface{}) error {
	setClause, args, err := buildSessionUpdate(fields)
	if err != nil {
		slog.Error("SQLiteStore UpdateSessionFields invalid update", "error", err, "sessionID", id)
		return err
	}
	args = append(args, id)
	_, err = s.db.Exec(`UPDATE sessions SET `+setClause+` WHERE id = ?`, args...)
	if err != nil {
		slog.Error("SQLiteStore UpdateSessionFields failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	slog.Debug("SQLiteStore UpdateSessionFields succeeded", "sessionID", id, "fields", len(fields))
	return nil
}

// ListFlowSessions retrieves all sessions for a flow, newest first.
func (s *SQLiteStore) ListFlowSessions(flowID string) ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT `+sqliteSessionColumns+` FROM sessions WHERE flow_id = ? ORDER BY started_at DESC`, flowID)
	if err != nil {
		slog.Error("SQLiteStore ListFlowSessions query failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListLeadSessions retrieves qualified sessions started at or after since,
// newest first, paginated by offset and limit. An empty flowID matches all
// flows.
func (s *SQLiteStore) ListLeadSessions(since time.Time, flowID string, offset, limit int) ([]models.Session, error) {
	query := `SELECT ` + sqliteSessionColumns + ` FROM sessions WHERE lead_status IN ('partial', 'complete') AND started_at >= ?`
	args := []interface{}{since}
	if flowID != "" {
		query += ` AND flow_id = ?`
		args = append(args, flowID)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListLeadSessions query failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to query lead sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListIdleActiveSessions retrieves active sessions whose most recent ledger
// activity (or start, when no steps exist) is before cutoff.
func (s *SQLiteStore) ListIdleActiveSessions(cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT `+sqliteSessionColumns+` FROM sessions
		WHERE status = 'active'
		AND coalesce((SELECT MAX(timestamp) FROM session_steps WHERE session_id = sessions.id), started_at) < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore ListIdleActiveSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]models.Session, error) {
	defer rows.Close()
	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("session scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

// AddMessage stores one conversation message.
func (s *SQLiteStore) AddMessage(m models.Message) error {
	metadata, err := marshalJSONColumn(m.Metadata)
	if err != nil {
		slog.Error("SQLiteStore AddMessage marshal failed", "error", err, "messageID", m.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO messages (id, session_id, sender, content, content_type, node_id, metadata, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Sender), m.Content, string(m.ContentType), nilIfEmpty(m.NodeID), metadata, m.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "sessionID", m.SessionID)
		return fmt.Errorf("failed to insert message for session %s: %w", m.SessionID, err)
	}
	slog.Debug("SQLiteStore AddMessage succeeded", "sessionID", m.SessionID, "sender", m.Sender)
	return nil
}

// GetSessionMessages retrieves a session's messages ordered by timestamp.
func (s *SQLiteStore) GetSessionMessages(sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, session_id, sender, content, content_type, node_id, metadata, timestamp FROM messages WHERE session_id = ? ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore GetSessionMessages query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("SQLiteStore GetSessionMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

// AppendStep adds one entry to the append-only step ledger.
func (s *SQLiteStore) AppendStep(st models.Step) error {
	_, err := s.db.Exec(`INSERT INTO session_steps (session_id, node_id, timestamp, is_completed) VALUES (?, ?, ?, ?)`,
		st.SessionID, st.NodeID, st.Timestamp, st.Completed)
	if err != nil {
		slog.Error("SQLiteStore AppendStep failed", "error", err, "sessionID", st.SessionID, "nodeID", st.NodeID)
		return fmt.Errorf("failed to append step for session %s: %w", st.SessionID, err)
	}
	slog.Debug("SQLiteStore AppendStep succeeded", "sessionID", st.SessionID, "nodeID", st.NodeID)
	return nil
}

// LastStep retrieves the most recent ledger entry for a session, or nil when
// the session has none.
func (s *SQLiteStore) LastStep(sessionID string) (*models.Step, error) {
	row := s.db.QueryRow(`SELECT id, session_id, node_id, timestamp, is_completed FROM session_steps WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, sessionID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LastStep failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to get last step for session %s: %w", sessionID, err)
	}
	return &st, nil
}

// CountCompletedNodes counts the distinct nodes a session has completed.
func (s *SQLiteStore) CountCompletedNodes(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT node_id) FROM session_steps WHERE session_id = ? AND is_completed = 1`, sessionID).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore CountCompletedNodes failed", "error", err, "sessionID", sessionID)
		return 0, fmt.Errorf("failed to count completed nodes for session %s: %w", sessionID, err)
	}
	return count, nil
}

// SaveFlowDefinition stores or replaces a flow definition document.
func (s *SQLiteStore) SaveFlowDefinition(id string, definition []byte) error {
	_, err := s.db.Exec(`INSERT INTO flows (id, definition) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET definition = excluded.definition`,
		id, string(definition))
	if err != nil {
		slog.Error("SQLiteStore SaveFlowDefinition failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to save flow %s: %w", id, err)
	}
	slog.Debug("SQLiteStore SaveFlowDefinition succeeded", "flowID", id)
	return nil
}

// GetFlowDefinition retrieves a raw flow definition document. Returns nil
// without error when the flow does not exist.
func (s *SQLiteStore) GetFlowDefinition(id string) ([]byte, error) {
	var definition string
	err := s.db.QueryRow(`SELECT definition FROM flows WHERE id = ?`, id).Scan(&definition)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFlowDefinition not found", "flowID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowDefinition failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return []byte(definition), nil
}

// ensureDailyStats upserts the empty document for (date, flow) so subsequent
// single-statement updates always have a row to target.
func (s *SQLiteStore) ensureDailyStats(date, flowID string) error {
	_, err := s.db.Exec(`INSERT INTO daily_stats (date, flow_id, stats) VALUES (?, ?, '{}') ON CONFLICT(date, flow_id) DO NOTHING`, date, flowID)
	if err != nil {
		return fmt.Errorf("failed to upsert daily stats for %s/%s: %w", date, flowID, err)
	}
	return nil
}

// IncrementDailyStat atomically adds amount to the numeric value at path,
// creating missing parents. The mutation is a single UPDATE statement.
func (s *SQLiteStore) IncrementDailyStat(date, flowID string, path []string, amount float64) error {
	if err := s.ensureDailyStats(date, flowID); err != nil {
		slog.Error("SQLiteStore IncrementDailyStat upsert failed", "error", err, "date", date, "flowID", flowID)
		return err
	}
	var args []interface{}
	expr := sqliteStatsExpr(path, &args)
	leaf := sqliteJSONPath(path)
	expr = fmt.Sprintf("json_set(%s, ?, coalesce(json_extract(stats, ?), 0) + ?)", expr)
	args = append(args, leaf, leaf, amount, date, flowID)
	_, err := s.db.Exec(`UPDATE daily_stats SET stats = `+expr+` WHERE date = ? AND flow_id = ?`, args...)
	if err != nil {
		slog.Error("SQLiteStore IncrementDailyStat failed", "error", err, "date", date, "flowID", flowID, "path", leaf)
		return fmt.Errorf("failed to increment %s: %w", leaf, err)
	}
	return nil
}

// PushDailyStat atomically appends value to the array at path, creating the
// array and missing parents as needed.
func (s *SQLiteStore) PushDailyStat(date, flowID string, path []string, value float64) error {
	if err := s.ensureDailyStats(date, flowID); err != nil {
		slog.Error("SQLiteStore PushDailyStat upsert failed", "error", err, "date", date, "flowID", flowID)
		return err
	}
	var args []interface{}
	expr := sqliteStatsExpr(path, &args)
	leaf := sqliteJSONPath(path)
	expr = fmt.Sprintf("json_set(%s, ?, json_insert(coalesce(json_extract(stats, ?), json('[]')), '$[#]', ?))", expr)
	args = append(args, leaf, leaf, value, date, flowID)
	_, err := s.db.Exec(`UPDATE daily_stats SET stats = `+expr+` WHERE date = ? AND flow_id = ?`, args...)
	if err != nil {
		slog.Error("SQLiteStore PushDailyStat failed", "error", err, "date", date, "flowID", flowID, "path", leaf)
		return fmt.Errorf("failed to push to %s: %w", leaf, err)
	}
	return nil
}

// SetDailyStat atomically overwrites the numeric value at path.
func (s *SQLiteStore) SetDailyStat(date, flowID string, path []string, value float64) error {
	if err := s.ensureDailyStats(date, flowID); err != nil {
		slog.Error("SQLiteStore SetDailyStat upsert failed", "error", err, "date", date, "flowID", flowID)
		return err
	}
	var args []interface{}
	expr := sqliteStatsExpr(path, &args)
	leaf := sqliteJSONPath(path)
	expr = fmt.Sprintf("json_set(%s, ?, ?)", expr)
	args = append(args, leaf, value, date, flowID)
	_, err := s.db.Exec(`UPDATE daily_stats SET stats = `+expr+` WHERE date = ? AND flow_id = ?`, args...)
	if err != nil {
		slog.Error("SQLiteStore SetDailyStat failed", "error", err, "date", date, "flowID", flowID, "path", leaf)
		return fmt.Errorf("failed to set %s: %w", leaf, err)
	}
	return nil
}

// GetDailyStats retrieves the analytics document for one (date, flow) pair.
// Returns nil without error when no document exists yet.
func (s *SQLiteStore) GetDailyStats(date, flowID string) (*models.DailyStats, error) {
	var statsJSON string
	err := s.db.QueryRow(`SELECT stats FROM daily_stats WHERE date = ? AND flow_id = ?`, date, flowID).Scan(&statsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDailyStats failed", "error", err, "date", date, "flowID", flowID)
		return nil, fmt.Errorf("failed to get daily stats for %s/%s: %w", date, flowID, err)
	}
	ds, err := scanDailyStats(date, flowID, statsJSON)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// GetDailyStatsRange retrieves all documents from fromDate onward, ordered by
// date. An empty flowID matches all flows.
func (s *SQLiteStore) GetDailyStatsRange(flowID, fromDate string) ([]models.DailyStats, error) {
	query := `SELECT date, flow_id, stats FROM daily_stats WHERE date >= ?`
	args := []interface{}{fromDate}
	if flowID != "" {
		query += ` AND flow_id = ?`
		args = append(args, flowID)
	}
	query += ` ORDER BY date ASC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetDailyStatsRange query failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()
	var out []models.DailyStats
	for rows.Next() {
		var date, fid, statsJSON string
		if err := rows.Scan(&date, &fid, &statsJSON); err != nil {
			slog.Error("SQLiteStore GetDailyStatsRange scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan daily stats row: %w", err)
		}
		ds, err := scanDailyStats(date, fid, statsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily stats rows: %w", err)
	}
	slog.Debug("SQLiteStore GetDailyStatsRange succeeded", "count", len(out))
	return out, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
