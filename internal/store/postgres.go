// Package store provides storage backends for leadflow.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/lib/pq"
)

// Constants for PostgreSQL connection pool configuration
const (
	// DefaultMaxOpenConns defines the default maximum number of open connections
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns defines the default maximum number of idle connections
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime defines the default maximum connection lifetime
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening PostgreSQL database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running PostgreSQL migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

const pgSessionColumns = `id, flow_id, user_id, user_info, status, lead_status, current_node_id, completion_percentage, started_at, ended_at`

// CreateSession inserts a new session record.
func (s *PostgresStore) CreateSession(sess models.Session) error {
	userInfo, err := marshalJSONColumn(sess.UserInfo)
	if err != nil {
		slog.Error("PostgresStore CreateSession marshal failed", "error", err, "sessionID", sess.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions (`+pgSessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.FlowID, nilIfEmpty(sess.UserID), userInfo, string(sess.Status), string(sess.LeadStatus),
		nilIfEmpty(sess.CurrentNodeID), sess.CompletionPercentage, sess.StartedAt, sess.EndedAt)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", sess.ID, "flowID", sess.FlowID)
	return nil
}

// GetSession retrieves a session by id. Returns nil without error when the
// session does not exist.
func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSession not found", "sessionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// UpdateSessionFields applies a partial update; only supplied keys change.
func (s *PostgresStore) UpdateSessionFields(id string, fields map[string]interface{}) error {
	setClause, args, err := buildSessionUpdate(fields)
	if err != nil {
		slog.Error("PostgresStore UpdateSessionFields invalid update", "error", err, "sessionID", id)
		return err
	}
	setClause = rewritePlaceholders(setClause, 1)
	args = append(args, id)
	_, err = s.db.Exec(fmt.Sprintf(`UPDATE sessions SET %s WHERE id = $%d`, setClause, len(args)), args...)
	if err != nil {
		slog.Error("PostgresStore UpdateSessionFields failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	slog.Debug("PostgresStore UpdateSessionFields succeeded", "sessionID", id, "fields", len(fields))
	return nil
}

// ListFlowSessions retrieves all sessions for a flow, newest first.
func (s *PostgresStore) ListFlowSessions(flowID string) ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT `+pgSessionColumns+` FROM sessions WHERE flow_id = $1 ORDER BY started_at DESC`, flowID)
	if err != nil {
		slog.Error("PostgresStore ListFlowSessions query failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListLeadSessions retrieves qualified sessions started at or after since,
// newest first, paginated by offset and limit. An empty flowID matches all
// flows.
func (s *PostgresStore) ListLeadSessions(since time.Time, flowID string, offset, limit int) ([]models.Session, error) {
	query := `SELECT ` + pgSessionColumns + ` FROM sessions WHERE lead_status IN ('partial', 'complete') AND started_at >= $1`
	args := []interface{}{since}
	if flowID != "" {
		args = append(args, flowID)
		query += fmt.Sprintf(` AND flow_id = $%d`, len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListLeadSessions query failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to query lead sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListIdleActiveSessions retrieves active sessions whose most recent ledger
// activity (or start, when no steps exist) is before cutoff.
func (s *PostgresStore) ListIdleActiveSessions(cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT `+pgSessionColumns+` FROM sessions
		WHERE status = 'active'
		AND coalesce((SELECT MAX(timestamp) FROM session_steps WHERE session_id = sessions.id), started_at) < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore ListIdleActiveSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	return collectSessions(rows)
}

// AddMessage stores one conversation message.
func (s *PostgresStore) AddMessage(m models.Message) error {
	metadata, err := marshalJSONColumn(m.Metadata)
	if err != nil {
		slog.Error("PostgresStore AddMessage marshal failed", "error", err, "messageID", m.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO messages (id, session_id, sender, content, content_type, node_id, metadata, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.SessionID, string(m.Sender), m.Content, string(m.ContentType), nilIfEmpty(m.NodeID), metadata, m.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "sessionID", m.SessionID)
		return fmt.Errorf("failed to insert message for session %s: %w", m.SessionID, err)
	}
	slog.Debug("PostgresStore AddMessage succeeded", "sessionID", m.SessionID, "sender", m.Sender)
	return nil
}

// GetSessionMessages retrieves a session's messages ordered by timestamp.
func (s *PostgresStore) GetSessionMessages(sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, session_id, sender, content, content_type, node_id, metadata, timestamp FROM messages WHERE session_id = $1 ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		slog.Error("PostgresStore GetSessionMessages query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("PostgresStore GetSessionMessages scan failed", "error", err)
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
func (s *PostgresStore) AppendStep(st models.Step) error {
	_, err := s.db.Exec(`INSERT INTO session_steps (session_id, node_id, timestamp, is_completed) VALUES ($1, $2, $3, $4)`,
		st.SessionID, st.NodeID, st.Timestamp, st.Completed)
	if err != nil {
		slog.Error("PostgresStore AppendStep failed", "error", err, "sessionID", st.SessionID, "nodeID", st.NodeID)
		return fmt.Errorf("failed to append step for session %s: %w", st.SessionID, err)
	}
	slog.Debug("PostgresStore AppendStep succeeded", "sessionID", st.SessionID, "nodeID", st.NodeID)
	return nil
}

// LastStep retrieves the most recent ledger entry for a session, or nil when
// the session has none.
func (s *PostgresStore) LastStep(sessionID string) (*models.Step, error) {
	row := s.db.QueryRow(`SELECT id, session_id, node_id, timestamp, is_completed FROM session_steps WHERE session_id = $1 ORDER BY timestamp DESC, id DESC LIMIT 1`, sessionID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LastStep failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to get last step for session %s: %w", sessionID, err)
	}
	return &st, nil
}

// CountCompletedNodes counts the distinct nodes a session has completed.
func (s *PostgresStore) CountCompletedNodes(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT node_id) FROM session_steps WHERE session_id = $1 AND is_completed`, sessionID).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore CountCompletedNodes failed", "error", err, "sessionID", sessionID)
		return 0, fmt.Errorf("failed to count completed nodes for session %s: %w", sessionID, err)
	}
	return count, nil
}

// SaveFlowDefinition stores or replaces a flow definition document.
func (s *PostgresStore) SaveFlowDefinition(id string, definition []byte) error {
	_, err := s.db.Exec(`INSERT INTO flows (id, definition) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET definition = EXCLUDED.definition`,
		id, string(definition))
	if err != nil {
		slog.Error("PostgresStore SaveFlowDefinition failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to save flow %s: %w", id, err)
	}
	slog.Debug("PostgresStore SaveFlowDefinition succeeded", "flowID", id)
	return nil
}

// GetFlowDefinition retrieves a raw flow definition document. Returns nil
// without error when the flow does not exist.
func (s *PostgresStore) GetFlowDefinition(id string) ([]byte, error) {
	var definition string
	err := s.db.QueryRow(`SELECT definition FROM flows WHERE id = $1`, id).Scan(&definition)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFlowDefinition not found", "flowID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowDefinition failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return []byte(definition), nil
}

// pgStatsExpr builds a chained jsonb_set expression creating every missing
// parent object along path. Paths bind as text[] parameters so arbitrary key
// names (answer values, source tags) never splice into SQL.
func pgStatsExpr(path []string, args *[]interface{}) string {
	expr := "stats"
	for i := 1; i < len(path); i++ {
		*args = append(*args, pq.Array(path[:i]))
		n := len(*args)
		expr = fmt.Sprintf("jsonb_set(%s, $%d::text[], coalesce(stats #> $%d::text[], '{}'::jsonb), true)", expr, n, n)
	}
	return expr
}

// ensureDailyStats upserts the empty document for (date, flow) so subsequent
// single-statement updates always have a row to target.
func (s *PostgresStore) ensureDailyStats(date, flowID string) error {
	_, err := s.db.Exec(`INSERT INTO daily_stats (date, flow_id, stats) VALUES ($1, $2, '{}'::jsonb) ON CONFLICT (date, flow_id) DO NOTHING`, date, flowID)
	if err != nil {
		return fmt.Errorf("failed to upsert daily stats for %s/%s: %w", date, flowID, err)
	}
	return nil
}

// IncrementDailyStat atomically adds amount to the numeric value at path,
// creating missing parents. The mutation is a single UPDATE statement.
func (s *PostgresStore) IncrementDailyStat(date, flowID string, path []string, amount float64) error {
	if err := s.ensureDailyStats(date, flowID); err != nil {
		slog.Error("PostgresStore IncrementDailyStat upsert failed", "error", err, "date", date, "flowID", flowID)
		return err
	}
	var args []interface{}
	expr := pgStatsExpr(path, &args)
	args = append(args, pq.Array(path))
	n := len(args)
	args = append(args, amount)
	m := len(args)
	expr = fmt.Sprintf("jsonb_set(%s, $%d::text[], to_jsonb(coalesce((stats #>> $%d::text[])::double precision, 0) + $%d::double precision), true)", expr, n, n, m)
	args = append(args, date, flowID)
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE daily_stats SET stats = %s WHERE date = $%d AND flow_id = $%d`, expr, m+1, m+2), args...)
	if err != nil {
		slog.Error("PostgresStore IncrementDailyStat failed", "error", err, "date", date, "flowID", flowID)
		return fmt.Errorf("failed to increment %v: %w", path, err)
	}
	return nil
}

// PushDailyStat atomically appends value to the array at path, creating the
// array and missing parents as needed.
func (s *PostgresStore) PushDailyStat(date, flowID string, path []string, value float64) error {
	if err := s.ensureDailyStats(date, flowID); err != nil {
		slog.Error("PostgresStore PushDailyStat upsert failed", "error", err, "date", date, "flowID", flowID)
		return err
	}
	var args []interface{}
	expr := pgStatsExpr(path, &args)
	args = append(args, pq.Array(path))
	n := len(args)
	args = append(args, value)
	m := len(args)
	expr = fmt.Sprintf("jsonb_set(%s, $%d::text[], coalesce(stats #> $%d::text[], '[]'::jsonb) || to_jsonb($%d::double precision), true)", expr, n, n, m)
	args = append(args, date, flowID)
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE daily_stats SET stats = %s WHERE date = $%d AND flow_id = $%d`, expr, m+1, m+2), args...)
	if err != nil {
		slog.Error("PostgresStore PushDailyStat failed", "error", err, "date", date, "flowID", flowID)
		return fmt.Errorf("failed to push to %v: %w", path, err)
	}
	return nil
}

// SetDailyStat atomically overwrites the numeric value at path.
func (s *PostgresStore) SetDailyStat(date, flowID string, path []string, value float64) error {
	if err := s.ensureDailyStats(date, flowID); err != nil {
		slog.Error("PostgresStore SetDailyStat upsert failed", "error", err, "date", date, "flowID", flowID)
		return err
	}
	var args []interface{}
	expr := pgStatsExpr(path, &args)
	args = append(args, pq.Array(path))
	n := len(args)
	args = append(args, value)
	m := len(args)
	expr = fmt.Sprintf("jsonb_set(%s, $%d::text[], to_jsonb($%d::double precision), true)", expr, n, m)
	args = append(args, date, flowID)
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE daily_stats SET stats = %s WHERE date = $%d AND flow_id = $%d`, expr, m+1, m+2), args...)
	if err != nil {
		slog.Error("PostgresStore SetDailyStat failed", "error", err, "date", date, "flowID", flowID)
		return fmt.Errorf("failed to set %v: %w", path, err)
	}
	return nil
}

// GetDailyStats retrieves the analytics document for one (date, flow) pair.
// Returns nil without error when no document exists yet.
func (s *PostgresStore) GetDailyStats(date, flowID string) (*models.DailyStats, error) {
	var statsJSON string
	err := s.db.QueryRow(`SELECT stats FROM daily_stats WHERE date = $1 AND flow_id = $2`, date, flowID).Scan(&statsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDailyStats failed", "error", err, "date", date, "flowID", flowID)
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
func (s *PostgresStore) GetDailyStatsRange(flowID, fromDate string) ([]models.DailyStats, error) {
	query := `SELECT date, flow_id, stats FROM daily_stats WHERE date >= $1`
	args := []interface{}{fromDate}
	if flowID != "" {
		args = append(args, flowID)
		query += fmt.Sprintf(` AND flow_id = $%d`, len(args))
	}
	query += ` ORDER BY date ASC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetDailyStatsRange query failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()
	var out []models.DailyStats
	for rows.Next() {
		var date, fid, statsJSON string
		if err := rows.Scan(&date, &fid, &statsJSON); err != nil {
			slog.Error("PostgresStore GetDailyStatsRange scan failed", "error", err)
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
	slog.Debug("PostgresStore GetDailyStatsRange succeeded", "count", len(out))
	return out, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
