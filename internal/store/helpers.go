package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSONColumn serializes a value for a nullable JSON column.
func marshalJSONColumn(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(data), nil
}

// sessionScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type sessionScanner interface {
	Scan(dest ...interface{}) error
}

// scanSession scans a Session row in the canonical column order:
// id, flow_id, user_id, user_info, status, lead_status, current_node_id,
// completion_percentage, started_at, ended_at.
func scanSession(sc sessionScanner) (models.Session, error) {
	var s models.Session
	var userID, userInfoJSON, currentNodeID sql.NullString
	var endedAt sql.NullTime
	err := sc.Scan(
		&s.ID, &s.FlowID, &userID, &userInfoJSON, &s.Status, &s.LeadStatus,
		&currentNodeID, &s.CompletionPercentage, &s.StartedAt, &endedAt,
	)
	if err != nil {
		return s, err
	}
	s.UserID = userID.String
	s.CurrentNodeID = currentNodeID.String
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if userInfoJSON.Valid && userInfoJSON.String != "" {
		if err := json.Unmarshal([]byte(userInfoJSON.String), &s.UserInfo); err != nil {
			slog.Error("scanSession user_info unmarshal failed", "error", err, "sessionID", s.ID)
			// Continue with empty map rather than failing
			s.UserInfo = nil
		}
	}
	return s, nil
}

// scanMessage scans a Message row in the canonical column order:
// id, session_id, sender, content, content_type, node_id, metadata, timestamp.
func scanMessage(sc sessionScanner) (models.Message, error) {
	var m models.Message
	var nodeID, metadataJSON sql.NullString
	err := sc.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &m.ContentType, &nodeID, &metadataJSON, &m.Timestamp)
	if err != nil {
		return m, err
	}
	m.NodeID = nodeID.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			slog.Error("scanMessage metadata unmarshal failed", "error", err, "messageID", m.ID)
			m.Metadata = nil
		}
	}
	return m, nil
}

// scanStep scans a Step row in the canonical column order:
// id, session_id, node_id, timestamp, is_completed.
func scanStep(sc sessionScanner) (models.Step, error) {
	var st models.Step
	err := sc.Scan(&st.ID, &st.SessionID, &st.NodeID, &st.Timestamp, &st.Completed)
	return st, err
}

// scanDailyStats builds a DailyStats from the date, flow_id and stats columns.
func scanDailyStats(date, flowID, statsJSON string) (models.DailyStats, error) {
	ds := models.DailyStats{Date: date, FlowID: flowID}
	if statsJSON != "" {
		if err := json.Unmarshal([]byte(statsJSON), &ds); err != nil {
			return ds, fmt.Errorf("failed to unmarshal daily stats document: %w", err)
		}
	}
	// Column values win over anything embedded in the document.
	ds.Date = date
	ds.FlowID = flowID
	return ds, nil
}

// buildSessionUpdate renders the SET clause and argument list for a partial
// session update. Placeholders are ?-style; the Postgres store rewrites them.
// Unknown field keys are rejected.
func buildSessionUpdate(fields map[string]interface{}) (string, []interface{}, error) {
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("no fields to update")
	}
	clauses := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields))
	for key, value := range fields {
		if !sessionFieldAllowed(key) {
			return "", nil, fmt.Errorf("session field %q cannot be updated", key)
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, value)
	}
	return strings.Join(clauses, ", "), args, nil
}

// rewritePlaceholders converts ?-style placeholders to $1..$n for Postgres.
func rewritePlaceholders(query string, startAt int) string {
	var b strings.Builder
	n := startAt
	for _, r := range query {
		if r == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteJSONPath renders path segments as a SQLite JSON path expression.
// Segments are quoted so node ids and response values containing dots stay a
// single key; embedded quotes are stripped rather than escaped.
func sqliteJSONPath(path []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range path {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(seg, `"`, ``))
		b.WriteString(`"`)
	}
	return b.String()
}

// sqliteStatsExpr builds a SQL expression that applies leafExpr at path while
// creating any missing parent objects, all inside one UPDATE statement so the
// mutation stays atomic. Parent and leaf paths are passed as bound
// parameters appended to args.
//
// leafExpr must contain exactly one %s, replaced with the accumulated
// expression, and may append its own parameters to args afterwards.
func sqliteStatsExpr(path []string, args *[]interface{}) string {
	expr := "stats"
	for i := 1; i < len(path); i++ {
		parent := sqliteJSONPath(path[:i])
		expr = fmt.Sprintf("json_set(%s, ?, coalesce(json_extract(stats, ?), json('{}')))", expr)
		*args = append(*args, parent, parent)
	}
	return expr
}
