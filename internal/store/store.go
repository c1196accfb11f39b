// Package store provides storage backends for leadflow.
//
// It includes an in-memory store for tests and embedded use, plus SQLite and
// PostgreSQL backed stores for persistent deployments. All backends expose
// the same contract: session records with partial field updates, an
// append-only step ledger, a message log, read-only flow definitions, and
// the daily analytics document with atomic path-based increments.
package store

import (
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
)

// SessionFields names the session columns that UpdateSessionFields accepts.
// Only supplied keys change; everything else is left untouched.
const (
	FieldStatus               = "status"
	FieldLeadStatus           = "lead_status"
	FieldCurrentNodeID        = "current_node_id"
	FieldCompletionPercentage = "completion_percentage"
	FieldEndedAt              = "ended_at"
)

// Store is the persistence contract shared by all backends.
//
// Daily-stats mutations (IncrementDailyStat, PushDailyStat, SetDailyStat)
// are atomic at the single-document level and upsert the document on first
// use; they are the only way the analytics document is ever written. Paths
// are passed as segments so backends can escape them safely.
type Store interface {
	// Session records
	CreateSession(s models.Session) error
	GetSession(id string) (*models.Session, error)
	UpdateSessionFields(id string, fields map[string]interface{}) error
	ListFlowSessions(flowID string) ([]models.Session, error)
	ListLeadSessions(since time.Time, flowID string, offset, limit int) ([]models.Session, error)
	ListIdleActiveSessions(cutoff time.Time) ([]models.Session, error)

	// Message log
	AddMessage(m models.Message) error
	GetSessionMessages(sessionID string) ([]models.Message, error)

	// Step ledger (append-only)
	AppendStep(st models.Step) error
	LastStep(sessionID string) (*models.Step, error)
	CountCompletedNodes(sessionID string) (int, error)

	// Flow definitions (read-only to this service; authored externally)
	SaveFlowDefinition(id string, definition []byte) error
	GetFlowDefinition(id string) ([]byte, error)

	// Daily analytics document
	IncrementDailyStat(date, flowID string, path []string, amount float64) error
	PushDailyStat(date, flowID string, path []string, value float64) error
	SetDailyStat(date, flowID string, path []string, value float64) error
	GetDailyStats(date, flowID string) (*models.DailyStats, error)
	GetDailyStatsRange(flowID, fromDate string) ([]models.DailyStats, error)

	Close() error
}

// sessionFieldAllowed reports whether a field key may be updated through
// UpdateSessionFields. Unknown keys are rejected rather than ignored so a
// typo cannot silently drop a mutation.
func sessionFieldAllowed(key string) bool {
	switch key {
	case FieldStatus, FieldLeadStatus, FieldCurrentNodeID, FieldCompletionPercentage, FieldEndedAt:
		return true
	default:
		return false
	}
}
