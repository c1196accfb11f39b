// Package models defines the core data structures for leadflow.
//
// This file holds the daily analytics document and the read-side report shapes.
package models

import "time"

// NodeStats aggregates visit and timing figures for one flow node on one day.
type NodeStats struct {
	Visits      int       `json:"visits"`
	Completions int       `json:"completions"`
	Times       []float64 `json:"times,omitempty"`
}

// DailyStats is the per-(date, flow) aggregate analytics document.
//
// All counter fields are maintained exclusively through atomic path
// increments and pushes; the document is never rewritten wholesale. While a
// session is still active it is pre-counted as abandoned and as a partial
// lead, so AbandonedSessions and PartialLeads are provisional until
// ActiveSessions drops back for that session.
type DailyStats struct {
	Date   string `json:"date"`
	FlowID string `json:"flow_id"`

	SessionsCount     int `json:"sessions_count"`
	ActiveSessions    int `json:"active_sessions"`
	CompletedSessions int `json:"completed_sessions"`
	AbandonedSessions int `json:"abandoned_sessions"`

	LeadsCount    int `json:"leads_count"`
	PartialLeads  int `json:"partial_leads"`
	CompleteLeads int `json:"complete_leads"`

	MessagesCount  int            `json:"messages_count"`
	MessagesByType map[string]int `json:"messages_by_type,omitempty"`

	Sources map[string]int       `json:"sources,omitempty"`
	Nodes   map[string]NodeStats `json:"nodes,omitempty"`

	// Responses maps node id -> field name -> response value -> count.
	Responses map[string]map[string]map[string]int `json:"responses,omitempty"`

	AvgSessionDuration float64   `json:"avg_session_duration"`
	CompletionRate     float64   `json:"completion_rate"`
	SessionDurations   []float64 `json:"session_durations,omitempty"`
}

// AnalyticsOverview summarizes activity over a date range.
type AnalyticsOverview struct {
	TotalSessions          int     `json:"total_sessions"`
	ActiveSessions         int     `json:"active_sessions"`
	CompletedSessions      int     `json:"completed_sessions"`
	AbandonedSessions      int     `json:"abandoned_sessions"`
	TotalLeads             int     `json:"total_leads"`
	PartialLeads           int     `json:"partial_leads"`
	CompleteLeads          int     `json:"complete_leads"`
	MessagesCount          int     `json:"messages_count"`
	ConversionRate         float64 `json:"conversion_rate"`
	AverageCompletionRate  float64 `json:"average_completion_percentage"`
	AverageSessionDuration float64 `json:"average_session_duration"`
}

// TimeSeriesPoint is one day's session count.
type TimeSeriesPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// LeadSeriesPoint is one day's lead count for one lead status.
type LeadSeriesPoint struct {
	Date   string     `json:"date"`
	Status LeadStatus `json:"status"`
	Count  int        `json:"count"`
}

// TimeSeries bundles the per-day session and lead series for a date range.
type TimeSeries struct {
	Sessions []TimeSeriesPoint `json:"sessions"`
	Leads    []LeadSeriesPoint `json:"leads"`
}

// NodePerformance aggregates one node's figures across a date range.
type NodePerformance struct {
	NodeID         string  `json:"node_id"`
	NodeLabel      string  `json:"node_label"`
	Visits         int     `json:"visits"`
	Completions    int     `json:"completions"`
	CompletionRate float64 `json:"completion_rate"`
	AverageTime    float64 `json:"average_time"`
	IsLeadNode     bool    `json:"is_lead_node"`
}

// SourceCount is one traffic source with its session count.
type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// RecentLead is one qualified session in the recent-leads listing, enriched
// with the field values captured from form messages.
type RecentLead struct {
	ID                   string                 `json:"id"`
	FlowName             string                 `json:"flow_name"`
	LeadStatus           LeadStatus             `json:"lead_status"`
	CreatedAt            time.Time              `json:"created_at"`
	CompletionPercentage float64                `json:"completion_percentage"`
	LeadInfo             map[string]string      `json:"lead_info"`
	UserInfo             map[string]interface{} `json:"user_info,omitempty"`
}

// ResponseHistogram maps node id -> field name -> response value -> count,
// merged across a date range.
type ResponseHistogram map[string]map[string]map[string]int
