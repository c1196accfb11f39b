package analytics

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/assistant"
	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/geoffroyotegbeye/leadflow/internal/store"
	"github.com/geoffroyotegbeye/leadflow/internal/util"
	"github.com/tidwall/gjson"
)

// DefaultRangeDays is the report window used when a request names none.
const DefaultRangeDays = 30

// Reporter serves read-side analytics derived from the daily stats documents
// and the session records.
type Reporter struct {
	store store.Store
	flows *assistant.Accessor
	now   func() time.Time
}

// NewReporter creates a reporter backed by the given store and flow accessor.
func NewReporter(st store.Store, flows *assistant.Accessor) *Reporter {
	return &Reporter{store: st, flows: flows, now: time.Now}
}

func (r *Reporter) rangeDocs(flowID string, days int) ([]models.DailyStats, error) {
	if days < 1 {
		days = DefaultRangeDays
	}
	from := util.RangeStart(r.now(), days)
	docs, err := r.store.GetDailyStatsRange(flowID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily stats range: %w", err)
	}
	return docs, nil
}

// Overview summarizes activity across the last days calendar days.
func (r *Reporter) Overview(flowID string, days int) (*models.AnalyticsOverview, error) {
	docs, err := r.rangeDocs(flowID, days)
	if err != nil {
		slog.Error("Reporter.Overview range load failed", "error", err, "flowID", flowID)
		return nil, err
	}

	var o models.AnalyticsOverview
	var durationWeight float64
	var weightedDuration float64
	for _, d := range docs {
		o.TotalSessions += d.SessionsCount
		o.ActiveSessions += d.ActiveSessions
		o.CompletedSessions += d.CompletedSessions
		o.AbandonedSessions += d.AbandonedSessions
		o.TotalLeads += d.LeadsCount
		o.PartialLeads += d.PartialLeads
		o.CompleteLeads += d.CompleteLeads
		o.MessagesCount += d.MessagesCount

		settled := float64(d.CompletedSessions + d.AbandonedSessions)
		weightedDuration += d.AvgSessionDuration * settled
		durationWeight += settled
	}
	if o.TotalSessions > 0 {
		o.ConversionRate = float64(o.TotalLeads) / float64(o.TotalSessions) * 100
		o.AverageCompletionRate = float64(o.CompletedSessions) / float64(o.TotalSessions) * 100
	}
	if durationWeight > 0 {
		o.AverageSessionDuration = weightedDuration / durationWeight
	}
	slog.Debug("Reporter.Overview computed", "flowID", flowID, "days", days, "sessions", o.TotalSessions)
	return &o, nil
}

// TimeSeries returns the per-day session and lead counts for the last days
// calendar days. Days without activity produce no points.
func (r *Reporter) TimeSeries(flowID string, days int) (*models.TimeSeries, error) {
	docs, err := r.rangeDocs(flowID, days)
	if err != nil {
		slog.Error("Reporter.TimeSeries range load failed", "error", err, "flowID", flowID)
		return nil, err
	}

	ts := &models.TimeSeries{}
	for _, d := range docs {
		if d.SessionsCount > 0 {
			ts.Sessions = append(ts.Sessions, models.TimeSeriesPoint{Date: d.Date, Count: d.SessionsCount})
		}
		if d.PartialLeads > 0 {
			ts.Leads = append(ts.Leads, models.LeadSeriesPoint{Date: d.Date, Status: models.LeadStatusPartial, Count: d.PartialLeads})
		}
		if d.CompleteLeads > 0 {
			ts.Leads = append(ts.Leads, models.LeadSeriesPoint{Date: d.Date, Status: models.LeadStatusComplete, Count: d.CompleteLeads})
		}
	}
	return ts, nil
}

// NodePerformance merges per-node figures across the last days calendar days
// for one flow, enriched with node labels and lead flags from the flow
// definition. Nodes sort by visit count, busiest first.
func (r *Reporter) NodePerformance(flowID string, days int) ([]models.NodePerformance, error) {
	if flowID == "" {
		return nil, models.ErrEmptyFlowID
	}
	docs, err := r.rangeDocs(flowID, days)
	if err != nil {
		slog.Error("Reporter.NodePerformance range load failed", "error", err, "flowID", flowID)
		return nil, err
	}

	type nodeAgg struct {
		visits, completions int
		timeSum             float64
		timeCount           int
	}
	agg := make(map[string]*nodeAgg)
	for _, d := range docs {
		for nodeID, ns := range d.Nodes {
			na := agg[nodeID]
			if na == nil {
				na = &nodeAgg{}
				agg[nodeID] = na
			}
			na.visits += ns.Visits
			na.completions += ns.Completions
			for _, t := range ns.Times {
				na.timeSum += t
				na.timeCount++
			}
		}
	}

	// Labels and lead flags come from the definition; a deleted flow still
	// reports with bare node ids.
	var flow *models.Flow
	if f, err := r.flows.GetFlow(flowID); err == nil {
		flow = f
	} else if !models.IsNotFound(err) {
		slog.Error("Reporter.NodePerformance flow load failed", "error", err, "flowID", flowID)
	}

	out := make([]models.NodePerformance, 0, len(agg))
	for nodeID, na := range agg {
		np := models.NodePerformance{
			NodeID:      nodeID,
			NodeLabel:   nodeID,
			Visits:      na.visits,
			Completions: na.completions,
		}
		if na.visits > 0 {
			np.CompletionRate = float64(na.completions) / float64(na.visits) * 100
		}
		if na.timeCount > 0 {
			np.AverageTime = na.timeSum / float64(na.timeCount)
		}
		if flow != nil {
			if node, ok := flow.Node(nodeID); ok {
				if node.Label != "" {
					np.NodeLabel = node.Label
				}
				np.IsLeadNode = node.Flags.PartialLead || node.Flags.CompleteLead
			}
		}
		out = append(out, np)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Visits != out[j].Visits {
			return out[i].Visits > out[j].Visits
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}

// TrafficSources merges source tag counts across the last days calendar
// days, highest count first.
func (r *Reporter) TrafficSources(flowID string, days int) ([]models.SourceCount, error) {
	docs, err := r.rangeDocs(flowID, days)
	if err != nil {
		slog.Error("Reporter.TrafficSources range load failed", "error", err, "flowID", flowID)
		return nil, err
	}

	merged := make(map[string]int)
	for _, d := range docs {
		for src, n := range d.Sources {
			merged[src] += n
		}
	}
	out := make([]models.SourceCount, 0, len(merged))
	for src, n := range merged {
		out = append(out, models.SourceCount{Source: src, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

// Responses merges the per-node answer histograms across the last days
// calendar days.
func (r *Reporter) Responses(flowID string, days int) (models.ResponseHistogram, error) {
	docs, err := r.rangeDocs(flowID, days)
	if err != nil {
		slog.Error("Reporter.Responses range load failed", "error", err, "flowID", flowID)
		return nil, err
	}

	merged := make(models.ResponseHistogram)
	for _, d := range docs {
		for nodeID, fields := range d.Responses {
			mf := merged[nodeID]
			if mf == nil {
				mf = make(map[string]map[string]int)
				merged[nodeID] = mf
			}
			for field, values := range fields {
				mv := mf[field]
				if mv == nil {
					mv = make(map[string]int)
					mf[field] = mv
				}
				for value, n := range values {
					mv[value] += n
				}
			}
		}
	}
	return merged, nil
}

// RecentLeads lists qualified sessions from the last days calendar days,
// newest first, each enriched with the field values captured from its form
// messages.
func (r *Reporter) RecentLeads(flowID string, days, offset, limit int) ([]models.RecentLead, error) {
	if days < 1 {
		days = DefaultRangeDays
	}
	if limit < 1 {
		limit = 50
	}
	since := r.now().UTC().AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)
	sessions, err := r.store.ListLeadSessions(since, flowID, offset, limit)
	if err != nil {
		slog.Error("Reporter.RecentLeads list failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to list lead sessions: %w", err)
	}

	flowNames := make(map[string]string)
	out := make([]models.RecentLead, 0, len(sessions))
	for _, sess := range sessions {
		name, ok := flowNames[sess.FlowID]
		if !ok {
			if f, err := r.flows.GetFlow(sess.FlowID); err == nil {
				name = f.Name
			}
			flowNames[sess.FlowID] = name
		}
		info, err := r.leadInfo(sess.ID)
		if err != nil {
			slog.Error("Reporter.RecentLeads lead info failed", "error", err, "sessionID", sess.ID)
			return nil, err
		}
		out = append(out, models.RecentLead{
			ID:                   sess.ID,
			FlowName:             name,
			LeadStatus:           sess.LeadStatus,
			CreatedAt:            sess.StartedAt,
			CompletionPercentage: sess.CompletionPercentage,
			LeadInfo:             info,
			UserInfo:             sess.UserInfo,
		})
	}
	return out, nil
}

// leadInfo extracts the captured field values from a session's user form
// messages. Form content is a flat JSON object of field name to value; later
// answers overwrite earlier ones.
func (r *Reporter) leadInfo(sessionID string) (map[string]string, error) {
	msgs, err := r.store.GetSessionMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session messages: %w", err)
	}
	info := make(map[string]string)
	for _, m := range msgs {
		if m.Sender != models.SenderUser || m.ContentType != models.ContentTypeForm {
			continue
		}
		parsed := gjson.Parse(m.Content)
		if !parsed.IsObject() {
			continue
		}
		parsed.ForEach(func(key, value gjson.Result) bool {
			info[key.String()] = value.String()
			return true
		})
	}
	return info, nil
}
