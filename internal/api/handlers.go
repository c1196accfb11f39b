// Package api provides HTTP handlers for leadflow endpoints.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
)

// MaxRequestBodyBytes bounds request bodies to keep flow definitions and
// messages within reason.
const MaxRequestBodyBytes = 1 << 20

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// sessionsHandler handles the session collection: POST /sessions starts a
// new session.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sessionsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sessionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.SessionCreateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.sessionsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	sess, err := s.tracker.CreateSession(r.Context(), req)
	if err != nil {
		slog.Warn("Server.sessionsHandler: session creation failed", "error", err, "flowID", req.FlowID)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	slog.Info("Server.sessionsHandler: session created", "sessionID", sess.ID, "flowID", sess.FlowID)
	writeJSONResponse(w, http.StatusCreated, models.Success(sess))
}

// sessionHandler dispatches /sessions/{id} and its sub-resources.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session id required"))
		return
	}
	sessionID := segments[0]

	switch {
	case len(segments) == 1:
		s.getSession(w, r, sessionID)
	case len(segments) == 2 && segments[1] == "messages":
		s.sessionMessages(w, r, sessionID)
	case len(segments) == 2 && segments[1] == "view":
		s.sessionView(w, r, sessionID)
	case len(segments) == 2 && segments[1] == "end":
		s.sessionEnd(w, r, sessionID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.tracker.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Warn("Server.getSession: lookup failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// sessionMessages records a conversation step on POST and returns the
// transcript on GET.
func (s *Server) sessionMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodPost:
		var req models.MessageCreateRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodyBytes)).Decode(&req); err != nil {
			slog.Warn("Server.sessionMessages: failed to decode JSON", "error", err, "sessionID", sessionID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		sess, err := s.tracker.RecordStep(r.Context(), sessionID, req)
		if err != nil {
			slog.Warn("Server.sessionMessages: step rejected", "error", err, "sessionID", sessionID)
			writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusCreated, models.Recorded(sess))
	case http.MethodGet:
		msgs, err := s.tracker.GetSessionMessages(r.Context(), sessionID)
		if err != nil {
			slog.Warn("Server.sessionMessages: transcript lookup failed", "error", err, "sessionID", sessionID)
			writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(msgs))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) sessionView(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.NodeViewRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.sessionView: failed to decode JSON", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	sess, err := s.tracker.MarkNodeViewed(r.Context(), sessionID, req)
	if err != nil {
		slog.Warn("Server.sessionView: view rejected", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded(sess))
}

func (s *Server) sessionEnd(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.SessionEndRequest
	// An empty body means a normal completed end.
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodyBytes)).Decode(&req); err != nil && err != io.EOF {
		slog.Warn("Server.sessionEnd: failed to decode JSON", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	sess, err := s.tracker.EndSession(r.Context(), sessionID, req)
	if err != nil {
		slog.Warn("Server.sessionEnd: end rejected", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	slog.Info("Server.sessionEnd: session ended", "sessionID", sessionID, "status", sess.Status)
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// flowHandler dispatches /flows/{id} and /flows/{id}/sessions.
func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	path := strings.TrimPrefix(r.URL.Path, "/flows/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow id required"))
		return
	}
	flowID := segments[0]

	switch {
	case len(segments) == 1 && r.Method == http.MethodPut:
		s.putFlow(w, r, flowID)
	case len(segments) == 1 && r.Method == http.MethodGet:
		s.getFlow(w, r, flowID)
	case len(segments) == 1:
		w.Header().Set("Allow", "GET, PUT")
		w.WriteHeader(http.StatusMethodNotAllowed)
	case len(segments) == 2 && segments[1] == "sessions":
		s.flowSessions(w, r, flowID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	}
}

func (s *Server) putFlow(w http.ResponseWriter, r *http.Request, flowID string) {
	definition, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes))
	if err != nil {
		slog.Warn("Server.putFlow: failed to read body", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	if err := s.flows.SaveFlow(flowID, definition); err != nil {
		slog.Warn("Server.putFlow: definition rejected", "error", err, "flowID", flowID)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	slog.Info("Server.putFlow: flow saved", "flowID", flowID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow saved", nil))
}

func (s *Server) getFlow(w http.ResponseWriter, r *http.Request, flowID string) {
	f, err := s.flows.GetFlow(flowID)
	if err != nil {
		slog.Warn("Server.getFlow: lookup failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) flowSessions(w http.ResponseWriter, r *http.Request, flowID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.tracker.ListFlowSessions(r.Context(), flowID)
	if err != nil {
		slog.Warn("Server.flowSessions: listing failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// Analytics report handlers. All accept flow_id and days query parameters;
// leads additionally accepts offset and limit.

func (s *Server) overviewHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	overview, err := s.reporter.Overview(r.URL.Query().Get("flow_id"), queryInt(r, "days", 0))
	if err != nil {
		slog.Error("Server.overviewHandler: report failed", "error", err)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(overview))
}

func (s *Server) timeSeriesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	series, err := s.reporter.TimeSeries(r.URL.Query().Get("flow_id"), queryInt(r, "days", 0))
	if err != nil {
		slog.Error("Server.timeSeriesHandler: report failed", "error", err)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(series))
}

func (s *Server) nodePerformanceHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	perf, err := s.reporter.NodePerformance(r.URL.Query().Get("flow_id"), queryInt(r, "days", 0))
	if err != nil {
		slog.Warn("Server.nodePerformanceHandler: report failed", "error", err)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(perf))
}

func (s *Server) sourcesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	sources, err := s.reporter.TrafficSources(r.URL.Query().Get("flow_id"), queryInt(r, "days", 0))
	if err != nil {
		slog.Error("Server.sourcesHandler: report failed", "error", err)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sources))
}

func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	hist, err := s.reporter.Responses(r.URL.Query().Get("flow_id"), queryInt(r, "days", 0))
	if err != nil {
		slog.Error("Server.responsesHandler: report failed", "error", err)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(hist))
}

func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	leads, err := s.reporter.RecentLeads(
		r.URL.Query().Get("flow_id"),
		queryInt(r, "days", 0),
		queryInt(r, "offset", 0),
		queryInt(r, "limit", 0),
	)
	if err != nil {
		slog.Error("Server.leadsHandler: report failed", "error", err)
		writeJSONResponse(w, errorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// queryInt parses an integer query parameter, falling back to def on absent
// or malformed values.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer query parameter", "key", key, "value", raw)
		return def
	}
	return n
}
