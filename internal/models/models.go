// Package models defines the core data structures for leadflow.
//
// It includes types for sessions, messages, flow steps, and flow definitions,
// which are shared across modules.
package models

import (
	"errors"
	"time"
)

// SessionStatus represents the lifecycle state of a visitor session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session is in progress.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleted indicates the session reached a final node or was ended explicitly.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusAbandoned indicates the session was ended without completing the flow.
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// IsTerminal reports whether the status is an absorbing state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

// IsValidSessionStatus checks if the given session status is supported.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusAbandoned:
		return true
	default:
		return false
	}
}

// LeadStatus represents how far a session has progressed toward qualification.
type LeadStatus string

const (
	// LeadStatusNone indicates no qualification threshold has been reached.
	LeadStatusNone LeadStatus = "none"
	// LeadStatusPartial indicates the session passed a partial-lead node.
	LeadStatusPartial LeadStatus = "partial"
	// LeadStatusComplete indicates the session passed a complete-lead node.
	LeadStatusComplete LeadStatus = "complete"
)

// Rank orders lead statuses so transitions can be checked for regression.
// none < partial < complete.
func (l LeadStatus) Rank() int {
	switch l {
	case LeadStatusPartial:
		return 1
	case LeadStatusComplete:
		return 2
	default:
		return 0
	}
}

// IsLead reports whether the status counts as a qualified lead.
func (l LeadStatus) IsLead() bool {
	return l == LeadStatusPartial || l == LeadStatusComplete
}

// MessageSender identifies which side of the conversation produced a message.
type MessageSender string

const (
	// SenderBot marks messages originated by the assistant.
	SenderBot MessageSender = "bot"
	// SenderUser marks messages originated by the visitor.
	SenderUser MessageSender = "user"
)

// IsValidSender checks if the given sender is supported.
func IsValidSender(s MessageSender) bool {
	return s == SenderBot || s == SenderUser
}

// MessageContentType describes the payload kind of a conversation message.
type MessageContentType string

const (
	ContentTypeText       MessageContentType = "text"
	ContentTypeForm       MessageContentType = "form"
	ContentTypeImage      MessageContentType = "image"
	ContentTypeVideo      MessageContentType = "video"
	ContentTypeAudio      MessageContentType = "audio"
	ContentTypeFile       MessageContentType = "file"
	ContentTypeQuickReply MessageContentType = "quick_reply"
	ContentTypeOption     MessageContentType = "option"
)

// IsValidContentType checks if the given content type is supported.
func IsValidContentType(ct MessageContentType) bool {
	switch ct {
	case ContentTypeText, ContentTypeForm, ContentTypeImage, ContentTypeVideo,
		ContentTypeAudio, ContentTypeFile, ContentTypeQuickReply, ContentTypeOption:
		return true
	default:
		return false
	}
}

// Validation constants for input validation
const (
	// MaxMessageContentLength defines the maximum allowed length for message content
	MaxMessageContentLength = 8192
	// MaxSourceTagLength defines the maximum allowed length for a traffic source tag
	MaxSourceTagLength = 128
)

// Error variables for better error handling and testability
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrFlowNotFound       = errors.New("flow not found")
	ErrInvalidFlow        = errors.New("invalid flow definition")
	ErrEmptyFlowID        = errors.New("flow id cannot be empty")
	ErrEmptyNodeID        = errors.New("node id cannot be empty")
	ErrEmptyContent       = errors.New("message content cannot be empty")
	ErrContentTooLong     = errors.New("message content exceeds maximum length")
	ErrInvalidSender      = errors.New("invalid message sender")
	ErrInvalidContentType = errors.New("invalid message content type")
	ErrInvalidStatus      = errors.New("invalid session status")
	ErrSourceTagTooLong   = errors.New("source tag exceeds maximum length")
)

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrFlowNotFound)
}

// Session represents one visitor's traversal of a flow.
type Session struct {
	ID                   string                 `json:"id"`
	FlowID               string                 `json:"flow_id"`
	UserID               string                 `json:"user_id,omitempty"`
	UserInfo             map[string]interface{} `json:"user_info,omitempty"`
	Status               SessionStatus          `json:"status"`
	LeadStatus           LeadStatus             `json:"lead_status"`
	CurrentNodeID        string                 `json:"current_node_id,omitempty"`
	CompletionPercentage float64                `json:"completion_percentage"`
	StartedAt            time.Time              `json:"started_at"`
	EndedAt              *time.Time             `json:"ended_at,omitempty"`
}

// Source returns the traffic source tag from user info, if present.
func (s *Session) Source() string {
	if s.UserInfo == nil {
		return ""
	}
	if v, ok := s.UserInfo["source"].(string); ok {
		return v
	}
	return ""
}

// Message represents one conversation message within a session.
type Message struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"session_id"`
	Sender      MessageSender      `json:"sender"`
	Content     string             `json:"content"`
	ContentType MessageContentType `json:"content_type"`
	NodeID      string             `json:"node_id,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Step is one append-only ledger entry recording a session's visit of a node.
// Entries are never mutated or deleted; dwell time is derived from the delta
// between consecutive entries for the same session.
type Step struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Completed bool      `json:"is_completed"`
}

// NodeFlags holds the normalized qualification flags of one flow node.
// Flags may appear on the node directly or nested under its data object;
// normalization resolves both locations once at flow load time.
type NodeFlags struct {
	PartialLead  bool `json:"is_partial_lead"`
	CompleteLead bool `json:"is_complete_lead"`
	FinalNode    bool `json:"is_final_node"`
}

// FlowNode is one vertex of a flow graph with its normalized flags.
type FlowNode struct {
	ID    string    `json:"id"`
	Label string    `json:"label,omitempty"`
	Flags NodeFlags `json:"flags"`
}

// Flow is a read-only flow definition as consumed by the session tracker.
type Flow struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Nodes []FlowNode `json:"nodes"`
}

// TotalNodeCount returns the number of nodes in the flow.
func (f *Flow) TotalNodeCount() int {
	return len(f.Nodes)
}

// Node returns the flow node with the given id, if present.
func (f *Flow) Node(id string) (FlowNode, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return FlowNode{}, false
}

// SessionCreateRequest represents the payload for starting a session.
type SessionCreateRequest struct {
	FlowID   string                 `json:"flow_id"`
	UserID   string                 `json:"user_id,omitempty"`
	UserInfo map[string]interface{} `json:"user_info,omitempty"`
}

// Validate validates a SessionCreateRequest.
func (r *SessionCreateRequest) Validate() error {
	if r.FlowID == "" {
		return ErrEmptyFlowID
	}
	if src, ok := r.UserInfo["source"].(string); ok && len(src) > MaxSourceTagLength {
		return ErrSourceTagTooLong
	}
	return nil
}

// MessageCreateRequest represents the payload for recording a conversation step.
type MessageCreateRequest struct {
	Sender      MessageSender      `json:"sender"`
	Content     string             `json:"content"`
	ContentType MessageContentType `json:"content_type,omitempty"`
	NodeID      string             `json:"node_id,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// Validate validates a MessageCreateRequest.
func (r *MessageCreateRequest) Validate() error {
	if !IsValidSender(r.Sender) {
		return ErrInvalidSender
	}
	if r.Content == "" {
		return ErrEmptyContent
	}
	if len(r.Content) > MaxMessageContentLength {
		return ErrContentTooLong
	}
	if r.ContentType != "" && !IsValidContentType(r.ContentType) {
		return ErrInvalidContentType
	}
	return nil
}

// SessionEndRequest represents the payload for ending a session explicitly.
// Status defaults to completed when omitted.
type SessionEndRequest struct {
	Status SessionStatus `json:"status,omitempty"`
}

// Validate validates a SessionEndRequest.
func (r *SessionEndRequest) Validate() error {
	if r.Status == "" {
		return nil
	}
	if r.Status == SessionStatusActive || !IsValidSessionStatus(r.Status) {
		return ErrInvalidStatus
	}
	return nil
}

// NodeViewRequest represents the payload for marking a node as viewed.
type NodeViewRequest struct {
	NodeID string `json:"node_id"`
}

// Validate validates a NodeViewRequest.
func (r *NodeViewRequest) Validate() error {
	if r.NodeID == "" {
		return ErrEmptyNodeID
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Recorded creates a recorded API response with optional result data.
func Recorded(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusRecorded), Result: result}
}
