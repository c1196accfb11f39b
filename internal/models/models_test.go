package models

import (
	"strings"
	"testing"
)

func TestSessionCreateRequestValidate(t *testing.T) {
	req := SessionCreateRequest{FlowID: "flow-1"}
	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}

	req = SessionCreateRequest{}
	if err := req.Validate(); err != ErrEmptyFlowID {
		t.Errorf("expected ErrEmptyFlowID, got %v", err)
	}

	req = SessionCreateRequest{
		FlowID:   "flow-1",
		UserInfo: map[string]interface{}{"source": strings.Repeat("x", MaxSourceTagLength+1)},
	}
	if err := req.Validate(); err != ErrSourceTagTooLong {
		t.Errorf("expected ErrSourceTagTooLong, got %v", err)
	}
}

func TestMessageCreateRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  MessageCreateRequest
		want error
	}{
		{"valid", MessageCreateRequest{Sender: SenderUser, Content: "hi"}, nil},
		{"valid typed", MessageCreateRequest{Sender: SenderBot, Content: "hi", ContentType: ContentTypeQuickReply}, nil},
		{"bad sender", MessageCreateRequest{Sender: "nobody", Content: "hi"}, ErrInvalidSender},
		{"empty content", MessageCreateRequest{Sender: SenderUser}, ErrEmptyContent},
		{"content too long", MessageCreateRequest{Sender: SenderUser, Content: strings.Repeat("a", MaxMessageContentLength+1)}, ErrContentTooLong},
		{"bad content type", MessageCreateRequest{Sender: SenderUser, Content: "hi", ContentType: "sticker"}, ErrInvalidContentType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.req.Validate(); err != tc.want {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSessionEndRequestValidate(t *testing.T) {
	if err := (&SessionEndRequest{}).Validate(); err != nil {
		t.Errorf("empty status should default, got %v", err)
	}
	if err := (&SessionEndRequest{Status: SessionStatusAbandoned}).Validate(); err != nil {
		t.Errorf("abandoned should validate, got %v", err)
	}
	if err := (&SessionEndRequest{Status: SessionStatusActive}).Validate(); err != ErrInvalidStatus {
		t.Errorf("active end should be rejected, got %v", err)
	}
	if err := (&SessionEndRequest{Status: "paused"}).Validate(); err != ErrInvalidStatus {
		t.Errorf("unknown status should be rejected, got %v", err)
	}
}

func TestLeadStatusRank(t *testing.T) {
	if !(LeadStatusNone.Rank() < LeadStatusPartial.Rank() && LeadStatusPartial.Rank() < LeadStatusComplete.Rank()) {
		t.Error("lead status ranks must order none < partial < complete")
	}
	if LeadStatusNone.IsLead() {
		t.Error("none is not a lead")
	}
	if !LeadStatusPartial.IsLead() || !LeadStatusComplete.IsLead() {
		t.Error("partial and complete are leads")
	}
}

func TestSessionStatusIsTerminal(t *testing.T) {
	if SessionStatusActive.IsTerminal() {
		t.Error("active is not terminal")
	}
	if !SessionStatusCompleted.IsTerminal() || !SessionStatusAbandoned.IsTerminal() {
		t.Error("completed and abandoned are terminal")
	}
}

func TestSessionSource(t *testing.T) {
	s := Session{UserInfo: map[string]interface{}{"source": "newsletter"}}
	if s.Source() != "newsletter" {
		t.Errorf("expected newsletter, got %q", s.Source())
	}
	s = Session{UserInfo: map[string]interface{}{"source": 42}}
	if s.Source() != "" {
		t.Errorf("non-string source should read empty, got %q", s.Source())
	}
	s = Session{}
	if s.Source() != "" {
		t.Errorf("missing user info should read empty, got %q", s.Source())
	}
}
