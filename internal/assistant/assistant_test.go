package assistant

import (
	"errors"
	"testing"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/geoffroyotegbeye/leadflow/internal/store"
)

const sampleFlow = `{
	"id": "flow-1",
	"name": "Onboarding",
	"nodes": [
		{"id": "welcome", "label": "Welcome"},
		{"id": "ask-email", "data": {"label": "Email", "is_partial_lead": true}},
		{"id": "confirm", "is_complete_lead": true, "data": {"is_complete_lead": false}},
		{"id": "bye", "data": {"is_final_node": true}}
	]
}`

func TestGetFlowNormalizesFlags(t *testing.T) {
	st := store.NewInMemoryStore()
	a := NewAccessor(st)
	if err := a.SaveFlow("flow-1", []byte(sampleFlow)); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	flow, err := a.GetFlow("flow-1")
	if err != nil {
		t.Fatalf("GetFlow failed: %v", err)
	}
	if flow.Name != "Onboarding" {
		t.Errorf("expected name Onboarding, got %q", flow.Name)
	}
	if flow.TotalNodeCount() != 4 {
		t.Fatalf("expected 4 nodes, got %d", flow.TotalNodeCount())
	}

	welcome, ok := flow.Node("welcome")
	if !ok || welcome.Label != "Welcome" {
		t.Errorf("unexpected welcome node: %+v", welcome)
	}
	if welcome.Flags != (models.NodeFlags{}) {
		t.Errorf("expected no flags on welcome, got %+v", welcome.Flags)
	}

	// Flags and labels nested under data resolve.
	email, _ := flow.Node("ask-email")
	if email.Label != "Email" {
		t.Errorf("nested label not resolved: %q", email.Label)
	}
	if !email.Flags.PartialLead {
		t.Error("nested is_partial_lead not resolved")
	}

	// The direct attribute wins over the nested one.
	confirm, _ := flow.Node("confirm")
	if !confirm.Flags.CompleteLead {
		t.Error("direct is_complete_lead should win over nested false")
	}

	bye, _ := flow.Node("bye")
	if !bye.Flags.FinalNode {
		t.Error("nested is_final_node not resolved")
	}
}

func TestGetFlowNotFound(t *testing.T) {
	a := NewAccessor(store.NewInMemoryStore())
	_, err := a.GetFlow("missing")
	if !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
	if !models.IsNotFound(err) {
		t.Errorf("IsNotFound should report true for %v", err)
	}
}

func TestSaveFlowRejectsInvalidDefinitions(t *testing.T) {
	a := NewAccessor(store.NewInMemoryStore())

	if err := a.SaveFlow("bad", []byte(`[1, 2, 3]`)); err == nil {
		t.Error("expected error for non-object definition")
	}
	if err := a.SaveFlow("bad", []byte(`{"nodes": [{"label": "no id"}]}`)); err == nil {
		t.Error("expected error for node without id")
	}
}

func TestParseFlowUsesDefinitionID(t *testing.T) {
	flow, err := ParseFlow("", []byte(`{"id": "embedded", "nodes": []}`))
	if err != nil {
		t.Fatalf("ParseFlow failed: %v", err)
	}
	if flow.ID != "embedded" {
		t.Errorf("expected embedded id fallback, got %q", flow.ID)
	}
}
