// Package assistant loads flow definitions and normalizes their node flags
// for the session tracker.
//
// Flow builders emit qualification flags in two places: directly on the node
// object or nested under the node's data object. Normalization resolves both
// locations once at load time; when a flag appears in both, the direct
// attribute wins.
package assistant

import (
	"fmt"
	"log/slog"

	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/geoffroyotegbeye/leadflow/internal/store"
	"github.com/tidwall/gjson"
)

// Accessor provides read access to stored flow definitions.
type Accessor struct {
	store store.Store
}

// NewAccessor creates a flow accessor backed by the given store.
func NewAccessor(st store.Store) *Accessor {
	return &Accessor{store: st}
}

// GetFlow loads and normalizes the flow with the given id. Returns
// models.ErrFlowNotFound when no definition is stored under that id.
func (a *Accessor) GetFlow(flowID string) (*models.Flow, error) {
	definition, err := a.store.GetFlowDefinition(flowID)
	if err != nil {
		slog.Error("Accessor.GetFlow load failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}
	if definition == nil {
		slog.Debug("Accessor.GetFlow not found", "flowID", flowID)
		return nil, fmt.Errorf("flow %s: %w", flowID, models.ErrFlowNotFound)
	}
	flow, err := ParseFlow(flowID, definition)
	if err != nil {
		slog.Error("Accessor.GetFlow parse failed", "error", err, "flowID", flowID)
		return nil, err
	}
	return flow, nil
}

// SaveFlow validates and stores a raw flow definition document.
func (a *Accessor) SaveFlow(flowID string, definition []byte) error {
	if _, err := ParseFlow(flowID, definition); err != nil {
		return err
	}
	if err := a.store.SaveFlowDefinition(flowID, definition); err != nil {
		slog.Error("Accessor.SaveFlow store failed", "error", err, "flowID", flowID)
		return fmt.Errorf("failed to save flow %s: %w", flowID, err)
	}
	slog.Debug("Accessor.SaveFlow succeeded", "flowID", flowID)
	return nil
}

// ParseFlow parses a raw definition document into a normalized flow.
func ParseFlow(flowID string, definition []byte) (*models.Flow, error) {
	doc := gjson.ParseBytes(definition)
	if !doc.IsObject() {
		return nil, fmt.Errorf("flow %s: definition is not a JSON object: %w", flowID, models.ErrInvalidFlow)
	}

	flow := &models.Flow{
		ID:   flowID,
		Name: doc.Get("name").String(),
	}
	if flow.ID == "" {
		flow.ID = doc.Get("id").String()
	}

	var parseErr error
	doc.Get("nodes").ForEach(func(_, node gjson.Result) bool {
		id := node.Get("id").String()
		if id == "" {
			parseErr = fmt.Errorf("flow %s: node without id: %w", flowID, models.ErrInvalidFlow)
			return false
		}
		label := node.Get("label").String()
		if label == "" {
			label = node.Get("data.label").String()
		}
		flow.Nodes = append(flow.Nodes, models.FlowNode{
			ID:    id,
			Label: label,
			Flags: models.NodeFlags{
				PartialLead:  nodeFlag(node, "is_partial_lead"),
				CompleteLead: nodeFlag(node, "is_complete_lead"),
				FinalNode:    nodeFlag(node, "is_final_node"),
			},
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return flow, nil
}

// nodeFlag resolves a boolean flag from the node, preferring the direct
// attribute over the nested data object.
func nodeFlag(node gjson.Result, name string) bool {
	if direct := node.Get(name); direct.Exists() {
		return direct.Bool()
	}
	return node.Get("data." + name).Bool()
}
