package workflow

import (
	"encoding/json"

	"github.com/vespid/control-plane/internal/apierr"
)

// dslShape is the structural subset validated at save time. Execution
// semantics belong to the workers; the control plane only rejects documents
// that cannot possibly be a workflow.
type dslShape struct {
	Nodes []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"nodes"`
	Edges []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"edges"`
}

// ValidateDSL checks the document is an object with a nodes array of
// {id, type} entries and that every edge references a known node id.
func ValidateDSL(raw json.RawMessage) error {
	if len(raw) == 0 {
		return apierr.Validation("dsl is required").WithDetails(map[string]any{"field": "dsl"})
	}
	var shape dslShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return apierr.Validation("dsl must be a JSON object").WithDetails(map[string]any{"field": "dsl"})
	}
	if len(shape.Nodes) == 0 {
		return apierr.Validation("dsl must declare at least one node").WithDetails(map[string]any{"field": "dsl.nodes"})
	}
	ids := make(map[string]bool, len(shape.Nodes))
	for i, n := range shape.Nodes {
		if n.ID == "" || n.Type == "" {
			return apierr.Validation("every dsl node needs an id and a type").WithDetails(map[string]any{"field": "dsl.nodes", "index": i})
		}
		if ids[n.ID] {
			return apierr.Validation("duplicate dsl node id: " + n.ID).WithDetails(map[string]any{"field": "dsl.nodes", "index": i})
		}
		ids[n.ID] = true
	}
	for i, e := range shape.Edges {
		if !ids[e.From] || !ids[e.To] {
			return apierr.Validation("dsl edge references an unknown node").WithDetails(map[string]any{"field": "dsl.edges", "index": i})
		}
	}
	return nil
}
