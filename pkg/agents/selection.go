package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/schema"
	"github.com/queryweave/queryweave/pkg/values"
)

// selectionOutput is the schema selection agent's contract.
type selectionOutput struct {
	Entities     []*schema.Entity `json:"entities"`
	ColumnValues []values.Match   `json:"column_values,omitempty"`
}

// SchemaSelectionAgent retrieves the entity documents a sub-question
// needs, via the schema store tools. It never generates SQL.
type SchemaSelectionAgent struct {
	deps *Deps
}

// NewSchemaSelectionAgent builds the agent.
func NewSchemaSelectionAgent(deps *Deps) *SchemaSelectionAgent {
	return &SchemaSelectionAgent{deps: deps}
}

// ID returns the agent identity.
func (a *SchemaSelectionAgent) ID() ID { return IDSchemaSelection }

// Run lets the model search the schema store, then records the union of
// retrieved entities on the state. When the model's output cannot be
// decoded, the store is searched directly with the sub-question so a
// malformed turn degrades rather than fails.
func (a *SchemaSelectionAgent) Run(ctx context.Context, _ *Thread, state *State) (*Message, error) {
	system, err := a.deps.renderPrompt("schema_selection", state, nil)
	if err != nil {
		return nil, err
	}

	allowed := []string{"get_entity_schemas"}
	if a.deps.Config.Orchestrator.UseColumnValueStore {
		allowed = append(allowed, "get_column_values")
	}

	text, usage, err := toolLoop(ctx, a.deps.Provider, a.deps.Tools, system,
		fmt.Sprintf("Question: %s", state.SubQuestion), &llm.ResponseFormat{JSON: true}, allowed)
	if err != nil {
		return nil, fmt.Errorf("schema selection: %w", err)
	}

	var out selectionOutput
	if decodeErr := decodeOutput(text, &out); decodeErr != nil || len(out.Entities) == 0 {
		entities, searchErr := a.deps.SchemaStore.Search(ctx, state.SubQuestion, 3, nil)
		if searchErr != nil {
			if decodeErr != nil {
				return nil, fmt.Errorf("schema selection output unusable: %v; fallback search failed: %w", decodeErr, searchErr)
			}
			return nil, fmt.Errorf("schema selection found no entities: %w", searchErr)
		}
		out.Entities = entities
	}

	// Resolve the model's echo of each entity against the store so state
	// carries authoritative documents, not model reconstructions.
	resolved := make([]*schema.Entity, 0, len(out.Entities))
	seen := map[string]bool{}
	for _, e := range out.Entities {
		if e == nil || seen[e.FQN] {
			continue
		}
		seen[e.FQN] = true
		if stored, ok := a.deps.SchemaStore.Get(e.FQN); ok {
			resolved = append(resolved, stored)
		} else {
			resolved = append(resolved, e)
		}
	}

	state.Schemas = resolved
	state.ColumnValues = append(state.ColumnValues, out.ColumnValues...)

	normalized, err := json.Marshal(selectionOutput{Entities: resolved, ColumnValues: out.ColumnValues})
	if err != nil {
		return nil, err
	}
	return &Message{Source: IDSchemaSelection, Content: string(normalized), Usage: usage}, nil
}
