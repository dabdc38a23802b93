package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/payloads"
)

// disambiguationOutput is the disambiguation agent's contract: either the
// mappings (proceed) or the clarification questions (suspend).
type disambiguationOutput struct {
	FilterMapping      map[string][]filterTarget `json:"filter_mapping,omitempty"`
	AggregationMapping map[string]string         `json:"aggregation_mapping,omitempty"`

	Disambiguation []disambiguationQuestion `json:"disambiguation,omitempty"`
}

type filterTarget struct {
	Column      string `json:"column"`
	FilterValue string `json:"filter_value,omitempty"`
}

type disambiguationQuestion struct {
	Question             string   `json:"question"`
	MatchingColumns      []string `json:"matching_columns,omitempty"`
	MatchingFilterValues []string `json:"matching_filter_values,omitempty"`
	OtherUserChoices     []string `json:"other_user_choices,omitempty"`
}

// DisambiguationAgent decides whether the question maps cleanly onto the
// selected schemas or the caller must choose among alternatives.
type DisambiguationAgent struct {
	deps *Deps
}

// NewDisambiguationAgent builds the agent.
func NewDisambiguationAgent(deps *Deps) *DisambiguationAgent {
	return &DisambiguationAgent{deps: deps}
}

// ID returns the agent identity.
func (a *DisambiguationAgent) ID() ID { return IDDisambiguation }

// Run produces mappings or clarification questions. A caller reply from a
// resumed run is folded into the input so the agent can resolve with it.
func (a *DisambiguationAgent) Run(ctx context.Context, _ *Thread, state *State) (*Message, error) {
	system, err := a.deps.renderPrompt("disambiguation", state, nil)
	if err != nil {
		return nil, err
	}

	var input strings.Builder
	fmt.Fprintf(&input, "Question: %s\n\n", state.SubQuestion)

	input.WriteString("Available schemas:\n")
	for _, e := range state.Schemas {
		input.WriteString(e.PromptText())
		input.WriteString("\n")
	}

	if len(state.ColumnValues) > 0 {
		input.WriteString("Known column values:\n")
		for _, m := range state.ColumnValues {
			fmt.Fprintf(&input, "- %s.%s = %q\n", m.Entity, m.Column, m.Value)
		}
	}

	if state.DisambiguationReply != "" {
		fmt.Fprintf(&input, "\nThe user answered a previous clarification: %s\n", state.DisambiguationReply)
	}

	allowed := []string{}
	if a.deps.Config.Orchestrator.UseColumnValueStore {
		allowed = append(allowed, "get_column_values")
	}

	text, usage, err := toolLoop(ctx, a.deps.Provider, a.deps.Tools, system, input.String(), &llm.ResponseFormat{JSON: true}, allowed)
	if err != nil {
		return nil, fmt.Errorf("disambiguation: %w", err)
	}

	var out disambiguationOutput
	if err := decodeOutput(text, &out); err != nil {
		return nil, fmt.Errorf("disambiguation returned malformed JSON: %w", err)
	}

	if len(out.Disambiguation) > 0 && state.DisambiguationReply == "" {
		state.DisambiguationQuestions = nil
		for _, q := range out.Disambiguation {
			state.DisambiguationQuestions = append(state.DisambiguationQuestions, payloads.DisambiguationQuestion{
				Question:             q.Question,
				MatchingColumns:      q.MatchingColumns,
				MatchingFilterValues: q.MatchingFilterValues,
				OtherUserChoices:     q.OtherUserChoices,
			})
		}
	} else {
		// Either the mappings are clean or the caller already answered;
		// the sub-run can proceed to generation.
		state.DisambiguationQuestions = nil
		state.DisambiguationResolved = true
	}

	normalized, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &Message{Source: IDDisambiguation, Content: string(normalized), Usage: usage}, nil
}
