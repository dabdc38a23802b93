package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/queryweave/queryweave/pkg/llm"
)

// correctionOutput is the SQL correction agent's contract. Exactly one of
// the three shapes is populated per turn.
type correctionOutput struct {
	// Success: the statement executed and its rows stand.
	Validated bool   `json:"validated,omitempty"`
	SQLQuery  string `json:"sql_query,omitempty"`
	RowCount  int    `json:"row_count,omitempty"`

	// Retry: the statement was edited and will execute again.
	CorrectedQuery string   `json:"corrected_query,omitempty"`
	OriginalQuery  string   `json:"original_query,omitempty"`
	Changes        []string `json:"changes,omitempty"`
	Executing      bool     `json:"executing,omitempty"`

	// Failure: the statement cannot be repaired.
	Error                string   `json:"error,omitempty"`
	Details              string   `json:"details,omitempty"`
	AttemptedConversions []string `json:"attempted_conversions,omitempty"`
}

// SQLCorrectionAgent executes the generated statement and repairs dialect
// or runtime errors. Execution is deterministic; the model is consulted
// only when the engine rejects the statement.
type SQLCorrectionAgent struct {
	deps *Deps
}

// NewSQLCorrectionAgent builds the agent.
func NewSQLCorrectionAgent(deps *Deps) *SQLCorrectionAgent {
	return &SQLCorrectionAgent{deps: deps}
}

// ID returns the agent identity.
func (a *SQLCorrectionAgent) ID() ID { return IDCorrection }

// Run executes state.GeneratedSQL. On success it finalizes the sub-run's
// SQL and rows. On an engine error it asks the model for a corrected
// statement and reports executing=true so the router loops back here,
// bounded by max_correction_attempts.
func (a *SQLCorrectionAgent) Run(ctx context.Context, _ *Thread, state *State) (*Message, error) {
	if state.GeneratedSQL == "" {
		return a.failure(state, "no SQL to execute", "generation produced no statement", nil)
	}

	maxAttempts := a.deps.Config.Orchestrator.MaxCorrectionAttempts
	if state.CorrectionAttempts >= maxAttempts {
		return a.failure(state,
			fmt.Sprintf("exceeded %d correction attempts", maxAttempts),
			"the statement kept failing after repeated repairs", nil)
	}
	state.CorrectionAttempts++

	rowLimit := a.deps.Config.Database.EffectiveRowLimit()
	result, execErr := a.deps.Executor.Execute(ctx, state.GeneratedSQL, rowLimit)
	if execErr == nil {
		state.Validated = true
		state.FinalSQL = state.GeneratedSQL
		state.Rows = result

		out := correctionOutput{
			Validated: true,
			SQLQuery:  state.FinalSQL,
			RowCount:  len(result.Rows),
		}
		normalized, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return &Message{Source: IDCorrection, Content: string(normalized)}, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Last attempt already burned; do not ask for another edit.
	if state.CorrectionAttempts >= maxAttempts {
		return a.failure(state,
			"statement failed on final attempt",
			execErr.Error(), nil)
	}

	corrected, usage, err := a.requestCorrection(ctx, state, execErr)
	if err != nil {
		return nil, err
	}

	if corrected.Error != "" {
		// The model itself gave up.
		return a.failure(state, corrected.Error, corrected.Details, corrected.AttemptedConversions)
	}
	if corrected.CorrectedQuery == "" {
		return a.failure(state, "no corrected statement produced", execErr.Error(), nil)
	}

	out := correctionOutput{
		CorrectedQuery: corrected.CorrectedQuery,
		OriginalQuery:  state.GeneratedSQL,
		Changes:        corrected.Changes,
		Executing:      true,
	}
	state.GeneratedSQL = corrected.CorrectedQuery

	normalized, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &Message{Source: IDCorrection, Content: string(normalized), Usage: usage}, nil
}

func (a *SQLCorrectionAgent) requestCorrection(ctx context.Context, state *State, execErr error) (*correctionOutput, llm.Usage, error) {
	system, err := a.deps.renderPrompt("correction", state, nil)
	if err != nil {
		return nil, llm.Usage{}, err
	}

	input := fmt.Sprintf("Question: %s\n\nStatement:\n%s\n\nExecution error:\n%s",
		state.SubQuestion, state.GeneratedSQL, execErr.Error())

	text, usage, err := toolLoop(ctx, a.deps.Provider, a.deps.Tools, system, input, &llm.ResponseFormat{JSON: true}, nil)
	if err != nil {
		return nil, usage, fmt.Errorf("sql correction: %w", err)
	}

	var out correctionOutput
	if err := decodeOutput(text, &out); err != nil {
		return nil, usage, fmt.Errorf("sql correction returned malformed JSON: %w", err)
	}
	return &out, usage, nil
}

func (a *SQLCorrectionAgent) failure(state *State, errMsg, details string, conversions []string) (*Message, error) {
	state.RunError = errMsg
	state.Validated = false

	out := correctionOutput{
		Error:                errMsg,
		Details:              details,
		AttemptedConversions: conversions,
	}
	normalized, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &Message{Source: IDCorrection, Content: string(normalized)}, nil
}
