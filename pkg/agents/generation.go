package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/sqlvalidate"
)

// generationOutput is the SQL generation agent's contract.
type generationOutput struct {
	SQLQuery    string `json:"sql_query"`
	Explanation string `json:"explanation,omitempty"`
	Error       string `json:"error,omitempty"`
}

// maxGenerationFixes bounds local re-prompting on validator failures.
const maxGenerationFixes = 2

// SQLGenerationAgent produces exactly one SELECT statement per invocation.
type SQLGenerationAgent struct {
	deps *Deps
}

// NewSQLGenerationAgent builds the agent.
func NewSQLGenerationAgent(deps *Deps) *SQLGenerationAgent {
	return &SQLGenerationAgent{deps: deps}
}

// ID returns the agent identity.
func (a *SQLGenerationAgent) ID() ID { return IDGeneration }

// Run generates SQL from the selected schemas, validating the statement
// and re-prompting on parse failures before handing off to correction.
func (a *SQLGenerationAgent) Run(ctx context.Context, _ *Thread, state *State) (*Message, error) {
	system, err := a.deps.renderPrompt("generation", state, nil)
	if err != nil {
		return nil, err
	}

	input := a.buildInput(state)
	engine := a.deps.Config.Database.TargetEngine

	allowed := []string{"get_entity_schemas", "validate_sql"}
	if a.deps.Config.Orchestrator.UseColumnValueStore {
		allowed = append(allowed, "get_column_values")
	}

	var totalUsage llm.Usage
	var out generationOutput
	var lastErrors []string

	for attempt := 0; attempt <= maxGenerationFixes; attempt++ {
		prompt := input
		if attempt > 0 {
			prompt = fmt.Sprintf("%s\n\nYour previous statement failed validation: %s\nStatement:\n%s\nProduce a corrected statement.",
				input, strings.Join(lastErrors, "; "), out.SQLQuery)
		}

		text, usage, err := toolLoop(ctx, a.deps.Provider, a.deps.Tools, system, prompt, &llm.ResponseFormat{JSON: true}, allowed)
		totalUsage.PromptTokens += usage.PromptTokens
		totalUsage.CompletionTokens += usage.CompletionTokens
		if err != nil {
			return nil, fmt.Errorf("sql generation: %w", err)
		}

		if err := decodeOutput(text, &out); err != nil {
			return nil, fmt.Errorf("sql generation returned malformed JSON: %w", err)
		}
		if out.SQLQuery == "" {
			return nil, fmt.Errorf("sql generation produced no statement")
		}

		check := sqlvalidate.Validate(out.SQLQuery, engine)
		if check.OK {
			state.GeneratedSQL = out.SQLQuery
			state.Validated = false // execution still pending

			normalized, err := json.Marshal(out)
			if err != nil {
				return nil, err
			}
			return &Message{Source: IDGeneration, Content: string(normalized), Usage: totalUsage}, nil
		}
		lastErrors = check.Errors
	}

	// Persistent validation failure: emit the error object and let the
	// router hand control to correction.
	failure := generationOutput{
		SQLQuery: out.SQLQuery,
		Error:    fmt.Sprintf("statement failed validation after %d fixes: %s", maxGenerationFixes, strings.Join(lastErrors, "; ")),
	}
	state.GeneratedSQL = out.SQLQuery

	normalized, err := json.Marshal(failure)
	if err != nil {
		return nil, err
	}
	return &Message{Source: IDGeneration, Content: string(normalized), Usage: totalUsage}, nil
}

func (a *SQLGenerationAgent) buildInput(state *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", state.SubQuestion)

	if state.CacheHitSQL != "" && state.Rows == nil {
		fmt.Fprintf(&b, "A similar cached question used this SQL; adapt it if it fits:\n%s\n\n", state.CacheHitSQL)
	}

	b.WriteString("Schemas:\n")
	for _, e := range state.Schemas {
		b.WriteString(e.PromptText())
		b.WriteString("\n")
	}

	if len(state.ColumnValues) > 0 {
		b.WriteString("Canonical filter values:\n")
		for _, m := range state.ColumnValues {
			fmt.Fprintf(&b, "- %s.%s = %q\n", m.Entity, m.Column, m.Value)
		}
	}

	if state.DisambiguationReply != "" {
		fmt.Fprintf(&b, "\nUser clarification: %s\n", state.DisambiguationReply)
	}

	return b.String()
}
