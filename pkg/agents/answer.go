package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/payloads"
)

// answerOutput is the answer agent's model-side contract. The sources in
// the final payload are assembled deterministically from the sub-run
// states; the model only writes the narrative and suggestions.
type answerOutput struct {
	Answer              string   `json:"answer"`
	FollowUpSuggestions []string `json:"follow_up_suggestions,omitempty"`
}

// SubResult is one completed sub-question handed to the answer agent, in
// round+index order.
type SubResult struct {
	Question string
	SQL      string
	Markdown string
	Rows     []payloads.SQLRow
	Err      string
}

// AnswerAgent composes the final natural-language answer from the
// executed sub-question results.
type AnswerAgent struct {
	deps *Deps
}

// NewAnswerAgent builds the agent.
func NewAnswerAgent(deps *Deps) *AnswerAgent {
	return &AnswerAgent{deps: deps}
}

// ID returns the agent identity.
func (a *AnswerAgent) ID() ID { return IDAnswer }

// Run is unused for the answer agent; the orchestrator calls Compose with
// the ordered sub-results. It exists to satisfy the Agent interface for
// registry purposes.
func (a *AnswerAgent) Run(ctx context.Context, _ *Thread, state *State) (*Message, error) {
	result, err := a.Compose(ctx, state.SubQuestion, "", []SubResult{{
		Question: state.SubQuestion,
		SQL:      state.FinalSQL,
		Err:      state.RunError,
	}})
	if err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{Source: IDAnswer, Content: string(normalized)}, nil
}

// Compose invokes the model with the combination logic and ordered
// sub-results and returns the terminal payload.
func (a *AnswerAgent) Compose(ctx context.Context, userMessage, combinationLogic string, results []SubResult) (*payloads.AnswerWithSources, error) {
	state := &State{SubQuestion: userMessage}
	system, err := a.deps.renderPrompt("answer", state, nil)
	if err != nil {
		return nil, err
	}

	var input strings.Builder
	fmt.Fprintf(&input, "User question: %s\n", userMessage)
	if combinationLogic != "" {
		fmt.Fprintf(&input, "Combination logic: %s\n", combinationLogic)
	}
	input.WriteString("\nSub-question results:\n")
	for i, r := range results {
		fmt.Fprintf(&input, "%d. %s\n", i+1, r.Question)
		if r.Err != "" {
			fmt.Fprintf(&input, "   FAILED: %s\n", r.Err)
			continue
		}
		fmt.Fprintf(&input, "   SQL: %s\n", r.SQL)
		fmt.Fprintf(&input, "   Rows:\n%s\n", indent(r.Markdown, "   "))
	}

	text, usage, err := toolLoop(ctx, a.deps.Provider, a.deps.Tools, system, input.String(), &llm.ResponseFormat{JSON: true}, nil)
	if err != nil {
		return nil, fmt.Errorf("answer composition: %w", err)
	}

	var out answerOutput
	if err := decodeOutput(text, &out); err != nil {
		return nil, fmt.Errorf("answer agent returned malformed JSON: %w", err)
	}
	if strings.TrimSpace(out.Answer) == "" {
		return nil, fmt.Errorf("answer agent produced an empty answer")
	}

	payload := payloads.NewAnswerWithSources(out.Answer, buildSources(results))
	payload.PromptTokens = usage.PromptTokens
	payload.CompletionTokens = usage.CompletionTokens
	if a.deps.Config.Orchestrator.GenerateFollowUpSuggestions {
		payload.FollowUpSuggestions = out.FollowUpSuggestions
	}
	return payload, nil
}

// buildSources assembles the per-sub-question sources deterministically;
// failed sub-runs appear with error populated.
func buildSources(results []SubResult) []payloads.AnswerSource {
	sources := make([]payloads.AnswerSource, 0, len(results))
	for _, r := range results {
		sources = append(sources, payloads.AnswerSource{
			SQLQuery:      r.SQL,
			SQLRows:       r.Rows,
			MarkdownTable: r.Markdown,
			Error:         r.Err,
		})
	}
	return sources
}

func indent(s, prefix string) string {
	if s == "" {
		return prefix + "(no rows)"
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}
