package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/payloads"
)

// RewriteOutput is the query rewrite agent's contract.
type RewriteOutput struct {
	DecomposedUserMessages [][]string `json:"decomposed_user_messages"`
	CombinationLogic       string     `json:"combination_logic"`
	AllNonDatabaseQuery    bool       `json:"all_non_database_query"`
	// Response carries the natural-language reply for non-database
	// messages.
	Response string `json:"response,omitempty"`
}

// QueryRewriteAgent resolves dates, filters topics, and decomposes the
// user message into rounds of independent sub-questions. It runs exactly
// once per run.
type QueryRewriteAgent struct {
	deps *Deps
	// history is the prior conversation supplied by the caller.
	history []payloads.Turn
}

// NewQueryRewriteAgent builds the agent with the caller's chat history.
func NewQueryRewriteAgent(deps *Deps, history []payloads.Turn) *QueryRewriteAgent {
	return &QueryRewriteAgent{deps: deps, history: history}
}

// ID returns the agent identity.
func (a *QueryRewriteAgent) ID() ID { return IDQueryRewrite }

// Run invokes the model once and appends the decomposition JSON.
func (a *QueryRewriteAgent) Run(ctx context.Context, thread *Thread, state *State) (*Message, error) {
	system, err := a.deps.renderPrompt("query_rewrite", state, nil)
	if err != nil {
		return nil, err
	}

	var input strings.Builder
	if len(a.history) > 0 {
		input.WriteString("Previous conversation:\n")
		for _, turn := range a.history {
			fmt.Fprintf(&input, "%s: %s\n", turn.Role, turn.Content)
		}
		input.WriteString("\n")
	}
	fmt.Fprintf(&input, "Current message: %s", state.SubQuestion)

	text, usage, err := toolLoop(ctx, a.deps.Provider, a.deps.Tools, system, input.String(), &llm.ResponseFormat{JSON: true}, nil)
	if err != nil {
		return nil, fmt.Errorf("query rewrite: %w", err)
	}

	var out RewriteOutput
	if err := decodeOutput(text, &out); err != nil {
		return nil, fmt.Errorf("query rewrite returned malformed JSON: %w", err)
	}

	normalized, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}

	return &Message{Source: IDQueryRewrite, Content: string(normalized), Usage: usage}, nil
}

// ParseRewriteOutput decodes a rewrite message back into its output type.
func ParseRewriteOutput(m *Message) (*RewriteOutput, error) {
	if m == nil || m.Source != IDQueryRewrite {
		return nil, fmt.Errorf("message is not a query rewrite output")
	}
	var out RewriteOutput
	if err := json.Unmarshal([]byte(m.Content), &out); err != nil {
		return nil, fmt.Errorf("decoding rewrite output: %w", err)
	}
	return &out, nil
}
