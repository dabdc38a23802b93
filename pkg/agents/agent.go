// Package agents implements the specialized agents of the Text2SQL
// pipeline and the router that sequences them.
//
// Agents are tagged variants over one capability: Run consumes the thread
// and the sub-run state and returns exactly one message, which the caller
// appends to the thread. LLM-backed agents
// share the tool-call loop in loop.go; the cache agent is deterministic.
// The router is a pure function over the thread and state and performs no
// I/O, which keeps every transition unit-testable.
package agents

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/queryweave/queryweave/pkg/cache"
	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/payloads"
	"github.com/queryweave/queryweave/pkg/schema"
	"github.com/queryweave/queryweave/pkg/sqlexec"
	"github.com/queryweave/queryweave/pkg/values"
)

// ID names an agent in the pipeline.
type ID string

const (
	IDUser            ID = "user"
	IDQueryRewrite    ID = "query_rewrite"
	IDCache           ID = "cache"
	IDSchemaSelection ID = "schema_selection"
	IDDisambiguation  ID = "disambiguation"
	IDGeneration      ID = "generation"
	IDCorrection      ID = "correction"
	IDAnswer          ID = "answer"

	// IDTerminate and IDSuspend are router verdicts, not runnable agents.
	IDTerminate ID = "TERMINATE"
	IDSuspend   ID = "suspend"
)

// Message is one entry in an agent thread. Content is the agent's JSON
// output or plain text for user messages.
type Message struct {
	Source    ID        `json:"source"`
	Content   string    `json:"content"`
	Usage     llm.Usage `json:"usage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Thread is the append-only ordered message log of one run.
type Thread struct {
	Messages []Message `json:"messages"`
}

// Append adds a message stamped at now.
func (t *Thread) Append(source ID, content string, usage llm.Usage) {
	t.Messages = append(t.Messages, Message{
		Source:    source,
		Content:   content,
		Usage:     usage,
		Timestamp: time.Now().UTC(),
	})
}

// Last returns the most recent message, or nil for an empty thread.
func (t *Thread) Last() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

// Count returns the number of messages.
func (t *Thread) Count() int { return len(t.Messages) }

// ContainsTerminate reports whether any message mentions the literal
// TERMINATE token.
func (t *Thread) ContainsTerminate() bool {
	for _, m := range t.Messages {
		if strings.Contains(m.Content, "TERMINATE") {
			return true
		}
	}
	return false
}

// State is the mutable state of one sub-question run. It is owned by a
// single sub-run; nothing here is shared across goroutines.
type State struct {
	SubQuestion        string         `json:"sub_question"`
	InjectedParameters map[string]any `json:"injected_parameters,omitempty"`

	// Now is the run clock, captured once at run start.
	Now time.Time `json:"now"`

	UseQueryCache bool `json:"use_query_cache"`

	// CacheHit is set after the cache agent ran and matched.
	CacheHit    *cache.Hit `json:"-"`
	CacheHitSQL string     `json:"cache_hit_sql,omitempty"`
	CachePreRun bool       `json:"cache_pre_run,omitempty"`

	// Schemas are the entities selected for generation.
	Schemas      []*schema.Entity `json:"schemas,omitempty"`
	ColumnValues []values.Match   `json:"column_values,omitempty"`

	// Disambiguation state. Questions non-empty means the sub-run is
	// suspended awaiting the caller; Reply is set on resumption.
	DisambiguationQuestions []payloads.DisambiguationQuestion `json:"disambiguation_questions,omitempty"`
	DisambiguationReply     string                            `json:"disambiguation_reply,omitempty"`
	DisambiguationResolved  bool                              `json:"disambiguation_resolved,omitempty"`

	// Generation and correction state.
	GeneratedSQL       string `json:"generated_sql,omitempty"`
	Validated          bool   `json:"validated,omitempty"`
	CorrectionAttempts int    `json:"correction_attempts,omitempty"`

	// Final results of the sub-run.
	FinalSQL  string             `json:"final_sql,omitempty"`
	Rows      *sqlexec.ResultSet `json:"rows,omitempty"`
	RunError  string             `json:"run_error,omitempty"`
	Cancelled bool               `json:"cancelled,omitempty"`
}

// Agent is one pipeline stage.
type Agent interface {
	// ID returns the agent's identity in the thread.
	ID() ID

	// Run executes one turn: it may call the LLM and tools, mutates state,
	// and returns the message to append to the thread.
	Run(ctx context.Context, thread *Thread, state *State) (*Message, error)
}

// extractJSON pulls the first JSON object out of model text, tolerating
// markdown fences and prose around it.
func extractJSON(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)

	if idx := strings.Index(trimmed, "```"); idx != -1 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end != -1 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(trimmed, "{[")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				return trimmed[start : i+1], true
			}
		}
	}
	return "", false
}

// decodeOutput parses an agent's JSON output into a typed struct.
func decodeOutput(content string, into any) error {
	raw, ok := extractJSON(content)
	if !ok {
		return json.Unmarshal([]byte(content), into)
	}
	return json.Unmarshal([]byte(raw), into)
}
