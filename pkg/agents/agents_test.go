package agents

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/prompt"
	"github.com/queryweave/queryweave/pkg/schema"
	"github.com/queryweave/queryweave/pkg/sqlexec"
	"github.com/queryweave/queryweave/pkg/tools"
)

// queueProvider returns scripted responses in order.
type queueProvider struct {
	responses []string
	calls     int
}

func (p *queueProvider) Generate(context.Context, []llm.Message, []llm.ToolDefinition, *llm.ResponseFormat) (*llm.Response, error) {
	if p.calls >= len(p.responses) {
		return nil, errors.New("queueProvider exhausted")
	}
	text := p.responses[p.calls]
	p.calls++
	return &llm.Response{Text: text, Usage: llm.Usage{PromptTokens: 5, CompletionTokens: 5}}, nil
}

func (p *queueProvider) GenerateStreaming(context.Context, []llm.Message, []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *queueProvider) ModelName() string { return "queue" }
func (p *queueProvider) Close() error      { return nil }

type seqExecutor struct {
	errs   []error
	result *sqlexec.ResultSet
	calls  int
}

func (e *seqExecutor) Execute(_ context.Context, _ string, _ int) (*sqlexec.ResultSet, error) {
	defer func() { e.calls++ }()
	if e.calls < len(e.errs) && e.errs[e.calls] != nil {
		return nil, e.errs[e.calls]
	}
	return e.result, nil
}

func testDeps(t *testing.T, provider llm.Provider, exec Executor) *Deps {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.LLMs["default"].APIKey = "test"
	cfg.Database.TargetEngine = config.EngineSQLite
	cfg.Database.Path = "unused.db"

	store, err := schema.NewStore(nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &Deps{
		Provider:    provider,
		Tools:       tools.NewRegistry(time.Second),
		Prompts:     prompt.NewLoader("", nil),
		Config:      cfg,
		SchemaStore: store,
		Executor:    exec,
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose around", `Sure: {"a":{"b":2}} done`, `{"a":{"b":2}}`, true},
		{"brace in string", `{"sql":"SELECT '}' AS x"}`, `{"sql":"SELECT '}' AS x"}`, true},
		{"no json", "no objects here", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractJSON(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("extractJSON(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCorrectionAgent_SucceedsFirstTry(t *testing.T) {
	exec := &seqExecutor{result: &sqlexec.ResultSet{Columns: []string{"c"}, Rows: [][]any{{int64(1)}}}}
	deps := testDeps(t, &queueProvider{}, exec)
	agent := NewSQLCorrectionAgent(deps)

	state := &State{SubQuestion: "q", GeneratedSQL: "SELECT 1 AS c", Now: time.Now()}
	msg, err := agent.Run(context.Background(), &Thread{}, state)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !state.Validated {
		t.Error("Validated = false after clean execution")
	}
	if state.FinalSQL != "SELECT 1 AS c" {
		t.Errorf("FinalSQL = %q", state.FinalSQL)
	}
	if state.Rows == nil || len(state.Rows.Rows) != 1 {
		t.Errorf("Rows = %+v", state.Rows)
	}
	if msg.Source != IDCorrection {
		t.Errorf("Source = %s", msg.Source)
	}
}

func TestCorrectionAgent_RepairsThenSucceeds(t *testing.T) {
	exec := &seqExecutor{
		errs:   []error{fmt.Errorf("near LIMIT: syntax error")},
		result: &sqlexec.ResultSet{Columns: []string{"c"}, Rows: [][]any{{int64(1)}}},
	}
	provider := &queueProvider{responses: []string{
		`{"corrected_query":"SELECT TOP 1 c FROM t","changes":["LIMIT to TOP"]}`,
	}}
	deps := testDeps(t, provider, exec)
	agent := NewSQLCorrectionAgent(deps)

	state := &State{SubQuestion: "q", GeneratedSQL: "SELECT c FROM t LIMIT 1", Now: time.Now()}
	thread := &Thread{}

	// First turn: execution fails, the model supplies a correction.
	msg, err := agent.Run(context.Background(), thread, state)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.Validated {
		t.Fatal("validated after failed execution")
	}
	if state.GeneratedSQL != "SELECT TOP 1 c FROM t" {
		t.Errorf("GeneratedSQL = %q", state.GeneratedSQL)
	}
	thread.Append(msg.Source, msg.Content, msg.Usage)

	// Router loops back to correction for the edited statement.
	if got := SelectNextAgent(thread, state, RouterConfig{}); got != IDCorrection {
		t.Fatalf("router after executing correction = %s", got)
	}

	// Second turn: the corrected statement runs.
	if _, err := agent.Run(context.Background(), thread, state); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !state.Validated {
		t.Error("Validated = false after repair")
	}
	if state.CorrectionAttempts != 2 {
		t.Errorf("CorrectionAttempts = %d, want 2", state.CorrectionAttempts)
	}
}

func TestCorrectionAgent_GivesUpAfterMaxAttempts(t *testing.T) {
	failing := fmt.Errorf("permanent engine error")
	exec := &seqExecutor{errs: []error{failing, failing, failing, failing, failing, failing}}
	provider := &queueProvider{responses: []string{
		`{"corrected_query":"SELECT 1"}`,
		`{"corrected_query":"SELECT 2"}`,
		`{"corrected_query":"SELECT 3"}`,
		`{"corrected_query":"SELECT 4"}`,
	}}
	deps := testDeps(t, provider, exec)
	deps.Config.Orchestrator.MaxCorrectionAttempts = 3
	agent := NewSQLCorrectionAgent(deps)

	state := &State{SubQuestion: "q", GeneratedSQL: "SELECT 0", Now: time.Now()}
	thread := &Thread{}

	for i := 0; i < 5 && state.RunError == ""; i++ {
		msg, err := agent.Run(context.Background(), thread, state)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		thread.Append(msg.Source, msg.Content, msg.Usage)
	}

	if state.RunError == "" {
		t.Fatal("expected RunError after exhausting correction attempts")
	}
	if state.CorrectionAttempts > 3 {
		t.Errorf("CorrectionAttempts = %d, exceeded max", state.CorrectionAttempts)
	}
}

func TestGenerationAgent_RetriesOnInvalidSQL(t *testing.T) {
	provider := &queueProvider{responses: []string{
		`{"sql_query":"DROP TABLE orders"}`,
		`{"sql_query":"SELECT COUNT(*) FROM orders"}`,
	}}
	deps := testDeps(t, provider, nil)
	agent := NewSQLGenerationAgent(deps)

	state := &State{SubQuestion: "how many orders?", Now: time.Now()}
	msg, err := agent.Run(context.Background(), &Thread{}, state)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if state.GeneratedSQL != "SELECT COUNT(*) FROM orders" {
		t.Errorf("GeneratedSQL = %q", state.GeneratedSQL)
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
	if msg.Source != IDGeneration {
		t.Errorf("Source = %s", msg.Source)
	}
}

func TestDisambiguationAgent_QuestionsSuspend(t *testing.T) {
	provider := &queueProvider{responses: []string{
		`{"disambiguation":[{"question":"Which region column?","matching_columns":["a.ShipRegion","a.BillRegion"]}]}`,
	}}
	deps := testDeps(t, provider, nil)
	agent := NewDisambiguationAgent(deps)

	state := &State{SubQuestion: "sales by region", Now: time.Now()}
	if _, err := agent.Run(context.Background(), &Thread{}, state); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(state.DisambiguationQuestions) != 1 {
		t.Fatalf("DisambiguationQuestions = %+v", state.DisambiguationQuestions)
	}
	if state.DisambiguationResolved {
		t.Error("resolved flag set while questions pending")
	}
}

func TestDisambiguationAgent_ReplyResolves(t *testing.T) {
	provider := &queueProvider{responses: []string{
		`{"filter_mapping":{"region":[{"column":"a.ShipRegion"}]}}`,
	}}
	deps := testDeps(t, provider, nil)
	agent := NewDisambiguationAgent(deps)

	state := &State{SubQuestion: "sales by region", DisambiguationReply: "ShipRegion", Now: time.Now()}
	if _, err := agent.Run(context.Background(), &Thread{}, state); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !state.DisambiguationResolved {
		t.Error("reply did not resolve disambiguation")
	}
	if len(state.DisambiguationQuestions) != 0 {
		t.Errorf("questions remain: %+v", state.DisambiguationQuestions)
	}
}

func TestCacheAgent_NoCacheConfigured(t *testing.T) {
	deps := testDeps(t, &queueProvider{}, nil)
	agent := NewCacheAgent(deps)

	state := &State{SubQuestion: "q", Now: time.Now()}
	msg, err := agent.Run(context.Background(), &Thread{}, state)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.CacheHit != nil {
		t.Error("cache hit without a cache")
	}
	if msg.Source != IDCache {
		t.Errorf("Source = %s", msg.Source)
	}
}

func TestThread_ContainsTerminate(t *testing.T) {
	th := &Thread{}
	th.Append(IDGeneration, "all done TERMINATE", llm.Usage{})
	if !th.ContainsTerminate() {
		t.Error("ContainsTerminate() = false")
	}
}
