package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/queryweave/queryweave/pkg/agents"
	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/payloads"
	"github.com/queryweave/queryweave/pkg/prompt"
	"github.com/queryweave/queryweave/pkg/schema"
	"github.com/queryweave/queryweave/pkg/sqlexec"
	"github.com/queryweave/queryweave/pkg/state"
	"github.com/queryweave/queryweave/pkg/tools"
)

// scriptedProvider answers by matching fragments of the system prompt, so
// each agent gets its scripted output without a live model.
type scriptedProvider struct {
	responses map[string]string // system prompt fragment -> response text
}

func (p *scriptedProvider) Generate(_ context.Context, messages []llm.Message, _ []llm.ToolDefinition, _ *llm.ResponseFormat) (*llm.Response, error) {
	system := ""
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			break
		}
	}

	for fragment, response := range p.responses {
		if strings.Contains(system, fragment) {
			return &llm.Response{Text: response, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
		}
	}
	return &llm.Response{Text: `{"error": "no scripted response"}`}, nil
}

func (p *scriptedProvider) GenerateStreaming(context.Context, []llm.Message, []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

type fakeExecutor struct {
	result *sqlexec.ResultSet
	calls  []string
}

func (f *fakeExecutor) Execute(_ context.Context, query string, _ int) (*sqlexec.ResultSet, error) {
	f.calls = append(f.calls, query)
	return f.result, nil
}

const orderEntityJSON = `{"FQN":"db.sales.orders","Database":"db","Schema":"sales","Entity":"orders","EntityName":"Orders","Columns":[{"Name":"OrderDate","DataType":"datetime"},{"Name":"TotalDue","DataType":"money"}]}`

func defaultResponses() map[string]string {
	return map[string]string{
		// query rewrite
		"You rewrite user questions": `{"decomposed_user_messages":[["How many orders did we have in 2008?"]],"combination_logic":"single answer","all_non_database_query":false}`,
		// schema selection
		"find the database entities": `{"entities":[` + orderEntityJSON + `]}`,
		// disambiguation: clean mappings
		"map the terms": `{"filter_mapping":{"2008":[{"column":"orders.OrderDate"}]},"aggregation_mapping":{"count":"orders.OrderID"}}`,
		// generation
		"You write SQL": `{"sql_query":"SELECT COUNT(*) AS c FROM sales.orders WHERE strftime('%Y', OrderDate) = '2008'","explanation":"counts orders"}`,
		// answer
		"final answer": `{"answer":"There were 42 orders in 2008."}`,
	}
}

func newTestOrchestrator(t *testing.T, responses map[string]string, states state.Store) (*Orchestrator, *fakeExecutor) {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.LLMs["default"].APIKey = "test"
	cfg.Database.TargetEngine = config.EngineSQLite
	cfg.Database.Path = "unused.db"
	cfg.Orchestrator.UseQueryCache = false

	store, err := schema.NewStore(nil, nil, nil)
	if err != nil {
		t.Fatalf("schema.NewStore() error = %v", err)
	}

	exec := &fakeExecutor{result: &sqlexec.ResultSet{
		Columns: []string{"c"},
		Rows:    [][]any{{int64(42)}},
	}}

	deps := &agents.Deps{
		Provider:    &scriptedProvider{responses: responses},
		Tools:       tools.NewRegistry(time.Second),
		Prompts:     prompt.NewLoader("", nil),
		Config:      cfg,
		SchemaStore: store,
		Executor:    exec,
	}

	return New(deps, states, nil), exec
}

func collect(t *testing.T, ch <-chan payloads.Payload) []payloads.Payload {
	t.Helper()
	var out []payloads.Payload
	for p := range ch {
		out = append(out, p)
	}
	if len(out) == 0 {
		t.Fatal("no payloads emitted")
	}
	return out
}

func terminal(t *testing.T, all []payloads.Payload) payloads.Payload {
	t.Helper()
	last := all[len(all)-1]
	if !last.Terminal() {
		t.Fatalf("final payload %T is not terminal", last)
	}
	for _, p := range all[:len(all)-1] {
		if p.Terminal() {
			t.Fatalf("terminal payload %T emitted before the end", p)
		}
	}
	return last
}

func TestOrchestrator_SimpleAggregate(t *testing.T) {
	o, exec := newTestOrchestrator(t, defaultResponses(), state.NewMemoryStore(time.Minute))

	q := payloads.NewQuestion("How many orders did we have in 2008?", nil, nil)
	all := collect(t, o.ProcessUserMessage(context.Background(), "t1", q))

	answer, ok := terminal(t, all).(*payloads.AnswerWithSources)
	if !ok {
		t.Fatalf("terminal payload = %T, want AnswerWithSources", terminal(t, all))
	}

	if !strings.Contains(answer.Answer, "42") {
		t.Errorf("Answer = %q, want the count", answer.Answer)
	}
	if len(answer.Sources) != 1 {
		t.Fatalf("got %d sources, want 1", len(answer.Sources))
	}
	src := answer.Sources[0]
	if !strings.Contains(src.SQLQuery, "COUNT(*)") {
		t.Errorf("source SQL = %q", src.SQLQuery)
	}
	if len(exec.calls) != 1 || exec.calls[0] != src.SQLQuery {
		t.Errorf("executed %v, source claims %q", exec.calls, src.SQLQuery)
	}
	if len(src.SQLRows) != 1 {
		t.Errorf("source rows = %v", src.SQLRows)
	}
}

func TestOrchestrator_NonDatabaseShortCircuit(t *testing.T) {
	responses := defaultResponses()
	responses["You rewrite user questions"] = `{"decomposed_user_messages":[],"combination_logic":"","all_non_database_query":true,"response":"I answer database questions only."}`

	o, exec := newTestOrchestrator(t, responses, state.NewMemoryStore(time.Minute))

	q := payloads.NewQuestion("hello there", nil, nil)
	all := collect(t, o.ProcessUserMessage(context.Background(), "t2", q))

	answer, ok := terminal(t, all).(*payloads.AnswerWithSources)
	if !ok {
		t.Fatalf("terminal payload = %T", terminal(t, all))
	}
	if len(answer.Sources) != 0 {
		t.Errorf("short circuit produced sources: %v", answer.Sources)
	}
	if len(exec.calls) != 0 {
		t.Errorf("short circuit executed SQL: %v", exec.calls)
	}
}

func TestOrchestrator_ParallelDecomposition(t *testing.T) {
	responses := defaultResponses()
	responses["You rewrite user questions"] = `{"decomposed_user_messages":[["What is the total revenue for 2024?","How many employees are in marketing?"]],"combination_logic":"two independent answers","all_non_database_query":false}`

	o, exec := newTestOrchestrator(t, responses, state.NewMemoryStore(time.Minute))

	q := payloads.NewQuestion("What is the total revenue for 2024? How many employees are in marketing?", nil, nil)
	all := collect(t, o.ProcessUserMessage(context.Background(), "t3", q))

	answer, ok := terminal(t, all).(*payloads.AnswerWithSources)
	if !ok {
		t.Fatalf("terminal payload = %T", terminal(t, all))
	}
	if len(answer.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(answer.Sources))
	}
	if len(exec.calls) != 2 {
		t.Errorf("executed %d statements, want 2", len(exec.calls))
	}
}

func TestOrchestrator_DisambiguationSuspendAndResume(t *testing.T) {
	responses := defaultResponses()
	responses["map the terms"] = `{"disambiguation":[{"question":"Which region did you mean?","matching_columns":["orders.ShipRegion","orders.BillRegion"]}]}`

	states := state.NewMemoryStore(time.Minute)
	o, _ := newTestOrchestrator(t, responses, states)

	q := payloads.NewQuestion("Show me sales by region", nil, nil)
	all := collect(t, o.ProcessUserMessage(context.Background(), "t4", q))

	disamb, ok := terminal(t, all).(*payloads.DisambiguationRequest)
	if !ok {
		t.Fatalf("terminal payload = %T, want DisambiguationRequest", terminal(t, all))
	}
	if len(disamb.Requests) != 1 || len(disamb.Requests[0].MatchingColumns) != 2 {
		t.Fatalf("Requests = %+v", disamb.Requests)
	}

	// State must be persisted for the thread.
	snap, err := states.Load(context.Background(), "t4")
	if err != nil || snap == nil {
		t.Fatalf("expected persisted snapshot, got %v, %v", snap, err)
	}

	// Resume with the user's choice; the run must complete without
	// re-running the rewrite (the scripted rewrite would decompose into
	// the original question, which would be visible as a changed
	// sub-question).
	reply := payloads.NewQuestion("ShipRegion", nil, nil)
	all = collect(t, o.ProcessUserMessage(context.Background(), "t4", reply))

	answer, ok := terminal(t, all).(*payloads.AnswerWithSources)
	if !ok {
		t.Fatalf("terminal payload after resume = %T", terminal(t, all))
	}
	if len(answer.Sources) != 1 {
		t.Fatalf("got %d sources after resume", len(answer.Sources))
	}

	// The thread must be cleared after the final answer.
	snap, err = states.Load(context.Background(), "t4")
	if err != nil || snap != nil {
		t.Errorf("snapshot not cleared after completion: %v, %v", snap, err)
	}
}

func TestOrchestrator_EmptyMessageRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, defaultResponses(), nil)

	q := payloads.NewQuestion("", nil, nil)
	all := collect(t, o.ProcessUserMessage(context.Background(), "t5", q))

	errPayload, ok := terminal(t, all).(*payloads.Error)
	if !ok {
		t.Fatalf("terminal payload = %T, want Error", terminal(t, all))
	}
	if errPayload.Code != "input_rejected" {
		t.Errorf("Code = %q", errPayload.Code)
	}
}
