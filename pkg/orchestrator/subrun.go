package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/queryweave/queryweave/pkg/agents"
	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/observability"
	"github.com/queryweave/queryweave/pkg/payloads"
	"github.com/queryweave/queryweave/pkg/state"
	"github.com/queryweave/queryweave/pkg/tools"
)

// subRun is one sub-question's cooperative task: its own agent thread, its
// own state, no memory shared with siblings.
type subRun struct {
	deps   *agents.Deps
	round  int
	index  int
	thread *agents.Thread
	state  *agents.State
	done   bool

	agentSet map[agents.ID]agents.Agent
}

func newSubRun(deps *agents.Deps, round, index int, question string, params map[string]any, now time.Time) *subRun {
	sr := &subRun{
		deps:   deps,
		round:  round,
		index:  index,
		thread: &agents.Thread{},
		state: &agents.State{
			SubQuestion:        question,
			InjectedParameters: params,
			Now:                now,
			UseQueryCache:      deps.Config.Orchestrator.UseQueryCache,
		},
	}
	sr.thread.Append(agents.IDUser, question, llm.Usage{})
	sr.buildAgents()
	return sr
}

// restoreSubRun rebuilds a sub-run from its snapshot.
func restoreSubRun(deps *agents.Deps, saved state.SubRunSnapshot) *subRun {
	thread := saved.Thread
	return &subRun{
		deps:   deps,
		round:  saved.Round,
		index:  saved.Index,
		thread: &thread,
		state:  saved.State,
		done:   saved.Done,
	}
}

func (sr *subRun) buildAgents() {
	sr.agentSet = map[agents.ID]agents.Agent{
		agents.IDCache:           agents.NewCacheAgent(sr.deps),
		agents.IDSchemaSelection: agents.NewSchemaSelectionAgent(sr.deps),
		agents.IDDisambiguation:  agents.NewDisambiguationAgent(sr.deps),
		agents.IDGeneration:      agents.NewSQLGenerationAgent(sr.deps),
		agents.IDCorrection:      agents.NewSQLCorrectionAgent(sr.deps),
	}
}

// attachPriorResults feeds earlier rounds' answers into this sub-run's
// question text, realizing cross-round dependencies without shared state.
func (sr *subRun) attachPriorResults(prior []agents.SubResult) {
	if len(prior) == 0 || sr.round == 0 {
		return
	}

	var b strings.Builder
	b.WriteString(sr.state.SubQuestion)
	b.WriteString("\n\nResults from earlier sub-questions:\n")
	for _, r := range prior {
		if r.Err != "" {
			continue
		}
		fmt.Fprintf(&b, "- %s\n  SQL: %s\n  Rows:\n%s\n", r.Question, r.SQL, r.Markdown)
	}
	sr.state.SubQuestion = b.String()
}

// run drives the per-sub-question state machine to a terminal outcome:
// answered, clarification_needed, or error. The router decides every
// transition; cancellation is checked between agent invocations.
func (sr *subRun) run(ctx context.Context, emit func(payloads.Payload)) {
	if sr.agentSet == nil {
		sr.buildAgents()
	}

	tracer := observability.Tracer("queryweave.orchestrator")
	ctx, span := tracer.Start(ctx, observability.SpanSubQuestion,
		trace.WithAttributes(
			attribute.Int("subquestion.round", sr.round),
			attribute.Int("subquestion.index", sr.index),
		))
	defer span.End()

	routerCfg := agents.RouterConfig{
		UseQueryCache: sr.state.UseQueryCache,
		MaxMessages:   sr.deps.Config.Orchestrator.MaxMessages,
	}

	// Pin the run clock so current_datetime stays deterministic per run.
	ctx = tools.WithRunClock(ctx, sr.state.Now)

	// A resumed sub-run continues from its restored thread; a fresh one
	// starts at the rewrite-consumed boundary. The rewrite itself already
	// happened at the outer run, so the thread is primed with a synthetic
	// rewrite marker to enter the table at the right row.
	if sr.thread.Count() == 1 {
		sr.thread.Append(agents.IDQueryRewrite, `{"consumed":true}`, llm.Usage{})
	}

	for {
		select {
		case <-ctx.Done():
			sr.state.Cancelled = true
			sr.state.RunError = "cancelled"
			sr.done = true
			return
		default:
		}

		next := agents.SelectNextAgent(sr.thread, sr.state, routerCfg)

		switch next {
		case agents.IDTerminate:
			if !sr.state.Validated && sr.state.RunError == "" {
				sr.state.RunError = "run terminated before producing a result"
			}
			sr.done = true
			return

		case agents.IDSuspend:
			// Leave done=false; the orchestrator persists and resumes.
			emit(payloads.NewThought("disambiguation",
				fmt.Sprintf("sub-question %d.%d needs clarification", sr.round, sr.index)))
			return

		case agents.IDAnswer:
			// Per-sub-run success: the outer answer agent composes the
			// final narrative across all sub-runs.
			sr.done = true
			return
		}

		agent, ok := sr.agentSet[next]
		if !ok {
			sr.state.RunError = fmt.Sprintf("router selected unknown agent %s", next)
			sr.done = true
			return
		}

		sr.emitStageUpdate(next, emit)

		if m := observability.Global(); m != nil {
			m.AgentInvocations.WithLabelValues(string(next)).Inc()
		}

		msg, err := agent.Run(ctx, sr.thread, sr.state)
		if err != nil {
			if ctx.Err() != nil {
				sr.state.Cancelled = true
				sr.state.RunError = "cancelled"
			} else {
				sr.state.RunError = err.Error()
			}
			sr.done = true
			return
		}

		sr.thread.Append(msg.Source, msg.Content, msg.Usage)
	}
}

func (sr *subRun) emitStageUpdate(next agents.ID, emit func(payloads.Payload)) {
	var text string
	switch next {
	case agents.IDCache:
		text = "Checking the query cache..."
	case agents.IDSchemaSelection:
		text = "Searching for relevant schemas..."
	case agents.IDDisambiguation:
		text = "Checking the question for ambiguity..."
	case agents.IDGeneration:
		text = "Generating SQL..."
	case agents.IDCorrection:
		text = "Executing and verifying SQL..."
	default:
		return
	}
	emit(payloads.NewProcessingUpdate("Working", text))
}

// result renders the sub-run for the answer agent and the payload sources.
func (sr *subRun) result() agents.SubResult {
	r := agents.SubResult{
		Question: sr.state.SubQuestion,
		SQL:      sr.state.FinalSQL,
		Err:      sr.state.RunError,
	}
	if sr.state.Rows != nil {
		r.Markdown = sr.state.Rows.MarkdownTable()
		for _, m := range sr.state.Rows.RowMaps() {
			r.Rows = append(r.Rows, payloads.SQLRow(m))
		}
	}
	return r
}

// schemaFQNs lists the entities the final SQL drew on, for the cache
// entry.
func (sr *subRun) schemaFQNs() []string {
	out := make([]string, 0, len(sr.state.Schemas))
	for _, e := range sr.state.Schemas {
		out = append(out, e.FQN)
	}
	return out
}
