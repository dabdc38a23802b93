// Package orchestrator owns the run loop: it decomposes the user message,
// fans sub-questions out across cooperative sub-runs, aggregates their
// results, and streams payloads back to the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/queryweave/queryweave/pkg/agents"
	"github.com/queryweave/queryweave/pkg/cache"
	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/observability"
	"github.com/queryweave/queryweave/pkg/payloads"
	"github.com/queryweave/queryweave/pkg/state"
)

// Orchestrator processes user messages end to end.
type Orchestrator struct {
	deps   *agents.Deps
	states state.Store
	log    *slog.Logger
}

// New builds an Orchestrator.
func New(deps *agents.Deps, states state.Store, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{deps: deps, states: states, log: log}
}

// ProcessUserMessage runs one user message to a terminal payload. The
// returned channel is finite: zero or more progress payloads followed by
// exactly one terminal payload, then close.
func (o *Orchestrator) ProcessUserMessage(ctx context.Context, threadID string, q *payloads.Question) <-chan payloads.Payload {
	out := make(chan payloads.Payload, 16)

	go func() {
		defer close(out)

		timeout := time.Duration(o.deps.Config.Orchestrator.RunTimeoutSeconds) * time.Second
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		tracer := observability.Tracer("queryweave.orchestrator")
		runCtx, span := tracer.Start(runCtx, observability.SpanRun,
			trace.WithAttributes(attribute.String("run.thread_id", threadID)))
		defer span.End()

		started := time.Now()
		outcome := o.run(runCtx, threadID, q, out)

		if m := observability.Global(); m != nil {
			m.RunsTotal.WithLabelValues(outcome).Inc()
			m.RunDuration.Observe(time.Since(started).Seconds())
		}
	}()

	return out
}

// run drives a single run and returns its terminal outcome label.
func (o *Orchestrator) run(ctx context.Context, threadID string, q *payloads.Question, out chan<- payloads.Payload) string {
	emit := func(p payloads.Payload) {
		// Prefer the buffered send: after the run deadline ctx is done, and
		// the timeout payload must still reach the caller.
		select {
		case out <- p:
			return
		default:
		}
		select {
		case out <- p:
		case <-ctx.Done():
		}
	}

	if q == nil || q.UserMessage == "" {
		emit(payloads.NewError("input_rejected", "empty user message", ""))
		return "error"
	}

	// A stored snapshot means this message answers a pending
	// disambiguation; resume without re-running the rewrite.
	snap, err := o.loadSnapshot(ctx, threadID)
	if err != nil && !errors.Is(err, state.ErrVersionMismatch) {
		emit(payloads.NewError("state_error", "failed to load run state", err.Error()))
		return "error"
	}

	var rs *runState
	if snap != nil {
		rs = resumeRunState(o.deps, snap, q)
		emit(payloads.NewProcessingUpdate("Resuming", "Continuing with your clarification..."))
	} else {
		rs, err = o.newRunState(ctx, threadID, q, emit)
		if err != nil {
			emit(payloads.NewError("rewrite_failed", "could not interpret the question", err.Error()))
			return "error"
		}
		if rs == nil {
			// Short-circuit already emitted its payload.
			return "short_circuit"
		}
	}

	return o.execute(ctx, rs, emit)
}

// runState is the orchestrator-side view of one run.
type runState struct {
	threadID         string
	userMessage      string
	params           map[string]any
	decomposition    [][]string
	combinationLogic string
	currentRound     int
	subRuns          []*subRun
	now              time.Time
}

// newRunState invokes the query rewrite agent and builds the sub-run set.
// Returns (nil, nil) when the rewriter short-circuited.
func (o *Orchestrator) newRunState(ctx context.Context, threadID string, q *payloads.Question, emit func(payloads.Payload)) (*runState, error) {
	emit(payloads.NewProcessingUpdate("Understanding", "Rewriting the question..."))

	now := time.Now().UTC()
	outerThread := &agents.Thread{}
	outerThread.Append(agents.IDUser, q.UserMessage, llm.Usage{})

	rewrite := agents.NewQueryRewriteAgent(o.deps, q.ChatHistory)
	rewriteState := &agents.State{SubQuestion: q.UserMessage, Now: now}

	msg, err := rewrite.Run(ctx, outerThread, rewriteState)
	if err != nil {
		return nil, err
	}
	outerThread.Append(msg.Source, msg.Content, msg.Usage)

	parsed, err := agents.ParseRewriteOutput(msg)
	if err != nil {
		return nil, err
	}

	if parsed.AllNonDatabaseQuery || len(parsed.DecomposedUserMessages) == 0 {
		response := parsed.Response
		if response == "" {
			response = "I can only answer questions about the connected database."
		}
		answer := payloads.NewAnswerWithSources(response, []payloads.AnswerSource{})
		answer.PromptTokens = msg.Usage.PromptTokens
		answer.CompletionTokens = msg.Usage.CompletionTokens
		emit(answer)
		return nil, nil
	}

	rs := &runState{
		threadID:         threadID,
		userMessage:      q.UserMessage,
		params:           q.InjectedParameters,
		decomposition:    parsed.DecomposedUserMessages,
		combinationLogic: parsed.CombinationLogic,
		now:              now,
	}

	for round, questions := range parsed.DecomposedUserMessages {
		for idx, question := range questions {
			rs.subRuns = append(rs.subRuns, newSubRun(o.deps, round, idx, question, q.InjectedParameters, now))
		}
	}
	return rs, nil
}

// resumeRunState rebuilds a run from its snapshot, folding the caller's
// reply into every suspended sub-run.
func resumeRunState(deps *agents.Deps, snap *state.Snapshot, q *payloads.Question) *runState {
	rs := &runState{
		threadID:         snap.ThreadID,
		userMessage:      snap.UserMessage,
		params:           q.InjectedParameters,
		decomposition:    snap.Decomposition,
		combinationLogic: snap.CombinationLogic,
		currentRound:     snap.CurrentRound,
		now:              time.Now().UTC(),
	}

	for _, saved := range snap.SubRuns {
		sr := restoreSubRun(deps, saved)
		if !saved.Done && len(saved.State.DisambiguationQuestions) > 0 {
			sr.state.DisambiguationReply = q.UserMessage
			sr.state.DisambiguationResolved = true
			sr.state.DisambiguationQuestions = nil
		}
		rs.subRuns = append(rs.subRuns, sr)
	}
	return rs
}

// execute runs rounds sequentially, sub-questions within a round in
// parallel, then composes the final answer.
func (o *Orchestrator) execute(ctx context.Context, rs *runState, emit func(payloads.Payload)) string {
	maxParallel := o.deps.Config.Orchestrator.MaxParallelSubQuestions

	for round := rs.currentRound; round < len(rs.decomposition); round++ {
		rs.currentRound = round
		pending := rs.pendingInRound(round)
		if len(pending) == 0 {
			continue
		}

		emit(payloads.NewProcessingUpdate("Working",
			fmt.Sprintf("Answering %d sub-question(s)...", len(pending))))

		// Later rounds see earlier rounds' results in their prompts.
		priorResults := rs.completedResults(round)

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(maxParallel)

		for _, sr := range pending {
			sr := sr
			group.Go(func() error {
				sr.attachPriorResults(priorResults)
				sr.run(groupCtx, emit)
				// Sub-run failures are recorded on the sub-run, never
				// propagated: a failed sibling must not cancel the round.
				return nil
			})
		}
		_ = group.Wait()

		if ctx.Err() != nil {
			return o.finishTimeout(ctx, rs, emit)
		}

		// Any suspended sub-run suspends the whole run.
		if rs.anySuspended() {
			return o.suspend(ctx, rs, emit)
		}

		// A round that produced not a single success cannot feed later
		// rounds; bail out with the collected errors.
		if len(rs.successesInRound(round)) == 0 && o.roundRequired(rs, round) {
			emit(payloads.NewError("all_subquestions_failed",
				"no sub-question in the round could be answered",
				rs.firstError()))
			o.clearSnapshot(ctx, rs.threadID)
			return "error"
		}
	}

	return o.finish(ctx, rs, emit)
}

// roundRequired reports whether the round's results are needed downstream:
// either a later round depends on it or it is the only round.
func (o *Orchestrator) roundRequired(rs *runState, round int) bool {
	if len(rs.decomposition) == 1 {
		return true
	}
	return round < len(rs.decomposition)-1
}

// finish composes the final answer from all completed sub-runs.
func (o *Orchestrator) finish(ctx context.Context, rs *runState, emit func(payloads.Payload)) string {
	emit(payloads.NewProcessingUpdate("Answering", "Composing the final answer..."))

	results := rs.orderedResults()
	if len(results) == 0 {
		emit(payloads.NewError("no_results", "no sub-question produced a result", rs.firstError()))
		o.clearSnapshot(ctx, rs.threadID)
		return "error"
	}

	answer := agents.NewAnswerAgent(o.deps)
	payload, err := answer.Compose(ctx, rs.userMessage, rs.combinationLogic, results)
	if err != nil {
		emit(payloads.NewError("answer_failed", "failed to compose the final answer", err.Error()))
		o.clearSnapshot(ctx, rs.threadID)
		return "error"
	}

	o.writeCache(ctx, rs)
	o.clearSnapshot(ctx, rs.threadID)

	emit(payload)
	return "answered"
}

// finishTimeout emits partial results when the run deadline passed.
func (o *Orchestrator) finishTimeout(ctx context.Context, rs *runState, emit func(payloads.Payload)) string {
	o.log.Warn("run timed out", "thread_id", rs.threadID)

	results := rs.orderedResults()
	successes := 0
	for _, r := range results {
		if r.Err == "" {
			successes++
		}
	}

	if successes == 0 {
		emit(payloads.NewError("run_timeout", "the run exceeded its time budget", ""))
		o.clearSnapshot(context.WithoutCancel(ctx), rs.threadID)
		return "timeout"
	}

	// Partial answers are allowed; annotate instead of discarding.
	answer := payloads.NewAnswerWithSources(
		"The run timed out before every sub-question completed; partial results follow.",
		nil)
	for _, r := range results {
		answer.Sources = append(answer.Sources, payloads.AnswerSource{
			SQLQuery:      r.SQL,
			SQLRows:       r.Rows,
			MarkdownTable: r.Markdown,
			Error:         r.Err,
		})
	}
	emit(answer)
	o.clearSnapshot(context.WithoutCancel(ctx), rs.threadID)
	return "timeout_partial"
}

// suspend persists the run and emits the aggregated disambiguation.
func (o *Orchestrator) suspend(ctx context.Context, rs *runState, emit func(payloads.Payload)) string {
	var questions []payloads.DisambiguationQuestion
	for _, sr := range rs.subRuns {
		questions = append(questions, sr.state.DisambiguationQuestions...)
	}

	if o.states != nil {
		if err := o.states.Save(ctx, rs.snapshot()); err != nil {
			emit(payloads.NewError("state_error", "failed to persist run state", err.Error()))
			return "error"
		}
	}

	emit(payloads.NewDisambiguationRequest(questions))
	return "disambiguation"
}

// writeCache stores each successful sub-run per the configured strategy.
// Cache write failures are logged and never fail the run.
func (o *Orchestrator) writeCache(ctx context.Context, rs *runState) {
	if o.deps.Cache == nil {
		return
	}
	strategy := cache.WriteStrategy(o.deps.Config.Orchestrator.CacheWriteStrategy)

	for _, sr := range rs.subRuns {
		if !sr.state.Validated || sr.state.FinalSQL == "" {
			continue
		}
		entry := cache.Entry{
			Question:    sr.state.SubQuestion,
			SQLTemplate: sr.state.FinalSQL,
			Schemas:     sr.schemaFQNs(),
		}
		if err := o.deps.Cache.Write(ctx, entry, strategy, false); err != nil {
			o.log.Warn("cache write failed", "error", err, "question", sr.state.SubQuestion)
		}
	}
}

func (o *Orchestrator) loadSnapshot(ctx context.Context, threadID string) (*state.Snapshot, error) {
	if o.states == nil {
		return nil, nil
	}
	return o.states.Load(ctx, threadID)
}

func (o *Orchestrator) clearSnapshot(ctx context.Context, threadID string) {
	if o.states == nil {
		return
	}
	if err := o.states.Delete(ctx, threadID); err != nil {
		o.log.Warn("failed to clear run state", "thread_id", threadID, "error", err)
	}
}

// --- runState helpers -----------------------------------------------------

func (rs *runState) pendingInRound(round int) []*subRun {
	var out []*subRun
	for _, sr := range rs.subRuns {
		if sr.round == round && !sr.done {
			out = append(out, sr)
		}
	}
	return out
}

func (rs *runState) successesInRound(round int) []*subRun {
	var out []*subRun
	for _, sr := range rs.subRuns {
		if sr.round == round && sr.done && sr.state.Validated {
			out = append(out, sr)
		}
	}
	return out
}

func (rs *runState) anySuspended() bool {
	for _, sr := range rs.subRuns {
		if len(sr.state.DisambiguationQuestions) > 0 {
			return true
		}
	}
	return false
}

func (rs *runState) firstError() string {
	for _, sr := range rs.subRuns {
		if sr.state.RunError != "" {
			return sr.state.RunError
		}
	}
	return ""
}

// completedResults returns results from rounds before the given round.
func (rs *runState) completedResults(before int) []agents.SubResult {
	var out []agents.SubResult
	for _, sr := range rs.subRuns {
		if sr.round < before && sr.done {
			out = append(out, sr.result())
		}
	}
	return out
}

// orderedResults returns every completed sub-run's result in round+index
// order, matching the decomposition produced by the rewrite agent.
func (rs *runState) orderedResults() []agents.SubResult {
	var out []agents.SubResult
	for round := range rs.decomposition {
		for _, sr := range rs.subRuns {
			if sr.round == round && sr.done {
				out = append(out, sr.result())
			}
		}
	}
	return out
}

func (rs *runState) snapshot() *state.Snapshot {
	snap := &state.Snapshot{
		ThreadID:         rs.threadID,
		UserMessage:      rs.userMessage,
		Decomposition:    rs.decomposition,
		CombinationLogic: rs.combinationLogic,
		CurrentRound:     rs.currentRound,
	}
	for _, sr := range rs.subRuns {
		snap.SubRuns = append(snap.SubRuns, state.SubRunSnapshot{
			Round:  sr.round,
			Index:  sr.index,
			State:  sr.state,
			Thread: *sr.thread,
			Done:   sr.done,
		})
	}
	return snap
}
