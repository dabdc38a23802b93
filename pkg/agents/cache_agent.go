package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/queryweave/queryweave/pkg/cache"
)

// CacheAgent is the deterministic cache lookup stage: no LLM involved.
type CacheAgent struct {
	deps *Deps
}

// cacheOutput is what the cache agent writes into the thread.
type cacheOutput struct {
	CacheHit bool    `json:"cache_hit"`
	PreRun   bool    `json:"pre_run"`
	SQL      string  `json:"sql,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// NewCacheAgent builds the cache stage.
func NewCacheAgent(deps *Deps) *CacheAgent {
	return &CacheAgent{deps: deps}
}

// ID returns the agent identity.
func (a *CacheAgent) ID() ID { return IDCache }

// Run looks the sub-question up in the query cache and records the result
// on the state. Template scope always includes the run clock placeholders.
func (a *CacheAgent) Run(ctx context.Context, _ *Thread, state *State) (*Message, error) {
	if a.deps.Cache == nil {
		content, _ := json.Marshal(cacheOutput{})
		return &Message{Source: IDCache, Content: string(content)}, nil
	}

	params := templateScope(state.Now, state.InjectedParameters)

	hit, err := a.deps.Cache.Lookup(ctx, state.SubQuestion, params, a.deps.Config.Orchestrator.PreRunQueryCache)
	if err != nil {
		// A broken cache must not fail the run; fall through to schema
		// selection as a miss.
		a.deps.log().Warn("cache lookup failed", "error", err)
		hit = nil
	}

	out := cacheOutput{}
	if hit != nil {
		state.CacheHit = hit
		state.CacheHitSQL = hit.RenderedSQL
		state.CachePreRun = hit.PreRunRows != nil
		if hit.PreRunRows != nil {
			state.GeneratedSQL = hit.RenderedSQL
			state.Rows = hit.PreRunRows
		}

		out.CacheHit = true
		out.PreRun = state.CachePreRun
		out.SQL = hit.RenderedSQL
		out.Score = hit.Score
	}

	content, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding cache output: %w", err)
	}
	return &Message{Source: IDCache, Content: string(content)}, nil
}

// templateScope merges the run clock placeholders with request parameters.
func templateScope(now time.Time, injected map[string]any) map[string]any {
	scope := cache.TemplateParams(now)
	for k, v := range injected {
		scope[k] = v
	}
	return scope
}
