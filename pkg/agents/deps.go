package agents

import (
	"context"
	"log/slog"

	"github.com/queryweave/queryweave/pkg/cache"
	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/prompt"
	"github.com/queryweave/queryweave/pkg/schema"
	"github.com/queryweave/queryweave/pkg/sqlexec"
	"github.com/queryweave/queryweave/pkg/tools"
)

// Executor runs SQL for the correction agent; satisfied by
// *sqlexec.Connector.
type Executor interface {
	Execute(ctx context.Context, query string, rowLimit int) (*sqlexec.ResultSet, error)
}

// Deps bundles the collaborators shared by the agents.
type Deps struct {
	Provider    llm.Provider
	Tools       *tools.Registry
	Prompts     *prompt.Loader
	Config      *config.Config
	Cache       *cache.Cache
	SchemaStore *schema.Store
	Executor    Executor
	Logger      *slog.Logger
}

func (d *Deps) log() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// renderPrompt loads and renders an agent prompt with the standard
// variable set plus extras.
func (d *Deps) renderPrompt(name string, state *State, extra map[string]any) (string, error) {
	def, err := d.Prompts.Load(name)
	if err != nil {
		return "", err
	}

	vars := map[string]any{
		"use_case":                       d.Config.UseCase,
		"target_engine":                  string(d.Config.Database.TargetEngine),
		"engine_specific_rules":          d.Config.Database.EngineSpecificRules,
		"row_limit":                      d.Config.Database.EffectiveRowLimit(),
		"current_datetime":               state.Now.Format("2006-01-02 15:04:05"),
		"relationship_paths":             defaultRelationshipPaths,
		"generate_follow_up_suggestions": d.Config.Orchestrator.GenerateFollowUpSuggestions,
	}
	for k, v := range extra {
		vars[k] = v
	}

	return def.Render(vars)
}

// defaultRelationshipPaths seeds the schema selection prompt when the
// deployment provides no domain-specific paths.
const defaultRelationshipPaths = `- Transactions join their dimensions (customer, product, date)
- Geographic entities join location hierarchies
- Temporal analysis joins date or calendar entities
- Detail rows join their header entity`
