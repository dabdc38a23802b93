package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/sqlexec"
	"github.com/queryweave/queryweave/pkg/sqlvalidate"
)

// ValidateSQLTool checks a statement without executing it.
type ValidateSQLTool struct {
	engine config.Engine
}

type validateSQLArgs struct {
	SQL string `json:"sql" jsonschema:"description=The SQL statement to validate"`
}

// NewValidateSQLTool builds the validate_sql tool for the target engine.
func NewValidateSQLTool(engine config.Engine) *ValidateSQLTool {
	return &ValidateSQLTool{engine: engine}
}

// Info describes the tool to the model.
func (t *ValidateSQLTool) Info() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "validate_sql",
		Description: fmt.Sprintf("Validate a %s SELECT statement without executing it. Returns ok or a list of errors.", t.engine),
		Parameters:  schemaFor(&validateSQLArgs{}),
	}
}

// Execute runs validation.
func (t *ValidateSQLTool) Execute(_ context.Context, rawArgs map[string]any) (string, error) {
	var args validateSQLArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "", err
	}

	return marshalResult(sqlvalidate.Validate(args.SQL, t.engine))
}

// ExecuteSQLTool runs a validated SELECT against the target database.
type ExecuteSQLTool struct {
	connector *sqlexec.Connector
	rowLimit  int
}

type executeSQLArgs struct {
	SQL string `json:"sql" jsonschema:"description=The SELECT statement to execute"`
}

type executeSQLResult struct {
	Columns   []string `json:"columns,omitempty"`
	Rows      [][]any  `json:"rows,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// NewExecuteSQLTool builds the execute_sql tool.
func NewExecuteSQLTool(connector *sqlexec.Connector, rowLimit int) *ExecuteSQLTool {
	return &ExecuteSQLTool{connector: connector, rowLimit: rowLimit}
}

// Info describes the tool to the model.
func (t *ExecuteSQLTool) Info() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "execute_sql",
		Description: fmt.Sprintf("Execute a single read-only SELECT against the %s database. At most %d rows are returned.", t.connector.Engine(), t.rowLimit),
		Parameters:  schemaFor(&executeSQLArgs{}),
	}
}

// Execute runs the statement. Engine errors are returned in-band so the
// correction agent can read them.
func (t *ExecuteSQLTool) Execute(ctx context.Context, rawArgs map[string]any) (string, error) {
	var args executeSQLArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "", err
	}

	// Reject before touching the database; execution errors below are
	// in-band because the model is expected to read and fix them.
	if check := sqlvalidate.Validate(args.SQL, t.connector.Engine()); !check.OK {
		return marshalResult(executeSQLResult{Error: fmt.Sprintf("validation failed: %v", check.Errors)})
	}

	result, err := t.connector.Execute(ctx, args.SQL, t.rowLimit)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return marshalResult(executeSQLResult{Error: err.Error()})
	}

	return marshalResult(executeSQLResult{
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
	})
}

// runClockKey carries the run's captured clock through the context so
// repeated current_datetime calls within one run are deterministic.
type runClockKey struct{}

// WithRunClock pins the run clock on a context.
func WithRunClock(ctx context.Context, now time.Time) context.Context {
	return context.WithValue(ctx, runClockKey{}, now)
}

// CurrentDatetimeTool reports the run clock: the timestamp captured at run
// start when present on the context, else the tool's construction time.
type CurrentDatetimeTool struct {
	fallback time.Time
}

type currentDatetimeArgs struct{}

// NewCurrentDatetimeTool builds the current_datetime tool.
func NewCurrentDatetimeTool(fallback time.Time) *CurrentDatetimeTool {
	return &CurrentDatetimeTool{fallback: fallback}
}

// Info describes the tool to the model.
func (t *CurrentDatetimeTool) Info() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "current_datetime",
		Description: "Return the current date and time as an ISO 8601 string.",
		Parameters:  schemaFor(&currentDatetimeArgs{}),
	}
}

// Execute returns the run clock.
func (t *CurrentDatetimeTool) Execute(ctx context.Context, _ map[string]any) (string, error) {
	now := t.fallback
	if pinned, ok := ctx.Value(runClockKey{}).(time.Time); ok {
		now = pinned
	}
	return marshalResult(map[string]string{"datetime": now.Format(time.RFC3339)})
}
