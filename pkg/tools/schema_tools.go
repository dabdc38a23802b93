package tools

import (
	"context"
	"fmt"

	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/schema"
	"github.com/queryweave/queryweave/pkg/values"
)

// EntitySchemasTool retrieves entity documents from the schema store.
type EntitySchemasTool struct {
	store *schema.Store
}

type entitySchemasArgs struct {
	SearchText       string   `json:"search_text" jsonschema:"description=Terms describing the entities to retrieve"`
	N                int      `json:"n,omitempty" jsonschema:"description=Maximum number of entities to return"`
	SelectedEntities []string `json:"selected_entities,omitempty" jsonschema:"description=Restrict results to these fully qualified entity names"`
}

// NewEntitySchemasTool builds the get_entity_schemas tool.
func NewEntitySchemasTool(store *schema.Store) *EntitySchemasTool {
	return &EntitySchemasTool{store: store}
}

// Info describes the tool to the model.
func (t *EntitySchemasTool) Info() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "get_entity_schemas",
		Description: "Search the schema store for entities relevant to the given terms. Returns full entity documents including columns and relationships.",
		Parameters:  schemaFor(&entitySchemasArgs{}),
	}
}

// Execute runs the schema lookup.
func (t *EntitySchemasTool) Execute(ctx context.Context, rawArgs map[string]any) (string, error) {
	var args entitySchemasArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "", err
	}
	if args.SearchText == "" {
		return "", fmt.Errorf("search_text is required")
	}
	if args.N <= 0 {
		args.N = 3
	}

	entities, err := t.store.Search(ctx, args.SearchText, args.N, args.SelectedEntities)
	if err != nil {
		return "", err
	}

	return marshalResult(entities)
}

// ColumnValuesTool maps free-text filter terms to concrete column values.
type ColumnValuesTool struct {
	store *values.Store
}

type columnValuesArgs struct {
	SearchText string `json:"search_text" jsonschema:"description=Filter value text to look up"`
	N          int    `json:"n,omitempty" jsonschema:"description=Maximum number of matches to return"`
}

// NewColumnValuesTool builds the get_column_values tool.
func NewColumnValuesTool(store *values.Store) *ColumnValuesTool {
	return &ColumnValuesTool{store: store}
}

// Info describes the tool to the model.
func (t *ColumnValuesTool) Info() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "get_column_values",
		Description: "Search the column value store for concrete database values matching a filter term. Use before filtering on a string column.",
		Parameters:  schemaFor(&columnValuesArgs{}),
	}
}

// Execute runs the value lookup.
func (t *ColumnValuesTool) Execute(ctx context.Context, rawArgs map[string]any) (string, error) {
	var args columnValuesArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "", err
	}
	if args.SearchText == "" {
		return "", fmt.Errorf("search_text is required")
	}
	if args.N <= 0 {
		args.N = 5
	}

	matches, err := t.store.Search(ctx, args.SearchText, args.N)
	if err != nil {
		return "", err
	}

	return marshalResult(matches)
}
