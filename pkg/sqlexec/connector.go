// Package sqlexec executes read-only SQL against the configured target
// engine and enumerates its schema surface.
//
// All engines are driven through database/sql; a Dialect supplies the DSN,
// the row-limiting wrapper, and the catalog queries. The row cap is
// enforced twice: the statement is wrapped with the dialect's limit syntax,
// and the scanner stops at the cap regardless, flagging truncation.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/observability"
)

// ResultSet is the outcome of one SELECT.
type ResultSet struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// RowMaps converts positional rows to column-keyed maps.
func (r *ResultSet) RowMaps() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// MarkdownTable renders the result set as a markdown table.
func (r *ResultSet) MarkdownTable() string {
	if len(r.Columns) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("| " + strings.Join(r.Columns, " | ") + " |\n")

	separators := make([]string, len(r.Columns))
	for i := range separators {
		separators[i] = "---"
	}
	b.WriteString("| " + strings.Join(separators, " | ") + " |\n")

	for _, row := range r.Rows {
		cells := make([]string, len(r.Columns))
		for i := range r.Columns {
			if i < len(row) {
				cells[i] = renderCell(row[i])
			}
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}

	if r.Truncated {
		b.WriteString("\n(truncated)\n")
	}
	return b.String()
}

func renderCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// TableInfo describes one table discovered in the target database.
type TableInfo struct {
	Schema  string       `json:"schema"`
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// ColumnInfo describes one column of a discovered table.
type ColumnInfo struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

// Connector executes read-only statements against one engine.
type Connector struct {
	engine  config.Engine
	dialect Dialect
	db      *sql.DB
}

// New opens a connector for the configured target engine.
func New(cfg config.DatabaseConfig) (*Connector, error) {
	dialect, err := DialectFor(cfg.TargetEngine)
	if err != nil {
		return nil, err
	}

	dsn, err := dialect.DSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("building DSN for %s: %w", cfg.TargetEngine, err)
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", cfg.TargetEngine, err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	// SQLite serializes writers; one connection avoids lock errors.
	if cfg.TargetEngine == config.EngineSQLite {
		db.SetMaxOpenConns(1)
	}

	return &Connector{engine: cfg.TargetEngine, dialect: dialect, db: db}, nil
}

// NewWithDB wraps an existing database handle.
func NewWithDB(engine config.Engine, db *sql.DB) (*Connector, error) {
	dialect, err := DialectFor(engine)
	if err != nil {
		return nil, err
	}
	return &Connector{engine: engine, dialect: dialect, db: db}, nil
}

// Engine returns the target engine.
func (c *Connector) Engine() config.Engine { return c.engine }

// Execute runs a single SELECT with the row cap applied. Non-SELECT
// statements are rejected before touching the database.
func (c *Connector) Execute(ctx context.Context, query string, rowLimit int) (*ResultSet, error) {
	tracer := observability.Tracer("queryweave.sqlexec")
	ctx, span := tracer.Start(ctx, observability.SpanSQLExecute,
		trace.WithAttributes(attribute.String("db.engine", string(c.engine))),
	)
	defer span.End()

	if rowLimit < 1 || rowLimit > config.HardRowCap {
		rowLimit = config.HardRowCap
	}

	if !isReadOnlyStatement(query) {
		err := fmt.Errorf("only SELECT statements are allowed")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	wrapped := c.dialect.WrapRowLimit(query, rowLimit+1)

	start := time.Now()
	rows, err := c.db.QueryContext(ctx, wrapped)
	observability.RecordSQLExecution(string(c.engine), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	result := &ResultSet{Columns: columns}
	for rows.Next() {
		if len(result.Rows) == rowLimit {
			result.Truncated = true
			break
		}

		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	span.SetAttributes(attribute.Int("db.rows", len(result.Rows)))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// ListTables enumerates tables and columns from the engine's catalog.
func (c *Connector) ListTables(ctx context.Context) ([]TableInfo, error) {
	query := c.dialect.CatalogQuery()

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byTable := map[string]*TableInfo{}
	var order []string

	for rows.Next() {
		var schemaName, tableName, columnName, dataType string
		if err := rows.Scan(&schemaName, &tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}

		key := schemaName + "." + tableName
		info, ok := byTable[key]
		if !ok {
			info = &TableInfo{Schema: schemaName, Name: tableName}
			byTable[key] = info
			order = append(order, key)
		}
		info.Columns = append(info.Columns, ColumnInfo{Name: columnName, DataType: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalog: %w", err)
	}

	out := make([]TableInfo, 0, len(order))
	for _, key := range order {
		out = append(out, *byTable[key])
	}
	return out, nil
}

// SampleValues returns up to n distinct values of one column, for building
// the column value store.
func (c *Connector) SampleValues(ctx context.Context, schemaName, table, column string, n int) ([]string, error) {
	if n < 1 {
		n = 10
	}

	query := c.dialect.WrapRowLimit(fmt.Sprintf(
		"SELECT DISTINCT %s FROM %s.%s WHERE %s IS NOT NULL",
		quoteIdent(column), quoteIdent(schemaName), quoteIdent(table), quoteIdent(column),
	), n)

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sampling %s.%s.%s: %w", schemaName, table, column, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			out = append(out, v.String)
		}
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (c *Connector) Close() error {
	return c.db.Close()
}

// quoteIdent is deliberately strict: identifiers from entity documents are
// expected to be plain names.
func quoteIdent(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return -1
		}
	}, name)
}

// isReadOnlyStatement is a fast pre-check; full validation lives in
// pkg/sqlvalidate.
func isReadOnlyStatement(query string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH")
}
