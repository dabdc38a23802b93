package sqlexec

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/queryweave/queryweave/pkg/config"
)

func testConnector(t *testing.T) *Connector {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")

	setup, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	stmts := []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, country TEXT, total REAL)`,
		`INSERT INTO orders (country, total) VALUES
			('United Kingdom', 120.5), ('Netherlands', 80.0), ('United Kingdom', 99.9)`,
	}
	for _, s := range stmts {
		if _, err := setup.Exec(s); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	if err := setup.Close(); err != nil {
		t.Fatal(err)
	}

	conn, err := New(config.DatabaseConfig{TargetEngine: config.EngineSQLite, Path: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestExecute_Select(t *testing.T) {
	conn := testConnector(t)

	result, err := conn.Execute(context.Background(), "SELECT country, total FROM orders ORDER BY id", 100)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(result.Columns) != 2 || result.Columns[0] != "country" {
		t.Errorf("Columns = %v", result.Columns)
	}
	if len(result.Rows) != 3 {
		t.Errorf("got %d rows, want 3", len(result.Rows))
	}
	if result.Truncated {
		t.Error("Truncated = true for small result")
	}
}

func TestExecute_RowCap(t *testing.T) {
	conn := testConnector(t)

	result, err := conn.Execute(context.Background(), "SELECT id FROM orders", 2)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 {
		t.Errorf("got %d rows, want 2", len(result.Rows))
	}
	if !result.Truncated {
		t.Error("Truncated = false, want true")
	}
}

func TestExecute_RejectsWrites(t *testing.T) {
	conn := testConnector(t)

	writes := []string{
		"DELETE FROM orders",
		"INSERT INTO orders (country) VALUES ('x')",
		"UPDATE orders SET total = 0",
		"DROP TABLE orders",
	}
	for _, q := range writes {
		if _, err := conn.Execute(context.Background(), q, 10); err == nil {
			t.Errorf("Execute(%q) did not fail", q)
		}
	}
}

func TestExecute_CTEAllowed(t *testing.T) {
	conn := testConnector(t)

	result, err := conn.Execute(context.Background(),
		"WITH uk AS (SELECT * FROM orders WHERE country = 'United Kingdom') SELECT COUNT(*) AS c FROM uk", 10)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("got %d rows", len(result.Rows))
	}
}

func TestListTables(t *testing.T) {
	conn := testConnector(t)

	tables, err := conn.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 1 || tables[0].Name != "orders" {
		t.Fatalf("tables = %+v", tables)
	}
	if len(tables[0].Columns) != 3 {
		t.Errorf("columns = %+v", tables[0].Columns)
	}
}

func TestSampleValues(t *testing.T) {
	conn := testConnector(t)

	vals, err := conn.SampleValues(context.Background(), "main", "orders", "country", 10)
	if err != nil {
		t.Fatalf("SampleValues() error = %v", err)
	}
	if len(vals) != 2 {
		t.Errorf("got %d distinct values, want 2", len(vals))
	}
}

func TestResultSet_MarkdownTable(t *testing.T) {
	rs := &ResultSet{
		Columns: []string{"country", "total"},
		Rows: [][]any{
			{"United Kingdom", 220.4},
			{nil, 80.0},
		},
	}

	md := rs.MarkdownTable()
	lines := strings.Split(strings.TrimSpace(md), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), md)
	}
	if !strings.Contains(lines[0], "country") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[3], "NULL") {
		t.Errorf("nil cell not rendered as NULL: %q", lines[3])
	}
}

func TestResultSet_RowMaps(t *testing.T) {
	rs := &ResultSet{
		Columns: []string{"c"},
		Rows:    [][]any{{int64(42)}},
	}
	maps := rs.RowMaps()
	if len(maps) != 1 || maps[0]["c"] != int64(42) {
		t.Errorf("RowMaps() = %v", maps)
	}
}
