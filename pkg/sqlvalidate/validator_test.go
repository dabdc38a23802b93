package sqlvalidate

import (
	"strings"
	"testing"

	"github.com/queryweave/queryweave/pkg/config"
)

func TestValidate_SelectAccepted(t *testing.T) {
	queries := []string{
		"SELECT COUNT(*) AS c FROM orders WHERE YEAR(OrderDate) = 2008",
		"SELECT country, SUM(total) FROM orders GROUP BY country ORDER BY SUM(total) DESC LIMIT 1",
		"WITH uk AS (SELECT * FROM orders WHERE country = 'UK') SELECT COUNT(*) FROM uk",
	}

	for _, q := range queries {
		res := Validate(q, config.EngineMySQL)
		if !res.OK {
			t.Errorf("Validate(%q) = %v, want OK", q, res.Errors)
		}
	}
}

func TestValidate_TSQLTopAccepted(t *testing.T) {
	// TOP is not parseable by the MySQL-family parser; TSQL relies on the
	// lexical checks only.
	res := Validate("SELECT TOP 1 CountryRegion FROM SalesLT.Address ORDER BY CountryRegion", config.EngineTSQL)
	if !res.OK {
		t.Errorf("Validate() = %v, want OK", res.Errors)
	}
}

func TestValidate_WriteVerbsRejected(t *testing.T) {
	queries := []string{
		"DELETE FROM orders",
		"INSERT INTO orders VALUES (1)",
		"UPDATE orders SET total = 0",
		"DROP TABLE orders",
		"TRUNCATE TABLE orders",
		"CREATE TABLE x (id INT)",
	}

	for _, q := range queries {
		res := Validate(q, config.EnginePostgres)
		if res.OK {
			t.Errorf("Validate(%q) passed, want rejection", q)
		}
	}
}

func TestValidate_MultipleStatementsRejected(t *testing.T) {
	res := Validate("SELECT 1; SELECT 2", config.EngineSQLite)
	if res.OK {
		t.Fatal("expected rejection of multiple statements")
	}
	if !strings.Contains(strings.Join(res.Errors, " "), "one statement") {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestValidate_TrailingSemicolonAllowed(t *testing.T) {
	res := Validate("SELECT 1;", config.EngineSQLite)
	if !res.OK {
		t.Errorf("Validate() = %v, want OK", res.Errors)
	}
}

func TestValidate_VerbInStringLiteralAllowed(t *testing.T) {
	res := Validate("SELECT * FROM audit WHERE action = 'DELETE FROM x'", config.EnginePostgres)
	if !res.OK {
		t.Errorf("Validate() = %v, want OK for verb inside string literal", res.Errors)
	}
}

func TestValidate_SmuggledWriteAfterSelect(t *testing.T) {
	res := Validate("SELECT 1; DROP TABLE orders", config.EnginePostgres)
	if res.OK {
		t.Fatal("expected rejection of piggybacked DROP")
	}
}

func TestValidate_CommentsStripped(t *testing.T) {
	res := Validate("SELECT 1 -- DROP TABLE orders\n", config.EnginePostgres)
	if !res.OK {
		t.Errorf("Validate() = %v, want OK with commented verb", res.Errors)
	}
}

func TestValidate_ParseErrorSurfaces(t *testing.T) {
	res := Validate("SELECT FROM WHERE", config.EngineMySQL)
	if res.OK {
		t.Fatal("expected parse failure")
	}
}

func TestValidate_Empty(t *testing.T) {
	res := Validate("   ", config.EngineSQLite)
	if res.OK {
		t.Fatal("expected rejection of empty statement")
	}
}
