package sqlexec

import (
	"strings"
	"testing"

	"github.com/queryweave/queryweave/pkg/config"
)

func TestWrapRowLimit_TSQL(t *testing.T) {
	d := tsqlDialect{}

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			"plain select gains TOP",
			"SELECT CountryRegion FROM SalesLT.Address",
			"SELECT TOP 101 CountryRegion FROM SalesLT.Address",
		},
		{
			"distinct select keeps DISTINCT before TOP",
			"SELECT DISTINCT CountryRegion FROM SalesLT.Address",
			"SELECT DISTINCT TOP 101 CountryRegion FROM SalesLT.Address",
		},
		{
			"existing TOP untouched",
			"SELECT TOP 5 * FROM SalesLT.Address",
			"SELECT TOP 5 * FROM SalesLT.Address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.WrapRowLimit(tt.query, 101); got != tt.want {
				t.Errorf("WrapRowLimit() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapRowLimit_LimitEngines(t *testing.T) {
	dialects := []Dialect{postgresDialect{}, snowflakeDialect{}, databricksDialect{}, sqliteDialect{}, mysqlDialect{}}

	for _, d := range dialects {
		got := d.WrapRowLimit("SELECT * FROM orders", 101)
		if !strings.HasSuffix(got, "LIMIT 101") {
			t.Errorf("%s: WrapRowLimit() = %q, want LIMIT suffix", d.Engine(), got)
		}

		unchanged := d.WrapRowLimit("SELECT * FROM orders LIMIT 5", 101)
		if unchanged != "SELECT * FROM orders LIMIT 5" {
			t.Errorf("%s: existing limit rewritten: %q", d.Engine(), unchanged)
		}
	}
}

func TestWrapRowLimit_TrailingSemicolon(t *testing.T) {
	d := postgresDialect{}
	got := d.WrapRowLimit("SELECT * FROM orders;", 10)
	if got != "SELECT * FROM orders LIMIT 10" {
		t.Errorf("WrapRowLimit() = %q", got)
	}
}

func TestDSN_Postgres(t *testing.T) {
	d := postgresDialect{}
	dsn, err := d.DSN(config.DatabaseConfig{
		Host: "db.internal", Port: 5432, User: "app", Password: "secret", Database: "sales",
	})
	if err != nil {
		t.Fatalf("DSN() error = %v", err)
	}
	for _, part := range []string{"host=db.internal", "port=5432", "user=app", "dbname=sales", "sslmode=prefer"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("DSN %q missing %q", dsn, part)
		}
	}
}

func TestDSN_TSQL(t *testing.T) {
	d := tsqlDialect{}
	dsn, err := d.DSN(config.DatabaseConfig{
		Host: "sqlserver.internal", Port: 1433, User: "app", Password: "secret", Database: "adventureworks",
	})
	if err != nil {
		t.Fatalf("DSN() error = %v", err)
	}
	if !strings.HasPrefix(dsn, "sqlserver://") {
		t.Errorf("DSN = %q", dsn)
	}
	if !strings.Contains(dsn, "database=adventureworks") {
		t.Errorf("DSN %q missing database parameter", dsn)
	}
}

func TestDSN_SQLiteReadOnly(t *testing.T) {
	d := sqliteDialect{}
	dsn, err := d.DSN(config.DatabaseConfig{Path: "warehouse.db"})
	if err != nil {
		t.Fatalf("DSN() error = %v", err)
	}
	if !strings.Contains(dsn, "mode=ro") {
		t.Errorf("DSN %q not read-only", dsn)
	}
}

func TestDSN_MissingRequirements(t *testing.T) {
	tests := []struct {
		d   Dialect
		cfg config.DatabaseConfig
	}{
		{tsqlDialect{}, config.DatabaseConfig{}},
		{postgresDialect{}, config.DatabaseConfig{}},
		{snowflakeDialect{}, config.DatabaseConfig{}},
		{databricksDialect{}, config.DatabaseConfig{Host: "x"}},
		{sqliteDialect{}, config.DatabaseConfig{}},
		{mysqlDialect{}, config.DatabaseConfig{}},
	}
	for _, tt := range tests {
		if _, err := tt.d.DSN(tt.cfg); err == nil {
			t.Errorf("%s: expected DSN error for empty config", tt.d.Engine())
		}
	}
}

func TestDialectFor_AllEngines(t *testing.T) {
	for _, engine := range config.SupportedEngines {
		d, err := DialectFor(engine)
		if err != nil {
			t.Errorf("DialectFor(%s) error = %v", engine, err)
			continue
		}
		if d.Engine() != engine {
			t.Errorf("DialectFor(%s).Engine() = %s", engine, d.Engine())
		}
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Error("expected error for unsupported engine")
	}
}
