package sqlexec

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	_ "github.com/databricks/databricks-sql-go"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
	sf "github.com/snowflakedb/gosnowflake"

	"github.com/queryweave/queryweave/pkg/config"
)

// Dialect supplies per-engine SQL and connection behavior.
type Dialect interface {
	// Engine returns the engine this dialect serves.
	Engine() config.Engine

	// DriverName is the database/sql driver to open.
	DriverName() string

	// DSN builds the connection string from config.
	DSN(cfg config.DatabaseConfig) (string, error)

	// WrapRowLimit applies the engine's row limiting syntax. Statements
	// that already carry a limit are left unchanged.
	WrapRowLimit(query string, limit int) string

	// CatalogQuery returns a query yielding
	// (table_schema, table_name, column_name, data_type) rows.
	CatalogQuery() string
}

// DialectFor returns the dialect for an engine.
func DialectFor(engine config.Engine) (Dialect, error) {
	switch engine {
	case config.EngineTSQL:
		return tsqlDialect{}, nil
	case config.EnginePostgres:
		return postgresDialect{}, nil
	case config.EngineSnowflake:
		return snowflakeDialect{}, nil
	case config.EngineDatabricks:
		return databricksDialect{}, nil
	case config.EngineSQLite:
		return sqliteDialect{}, nil
	case config.EngineMySQL:
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported engine: %s", engine)
	}
}

var (
	topPattern   = regexp.MustCompile(`(?i)^\s*SELECT\s+(DISTINCT\s+)?TOP\s`)
	limitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+\d+\s*(OFFSET\s+\d+\s*)?;?\s*$`)
	fetchPattern = regexp.MustCompile(`(?i)\bFETCH\s+(FIRST|NEXT)\s+\d+\s+ROWS?\s+ONLY`)
)

func hasLimitClause(query string) bool {
	return limitPattern.MatchString(query) || fetchPattern.MatchString(query)
}

func appendLimit(query string, limit int) string {
	trimmed := strings.TrimRight(strings.TrimSpace(query), ";")
	return fmt.Sprintf("%s LIMIT %d", trimmed, limit)
}

// ---------------------------------------------------------------------------
// TSQL
// ---------------------------------------------------------------------------

type tsqlDialect struct{}

func (tsqlDialect) Engine() config.Engine { return config.EngineTSQL }
func (tsqlDialect) DriverName() string    { return "sqlserver" }

func (tsqlDialect) DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.Host == "" {
		return "", fmt.Errorf("tsql requires host")
	}

	u := &url.URL{
		Scheme: "sqlserver",
		Host:   cfg.Host,
	}
	if cfg.Port != 0 {
		u.Host = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}

	q := url.Values{}
	if cfg.Database != "" {
		q.Set("database", cfg.Database)
	}
	if cfg.Encrypt != "" {
		q.Set("encrypt", cfg.Encrypt)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (tsqlDialect) WrapRowLimit(query string, limit int) string {
	if topPattern.MatchString(query) || fetchPattern.MatchString(query) {
		return query
	}

	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "SELECT DISTINCT"):
		return fmt.Sprintf("SELECT DISTINCT TOP %d%s", limit, trimmed[len("SELECT DISTINCT"):])
	case strings.HasPrefix(upper, "SELECT"):
		return fmt.Sprintf("SELECT TOP %d%s", limit, trimmed[len("SELECT"):])
	default:
		// CTE form; fall back to OFFSET/FETCH.
		base := strings.TrimRight(trimmed, ";")
		return fmt.Sprintf("%s OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", base, limit)
	}
}

func (tsqlDialect) CatalogQuery() string {
	return `SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS
ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION`
}

// ---------------------------------------------------------------------------
// Postgres
// ---------------------------------------------------------------------------

type postgresDialect struct{}

func (postgresDialect) Engine() config.Engine { return config.EnginePostgres }
func (postgresDialect) DriverName() string    { return "postgres" }

func (postgresDialect) DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.Host == "" {
		return "", fmt.Errorf("postgres requires host")
	}

	parts := []string{fmt.Sprintf("host=%s", cfg.Host)}
	if cfg.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", cfg.Port))
	}
	if cfg.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", cfg.User))
	}
	if cfg.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", cfg.Password))
	}
	if cfg.Database != "" {
		parts = append(parts, fmt.Sprintf("dbname=%s", cfg.Database))
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	parts = append(parts, fmt.Sprintf("sslmode=%s", sslMode))

	return strings.Join(parts, " "), nil
}

func (postgresDialect) WrapRowLimit(query string, limit int) string {
	if hasLimitClause(query) {
		return query
	}
	return appendLimit(query, limit)
}

func (postgresDialect) CatalogQuery() string {
	return `SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name, ordinal_position`
}

// ---------------------------------------------------------------------------
// Snowflake
// ---------------------------------------------------------------------------

type snowflakeDialect struct{}

func (snowflakeDialect) Engine() config.Engine { return config.EngineSnowflake }
func (snowflakeDialect) DriverName() string    { return "snowflake" }

func (snowflakeDialect) DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.Account == "" {
		return "", fmt.Errorf("snowflake requires account")
	}

	sfCfg := &sf.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
		Role:      cfg.Role,
	}

	dsn, err := sf.DSN(sfCfg)
	if err != nil {
		return "", err
	}
	return dsn, nil
}

func (snowflakeDialect) WrapRowLimit(query string, limit int) string {
	if hasLimitClause(query) {
		return query
	}
	return appendLimit(query, limit)
}

func (snowflakeDialect) CatalogQuery() string {
	return `SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA <> 'INFORMATION_SCHEMA'
ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION`
}

// ---------------------------------------------------------------------------
// Databricks
// ---------------------------------------------------------------------------

type databricksDialect struct{}

func (databricksDialect) Engine() config.Engine { return config.EngineDatabricks }
func (databricksDialect) DriverName() string    { return "databricks" }

func (databricksDialect) DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.Host == "" || cfg.HTTPPath == "" {
		return "", fmt.Errorf("databricks requires host and http_path")
	}

	port := cfg.Port
	if port == 0 {
		port = 443
	}

	// The databricks driver registers under "databricks" and accepts a
	// token DSN of this form.
	return fmt.Sprintf("token:%s@%s:%d%s", cfg.AccessToken, cfg.Host, port, cfg.HTTPPath), nil
}

func (databricksDialect) WrapRowLimit(query string, limit int) string {
	if hasLimitClause(query) {
		return query
	}
	return appendLimit(query, limit)
}

func (databricksDialect) CatalogQuery() string {
	return `SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema <> 'information_schema'
ORDER BY table_schema, table_name, ordinal_position`
}

// ---------------------------------------------------------------------------
// SQLite
// ---------------------------------------------------------------------------

type sqliteDialect struct{}

func (sqliteDialect) Engine() config.Engine { return config.EngineSQLite }
func (sqliteDialect) DriverName() string    { return "sqlite3" }

func (sqliteDialect) DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.Path == "" {
		return "", fmt.Errorf("sqlite requires path")
	}
	// mode=ro keeps the connector read-only at the driver level too.
	return fmt.Sprintf("file:%s?mode=ro", cfg.Path), nil
}

func (sqliteDialect) WrapRowLimit(query string, limit int) string {
	if hasLimitClause(query) {
		return query
	}
	return appendLimit(query, limit)
}

func (sqliteDialect) CatalogQuery() string {
	return `SELECT 'main', m.name, p.name, p.type
FROM sqlite_master m
JOIN pragma_table_info(m.name) p
WHERE m.type IN ('table', 'view') AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`
}

// ---------------------------------------------------------------------------
// MySQL
// ---------------------------------------------------------------------------

type mysqlDialect struct{}

func (mysqlDialect) Engine() config.Engine { return config.EngineMySQL }
func (mysqlDialect) DriverName() string    { return "mysql" }

func (mysqlDialect) DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.Host == "" {
		return "", fmt.Errorf("mysql requires host")
	}

	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Database), nil
}

func (mysqlDialect) WrapRowLimit(query string, limit int) string {
	if hasLimitClause(query) {
		return query
	}
	return appendLimit(query, limit)
}

func (mysqlDialect) CatalogQuery() string {
	return `SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA NOT IN ('mysql', 'information_schema', 'performance_schema', 'sys')
ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION`
}
