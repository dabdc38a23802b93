// Package sqlvalidate checks generated SQL before it reaches the database:
// exactly one statement, SELECT-only, no write or DDL verbs at the top
// level, and — for dialects the parser covers — a full syntactic parse.
package sqlvalidate

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xwb1989/sqlparser"

	"github.com/queryweave/queryweave/pkg/config"
)

// Result is the validation outcome.
type Result struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// writeVerbs are rejected wherever they appear as a top-level token.
var writeVerbs = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"CREATE": true, "ALTER": true, "DROP": true, "TRUNCATE": true,
	"GRANT": true, "REVOKE": true, "EXEC": true, "EXECUTE": true,
	"CALL": true, "COPY": true, "SET": true, "USE": true,
}

// parsedEngines are the dialects close enough to MySQL syntax for the
// parser to be authoritative. The remaining engines (TSQL's TOP, Snowflake
// and Databricks extensions) get the lexical checks only.
var parsedEngines = map[config.Engine]bool{
	config.EngineMySQL:  true,
	config.EngineSQLite: true,
}

// Validate checks one statement against the target engine's rules.
func Validate(query string, engine config.Engine) Result {
	var errs []string

	stripped := stripComments(query)
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return Result{OK: false, Errors: []string{"empty statement"}}
	}

	if n := statementCount(trimmed); n != 1 {
		errs = append(errs, fmt.Sprintf("expected exactly one statement, found %d", n))
	}

	tokens := topLevelTokens(trimmed)
	if len(tokens) == 0 {
		return Result{OK: false, Errors: []string{"no SQL tokens found"}}
	}

	first := strings.ToUpper(tokens[0])
	if first != "SELECT" && first != "WITH" {
		errs = append(errs, fmt.Sprintf("statement must start with SELECT or WITH, got %s", first))
	}

	for _, tok := range tokens {
		if writeVerbs[strings.ToUpper(tok)] {
			errs = append(errs, fmt.Sprintf("write or DDL verb not allowed: %s", strings.ToUpper(tok)))
			break
		}
	}

	// The parser predates CTE support, so WITH statements get the lexical
	// checks only.
	if len(errs) == 0 && parsedEngines[engine] && first == "SELECT" {
		if err := parseCheck(trimmed); err != nil {
			errs = append(errs, err.Error())
		}
	}

	return Result{OK: len(errs) == 0, Errors: errs}
}

func parseCheck(query string) error {
	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return fmt.Errorf("parse error: %v", err)
	}

	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
		return nil
	default:
		return fmt.Errorf("statement is not a SELECT")
	}
}

// statementCount counts semicolon-separated statements, ignoring
// semicolons inside string literals and trailing empties.
func statementCount(query string) int {
	count := 0
	current := 0
	inString := rune(0)

	for _, r := range query {
		switch {
		case inString != 0:
			if r == inString {
				inString = 0
			}
		case r == '\'' || r == '"':
			inString = r
		case r == ';':
			if current > 0 {
				count++
			}
			current = 0
			continue
		}
		if !unicode.IsSpace(r) {
			current++
		}
	}
	if current > 0 {
		count++
	}
	return count
}

// topLevelTokens extracts bare word tokens outside string literals. Quoted
// identifiers and string contents never contribute tokens, so a filter
// value like 'DROP ship' cannot trip the verb check.
func topLevelTokens(query string) []string {
	var tokens []string
	var current strings.Builder
	inString := rune(0)

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range query {
		if inString != 0 {
			if r == inString {
				inString = 0
			}
			continue
		}
		switch {
		case r == '\'' || r == '"' || r == '`' || r == '[':
			if r == '[' {
				inString = ']'
			} else {
				inString = r
			}
			flush()
		case unicode.IsLetter(r) || r == '_' || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// stripComments removes -- line comments and /* */ block comments.
func stripComments(query string) string {
	var b strings.Builder
	inString := rune(0)
	i := 0
	runes := []rune(query)

	for i < len(runes) {
		r := runes[i]

		if inString != 0 {
			b.WriteRune(r)
			if r == inString {
				inString = 0
			}
			i++
			continue
		}

		switch {
		case r == '\'' || r == '"':
			inString = r
			b.WriteRune(r)
			i++
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i += 2
		default:
			b.WriteRune(r)
			i++
		}
	}
	return b.String()
}
