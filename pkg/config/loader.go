package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Load reads a YAML config file, expands environment variables, and runs
// the defaults/validation pipeline. A .env file next to the working
// directory is honored when present.
func Load(path string) (*Config, error) {
	// Best effort: missing .env is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes raw YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return Process(cfg)
}

// Default returns a validated Config built purely from defaults plus the
// environment. Useful for tests and the one-shot CLI path.
func Default() (*Config, error) {
	return Process(&Config{})
}

// ExpandEnv replaces ${VAR}, ${VAR:-default}, and $VAR occurrences with
// values from the environment.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]

			if idx := strings.Index(inner, ":-"); idx != -1 {
				varName := inner[:idx]
				def := inner[idx+2:]
				if val, ok := os.LookupEnv(varName); ok {
					return val
				}
				return def
			}

			if val, ok := os.LookupEnv(inner); ok {
				return val
			}
			return ""
		}

		// Bare $VAR form.
		varName := match[1:]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return ""
	})
}
