// Package config defines the process-wide configuration model.
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then passed through a SetDefaults/Validate pipeline. Every
// nested section owns its defaults and its validation.
package config

import (
	"fmt"
	"strings"
)

// Engine identifies a supported SQL backend.
type Engine string

const (
	EngineTSQL       Engine = "tsql"
	EnginePostgres   Engine = "postgres"
	EngineSnowflake  Engine = "snowflake"
	EngineDatabricks Engine = "databricks"
	EngineSQLite     Engine = "sqlite"
	EngineMySQL      Engine = "mysql"
)

// SupportedEngines lists every engine the connector layer can drive.
var SupportedEngines = []Engine{
	EngineTSQL, EnginePostgres, EngineSnowflake,
	EngineDatabricks, EngineSQLite, EngineMySQL,
}

// Config is the root configuration.
type Config struct {
	UseCase string `yaml:"use_case"`

	Logging      LoggingConfig         `yaml:"logging"`
	Server       ServerConfig          `yaml:"server"`
	LLMs         map[string]*LLMConfig `yaml:"llms"`
	Embedder     EmbedderConfig        `yaml:"embedder"`
	Vector       VectorConfig          `yaml:"vector"`
	Search       SearchConfig          `yaml:"search"`
	Database     DatabaseConfig        `yaml:"database"`
	Orchestrator OrchestratorConfig    `yaml:"orchestrator"`
	State        StateConfig           `yaml:"state"`
	Prompts      PromptConfig          `yaml:"prompts"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Format) {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("logging format must be text or json, got %q", c.Format)
	}
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Port)
	}
	return nil
}

// LLMConfig configures one chat completion provider.
type LLMConfig struct {
	Type        string  `yaml:"type"` // openai, anthropic, ollama
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Timeout     int     `yaml:"timeout"` // seconds
	MaxRetries  int     `yaml:"max_retries"`
	RetryDelay  int     `yaml:"retry_delay"` // seconds
}

func (c *LLMConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "anthropic":
			c.Model = "claude-sonnet-4-20250514"
		case "ollama":
			c.Model = "llama3.1"
		default:
			c.Model = "gpt-4o-mini"
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature == 0 {
		c.Temperature = 0.0
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

func (c *LLMConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("unsupported llm type: %s (supported: openai, anthropic, ollama)", c.Type)
	}
	if c.Type != "ollama" && c.APIKey == "" {
		return fmt.Errorf("llm type %s requires api_key", c.Type)
	}
	return nil
}

// EmbedderConfig configures the text embedding provider.
type EmbedderConfig struct {
	Type       string `yaml:"type"` // openai, ollama
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions"`
	Timeout    int    `yaml:"timeout"` // seconds
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "ollama":
			c.Model = "nomic-embed-text"
		default:
			c.Model = "text-embedding-3-small"
		}
	}
	if c.Dimensions == 0 {
		c.Dimensions = 1536
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

func (c *EmbedderConfig) Validate() error {
	switch c.Type {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unsupported embedder type: %s (supported: openai, ollama)", c.Type)
	}
	return nil
}

// VectorConfig selects the vector database backing the search indices.
type VectorConfig struct {
	Type string `yaml:"type"` // qdrant, pinecone, chromem

	// Qdrant
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	UseTLS bool   `yaml:"use_tls"`

	// Pinecone
	IndexHost string `yaml:"index_host"`

	// Chromem
	Path string `yaml:"path"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "chromem"
	}
	if c.Type == "qdrant" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 6334
		}
	}
}

func (c *VectorConfig) Validate() error {
	switch c.Type {
	case "qdrant", "pinecone", "chromem":
	default:
		return fmt.Errorf("unsupported vector store type: %s (supported: qdrant, pinecone, chromem)", c.Type)
	}
	if c.Type == "pinecone" && c.APIKey == "" {
		return fmt.Errorf("pinecone requires api_key")
	}
	return nil
}

// SearchConfig tunes the hybrid retrieval layer.
type SearchConfig struct {
	SchemaIndex       string  `yaml:"schema_index"`
	ColumnValueIndex  string  `yaml:"column_value_index"`
	QueryCacheIndex   string  `yaml:"query_cache_index"`
	KeywordPath       string  `yaml:"keyword_path"` // bleve index directory; empty = in-memory
	CacheHitThreshold float64 `yaml:"cache_hit_threshold"`
}

func (c *SearchConfig) SetDefaults() {
	if c.SchemaIndex == "" {
		c.SchemaIndex = "schema-store"
	}
	if c.ColumnValueIndex == "" {
		c.ColumnValueIndex = "column-value-store"
	}
	if c.QueryCacheIndex == "" {
		c.QueryCacheIndex = "query-cache"
	}
	if c.CacheHitThreshold == 0 {
		c.CacheHitThreshold = 0.85
	}
}

func (c *SearchConfig) Validate() error {
	if c.CacheHitThreshold < 0 || c.CacheHitThreshold > 1 {
		return fmt.Errorf("cache_hit_threshold must be within [0,1], got %v", c.CacheHitThreshold)
	}
	return nil
}

// DatabaseConfig configures the target SQL backend.
type DatabaseConfig struct {
	TargetEngine        Engine `yaml:"target_engine"`
	EngineSpecificRules string `yaml:"engine_specific_rules"`

	// RowLimit is a pointer so an explicit zero is distinguishable from
	// unset: unset defaults to 100, zero is a validation error.
	RowLimit *int `yaml:"row_limit"`

	// Shared connection parameters.
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	// SQLite path.
	Path string `yaml:"path"`

	// Snowflake.
	Account   string `yaml:"account"`
	Warehouse string `yaml:"warehouse"`
	Schema    string `yaml:"schema"`
	Role      string `yaml:"role"`

	// Databricks.
	HTTPPath    string `yaml:"http_path"`
	AccessToken string `yaml:"access_token"`

	// TSQL / Postgres extras.
	Encrypt string `yaml:"encrypt"`
	SSLMode string `yaml:"sslmode"`
}

// HardRowCap is the absolute row limit the connector enforces regardless of
// configuration.
const HardRowCap = 10000

func (c *DatabaseConfig) SetDefaults() {
	if c.TargetEngine == "" {
		c.TargetEngine = EngineSQLite
	}
	c.TargetEngine = Engine(strings.ToLower(string(c.TargetEngine)))
	if c.RowLimit == nil {
		limit := 100
		c.RowLimit = &limit
	}
}

// EffectiveRowLimit returns the configured row cap.
func (c *DatabaseConfig) EffectiveRowLimit() int {
	if c.RowLimit == nil {
		return 100
	}
	return *c.RowLimit
}

func (c *DatabaseConfig) Validate() error {
	supported := false
	for _, e := range SupportedEngines {
		if c.TargetEngine == e {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("unsupported target_engine: %s", c.TargetEngine)
	}
	if c.RowLimit != nil && *c.RowLimit < 1 {
		return fmt.Errorf("row_limit must be positive, got %d", *c.RowLimit)
	}
	if c.RowLimit != nil && *c.RowLimit > HardRowCap {
		return fmt.Errorf("row_limit exceeds hard cap %d", HardRowCap)
	}
	if c.TargetEngine == EngineSQLite && c.Path == "" {
		return fmt.Errorf("sqlite engine requires path")
	}
	return nil
}

// OrchestratorConfig tunes the run loop.
type OrchestratorConfig struct {
	LLM                         string `yaml:"llm"` // name in Config.LLMs
	UseQueryCache               bool   `yaml:"use_query_cache"`
	PreRunQueryCache            bool   `yaml:"pre_run_query_cache"`
	UseColumnValueStore         bool   `yaml:"use_column_value_store"`
	GenerateFollowUpSuggestions bool   `yaml:"generate_follow_up_suggestions"`
	CacheWriteStrategy          string `yaml:"cache_write_strategy"` // always, never, positive_feedback_only, offline_batch
	MaxMessages                 int    `yaml:"max_messages"`
	MaxParallelSubQuestions     int    `yaml:"max_parallel_subquestions"`
	MaxCorrectionAttempts       int    `yaml:"max_correction_attempts"`
	RunTimeoutSeconds           int    `yaml:"run_timeout_seconds"`
	ToolTimeoutSeconds          int    `yaml:"tool_timeout_seconds"`
}

func (c *OrchestratorConfig) SetDefaults() {
	if c.LLM == "" {
		c.LLM = "default"
	}
	if c.CacheWriteStrategy == "" {
		c.CacheWriteStrategy = "always"
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = 20
	}
	if c.MaxParallelSubQuestions == 0 {
		c.MaxParallelSubQuestions = 4
	}
	if c.MaxCorrectionAttempts == 0 {
		c.MaxCorrectionAttempts = 5
	}
	if c.RunTimeoutSeconds == 0 {
		c.RunTimeoutSeconds = 300
	}
	if c.ToolTimeoutSeconds == 0 {
		c.ToolTimeoutSeconds = 60
	}
}

func (c *OrchestratorConfig) Validate() error {
	switch c.CacheWriteStrategy {
	case "always", "never", "positive_feedback_only", "offline_batch":
	default:
		return fmt.Errorf("unsupported cache_write_strategy: %s", c.CacheWriteStrategy)
	}
	if c.MaxMessages < 1 {
		return fmt.Errorf("max_messages must be positive, got %d", c.MaxMessages)
	}
	if c.MaxParallelSubQuestions < 1 {
		return fmt.Errorf("max_parallel_subquestions must be positive, got %d", c.MaxParallelSubQuestions)
	}
	if c.RunTimeoutSeconds < 1 {
		return fmt.Errorf("run_timeout_seconds must be positive, got %d", c.RunTimeoutSeconds)
	}
	if c.ToolTimeoutSeconds < 1 {
		return fmt.Errorf("tool_timeout_seconds must be positive, got %d", c.ToolTimeoutSeconds)
	}
	return nil
}

// StateConfig selects the state store backend for suspended runs.
type StateConfig struct {
	Backend string `yaml:"backend"` // memory, redis, sql

	// Redis.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// SQL (sqlite or postgres DSN).
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	TTLSeconds int `yaml:"ttl_seconds"`
}

func (c *StateConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.TTLSeconds == 0 {
		c.TTLSeconds = 3600
	}
}

func (c *StateConfig) Validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if c.Addr == "" {
			return fmt.Errorf("redis state backend requires addr")
		}
	case "sql":
		if c.Driver == "" || c.DSN == "" {
			return fmt.Errorf("sql state backend requires driver and dsn")
		}
	default:
		return fmt.Errorf("unsupported state backend: %s", c.Backend)
	}
	return nil
}

// PromptConfig controls prompt template loading.
type PromptConfig struct {
	// OverrideDir, when set, lets on-disk YAML files shadow the embedded
	// prompt templates.
	OverrideDir string `yaml:"override_dir"`
	// Watch reloads overrides when files change.
	Watch bool `yaml:"watch"`
}

func (c *PromptConfig) SetDefaults() {}

func (c *PromptConfig) Validate() error { return nil }

// SetDefaults fills every unset field across the tree.
func (c *Config) SetDefaults() {
	if c.UseCase == "" {
		c.UseCase = "Answering questions about the database."
	}
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}
	if len(c.LLMs) == 0 {
		c.LLMs["default"] = &LLMConfig{}
	}
	for _, l := range c.LLMs {
		if l != nil {
			l.SetDefaults()
		}
	}
	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Embedder.SetDefaults()
	c.Vector.SetDefaults()
	c.Search.SetDefaults()
	c.Database.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.State.SetDefaults()
	c.Prompts.SetDefaults()
}

// Validate checks the whole tree; the first failure wins.
func (c *Config) Validate() error {
	for name, l := range c.LLMs {
		if l == nil {
			return fmt.Errorf("llm %q: empty config", name)
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	if _, ok := c.LLMs[c.Orchestrator.LLM]; !ok {
		return fmt.Errorf("orchestrator.llm references unknown provider %q", c.Orchestrator.LLM)
	}

	validators := []struct {
		name string
		fn   func() error
	}{
		{"logging", c.Logging.Validate},
		{"server", c.Server.Validate},
		{"embedder", c.Embedder.Validate},
		{"vector", c.Vector.Validate},
		{"search", c.Search.Validate},
		{"database", c.Database.Validate},
		{"orchestrator", c.Orchestrator.Validate},
		{"state", c.State.Validate},
		{"prompts", c.Prompts.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

// Process runs the defaults/validation pipeline in order.
func Process(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
