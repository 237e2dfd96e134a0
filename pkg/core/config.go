// Package core wires the PowerFuse engine: configuration, store construction and the two
// entry points, BuildContext on the reply path and CompleteTurn after it.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/oceanbase/powerfuse-go/pkg/archive"
	"github.com/oceanbase/powerfuse-go/pkg/fusion"
	"github.com/oceanbase/powerfuse-go/pkg/maintenance"
	"github.com/oceanbase/powerfuse-go/pkg/memory"
	"github.com/oceanbase/powerfuse-go/pkg/observability"
)

// Config contains the complete configuration of an Engine.
//
// Example:
//
//	config := core.DefaultConfig()
//	config.VectorStore = core.VectorStoreConfig{
//	    Provider: "sqlite",
//	    Config: map[string]interface{}{
//	        "db_path":              "./powerfuse.db",
//	        "embedding_model_dims": 256,
//	    },
//	}
//	engine, err := core.NewEngine(config)
type Config struct {
	// LLM is the inference capability used for emotion classification and fact extraction.
	LLM LLMConfig `json:"llm"`

	// Embedder produces the memory projections.
	Embedder EmbedderConfig `json:"embedder"`

	// VectorStore holds memory records.
	VectorStore VectorStoreConfig `json:"vector_store"`

	// FactStore and RelationshipStore are relational stores. When empty they share the
	// vector store's database if it is sqlite or postgres, and a local sqlite file otherwise.
	FactStore         StateStoreConfig `json:"fact_store"`
	RelationshipStore StateStoreConfig `json:"relationship_store"`

	InsightCache InsightCacheConfig `json:"insight_cache"`
	Persona      PersonaConfig      `json:"persona"`
	Retrieval    RetrievalConfig    `json:"retrieval"`
	Fusion       fusion.Config      `json:"fusion"`
	Timeouts     TimeoutsConfig     `json:"timeouts"`

	Archive     ArchiveConfig     `json:"archive"`
	Maintenance MaintenanceConfig `json:"maintenance"`

	Observability ObservabilityConfig `json:"observability"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Supported providers: openai, anthropic, deepseek, qwen, ollama (the last three through
// their OpenAI-compatible endpoints) and lexicon, which needs no model at all.
type LLMConfig struct {
	// Provider is the LLM provider name.
	Provider string `json:"provider"`

	// APIKey is the API key for the LLM provider.
	APIKey string `json:"api_key"`

	// Model is the model name to use (e.g., "gpt-4o-mini").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// ExtractFacts uses the model for fact extraction as well; otherwise facts are
	// extracted by rules.
	ExtractFacts bool `json:"extract_facts,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai (and OpenAI-compatible endpoints), hash (offline).
type EmbedderConfig struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors. It must match the vector store.
	Dimensions int `json:"dimensions,omitempty"`
}

// VectorStoreConfig contains configuration for the vector store.
//
// Supported providers: sqlite, postgres, oceanbase, chromem.
type VectorStoreConfig struct {
	// Provider is the vector store provider name.
	Provider string `json:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path, collection_name, embedding_model_dims
	// For OceanBase: host, port, user, password, db_name, collection_name, embedding_model_dims
	// For PostgreSQL: host, port, user, password, db_name, collection_name, embedding_model_dims, ssl_mode
	// For chromem: embedding_model_dims
	Config map[string]interface{} `json:"config"`
}

// StateStoreConfig configures a relational store.
//
// Supported providers: sqlite (db_path), postgres (host, port, user, password, db_name,
// ssl_mode).
type StateStoreConfig struct {
	Provider string                 `json:"provider"`
	Config   map[string]interface{} `json:"config"`

	// Table is the table name, or the table prefix for the relationship store.
	Table string `json:"table,omitempty"`
}

// InsightCacheConfig configures the strategic insight cache.
type InsightCacheConfig struct {
	// Provider is sqlite (shares the fact store's database when it is sqlite) or memory.
	Provider string `json:"provider"`

	// DBPath is the sqlite file when it cannot be shared.
	DBPath string `json:"db_path,omitempty"`

	// Table defaults to "insights".
	Table string `json:"table,omitempty"`

	// MaxEntries bounds the memory provider.
	MaxEntries int `json:"max_entries,omitempty"`

	// Deadline bounds one GetOrCompute call.
	Deadline time.Duration `json:"deadline,omitempty"`

	// Staleness overrides the staleness window per insight kind.
	Staleness map[string]time.Duration `json:"staleness,omitempty"`
}

// PersonaConfig configures the persona source.
type PersonaConfig struct {
	// Path is a YAML persona file. Empty means every agent gets the default persona.
	Path string `json:"path,omitempty"`

	// Watch reloads the file when it changes.
	Watch bool `json:"watch"`
}

// RetrievalConfig tunes memory retrieval and fact decay.
type RetrievalConfig struct {
	memory.Config

	// K is the number of memories placed in a bundle (default 5).
	K int `json:"k"`

	// DecayCurve is half_life (default) or ebbinghaus.
	DecayCurve string `json:"decay_curve,omitempty"`

	// FactHalfLife is the confidence half-life of facts (default 90 days).
	FactHalfLife time.Duration `json:"fact_half_life"`

	// FactFloor is the fraction of stored confidence kept however old a fact is (default 0.1).
	FactFloor float64 `json:"fact_floor"`

	// FactLimit caps the facts fetched per request (default 20).
	FactLimit int `json:"fact_limit"`

	// TrendWindow is the relationship trend window (default 14 days).
	TrendWindow time.Duration `json:"trend_window"`

	// HistoryTurns is the number of recent turns kept from the request (default 12).
	HistoryTurns int `json:"history_turns"`
}

// TimeoutsConfig holds the per-stage deadlines.
type TimeoutsConfig struct {
	// Classify bounds the emotion classification call (default 800ms).
	Classify time.Duration `json:"classify"`

	// Fetch bounds the parallel store fan-out (default 1.2s).
	Fetch time.Duration `json:"fetch"`

	// Persist bounds one CompleteTurn persistence task (default 10s).
	Persist time.Duration `json:"persist"`
}

// ArchiveConfig configures cold archival of old memory records.
type ArchiveConfig struct {
	Enabled bool `json:"enabled"`
	archive.Config
	Minio archive.MinioConfig `json:"minio"`
}

// MaintenanceConfig configures the background scheduler.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	maintenance.Config
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	Log observability.LogConfig `json:"log"`

	// ServiceName names the tracer.
	ServiceName string `json:"service_name,omitempty"`

	// MetricsAddr is where the command line tool serves /metrics (e.g. ":9464").
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// Default values.
const (
	DefaultK              = 5
	DefaultFactLimit      = 20
	DefaultHistoryTurns   = 12
	DefaultFactFloor      = 0.1
	DefaultFetchTimeout   = 1200 * time.Millisecond
	DefaultPersistTimeout = 10 * time.Second
	DefaultEmbeddingDims  = 256

	// MaxMessageRunes is the longest accepted message.
	MaxMessageRunes = 10000
)

// DefaultConfig returns an offline configuration: lexicon classifier, hash embeddings and a
// local sqlite file.
func DefaultConfig() *Config {
	cfg := &Config{
		LLM:      LLMConfig{Provider: "lexicon"},
		Embedder: EmbedderConfig{Provider: "hash", Dimensions: DefaultEmbeddingDims},
		VectorStore: VectorStoreConfig{
			Provider: "sqlite",
			Config: map[string]interface{}{
				"db_path":              "./powerfuse.db",
				"collection_name":      "memories",
				"embedding_model_dims": DefaultEmbeddingDims,
			},
		},
		InsightCache: InsightCacheConfig{Provider: "sqlite"},
		Fusion:       fusion.DefaultConfig(),
		Maintenance:  MaintenanceConfig{Config: maintenance.DefaultConfig()},
		Observability: ObservabilityConfig{
			Log:         observability.LogConfig{Level: "info", Format: "json"},
			ServiceName: observability.DefaultServiceName,
		},
	}
	cfg.Retrieval.Config = memory.DefaultConfig()
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Retrieval.K <= 0 {
		c.Retrieval.K = DefaultK
	}
	if c.Retrieval.FactHalfLife <= 0 {
		c.Retrieval.FactHalfLife = 90 * 24 * time.Hour
	}
	if c.Retrieval.FactFloor <= 0 {
		c.Retrieval.FactFloor = DefaultFactFloor
	}
	if c.Retrieval.FactLimit <= 0 {
		c.Retrieval.FactLimit = DefaultFactLimit
	}
	if c.Retrieval.TrendWindow <= 0 {
		c.Retrieval.TrendWindow = 14 * 24 * time.Hour
	}
	if c.Retrieval.HistoryTurns <= 0 {
		c.Retrieval.HistoryTurns = DefaultHistoryTurns
	}
	if c.Timeouts.Classify <= 0 {
		c.Timeouts.Classify = 800 * time.Millisecond
	}
	if c.Timeouts.Fetch <= 0 {
		c.Timeouts.Fetch = DefaultFetchTimeout
	}
	if c.Timeouts.Persist <= 0 {
		c.Timeouts.Persist = DefaultPersistTimeout
	}
	if c.Embedder.Dimensions <= 0 {
		if dims := configInt(c.VectorStore.Config, "embedding_model_dims"); dims > 0 {
			c.Embedder.Dimensions = dims
		} else {
			c.Embedder.Dimensions = DefaultEmbeddingDims
		}
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, oceanbase, chromem)
//   - SQLITE_PATH, SQLITE_COLLECTION, SQLITE_EMBEDDING_MODEL_DIMS
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_DATABASE, ...
//   - OCEANBASE_HOST, OCEANBASE_PORT, OCEANBASE_USER, OCEANBASE_PASSWORD, ...
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL, LLM_EXTRACT_FACTS
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL, EMBEDDING_DIMS
//   - INSIGHT_CACHE_PROVIDER (sqlite, memory), PERSONA_PATH, PERSONA_WATCH
//   - MEMORY_HALF_LIFE, FACT_HALF_LIFE, CONTRADICTION_THRESHOLD, DEDUP_WINDOW, DECAY_CURVE
//   - FETCH_TIMEOUT, PERSIST_TIMEOUT, CLASSIFY_TIMEOUT, HARD_TOKEN_BUDGET
//   - ARCHIVE_ENABLED, ARCHIVE_RETENTION, ARCHIVE_ENDPOINT, ARCHIVE_ACCESS_KEY, ARCHIVE_SECRET_KEY,
//     ARCHIVE_BUCKET, ARCHIVE_USE_SSL
//   - MAINTENANCE_ENABLED, MAINTENANCE_ARCHIVE_SPEC, MAINTENANCE_PREWARM_SPEC
//   - LOG_LEVEL, LOG_FORMAT, OTEL_SERVICE_NAME, METRICS_ADDR
//
// Malformed numbers and durations are reported as ErrInvalidConfig.
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	env := &envReader{}
	cfg := DefaultConfig()

	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")
	switch provider {
	case "oceanbase":
		cfg.VectorStore.Config = map[string]interface{}{
			"host":                 getEnvOrDefault("OCEANBASE_HOST", "127.0.0.1"),
			"port":                 env.getInt("OCEANBASE_PORT", 2881),
			"user":                 getEnvOrDefault("OCEANBASE_USER", "root@sys"),
			"password":             os.Getenv("OCEANBASE_PASSWORD"),
			"db_name":              getEnvOrDefault("OCEANBASE_DATABASE", "powerfuse"),
			"collection_name":      getEnvOrDefault("OCEANBASE_COLLECTION", "memories"),
			"embedding_model_dims": env.getInt("OCEANBASE_EMBEDDING_MODEL_DIMS", 1536),
		}
	case "postgres":
		cfg.VectorStore.Config = map[string]interface{}{
			"host":                 getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":                 env.getInt("POSTGRES_PORT", 5432),
			"user":                 getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password":             os.Getenv("POSTGRES_PASSWORD"),
			"db_name":              getEnvOrDefault("POSTGRES_DATABASE", "powerfuse"),
			"collection_name":      getEnvOrDefault("POSTGRES_COLLECTION", "memories"),
			"embedding_model_dims": env.getInt("POSTGRES_EMBEDDING_MODEL_DIMS", 1536),
			"ssl_mode":             getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	case "chromem":
		cfg.VectorStore.Config = map[string]interface{}{
			"embedding_model_dims": env.getInt("CHROMEM_EMBEDDING_MODEL_DIMS", DefaultEmbeddingDims),
		}
	default:
		cfg.VectorStore.Config = map[string]interface{}{
			"db_path":              getEnvOrDefault("SQLITE_PATH", "./powerfuse.db"),
			"collection_name":      getEnvOrDefault("SQLITE_COLLECTION", "memories"),
			"embedding_model_dims": env.getInt("SQLITE_EMBEDDING_MODEL_DIMS", DefaultEmbeddingDims),
		}
	}
	cfg.VectorStore.Provider = provider

	llmProvider := getEnvOrDefault("LLM_PROVIDER", "lexicon")
	cfg.LLM = LLMConfig{
		Provider:     llmProvider,
		APIKey:       os.Getenv("LLM_API_KEY"),
		Model:        os.Getenv("LLM_MODEL"),
		BaseURL:      os.Getenv("LLM_BASE_URL"),
		ExtractFacts: env.getBool("LLM_EXTRACT_FACTS", false),
	}

	cfg.Embedder = EmbedderConfig{
		Provider:   getEnvOrDefault("EMBEDDING_PROVIDER", "hash"),
		APIKey:     os.Getenv("EMBEDDING_API_KEY"),
		Model:      os.Getenv("EMBEDDING_MODEL"),
		BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
		Dimensions: env.getInt("EMBEDDING_DIMS", configInt(cfg.VectorStore.Config, "embedding_model_dims")),
	}

	cfg.InsightCache.Provider = getEnvOrDefault("INSIGHT_CACHE_PROVIDER", "sqlite")
	cfg.Persona = PersonaConfig{
		Path:  os.Getenv("PERSONA_PATH"),
		Watch: env.getBool("PERSONA_WATCH", true),
	}

	r := &cfg.Retrieval
	r.HalfLife = env.getDuration("MEMORY_HALF_LIFE", r.HalfLife)
	r.DedupWindow = env.getDuration("DEDUP_WINDOW", r.DedupWindow)
	r.ContradictionThreshold = env.getFloat("CONTRADICTION_THRESHOLD", r.ContradictionThreshold)
	r.FactHalfLife = env.getDuration("FACT_HALF_LIFE", r.FactHalfLife)
	r.DecayCurve = getEnvOrDefault("DECAY_CURVE", "half_life")

	cfg.Timeouts = TimeoutsConfig{
		Classify: env.getDuration("CLASSIFY_TIMEOUT", cfg.Timeouts.Classify),
		Fetch:    env.getDuration("FETCH_TIMEOUT", cfg.Timeouts.Fetch),
		Persist:  env.getDuration("PERSIST_TIMEOUT", cfg.Timeouts.Persist),
	}
	cfg.Fusion.HardBudget = env.getInt("HARD_TOKEN_BUDGET", cfg.Fusion.HardBudget)

	cfg.Archive.Enabled = env.getBool("ARCHIVE_ENABLED", false)
	cfg.Archive.Retention = env.getDuration("ARCHIVE_RETENTION", 0)
	cfg.Archive.Minio = archive.MinioConfig{
		Endpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
		AccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
		SecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),
		Bucket:    getEnvOrDefault("ARCHIVE_BUCKET", "powerfuse-archive"),
		UseSSL:    env.getBool("ARCHIVE_USE_SSL", false),
	}

	cfg.Maintenance.Enabled = env.getBool("MAINTENANCE_ENABLED", false)
	cfg.Maintenance.ArchiveSpec = getEnvOrDefault("MAINTENANCE_ARCHIVE_SPEC", cfg.Maintenance.ArchiveSpec)
	cfg.Maintenance.PrewarmSpec = getEnvOrDefault("MAINTENANCE_PREWARM_SPEC", cfg.Maintenance.PrewarmSpec)

	cfg.Observability.Log.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.Observability.Log.Format = getEnvOrDefault("LOG_FORMAT", "json")
	cfg.Observability.ServiceName = getEnvOrDefault("OTEL_SERVICE_NAME", observability.DefaultServiceName)
	cfg.Observability.MetricsAddr = os.Getenv("METRICS_ADDR")

	if err := env.err(); err != nil {
		return nil, NewEngineError("LoadConfigFromEnv", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file. Fields missing from the file
// keep their DefaultConfig values.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewEngineError("LoadConfigFromJSON", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, NewEngineError("LoadConfigFromJSON", err)
	}
	config.applyDefaults()
	return config, nil
}

// Validate checks the provider names and the numeric ranges.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return NewEngineError("Validate", fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	switch c.LLM.Provider {
	case "lexicon", "openai", "anthropic", "deepseek", "qwen", "ollama":
	default:
		return invalid("unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Embedder.Provider {
	case "hash", "openai":
	default:
		return invalid("unknown embedding provider %q", c.Embedder.Provider)
	}
	switch c.VectorStore.Provider {
	case "sqlite", "postgres", "oceanbase", "chromem":
	default:
		return invalid("unknown vector store provider %q", c.VectorStore.Provider)
	}
	for name, s := range map[string]StateStoreConfig{"fact": c.FactStore, "relationship": c.RelationshipStore} {
		switch s.Provider {
		case "", "sqlite", "postgres":
		default:
			return invalid("unknown %s store provider %q", name, s.Provider)
		}
	}
	switch c.InsightCache.Provider {
	case "", "sqlite", "memory":
	default:
		return invalid("unknown insight cache provider %q", c.InsightCache.Provider)
	}

	if dims := configInt(c.VectorStore.Config, "embedding_model_dims"); dims > 0 && c.Embedder.Dimensions > 0 && dims != c.Embedder.Dimensions {
		return invalid("embedder dimensions %d do not match vector store dimensions %d", c.Embedder.Dimensions, dims)
	}
	if t := c.Retrieval.ContradictionThreshold; t < 0 || t > 1 {
		return invalid("contradiction threshold %v outside [0,1]", t)
	}
	if c.Fusion.HardBudget < 0 {
		return invalid("hard token budget must not be negative")
	}
	if c.Archive.Enabled && (c.Archive.Minio.Endpoint == "" || c.Archive.Minio.Bucket == "") {
		return invalid("archive requires an endpoint and a bucket")
	}
	if c.Maintenance.Enabled {
		for _, spec := range []string{c.Maintenance.ArchiveSpec, c.Maintenance.PrewarmSpec} {
			if spec == "" {
				continue
			}
			if err := maintenance.ValidateSpec(spec); err != nil {
				return invalid("%v", err)
			}
		}
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed environment variables and remembers the first malformed one.
type envReader struct {
	first error
}

func (r *envReader) fail(key, value string, err error) {
	if r.first == nil {
		r.first = fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, value, err)
	}
}

func (r *envReader) err() error { return r.first }

func (r *envReader) getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *envReader) getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return f
}

func (r *envReader) getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

// getDuration accepts Go durations ("90s") and a day suffix ("30d").
func (r *envReader) getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			r.fail(key, v, err)
			return def
		}
		return time.Duration(n * float64(24*time.Hour))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

// configString reads a string from a provider config map.
func configString(m map[string]interface{}, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

// configInt reads an int from a provider config map. JSON numbers decode as float64.
func configInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
