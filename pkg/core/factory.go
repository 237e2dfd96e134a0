package core

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/oceanbase/powerfuse-go/pkg/archive"
	"github.com/oceanbase/powerfuse-go/pkg/embedder"
	"github.com/oceanbase/powerfuse-go/pkg/embedder/hash"
	openaiEmbedder "github.com/oceanbase/powerfuse-go/pkg/embedder/openai"
	"github.com/oceanbase/powerfuse-go/pkg/facts"
	"github.com/oceanbase/powerfuse-go/pkg/insight"
	ristrettoInsight "github.com/oceanbase/powerfuse-go/pkg/insight/ristretto"
	sqliteInsight "github.com/oceanbase/powerfuse-go/pkg/insight/sqlite"
	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/llm"
	anthropicLLM "github.com/oceanbase/powerfuse-go/pkg/llm/anthropic"
	openaiLLM "github.com/oceanbase/powerfuse-go/pkg/llm/openai"
	"github.com/oceanbase/powerfuse-go/pkg/maintenance"
	"github.com/oceanbase/powerfuse-go/pkg/memory"
	"github.com/oceanbase/powerfuse-go/pkg/observability"
	"github.com/oceanbase/powerfuse-go/pkg/persona"
	"github.com/oceanbase/powerfuse-go/pkg/relationship"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
	chromemStore "github.com/oceanbase/powerfuse-go/pkg/storage/chromem"
	"github.com/oceanbase/powerfuse-go/pkg/storage/oceanbase"
	postgresStore "github.com/oceanbase/powerfuse-go/pkg/storage/postgres"
	sqliteStore "github.com/oceanbase/powerfuse-go/pkg/storage/sqlite"
)

// Default base URLs of the OpenAI-compatible providers.
const (
	DeepSeekBaseURL = "https://api.deepseek.com"
	QwenBaseURL     = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	OllamaBaseURL   = "http://localhost:11434/v1"

	defaultStatePath = "./powerfuse-state.db"
)

var compatibleBaseURLs = map[string]string{
	"deepseek": DeepSeekBaseURL,
	"qwen":     QwenBaseURL,
	"ollama":   OllamaBaseURL,
}

// Default models of the OpenAI-compatible providers.
var compatibleModels = map[string]string{
	"deepseek": "deepseek-chat",
	"qwen":     "qwen-plus",
	"ollama":   "llama3.1",
}

// sharedDB is a relational connection that several stores may use.
type sharedDB struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

// builder collects what NewEngine has built so far, so a failure can release it.
type builder struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *observability.Metrics
	closers []io.Closer
}

func (b *builder) own(c io.Closer) {
	if c != nil {
		b.closers = append(b.closers, c)
	}
}

func (b *builder) release() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

// NewEngine creates an engine and every store it needs from cfg.
//
// The engine is initialized with:
//   - Emotion classifier (LLM provider, or the lexicon classifier)
//   - Embedding provider (OpenAI compatible, or the offline hash embedder)
//   - Vector store (SQLite, PostgreSQL, OceanBase or chromem)
//   - Fact and relationship stores (SQLite or PostgreSQL, sharing the vector store's database
//     when possible)
//   - Insight cache (SQLite or in-memory)
//   - Persona source (YAML file, optionally watched)
//   - Archival and the maintenance scheduler (if enabled)
//
// Parameters:
//   - cfg: Configuration of the stores, providers and tuning knobs
//   - opts: Optional logger, clock, metrics and tracer overrides
//
// Returns the engine, or an error wrapping ErrInvalidConfig when a provider name is unknown
// or a provider rejects its settings. Stores opened before the failure are closed.
//
// Example:
//
//	config, _ := core.LoadConfigFromEnv()
//	engine, err := core.NewEngine(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
func NewEngine(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Resolve the ambient options first so the components share them.
	probe := &Engine{logger: observability.NewLogger(cfg.Observability.Log)}
	for _, opt := range opts {
		opt(probe)
	}
	if probe.metrics == nil {
		probe.metrics = observability.NewMetrics()
	}
	if probe.tracer == nil {
		probe.tracer = observability.NewTracer(observability.TraceConfig{ServiceName: cfg.Observability.ServiceName})
	}
	logger := probe.logger

	b := &builder{cfg: cfg, logger: logger, metrics: probe.metrics}
	deps, backend, graph, cache, err := b.build()
	if err != nil {
		b.release()
		return nil, err
	}
	deps.Closers = b.closers

	engineOpts := append([]Option{
		WithLogger(logger),
		WithMetrics(probe.metrics),
		WithTracer(probe.tracer),
	}, opts...)
	engine, err := NewEngineWithDeps(cfg.engineConfig(), deps, engineOpts...)
	if err != nil {
		b.release()
		return nil, err
	}

	if cfg.Maintenance.Enabled {
		sched, err := b.initMaintenance(backend, graph, cache, engine)
		if err != nil {
			_ = engine.Close()
			return nil, err
		}
		engine.scheduler = sched
		sched.Start()
	}
	return engine, nil
}

func (b *builder) build() (Deps, storage.VectorStore, *facts.Graph, *insight.Cache, error) {
	cfg := b.cfg

	provider, err := initLLM(cfg.LLM)
	if err != nil {
		return Deps{}, nil, nil, nil, err
	}
	if provider != nil {
		b.own(provider)
	}

	var classifier signal.Classifier
	if provider != nil {
		classifier = signal.NewLLMClassifier(provider)
	}
	analyzer := signal.NewAnalyzer(classifier,
		signal.WithTimeout(cfg.Timeouts.Classify),
		signal.WithLogger(b.logger),
	)

	embedderProvider, err := initEmbedder(cfg.Embedder)
	if err != nil {
		return Deps{}, nil, nil, nil, err
	}
	b.own(embedderProvider)

	backend, shared, err := initStorage(cfg.VectorStore)
	if err != nil {
		return Deps{}, nil, nil, nil, err
	}
	b.own(backend)

	node, err := snowflake.NewNode(1)
	if err != nil {
		return Deps{}, nil, nil, nil, NewEngineError("NewEngine", err)
	}

	mem, err := memory.NewStore(backend, embedder.NewProjector(embedderProvider), cfg.Retrieval.Config,
		memory.WithDecay(intelligence.NewDecay(cfg.Retrieval.DecayCurve, cfg.Retrieval.HalfLife, 0)),
		memory.WithLogger(b.logger),
		memory.WithNode(node),
	)
	if err != nil {
		return Deps{}, nil, nil, nil, NewEngineError("NewEngine", err)
	}

	factDB, err := b.openStateDB(cfg.FactStore, shared)
	if err != nil {
		return Deps{}, nil, nil, nil, err
	}
	factBackend, err := newFactBackend(factDB, tableOr(cfg.FactStore.Table, "facts"))
	if err != nil {
		return Deps{}, nil, nil, nil, NewEngineError("NewEngine", err)
	}
	graph, err := facts.NewGraph(factBackend,
		facts.WithDecay(intelligence.NewDecay(cfg.Retrieval.DecayCurve, cfg.Retrieval.FactHalfLife, cfg.Retrieval.FactFloor)),
		facts.WithLogger(b.logger),
		facts.WithNode(node),
	)
	if err != nil {
		_ = factBackend.Close()
		return Deps{}, nil, nil, nil, NewEngineError("NewEngine", err)
	}
	b.own(graph)

	relDB, err := b.openStateDB(cfg.RelationshipStore, factDB)
	if err != nil {
		return Deps{}, nil, nil, nil, err
	}
	relBackend, err := newRelationshipBackend(relDB, tableOr(cfg.RelationshipStore.Table, "relationship"))
	if err != nil {
		return Deps{}, nil, nil, nil, NewEngineError("NewEngine", err)
	}
	tracker := relationship.NewTracker(relBackend, relationship.Config{TrendWindow: cfg.Retrieval.TrendWindow},
		relationship.WithLogger(b.logger))
	b.own(tracker)

	entries, err := initInsightStore(cfg.InsightCache, factDB)
	if err != nil {
		return Deps{}, nil, nil, nil, err
	}
	staleness := make(map[insight.Kind]time.Duration, len(cfg.InsightCache.Staleness))
	for kind, d := range cfg.InsightCache.Staleness {
		staleness[insight.Kind(kind)] = d
	}
	cache := insight.NewCache(entries, insight.NewComputers(graph, tracker),
		insight.Config{Deadline: cfg.InsightCache.Deadline, Staleness: staleness},
		insight.WithLogger(b.logger),
		insight.WithObserver(b.metrics),
	)
	b.own(cache)

	personas, err := b.initPersona(cfg.Persona)
	if err != nil {
		return Deps{}, nil, nil, nil, err
	}

	var extractor FactExtractor = intelligence.NewFactExtractor(nil)
	if cfg.LLM.ExtractFacts && provider != nil {
		extractor = intelligence.NewFactExtractor(provider)
	}

	return Deps{
		Analyzer:     analyzer,
		Memory:       mem,
		Facts:        graph,
		Relationship: tracker,
		Insights:     cache,
		Personas:     personas,
		Styles:       persona.NewRegistry(),
		Extractor:    extractor,
		Assessor:     intelligence.NewTurnAssessor(),
	}, backend, graph, cache, nil
}

func (b *builder) initPersona(cfg PersonaConfig) (persona.Source, error) {
	if cfg.Path == "" {
		return persona.NewStaticSource(), nil
	}
	src, err := persona.NewFileSource(cfg.Path, persona.WithLogger(b.logger))
	if err != nil {
		return nil, NewEngineError("NewEngine", fmt.Errorf("%w: persona file: %v", ErrInvalidConfig, err))
	}
	b.own(src)
	if cfg.Watch {
		if err := src.Watch(context.Background()); err != nil {
			b.logger.Warn("persona file not watched", "path", cfg.Path, "error", err)
		}
	}
	return src, nil
}

func (b *builder) initMaintenance(backend storage.VectorStore, graph *facts.Graph, cache *insight.Cache, engine *Engine) (*maintenance.Scheduler, error) {
	cfg := b.cfg
	deps := maintenance.Deps{
		Insights: cache,
		Activity: engine.activity,
		Marker:   graph,
	}
	if cfg.Archive.Enabled {
		objects, err := archive.NewMinioStore(cfg.Archive.Minio)
		if err != nil {
			return nil, NewEngineError("NewEngine", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = objects.EnsureBucket(ctx)
		cancel()
		if err != nil {
			return nil, NewEngineError("NewEngine", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err))
		}
		deps.Archiver = archive.New(backend, objects, cfg.Archive.Config, archive.WithLogger(engine.logger))
	}
	sched, err := maintenance.New(cfg.Maintenance.Config, deps,
		maintenance.WithLogger(engine.logger),
		maintenance.WithObserver(engine.metrics),
	)
	if err != nil {
		return nil, NewEngineError("NewEngine", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	return sched, nil
}

// initStorage initializes the vector store. For sqlite and postgres it also returns the
// connection so the relational stores can share it.
func initStorage(cfg VectorStoreConfig) (storage.VectorStore, *sharedDB, error) {
	dims := configInt(cfg.Config, "embedding_model_dims")
	collection := configString(cfg.Config, "collection_name", "memories")

	switch cfg.Provider {
	case "oceanbase":
		client, err := oceanbase.NewClient(&oceanbase.Config{
			Host:               configString(cfg.Config, "host", "127.0.0.1"),
			Port:               configIntOr(cfg.Config, "port", 2881),
			User:               configString(cfg.Config, "user", "root@sys"),
			Password:           configString(cfg.Config, "password", ""),
			DBName:             configString(cfg.Config, "db_name", "powerfuse"),
			CollectionName:     collection,
			EmbeddingModelDims: dims,
		})
		if err != nil {
			return nil, nil, NewEngineError("initStorage", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err))
		}
		return client, nil, nil
	case "sqlite":
		db, err := sqliteStore.Open(configString(cfg.Config, "db_path", "./powerfuse.db"))
		if err != nil {
			return nil, nil, NewEngineError("initStorage", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err))
		}
		client, err := sqliteStore.NewClientWithDB(db, &sqliteStore.Config{
			CollectionName:     collection,
			EmbeddingModelDims: dims,
		})
		if err != nil {
			_ = db.Close()
			return nil, nil, NewEngineError("initStorage", err)
		}
		return client, &sharedDB{db: db, dialect: "sqlite"}, nil
	case "postgres":
		pgCfg := postgresConfig(cfg.Config)
		pgCfg.CollectionName = collection
		pgCfg.EmbeddingModelDims = dims
		db, err := postgresStore.Open(pgCfg)
		if err != nil {
			return nil, nil, NewEngineError("initStorage", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err))
		}
		client, err := postgresStore.NewClientWithDB(db, pgCfg)
		if err != nil {
			_ = db.Close()
			return nil, nil, NewEngineError("initStorage", err)
		}
		return client, &sharedDB{db: db, dialect: "postgres"}, nil
	case "chromem":
		return chromemStore.New(&chromemStore.Config{EmbeddingModelDims: dims}), nil, nil
	default:
		return nil, nil, NewEngineError("initStorage", ErrInvalidConfig)
	}
}

// openStateDB returns the connection of a relational store: its own when configured,
// otherwise the shared one, otherwise a local sqlite file.
func (b *builder) openStateDB(cfg StateStoreConfig, shared *sharedDB) (*sharedDB, error) {
	switch cfg.Provider {
	case "":
		if shared != nil {
			return shared, nil
		}
		return b.openSQLite(defaultStatePath)
	case "sqlite":
		return b.openSQLite(configString(cfg.Config, "db_path", defaultStatePath))
	case "postgres":
		db, err := postgresStore.Open(postgresConfig(cfg.Config))
		if err != nil {
			return nil, NewEngineError("openStateDB", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err))
		}
		b.own(db)
		return &sharedDB{db: db, dialect: "postgres"}, nil
	default:
		return nil, NewEngineError("openStateDB", ErrInvalidConfig)
	}
}

func (b *builder) openSQLite(path string) (*sharedDB, error) {
	db, err := sqliteStore.Open(path)
	if err != nil {
		return nil, NewEngineError("openStateDB", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err))
	}
	b.own(db)
	return &sharedDB{db: db, dialect: "sqlite"}, nil
}

func newFactBackend(s *sharedDB, table string) (*facts.SQLStore, error) {
	if s.dialect == "postgres" {
		return facts.NewPostgresStore(s.db, table)
	}
	return facts.NewSQLiteStore(s.db, table)
}

func newRelationshipBackend(s *sharedDB, prefix string) (*relationship.SQLStore, error) {
	if s.dialect == "postgres" {
		return relationship.NewPostgresStore(s.db, prefix)
	}
	return relationship.NewSQLiteStore(s.db, prefix)
}

// initInsightStore initializes the insight entry store. The sqlite provider shares the
// fact store's file when that is sqlite too.
func initInsightStore(cfg InsightCacheConfig, shared *sharedDB) (insight.EntryStore, error) {
	table := tableOr(cfg.Table, "insights")
	switch cfg.Provider {
	case "memory":
		store, err := ristrettoInsight.NewStore(&ristrettoInsight.Config{MaxEntries: int64(cfg.MaxEntries)})
		if err != nil {
			return nil, NewEngineError("initInsightStore", err)
		}
		return store, nil
	case "", "sqlite":
		if cfg.DBPath == "" && shared != nil && shared.dialect == "sqlite" {
			store, err := sqliteInsight.NewStoreWithDB(shared.db, table)
			if err != nil {
				return nil, NewEngineError("initInsightStore", err)
			}
			return store, nil
		}
		path := cfg.DBPath
		if path == "" {
			path = "./powerfuse-insights.db"
		}
		store, err := sqliteInsight.NewStore(&sqliteInsight.Config{DBPath: path, TableName: table})
		if err != nil {
			return nil, NewEngineError("initInsightStore", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err))
		}
		return store, nil
	default:
		return nil, NewEngineError("initInsightStore", ErrInvalidConfig)
	}
}

// initLLM initializes the LLM provider. The lexicon provider needs none and returns nil.
func initLLM(cfg LLMConfig) (llm.Provider, error) {
	var (
		provider llm.Provider
		err      error
	)
	switch cfg.Provider {
	case "", "lexicon":
		return nil, nil
	case "openai":
		provider, err = openaiLLM.NewClient(&openaiLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "deepseek", "qwen", "ollama":
		provider, err = openaiLLM.NewClient(compatibleConfig(cfg))
	case "anthropic":
		provider, err = anthropicLLM.NewClient(&anthropicLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, NewEngineError("initLLM", ErrInvalidConfig)
	}
	if err != nil {
		return nil, NewEngineError("initLLM", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	return provider, nil
}

// compatibleConfig fills the endpoint and model defaults of an OpenAI-compatible provider.
func compatibleConfig(cfg LLMConfig) *openaiLLM.Config {
	out := &openaiLLM.Config{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL}
	if out.BaseURL == "" {
		out.BaseURL = compatibleBaseURLs[cfg.Provider]
	}
	if out.Model == "" {
		out.Model = compatibleModels[cfg.Provider]
	}
	if out.APIKey == "" && cfg.Provider == "ollama" {
		// Ollama ignores the key but the client requires one.
		out.APIKey = "ollama"
	}
	return out
}

// initEmbedder initializes the embedding provider.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "", "hash":
		return hash.New(cfg.Dimensions), nil
	case "openai":
		client, err := openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, NewEngineError("initEmbedder", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
		}
		return client, nil
	default:
		return nil, NewEngineError("initEmbedder", ErrInvalidConfig)
	}
}

func postgresConfig(m map[string]interface{}) *postgresStore.Config {
	return &postgresStore.Config{
		Host:     configString(m, "host", "localhost"),
		Port:     configIntOr(m, "port", 5432),
		User:     configString(m, "user", "postgres"),
		Password: configString(m, "password", ""),
		DBName:   configString(m, "db_name", "powerfuse"),
		SSLMode:  configString(m, "ssl_mode", "disable"),
	}
}

func configIntOr(m map[string]interface{}, key string, def int) int {
	if n := configInt(m, key); n > 0 {
		return n
	}
	return def
}

func tableOr(name, def string) string {
	if name != "" {
		return name
	}
	return def
}
