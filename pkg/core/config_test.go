package core_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	powerfuse "github.com/oceanbase/powerfuse-go/pkg/core"
)

func TestLoadConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *powerfuse.Config)
		wantErr bool
	}{
		{
			name: "sqlite with openai",
			envVars: map[string]string{
				"DATABASE_PROVIDER":           "sqlite",
				"SQLITE_PATH":                 "./test.db",
				"SQLITE_EMBEDDING_MODEL_DIMS": "1536",
				"LLM_PROVIDER":                "openai",
				"LLM_API_KEY":                 "test-key",
				"LLM_MODEL":                   "gpt-4o-mini",
				"EMBEDDING_PROVIDER":          "openai",
				"EMBEDDING_API_KEY":           "test-key",
				"EMBEDDING_MODEL":             "text-embedding-ada-002",
			},
			check: func(t *testing.T, cfg *powerfuse.Config) {
				assert.Equal(t, "./test.db", cfg.VectorStore.Config["db_path"])
				assert.Equal(t, 1536, cfg.Embedder.Dimensions)
				assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
			},
		},
		{
			name: "postgres with tuning",
			envVars: map[string]string{
				"DATABASE_PROVIDER":       "postgres",
				"POSTGRES_HOST":           "db.internal",
				"POSTGRES_PORT":           "6543",
				"LLM_PROVIDER":            "lexicon",
				"EMBEDDING_PROVIDER":      "hash",
				"MEMORY_HALF_LIFE":        "14d",
				"FACT_HALF_LIFE":          "2160h",
				"CONTRADICTION_THRESHOLD": "0.9",
				"FETCH_TIMEOUT":           "2s",
				"HARD_TOKEN_BUDGET":       "3000",
			},
			check: func(t *testing.T, cfg *powerfuse.Config) {
				assert.Equal(t, "db.internal", cfg.VectorStore.Config["host"])
				assert.Equal(t, 6543, cfg.VectorStore.Config["port"])
				assert.Equal(t, 14*24*time.Hour, cfg.Retrieval.HalfLife)
				assert.Equal(t, 90*24*time.Hour, cfg.Retrieval.FactHalfLife)
				assert.Equal(t, 0.9, cfg.Retrieval.ContradictionThreshold)
				assert.Equal(t, 2*time.Second, cfg.Timeouts.Fetch)
				assert.Equal(t, 3000, cfg.Fusion.HardBudget)
			},
		},
		{
			name: "archive and maintenance",
			envVars: map[string]string{
				"DATABASE_PROVIDER":        "chromem",
				"LLM_PROVIDER":             "lexicon",
				"EMBEDDING_PROVIDER":       "hash",
				"ARCHIVE_ENABLED":          "true",
				"ARCHIVE_ENDPOINT":         "localhost:9000",
				"ARCHIVE_RETENTION":        "30d",
				"MAINTENANCE_ENABLED":      "true",
				"MAINTENANCE_PREWARM_SPEC": "@every 5m",
			},
			check: func(t *testing.T, cfg *powerfuse.Config) {
				assert.True(t, cfg.Archive.Enabled)
				assert.Equal(t, "localhost:9000", cfg.Archive.Minio.Endpoint)
				assert.Equal(t, "powerfuse-archive", cfg.Archive.Minio.Bucket)
				assert.Equal(t, 30*24*time.Hour, cfg.Archive.Retention)
				assert.Equal(t, "@every 5m", cfg.Maintenance.PrewarmSpec)
				assert.Equal(t, "@daily", cfg.Maintenance.ArchiveSpec)
				assert.NoError(t, cfg.Validate())
			},
		},
		{
			name: "malformed duration",
			envVars: map[string]string{
				"DATABASE_PROVIDER": "sqlite",
				"FETCH_TIMEOUT":     "soon",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			config, err := powerfuse.LoadConfigFromEnv()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, powerfuse.ErrInvalidConfig))
				assert.Nil(t, config)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.envVars["DATABASE_PROVIDER"], config.VectorStore.Provider)
			assert.Equal(t, tt.envVars["LLM_PROVIDER"], config.LLM.Provider)
			assert.Equal(t, tt.envVars["EMBEDDING_PROVIDER"], config.Embedder.Provider)
			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *powerfuse.Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(cfg *powerfuse.Config) {}},
		{
			name:    "unknown llm",
			mutate:  func(cfg *powerfuse.Config) { cfg.LLM.Provider = "gemini" },
			wantErr: true,
		},
		{
			name:    "unknown vector store",
			mutate:  func(cfg *powerfuse.Config) { cfg.VectorStore.Provider = "redis" },
			wantErr: true,
		},
		{
			name:    "dimension mismatch",
			mutate:  func(cfg *powerfuse.Config) { cfg.Embedder.Dimensions = 64 },
			wantErr: true,
		},
		{
			name:    "threshold out of range",
			mutate:  func(cfg *powerfuse.Config) { cfg.Retrieval.ContradictionThreshold = 1.5 },
			wantErr: true,
		},
		{
			name:    "archive without endpoint",
			mutate:  func(cfg *powerfuse.Config) { cfg.Archive.Enabled = true },
			wantErr: true,
		},
		{
			name: "bad cron spec",
			mutate: func(cfg *powerfuse.Config) {
				cfg.Maintenance.Enabled = true
				cfg.Maintenance.ArchiveSpec = "whenever"
			},
			wantErr: true,
		},
		{
			name: "postgres state stores",
			mutate: func(cfg *powerfuse.Config) {
				cfg.FactStore.Provider = "postgres"
				cfg.RelationshipStore.Provider = "postgres"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := powerfuse.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, powerfuse.ErrInvalidConfig), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"vector_store": {
			"provider": "sqlite",
			"config": {"db_path": "/tmp/fuse.db", "embedding_model_dims": 384}
		},
		"embedder": {"provider": "hash", "dimensions": 384},
		"fusion": {"hard_budget": 1500}
	}`), 0o644))

	cfg, err := powerfuse.LoadConfigFromJSON(path)
	require.NoError(t, err)
	assert.Equal(t, "lexicon", cfg.LLM.Provider)
	assert.Equal(t, 1500, cfg.Fusion.HardBudget)
	assert.Equal(t, powerfuse.DefaultK, cfg.Retrieval.K)
	assert.NoError(t, cfg.Validate())

	_, err = powerfuse.LoadConfigFromJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestFindEnvFile(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOG_LEVEL=debug\n"), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	path, found := powerfuse.FindEnvFile()
	assert.True(t, found)
	assert.Equal(t, filepath.Join(dir, ".env"), path)
}
