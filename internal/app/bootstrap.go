package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"embedpipe/internal/adapter/gemini"
	"embedpipe/internal/adapter/inference"
	"embedpipe/internal/adapter/local"
	"embedpipe/internal/adapter/opensearch"
	wsink "embedpipe/internal/adapter/weaviate"
	"embedpipe/internal/config"
	"embedpipe/internal/vector"
	"embedpipe/internal/worker"
)

// Purger is the operational reset both sinks support.
type Purger interface {
	Purge(ctx context.Context) error
}

// buildEmbedder selects the embedding backend once at startup; the concrete
// type is held for the process lifetime.
func buildEmbedder(ctx context.Context, cfg *config.Config) (worker.Embedder, error) {
	switch cfg.Backend {
	case config.BackendGemini:
		return gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.EmbedParallelism)
	case config.BackendInference:
		return inference.NewEmbedder(cfg.InferenceURL, cfg.EmbeddingDim, cfg.EmbedParallelism), nil
	case config.BackendLocal:
		return local.NewEmbedder(cfg.LocalModelPath, cfg.EmbeddingDim)
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}

// buildSink selects the index sink and makes sure its schema exists before
// any message is consumed, retrying while the index comes up.
func buildSink(ctx context.Context, cfg *config.Config) (worker.IndexSink, Purger, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	switch cfg.IndexBackend {
	case config.IndexWeaviate:
		wClient, err := weaviate.NewClient(weaviate.Config{
			Host:   cfg.WeaviateHost,
			Scheme: cfg.WeaviateScheme,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("weaviate client: %w", err)
		}

		adapter := vector.NewWeaviateClientAdapter(wClient)
		schemaCfg := vector.SchemaConfig{
			Class:          cfg.WeaviateClass,
			Distance:       cfg.IndexDistance,
			EfConstruction: cfg.IndexEfConstruction,
		}
		ensure := func() error { return vector.EnsureSchema(ctx, adapter, schemaCfg) }
		if err := withRetry(ensure, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			return nil, nil, fmt.Errorf("weaviate schema: %w", err)
		}

		sink := wsink.NewSink(wClient, cfg.WeaviateClass)
		return sink, sink, nil

	case config.IndexOpenSearch:
		sink := opensearch.NewSink(opensearch.Config{
			URL:      cfg.OpenSearchURL,
			Index:    cfg.OpenSearchIndex,
			Username: cfg.OpenSearchUser,
			Password: cfg.OpenSearchPass,
		})
		ensure := func() error {
			return sink.EnsureIndex(ctx, cfg.EmbeddingDim, cfg.IndexDistance, cfg.IndexEfConstruction)
		}
		if err := withRetry(ensure, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			return nil, nil, fmt.Errorf("opensearch index: %w", err)
		}
		return sink, sink, nil

	default:
		return nil, nil, fmt.Errorf("unknown index backend %q", cfg.IndexBackend)
	}
}

// openMetaDB connects to the optional metadata store and applies migrations.
func openMetaDB(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.MetaDBHost, cfg.MetaDBPort, cfg.MetaDBUser, cfg.MetaDBPass, cfg.MetaDBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open meta db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	if err := withRetry(db.Ping, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		return nil, fmt.Errorf("ping meta db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	return db, nil
}

func withRetry(fn func() error, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			slog.Warn("bootstrap step failed, retrying", "attempt", i+1, "error", err)
			time.Sleep(delay)
		}
	}
	return err
}
