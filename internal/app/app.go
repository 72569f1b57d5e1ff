package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"embedpipe/internal/adapter/nsqqueue"
	"embedpipe/internal/adapter/s3store"
	"embedpipe/internal/config"
	"embedpipe/internal/metastore"
	"embedpipe/internal/metrics"
	"embedpipe/internal/worker"
)

// App holds everything constructed at startup. Process-wide state lives here
// and is passed explicitly into the worker loop; nothing is ambient.
type App struct {
	Loop     *worker.Loop
	Queue    *nsqqueue.Queue
	Registry *prometheus.Registry
	Purger   Purger

	db       *sql.DB
	embedder worker.Embedder
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reporter := metrics.NewReporter(registry)

	embedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding backend: %w", err)
	}
	if embedder.Dimensions() != cfg.EmbeddingDim {
		return nil, fmt.Errorf("%w: backend declares %d, EMBEDDING_DIM is %d",
			worker.ErrDimensionMismatch, embedder.Dimensions(), cfg.EmbeddingDim)
	}

	sink, purger, err := buildSink(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("index sink: %w", err)
	}

	source, err := s3store.New(ctx, s3store.Options{
		Region:    cfg.AWSRegion,
		AccessKey: cfg.AWSAccessKey,
		SecretKey: cfg.AWSSecretKey,
		Endpoint:  cfg.S3Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	queue, err := nsqqueue.New(nsqqueue.Config{
		Topic:           cfg.EmbedTopic,
		Channel:         cfg.EmbedChannel,
		DeadLetterTopic: cfg.DeadLetterTopic,
		LookupdAddr:     cfg.NSQLookupd,
		NSQDAddr:        cfg.NSQDHost,
		NSQDHTTPAddr:    cfg.NSQDHTTP,
		MaxInFlight:     cfg.ReceiveMax,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	batcher := worker.NewBatcher(cfg.BatchSize, cfg.BatchMaxWait)
	loop := worker.NewLoop(queue, queue, source, embedder, sink, reporter, batcher, worker.Options{
		ReceiveMax:   cfg.ReceiveMax,
		MaxAttempts:  cfg.MaxAttempts,
		Parallelism:  cfg.EmbedParallelism,
		Dimensions:   cfg.EmbeddingDim,
		CallTimeout:  cfg.CallTimeout,
		RequeueDelay: cfg.RequeueDelay,
	})

	if cfg.VectorArchiveBucket != "" {
		loop.WithSideWriters(s3store.NewVectorArchive(source, cfg.VectorArchiveBucket))
		slog.Info("vector archive enabled", "bucket", cfg.VectorArchiveBucket)
	}

	app := &App{
		Loop:     loop,
		Queue:    queue,
		Registry: registry,
		Purger:   purger,
		embedder: embedder,
	}

	if cfg.MetaStoreEnabled() {
		db, err := openMetaDB(cfg)
		if err != nil {
			return nil, fmt.Errorf("meta store: %w", err)
		}
		app.db = db
		loop.WithStatusStore(metastore.New(db, cfg.MetaTable))
		slog.Info("metadata side-store enabled", "table", cfg.MetaTable)
	}

	return app, nil
}

// Run connects the queue and drives the loop until ctx is canceled or the
// loop halts on a fatal configuration error.
func (a *App) Run(ctx context.Context) error {
	if err := a.Queue.Connect(); err != nil {
		return fmt.Errorf("queue connect: %w", err)
	}
	defer a.Queue.Stop()

	return a.Loop.Run(ctx)
}

func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("failed to close meta db", "error", err)
		}
	}
	if closer, ok := a.embedder.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("failed to close embedder", "error", err)
		}
	}
}
