package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

// Embedding backend selectors.
const (
	BackendGemini    = "gemini"
	BackendInference = "inference"
	BackendLocal     = "local"
)

// Index backend selectors.
const (
	IndexWeaviate   = "weaviate"
	IndexOpenSearch = "opensearch"
)

type Config struct {
	// Embedding backend
	Backend        string `envconfig:"EMBEDDING_BACKEND" default:"gemini"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	EmbeddingDim   int    `envconfig:"EMBEDDING_DIM" default:"768"`
	GeminiAPIKey   string `envconfig:"GEMINI_API_KEY"`
	InferenceURL   string `envconfig:"INFERENCE_URL"`
	LocalModelPath string `envconfig:"LOCAL_MODEL_PATH"`

	// Batching & retry policy
	BatchSize        int           `envconfig:"BATCH_SIZE" default:"16"`
	BatchMaxWait     time.Duration `envconfig:"BATCH_MAX_WAIT" default:"2s"`
	CallTimeout      time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`
	MaxAttempts      int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	EmbedParallelism int           `envconfig:"EMBED_PARALLELISM" default:"4"`
	ReceiveMax       int           `envconfig:"RECEIVE_MAX" default:"10"`
	RequeueDelay     time.Duration `envconfig:"REQUEUE_DELAY" default:"15s"`

	// Index sink
	IndexBackend        string `envconfig:"INDEX_BACKEND" default:"weaviate"`
	WeaviateHost        string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme      string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	WeaviateClass       string `envconfig:"WEAVIATE_CLASS" default:"Document"`
	OpenSearchURL       string `envconfig:"OPENSEARCH_URL"`
	OpenSearchIndex     string `envconfig:"OPENSEARCH_INDEX" default:"documents"`
	OpenSearchUser      string `envconfig:"OPENSEARCH_USER"`
	OpenSearchPass      string `envconfig:"OPENSEARCH_PASS"`
	IndexDistance       string `envconfig:"INDEX_DISTANCE" default:"cosine"`
	IndexEfConstruction int    `envconfig:"INDEX_EF_CONSTRUCTION" default:"128"`

	// Queue transport
	NSQLookupd      string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost        string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP        string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	EmbedTopic      string `envconfig:"EMBED_TOPIC" default:"embed.task"`
	EmbedChannel    string `envconfig:"EMBED_CHANNEL" default:"embedder"`
	DeadLetterTopic string `envconfig:"DEADLETTER_TOPIC" default:"embed.deadletter"`

	// Object storage
	AWSRegion           string `envconfig:"AWS_REGION" default:"us-east-1"`
	AWSAccessKey        string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey        string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	S3Endpoint          string `envconfig:"S3_ENDPOINT"`
	VectorArchiveBucket string `envconfig:"VECTOR_ARCHIVE_BUCKET"`

	// Optional metadata side-store
	MetaDBHost    string `envconfig:"META_DB_HOST"`
	MetaDBPort    int    `envconfig:"META_DB_PORT" default:"5432"`
	MetaDBUser    string `envconfig:"META_DB_USER" default:"embedpipe"`
	MetaDBPass    string `envconfig:"META_DB_PASS"`
	MetaDBName    string `envconfig:"META_DB_NAME" default:"embedpipe"`
	MetaTable     string `envconfig:"META_TABLE" default:"document_meta"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Observability
	MetricsPort int    `envconfig:"METRICS_PORT" default:"9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may come from the shell; a missing .env is fine.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations that would silently corrupt the index or
// cannot start at all. Called before any message is consumed.
func (c *Config) Validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIM must be positive", ErrMissingRequired)
	}

	switch c.Backend {
	case BackendGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
	case BackendInference:
		if c.InferenceURL == "" {
			return fmt.Errorf("%w: INFERENCE_URL", ErrMissingRequired)
		}
	case BackendLocal:
		if c.LocalModelPath == "" {
			return fmt.Errorf("%w: LOCAL_MODEL_PATH", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("unknown embedding backend %q", c.Backend)
	}

	switch c.IndexBackend {
	case IndexWeaviate:
		if c.WeaviateHost == "" {
			return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
		}
	case IndexOpenSearch:
		if c.OpenSearchURL == "" {
			return fmt.Errorf("%w: OPENSEARCH_URL", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("unknown index backend %q", c.IndexBackend)
	}

	if c.EmbedTopic == "" || c.EmbedChannel == "" {
		return fmt.Errorf("%w: EMBED_TOPIC / EMBED_CHANNEL", ErrMissingRequired)
	}
	if c.DeadLetterTopic == "" {
		return fmt.Errorf("%w: DEADLETTER_TOPIC", ErrMissingRequired)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: BATCH_SIZE must be at least 1", ErrMissingRequired)
	}

	return nil
}

// MetaStoreEnabled reports whether the optional metadata side-store is
// configured.
func (c *Config) MetaStoreEnabled() bool {
	return c.MetaDBHost != ""
}
