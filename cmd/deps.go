package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/spf13/viper"
	weaviateClient "github.com/weaviate/weaviate-go-client/v4/weaviate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"docrag/src/core/embedding"
	"docrag/src/core/extract"
	"docrag/src/core/indexer"
	"docrag/src/core/knowledge"
	"docrag/src/core/retrieval"
	"docrag/src/infrastructure/integrations/gemini"
	"docrag/src/infrastructure/integrations/ollama"
	"docrag/src/infrastructure/integrations/unstructured"
	"docrag/src/infrastructure/log"
	"docrag/src/storage/elastic"
	"docrag/src/storage/memory"
	"docrag/src/storage/minioctrl"
	"docrag/src/storage/pgvector"
	"docrag/src/storage/postgres/documentctrl"
	"docrag/src/storage/weaviate"
)

const (
	backendPgvector = "pgvector"
	backendWeaviate = "weaviate"
	backendElastic  = "elastic"
	backendMemory   = "memory"

	providerOllama = "ollama"
	providerGemini = "gemini"
)

var errAMQPDisabled = errors.New("amqp.url is not set")

// pingFunc adapts a function to the health check interface.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// configDuration reads a duration key. Bare integers are seconds so that
// INDEXING_CYCLE_INTERVAL=300 keeps its meaning.
func configDuration(key string) time.Duration {
	if n, err := strconv.Atoi(viper.GetString(key)); err == nil {
		return time.Duration(n) * time.Second
	}
	return viper.GetDuration(key)
}

func openDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		viper.GetString("postgres.host"),
		viper.GetString("postgres.user"),
		viper.GetString("postgres.password"),
		viper.GetString("postgres.db"),
		viper.GetString("postgres.port"),
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	_ = sqlDB.Close()
}

func dbPinger(db *gorm.DB) pingFunc {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// storeHandle is the configured vector store plus its schema setup.
type storeHandle struct {
	knowledge.Store
	backend string
	migrate func(ctx context.Context) error
}

func newStore(db *gorm.DB) (*storeHandle, error) {
	backend := viper.GetString("store.backend")
	switch backend {
	case backendPgvector:
		s, err := pgvector.NewStore(db)
		if err != nil {
			return nil, err
		}
		return &storeHandle{Store: s, backend: backend, migrate: s.Migrate}, nil
	case backendWeaviate:
		client, err := weaviateClient.NewClient(weaviateClient.Config{
			Host:   viper.GetString("weaviate.url"),
			Scheme: viper.GetString("weaviate.scheme"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create weaviate client: %w", err)
		}
		s := weaviate.NewStore(client, viper.GetString("weaviate.class"))
		return &storeHandle{Store: s, backend: backend, migrate: s.EnsureSchema}, nil
	case backendElastic:
		es, err := elastic.NewClient(
			viper.GetStringSlice("elastic.addresses"),
			viper.GetString("elastic.username"),
			viper.GetString("elastic.password"),
		)
		if err != nil {
			return nil, err
		}
		s := elastic.NewStore(es, viper.GetString("elastic.index"))
		return &storeHandle{Store: s, backend: backend, migrate: s.EnsureIndex}, nil
	case backendMemory:
		log.Info("using the in-memory vector store, chunks are lost on exit")
		return &storeHandle{
			Store:   memory.New(),
			backend: backend,
			migrate: func(context.Context) error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// embedder is the configured provider wrapped in the retrying client. query
// embeds search text, which some providers encode differently from
// documents. ping is nil for providers without a health endpoint.
type embedder struct {
	*embedding.Client
	query *embedding.Client
	ping  pingFunc
}

func newEmbedder(ctx context.Context) (*embedder, error) {
	var (
		provider      embedding.Provider
		queryProvider embedding.Provider
		ping          pingFunc
	)
	model := viper.GetString("embedding.model")

	switch p := viper.GetString("embedding.provider"); p {
	case providerOllama:
		c, err := ollama.NewClient(viper.GetString("ollama.url"), model, &http.Client{Timeout: 60 * time.Second})
		if err != nil {
			return nil, err
		}
		provider, queryProvider, ping = c, c, c.Ping
	case providerGemini:
		c, err := gemini.NewClient(ctx, viper.GetString("gemini.api_key"), model)
		if err != nil {
			return nil, err
		}
		provider, queryProvider = c, c.ForQueries()
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", p)
	}

	cfg := embedding.Config{
		Dimension:  viper.GetInt("embedding.dimension"),
		MaxRetries: viper.GetInt("embedding.max_retries"),
		RetryDelay: configDuration("embedding.retry_delay"),
	}
	client := embedding.NewClient(provider, cfg)
	log.Info("embedding provider ready", "model", client.Model(), "dimension", client.Dimension())
	return &embedder{
		Client: client,
		query:  embedding.NewClient(queryProvider, cfg),
		ping:   ping,
	}, nil
}

func rankingConfig() (retrieval.RankingConfig, error) {
	cfg := retrieval.DefaultRankingConfig()
	if err := viper.UnmarshalKey("ranking", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to read ranking config: %w", err)
	}
	return cfg, cfg.Validate()
}

func newEngine(store knowledge.Store, emb retrieval.Embedder) (*retrieval.Engine, error) {
	cfg, err := rankingConfig()
	if err != nil {
		return nil, err
	}
	return retrieval.NewEngine(store, emb, cfg)
}

// newMinio returns nil when no endpoint is configured; payloads are then read
// from the datas column only.
func newMinio() (*minioctrl.MinioService, error) {
	endpoint := viper.GetString("minio.endpoint")
	if endpoint == "" {
		return nil, nil
	}
	return minioctrl.NewMinioService(
		endpoint,
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetBool("minio.use_ssl"),
	)
}

func newDocumentService(db *gorm.DB) (*documentctrl.DocumentService, error) {
	mc, err := newMinio()
	if err != nil {
		return nil, err
	}
	if mc == nil {
		return documentctrl.NewDocumentService(db, nil), nil
	}
	return documentctrl.NewDocumentService(db, mc), nil
}

func newExtractors() *extract.Registry {
	url := viper.GetString("unstructured.url")
	if url == "" {
		return extract.NewRegistry(nil)
	}
	return extract.NewRegistry(unstructured.NewUnstructuredService(url, &http.Client{Timeout: 120 * time.Second}))
}

func newIndexer(source knowledge.DocumentSource, store knowledge.Store, emb indexer.Embedder, opts ...indexer.Option) *indexer.Indexer {
	cfg := indexer.DefaultConfig()
	cfg.BatchSize = viper.GetInt("indexing.batch_size")
	cfg.Workers = viper.GetInt("indexing.workers")

	opts = append([]indexer.Option{
		indexer.WithThrottle(embedding.NewThrottle(configDuration("embedding.interval"))),
	}, opts...)
	return indexer.New(source, store, newExtractors(), emb, cfg, opts...)
}

func newPublisher(logger watermill.LoggerAdapter) (*amqp.Publisher, error) {
	url := viper.GetString("amqp.url")
	if url == "" {
		return nil, errAMQPDisabled
	}
	return amqp.NewPublisher(amqp.NewDurableQueueConfig(url), logger)
}

func newSubscriber(logger watermill.LoggerAdapter) (*amqp.Subscriber, error) {
	url := viper.GetString("amqp.url")
	if url == "" {
		return nil, errAMQPDisabled
	}
	cfg := amqp.NewDurableQueueConfig(url)
	cfg.Consume.NoRequeueOnNack = true
	return amqp.NewSubscriber(cfg, logger)
}
