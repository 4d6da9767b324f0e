package cmd

import (
	"github.com/spf13/viper"

	"docrag/src/core/embedding"
	"docrag/src/core/indexer"
	"docrag/src/core/knowledge"
	"docrag/src/core/retrieval"
	"docrag/src/infrastructure/integrations/ollama"
	"docrag/src/storage/elastic"
	"docrag/src/storage/weaviate"
)

func settingDefaultConfig() {
	// Enable automatic environment variable binding
	viper.AutomaticEnv()

	// Odoo database holding ir_attachment, the pgvector table and the job table
	viper.BindEnv("postgres.host", "POSTGRES_HOST")
	viper.BindEnv("postgres.port", "POSTGRES_PORT")
	viper.BindEnv("postgres.user", "POSTGRES_USER")
	viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	viper.BindEnv("postgres.db", "POSTGRES_DB")
	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", "5432")
	viper.SetDefault("postgres.user", "odoo")
	viper.SetDefault("postgres.password", "odoo")
	viper.SetDefault("postgres.db", "odoo")

	// Attachment payloads moved out of the database
	viper.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	viper.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	viper.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")
	viper.BindEnv("minio.use_ssl", "MINIO_USE_SSL")
	viper.SetDefault("minio.endpoint", "")
	viper.SetDefault("minio.access_key", "minioadmin")
	viper.SetDefault("minio.secret_key", "minioadmin")
	viper.SetDefault("minio.use_ssl", false)

	// RabbitMQ, empty disables the job routes
	viper.BindEnv("amqp.url", "AMQP_URL")
	viper.SetDefault("amqp.url", "")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.shutdown_timeout", "SERVER_SHUTDOWN_TIMEOUT")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.shutdown_timeout", "5s")

	// Vector store
	viper.BindEnv("store.backend", "STORE_BACKEND")
	viper.SetDefault("store.backend", backendPgvector)

	viper.BindEnv("weaviate.url", "WEAVIATE_URL")
	viper.BindEnv("weaviate.scheme", "WEAVIATE_SCHEME")
	viper.BindEnv("weaviate.class", "WEAVIATE_CLASS")
	viper.SetDefault("weaviate.url", "weaviate:8080")
	viper.SetDefault("weaviate.scheme", "http")
	viper.SetDefault("weaviate.class", weaviate.DefaultClassName)

	viper.BindEnv("elastic.addresses", "ELASTIC_ADDRESSES")
	viper.BindEnv("elastic.username", "ELASTIC_USERNAME")
	viper.BindEnv("elastic.password", "ELASTIC_PASSWORD")
	viper.BindEnv("elastic.index", "ELASTIC_INDEX")
	viper.SetDefault("elastic.addresses", []string{"http://elasticsearch:9200"})
	viper.SetDefault("elastic.index", elastic.DefaultIndex)

	// Embeddings
	viper.BindEnv("embedding.provider", "EMBEDDING_PROVIDER")
	viper.BindEnv("embedding.model", "EMBEDDING_MODEL")
	viper.BindEnv("embedding.dimension", "EMBEDDING_DIMENSION")
	viper.BindEnv("embedding.max_retries", "EMBEDDING_MAX_RETRIES")
	viper.BindEnv("embedding.retry_delay", "EMBEDDING_RETRY_DELAY")
	viper.BindEnv("embedding.interval", "EMBEDDING_INTERVAL")
	viper.SetDefault("embedding.provider", providerOllama)
	viper.SetDefault("embedding.model", "")
	viper.SetDefault("embedding.dimension", knowledge.EmbeddingDimension)
	viper.SetDefault("embedding.max_retries", embedding.DefaultMaxRetries)
	viper.SetDefault("embedding.retry_delay", embedding.DefaultRetryDelay)
	viper.SetDefault("embedding.interval", embedding.DefaultInterval)

	viper.BindEnv("ollama.url", "OLLAMA_URL")
	viper.SetDefault("ollama.url", ollama.DefaultURL)
	viper.BindEnv("gemini.api_key", "GEMINI_API_KEY")

	// OCR for image attachments, empty disables it
	viper.BindEnv("unstructured.url", "UNSTRUCTURED_API_URL")
	viper.SetDefault("unstructured.url", "")

	// Indexing
	viper.BindEnv("indexing.batch_size", "INDEXING_BATCH_SIZE")
	viper.BindEnv("indexing.workers", "INDEXING_WORKERS")
	viper.BindEnv("indexing.interval", "INDEXING_CYCLE_INTERVAL")
	viper.BindEnv("indexing.retry_delay", "INDEXING_RETRY_DELAY")
	viper.SetDefault("indexing.batch_size", indexer.DefaultBatchSize)
	viper.SetDefault("indexing.workers", indexer.DefaultWorkers)
	viper.SetDefault("indexing.interval", indexer.DefaultInterval)
	viper.SetDefault("indexing.retry_delay", indexer.DefaultRetryDelay)

	// Ranking, overridable from the config file
	rc := retrieval.DefaultRankingConfig()
	viper.SetDefault("ranking.semantic_weight", rc.SemanticWeight)
	viper.SetDefault("ranking.keyword_boost_factor", rc.KeywordBoostFactor)
	viper.SetDefault("ranking.noise_floor", rc.NoiseFloor)
	viper.SetDefault("ranking.max_per_type", rc.MaxPerType)
	viper.SetDefault("ranking.diversify_min", rc.DiversifyMin)
	viper.SetDefault("ranking.candidate_k", rc.CandidateK)
	viper.SetDefault("ranking.final_cap", rc.FinalCap)
	viper.SetDefault("ranking.default_max_results", rc.DefaultMaxResults)
	viper.SetDefault("ranking.default_threshold", rc.DefaultThreshold)
	viper.SetDefault("ranking.recency_boost", rc.RecencyBoost)
	viper.SetDefault("ranking.recency_window", rc.RecencyWindow)

	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.json", "LOG_JSON")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.json", false)
}
