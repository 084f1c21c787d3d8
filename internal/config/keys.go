package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "HOMEPRO_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.driver", typ: kString, env: "HOMEPRO_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "HOMEPRO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.database_url", typ: kString, env: "DATABASE_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.DatabaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DatabaseURL },
	},
	{
		key: "index.backend", typ: kString, env: "HOMEPRO_INDEX_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Index.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Backend },
	},
	{
		key: "index.name", typ: kString, env: "HOMEPRO_INDEX_NAME",
		apply:   func(cfg *Config, v any) { cfg.Index.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Name },
	},
	{
		key: "index.dimension", typ: kInt, env: "HOMEPRO_INDEX_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Index.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.Dimension },
	},
	{
		key: "index.metric", typ: kString, env: "HOMEPRO_INDEX_METRIC",
		apply:   func(cfg *Config, v any) { cfg.Index.Metric = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Metric },
	},
	{
		key: "index.namespace", typ: kString, env: "HOMEPRO_INDEX_NAMESPACE",
		apply:   func(cfg *Config, v any) { cfg.Index.Namespace = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Namespace },
	},
	{
		key: "index.settle_wait", typ: kDuration, env: "HOMEPRO_INDEX_SETTLE_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Index.SettleWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Index.SettleWait },
	},
	{
		key: "index.upsert_batch_size", typ: kInt, env: "HOMEPRO_INDEX_UPSERT_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Index.UpsertBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.UpsertBatchSize },
	},
	{
		key: "index.strict", typ: kBool, env: "HOMEPRO_INDEX_STRICT",
		apply:   func(cfg *Config, v any) { cfg.Index.Strict = v.(bool) },
		extract: func(cfg Config) any { return cfg.Index.Strict },
	},
	{
		key: "pinecone.api_key", typ: kString, env: "PINECONE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Pinecone.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Pinecone.APIKey },
	},
	{
		key: "pinecone.environment", typ: kString, env: "PINECONE_ENVIRONMENT",
		apply:   func(cfg *Config, v any) { cfg.Pinecone.Environment = v.(string) },
		extract: func(cfg Config) any { return cfg.Pinecone.Environment },
	},
	{
		key: "pinecone.controller_url", typ: kString, env: "HOMEPRO_PINECONE_CONTROLLER_URL",
		apply:   func(cfg *Config, v any) { cfg.Pinecone.ControllerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Pinecone.ControllerURL },
	},
	{
		key: "pinecone.requests_per_second", typ: kFloat, env: "HOMEPRO_PINECONE_RPS",
		apply:   func(cfg *Config, v any) { cfg.Pinecone.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pinecone.RequestsPerSecond },
	},
	{
		key: "embedding.provider", typ: kString, env: "HOMEPRO_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "HOMEPRO_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "HOMEPRO_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.requests_per_second", typ: kFloat, env: "HOMEPRO_EMBEDDING_RPS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Embedding.RequestsPerSecond },
	},
	{
		key: "openai.api_key", typ: kString, env: "OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "HOMEPRO_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.chat_model", typ: kString, env: "HOMEPRO_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "gemini.api_key", typ: kString, env: "GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "ingest.knowledge_dir", typ: kString, env: "HOMEPRO_INGEST_KNOWLEDGE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.KnowledgeDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.KnowledgeDir },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "HOMEPRO_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "HOMEPRO_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.workers", typ: kInt, env: "HOMEPRO_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.pdftotext_fallback", typ: kBool, env: "HOMEPRO_INGEST_PDFTOTEXT_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PDFToTextFallback = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.PDFToTextFallback },
	},
	{
		key: "ingest.verify_query", typ: kString, env: "HOMEPRO_INGEST_VERIFY_QUERY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.VerifyQuery = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.VerifyQuery },
	},
	{
		key: "ingest.verify_agent", typ: kString, env: "HOMEPRO_INGEST_VERIFY_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.VerifyAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.VerifyAgent },
	},
	{
		key: "ingest.verify_top_k", typ: kInt, env: "HOMEPRO_INGEST_VERIFY_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Ingest.VerifyTopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.VerifyTopK },
	},
	{
		key: "ingest.s3_bucket", typ: kString, env: "HOMEPRO_INGEST_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Ingest.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.S3Bucket },
	},
	{
		key: "ingest.s3_prefix", typ: kString, env: "HOMEPRO_INGEST_S3_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Ingest.S3Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.S3Prefix },
	},
	{
		key: "ingest.s3_region", typ: kString, env: "HOMEPRO_INGEST_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Ingest.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.S3Region },
	},
	{
		key: "aws.access_key_id", typ: kString, env: "AWS_ACCESS_KEY_ID",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.AWS.AccessKeyID = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.AccessKeyID },
	},
	{
		key: "aws.secret_access_key", typ: kString, env: "AWS_SECRET_ACCESS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.AWS.SecretAccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.SecretAccessKey },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "HOMEPRO_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.initial_backoff", typ: kDuration, env: "HOMEPRO_RETRY_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Retry.InitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.InitialBackoff },
	},
	{
		key: "retry.max_backoff", typ: kDuration, env: "HOMEPRO_RETRY_MAX_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.MaxBackoff },
	},
	{
		key: "chat.top_k", typ: kInt, env: "HOMEPRO_CHAT_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Chat.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.TopK },
	},
	{
		key: "chat.max_context_tokens", typ: kInt, env: "HOMEPRO_CHAT_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxContextTokens },
	},
	{
		key: "chat.history_limit", typ: kInt, env: "HOMEPRO_CHAT_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryLimit },
	},
	{
		key: "chat.agents_file", typ: kString, env: "HOMEPRO_CHAT_AGENTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Chat.AgentsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.AgentsFile },
	},
	{
		key: "chat.allowed_origins", typ: kString, env: "HOMEPRO_CHAT_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Chat.AllowedOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.AllowedOrigins },
	},
	{
		key: "events.nats_url", typ: kString, env: "NATS_URL",
		apply:   func(cfg *Config, v any) { cfg.Events.NATSURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.NATSURL },
	},
	{
		key: "events.subject_prefix", typ: kString, env: "HOMEPRO_EVENTS_SUBJECT_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Events.SubjectPrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.SubjectPrefix },
	},
	{
		key: "log.level", typ: kString, env: "HOMEPRO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "HOMEPRO_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func specByKey(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw string into the Go type a key expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unsupported key type %d", typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparseable config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparseable env override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
