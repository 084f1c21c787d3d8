package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Index     IndexConfig
	Pinecone  PineconeConfig
	Embedding EmbeddingConfig
	OpenAI    OpenAIConfig
	Gemini    GeminiConfig
	Ingest    IngestConfig
	AWS       AWSConfig
	Retry     RetryConfig
	Chat      ChatConfig
	Events    EventsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	DatabaseURL string
}

type IndexConfig struct {
	Backend         string
	Name            string
	Dimension       int
	Metric          string
	Namespace       string
	SettleWait      time.Duration
	UpsertBatchSize int
	Strict          bool
}

type PineconeConfig struct {
	APIKey        string
	Environment   string
	ControllerURL string
	// RequestsPerSecond paces upserts and queries; zero disables pacing.
	RequestsPerSecond float64
}

type EmbeddingConfig struct {
	Provider          string
	Model             string
	BatchSize         int
	RequestsPerSecond float64
}

type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	ChatModel string
}

type GeminiConfig struct {
	APIKey string
}

type IngestConfig struct {
	KnowledgeDir      string
	ChunkSize         int
	ChunkOverlap      int
	Workers           int
	PDFToTextFallback bool
	VerifyQuery       string
	VerifyAgent       string
	VerifyTopK        int
	S3Bucket          string
	S3Prefix          string
	S3Region          string
}

type AWSConfig struct {
	AccessKeyID     string
	SecretAccessKey string
}

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type ChatConfig struct {
	TopK             int
	MaxContextTokens int
	HistoryLimit     int
	AgentsFile       string
	AllowedOrigins   string
}

type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4000,
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Index: IndexConfig{
			Backend:         "pinecone",
			Name:            "homepro",
			Dimension:       1536,
			Metric:          "cosine",
			SettleWait:      15 * time.Second,
			UpsertBatchSize: 100,
			Strict:          true,
		},
		Pinecone: PineconeConfig{
			ControllerURL:     "https://api.pinecone.io",
			RequestsPerSecond: 10,
		},
		Embedding: EmbeddingConfig{
			Provider:          "openai",
			Model:             "text-embedding-3-small",
			BatchSize:         100,
			RequestsPerSecond: 5,
		},
		OpenAI: OpenAIConfig{
			BaseURL:   "https://api.openai.com/v1",
			ChatModel: "gpt-4.1",
		},
		Ingest: IngestConfig{
			KnowledgeDir: "Knowledge",
			ChunkSize:    512,
			ChunkOverlap: 50,
			Workers:      1,
			VerifyQuery:  "What is pricebook?",
			VerifyAgent:  "LUCY",
			VerifyTopK:   3,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Chat: ChatConfig{
			TopK:             5,
			MaxContextTokens: 4000,
			HistoryLimit:     50,
			AllowedOrigins:   "*",
		},
		Events: EventsConfig{
			SubjectPrefix: "homepro.ingest",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the YAML file backend and then applies
// environment variable overrides. An empty path selects the default location
// ($XDG_CONFIG_HOME/homepro/config.yaml).
//
// Load does not check that required keys are present; callers state what
// they need through Require.
func Load(path string) (Config, error) {
	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported value %q", c.Storage.Driver))
	}
	switch c.Index.Backend {
	case "pinecone", "sqlite", "pgvector":
	default:
		errs = append(errs, fmt.Errorf("index.backend: unsupported value %q", c.Index.Backend))
	}
	switch c.Index.Metric {
	case "cosine", "euclidean", "dotproduct":
	default:
		errs = append(errs, fmt.Errorf("index.metric: unsupported value %q", c.Index.Metric))
	}
	switch c.Embedding.Provider {
	case "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider: unsupported value %q", c.Embedding.Provider))
	}
	if c.Index.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("index.dimension must be positive, got %d", c.Index.Dimension))
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errs = append(errs, fmt.Errorf("ingest.chunk_overlap (%d) must be in [0, ingest.chunk_size (%d))",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize))
	}
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize))
	}
	if c.Index.UpsertBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("index.upsert_batch_size must be positive, got %d", c.Index.UpsertBatchSize))
	}
	if c.Pinecone.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("pinecone.requests_per_second must not be negative, got %v", c.Pinecone.RequestsPerSecond))
	}
	return errors.Join(errs...)
}

// Require returns an error naming every listed key whose value is empty.
// Keys are reported by their environment variable so the message tells the
// operator exactly what to export.
func (c Config) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		s, ok := specByKey(k)
		if !ok {
			return fmt.Errorf("unknown config key: %q", k)
		}
		if fmt.Sprintf("%v", s.extract(c)) != "" {
			continue
		}
		name := s.env
		if name == "" {
			name = s.key
		}
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IngestRequirements lists the keys the ingestion job cannot start without,
// given the selected backends.
func (c Config) IngestRequirements() []string {
	keys := c.embeddingRequirements()
	if c.Index.Backend == "pinecone" {
		keys = append([]string{"pinecone.api_key", "pinecone.environment"}, keys...)
	}
	if c.Index.Backend == "pgvector" {
		keys = append(keys, "storage.database_url")
	}
	return keys
}

// ServeRequirements lists the keys the chat server cannot start without.
func (c Config) ServeRequirements() []string {
	return dedupe(append(c.QueryRequirements(), "openai.api_key"))
}

// QueryRequirements lists the keys needed to search the index without
// chatting, as the MCP server does.
func (c Config) QueryRequirements() []string {
	keys := c.embeddingRequirements()
	if c.Index.Backend == "pinecone" {
		keys = append(keys, "pinecone.api_key")
	}
	if c.Storage.Driver == "postgres" || c.Index.Backend == "pgvector" {
		keys = append(keys, "storage.database_url")
	}
	return dedupe(keys)
}

func (c Config) embeddingRequirements() []string {
	if c.Embedding.Provider == "gemini" {
		return []string{"gemini.api_key"}
	}
	return []string{"openai.api_key"}
}

// Origins splits the comma-separated CORS origin list.
func (c ChatConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
