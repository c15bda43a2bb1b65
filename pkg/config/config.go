package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	Milvus    MilvusConfig
	Vector    VectorConfig
	Graph     GraphConfig
	LLM       LLMConfig
	Search    SearchConfig
	Quality   QualityConfig
	Retrieval RetrievalConfig
	Ingestion IngestionConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	RateLimit    float64
	RateBurst    int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	QueryTTLSec     int
	EmbeddingTTLSec int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	Nlist          int
	Nprobe         int
}

// VectorConfig selects the primary vector backend and its failover timing.
type VectorConfig struct {
	Backend          string
	TimeoutMs        int
	ConnectTimeoutMs int
	RetryDelayMs     int
	ProbeIntervalSec int
	LocalDim         int
}

type GraphConfig struct {
	Backend          string
	TimeoutMs        int
	ProbeIntervalSec int
	MaxHops          int
}

type LLMConfig struct {
	Enabled        bool
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
}

type SearchConfig struct {
	Enabled       bool
	SerpAPIKey    string
	BaseURL       string
	MaxResults    int
	TimeoutSec    int
	ScrapeContent bool
}

type QualityConfig struct {
	MinWords           int
	ClickbaitThreshold float64
	Threshold          float64
	PolicyFile         string
	TrackedSymbols     []string
}

type RetrievalConfig struct {
	VectorWeight   float64
	GraphWeight    float64
	FallbackWeight float64
	DefaultLimit   int
	MaxLimit       int
	CacheTTLSec    int
}

type IngestionConfig struct {
	Workers            int
	ExtractTimeoutSec  int
	DefaultSymbols     []string
	DefaultWindowHours int
}

// Load reads configuration from path, or from the default search paths when
// path is empty. Environment variables prefixed with BROKER_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/cryptobroker")
	}

	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.GraphWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if c.Retrieval.VectorWeight+c.Retrieval.GraphWeight == 0 {
		return fmt.Errorf("retrieval weights must not both be zero")
	}
	if c.Retrieval.FallbackWeight <= 0 || c.Retrieval.FallbackWeight > 1 {
		return fmt.Errorf("retrieval.fallbackWeight must be in (0, 1]")
	}
	if c.Quality.Threshold < 0 || c.Quality.Threshold > 1 {
		return fmt.Errorf("quality.threshold must be in [0, 1]")
	}
	if c.Milvus.VectorDim <= 0 || c.Vector.LocalDim <= 0 {
		return fmt.Errorf("vector dimensions must be positive")
	}
	switch c.Vector.Backend {
	case "milvus", "memory":
	default:
		return fmt.Errorf("unknown vector backend %q", c.Vector.Backend)
	}
	switch c.Graph.Backend {
	case "neo4j", "memory", "mock":
	default:
		return fmt.Errorf("unknown graph backend %q", c.Graph.Backend)
	}
	return nil
}

func (c VectorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c VectorConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

// ConnectTimeout bounds the first dial to the primary vector backend.
func (c VectorConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c GraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c GraphConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.rateLimit", 10.0)
	v.SetDefault("server.rateBurst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("sqlite.path", "./data/broker.db")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queryTTLSec", 300)
	v.SetDefault("redis.embeddingTTLSec", 86400)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.apiKey", "")
	v.SetDefault("milvus.collectionName", "crypto_news")
	v.SetDefault("milvus.vectorDim", 1536)
	v.SetDefault("milvus.nlist", 1024)
	v.SetDefault("milvus.nprobe", 16)

	v.SetDefault("vector.backend", "milvus")
	v.SetDefault("vector.timeoutMs", 2000)
	v.SetDefault("vector.connectTimeoutMs", 10000)
	v.SetDefault("vector.retryDelayMs", 200)
	v.SetDefault("vector.probeIntervalSec", 30)
	v.SetDefault("vector.localDim", 256)

	v.SetDefault("graph.backend", "neo4j")
	v.SetDefault("graph.timeoutMs", 3000)
	v.SetDefault("graph.probeIntervalSec", 30)
	v.SetDefault("graph.maxHops", 2)

	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 30)

	v.SetDefault("search.enabled", true)
	v.SetDefault("search.serpAPIKey", "")
	v.SetDefault("search.baseURL", "https://serpapi.com/search")
	v.SetDefault("search.maxResults", 10)
	v.SetDefault("search.timeoutSec", 10)
	v.SetDefault("search.scrapeContent", true)

	v.SetDefault("quality.minWords", 150)
	v.SetDefault("quality.clickbaitThreshold", 0.6)
	v.SetDefault("quality.threshold", 0.5)
	v.SetDefault("quality.policyFile", "")
	v.SetDefault("quality.trackedSymbols", []string{"BTC", "ETH", "SOL", "XRP", "ADA", "DOGE", "BNB", "USDT", "USDC"})

	v.SetDefault("retrieval.vectorWeight", 0.6)
	v.SetDefault("retrieval.graphWeight", 0.4)
	v.SetDefault("retrieval.fallbackWeight", 1.0)
	v.SetDefault("retrieval.defaultLimit", 10)
	v.SetDefault("retrieval.maxLimit", 50)
	v.SetDefault("retrieval.cacheTTLSec", 300)

	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.extractTimeoutSec", 20)
	v.SetDefault("ingestion.defaultSymbols", []string{"BTC", "ETH"})
	v.SetDefault("ingestion.defaultWindowHours", 24)
}
