package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	RerankNone         = "none"
	RerankCrossEncoder = "cross-encoder"

	StrategySimilarity = "similarity"
	StrategyMMR        = "mmr"

	BackendLocal    = "local"
	BackendPostgres = "postgres"
)

type Config struct {
	DocumentPath    string        `yaml:"document_path"`
	IndexPath       string        `yaml:"index_path"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	LogMode         string        `yaml:"log_mode"`

	Index      IndexConfig     `yaml:"index"`
	Chunking   ChunkingConfig  `yaml:"chunking"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	Rerank     RerankConfig    `yaml:"rerank"`
	Embeddings EmbeddingConfig `yaml:"embeddings"`
	LLM        LLMConfig       `yaml:"llm"`
	Answer     AnswerConfig    `yaml:"answer"`
	Server     ServerConfig    `yaml:"server"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	PostgresDSN string      `yaml:"postgres_dsn"`
	Neo4j       Neo4jConfig `yaml:"neo4j"`
}

type IndexConfig struct {
	Backend string `yaml:"backend"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`

	// overlapSet records an explicit overlap, so that 0 is honoured instead of defaulted.
	overlapSet bool
}

func (c *ChunkingConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Size    int  `yaml:"size"`
		Overlap *int `yaml:"overlap"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Size = raw.Size
	if raw.Overlap != nil {
		c.Overlap = *raw.Overlap
		c.overlapSet = true
	}
	return nil
}

type RetrievalConfig struct {
	K         int     `yaml:"k"`
	Strategy  string  `yaml:"strategy"`
	FetchK    int     `yaml:"fetch_k"`
	MMRLambda float64 `yaml:"mmr_lambda"`
}

type RerankConfig struct {
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
	Model    string `yaml:"model"`
	Keep     int    `yaml:"keep"`
	APIKey   string `yaml:"-"`
}

type EmbeddingConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	Dimension         int     `yaml:"dimension"`
	BatchSize         int     `yaml:"batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Concurrency       int     `yaml:"concurrency"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type AnswerConfig struct {
	SystemPrompt    string `yaml:"system_prompt"`
	PreviewChars    int    `yaml:"preview_chars"`
	MaxContextChars int    `yaml:"max_context_chars"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	Mode           string   `yaml:"mode"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

type Neo4jConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
}

// Load reads configuration from path (or the first default location that
// exists), then applies environment overrides and defaults. A .env file in the
// working directory is honoured when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = findConfigFile()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	mergeWithEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

// Default returns the configuration used when no file or environment is present.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

func findConfigFile() string {
	locations := []string{"corpscribe.yaml", "corpscribe.yml", "config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".config", "corpscribe", "config.yaml"))
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

func applyDefaults(cfg *Config) {
	if cfg.DocumentPath == "" {
		cfg.DocumentPath = "./docs"
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = "./index_db"
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 60 * time.Second
	}
	if cfg.LogMode == "" {
		cfg.LogMode = "development"
	}

	if cfg.Index.Backend == "" {
		cfg.Index.Backend = BackendLocal
	}

	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 800
	}
	// An unset overlap is an eighth of the chunk, capped at 100 runes.
	if cfg.Chunking.Overlap == 0 && !cfg.Chunking.overlapSet {
		cfg.Chunking.Overlap = min(100, cfg.Chunking.Size/8)
	}

	if cfg.Rerank.Provider == "" {
		cfg.Rerank.Provider = RerankNone
	}
	if cfg.Rerank.Keep == 0 {
		cfg.Rerank.Keep = 3
	}

	if cfg.Retrieval.Strategy == "" {
		cfg.Retrieval.Strategy = StrategyMMR
	}
	if cfg.Retrieval.K == 0 {
		if cfg.Rerank.Provider == RerankNone {
			cfg.Retrieval.K = 4
		} else {
			cfg.Retrieval.K = 20
		}
	}
	if cfg.Retrieval.FetchK == 0 {
		cfg.Retrieval.FetchK = max(cfg.Retrieval.K*5, 20)
	}
	if cfg.Retrieval.MMRLambda == 0 {
		cfg.Retrieval.MMRLambda = 0.5
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = ProviderOllama
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "mistral"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 16
	}
	if cfg.Embeddings.Concurrency == 0 {
		cfg.Embeddings.Concurrency = 1
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderOllama
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "mistral"
	}

	if cfg.Answer.PreviewChars == 0 {
		cfg.Answer.PreviewChars = 100
	}
	if cfg.Answer.MaxContextChars == 0 {
		cfg.Answer.MaxContextChars = 8000
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":5001"
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}

	if cfg.OllamaHost == "" {
		cfg.OllamaHost = "http://localhost:11434"
	}
	if cfg.Neo4j.URI == "" {
		cfg.Neo4j.URI = "neo4j://localhost:7687"
	}
	if cfg.Neo4j.User == "" {
		cfg.Neo4j.User = "neo4j"
	}
}

func mergeWithEnv(cfg *Config) {
	cfg.DocumentPath = getEnv("CORPSCRIBE_DOCUMENT_PATH", cfg.DocumentPath)
	cfg.IndexPath = getEnv("CORPSCRIBE_INDEX_PATH", cfg.IndexPath)
	cfg.LogMode = getEnv("CORPSCRIBE_LOG_MODE", cfg.LogMode)
	cfg.Index.Backend = getEnv("CORPSCRIBE_INDEX_BACKEND", cfg.Index.Backend)
	cfg.Retrieval.Strategy = getEnv("CORPSCRIBE_SEARCH_STRATEGY", cfg.Retrieval.Strategy)
	cfg.Chunking.Size = getEnvInt("CORPSCRIBE_CHUNK_SIZE", cfg.Chunking.Size)
	if v, ok := os.LookupEnv("CORPSCRIBE_CHUNK_OVERLAP"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Chunking.Overlap = n
			cfg.Chunking.overlapSet = true
		}
	}

	cfg.Embeddings.Provider = getEnv("EMBEDDINGS_PROVIDER", cfg.Embeddings.Provider)
	cfg.Embeddings.Model = getEnv("EMBEDDINGS_MODEL", cfg.Embeddings.Model)
	cfg.Embeddings.Dimension = getEnvInt("EMBEDDINGS_DIMENSION", cfg.Embeddings.Dimension)
	cfg.LLM.Provider = getEnv("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)

	cfg.Rerank.Provider = getEnv("RERANK_PROVIDER", cfg.Rerank.Provider)
	cfg.Rerank.URL = getEnv("RERANK_URL", cfg.Rerank.URL)
	cfg.Rerank.Model = getEnv("RERANK_MODEL", cfg.Rerank.Model)
	cfg.Rerank.APIKey = getEnv("RERANK_API_KEY", cfg.Rerank.APIKey)

	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)

	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.Neo4j.URI = getEnv("NEO4J_URI", cfg.Neo4j.URI)
	cfg.Neo4j.User = getEnv("NEO4J_USERNAME", cfg.Neo4j.User)
	cfg.Neo4j.Password = getEnv("NEO4J_PASSWORD", cfg.Neo4j.Password)
	if v, ok := os.LookupEnv("NEO4J_ENABLED"); ok {
		cfg.Neo4j.Enabled = parseBool(v)
	}

	cfg.Server.Addr = getEnv("CORPSCRIBE_ADDR", cfg.Server.Addr)
	if v, ok := os.LookupEnv("CORPSCRIBE_PROVIDER_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ProviderTimeout = d
		}
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ErrNoConfigFile is returned by LoadFile when the path does not exist.
var ErrNoConfigFile = errors.New("config file not found")

// LoadFile is Load restricted to an explicit path that must exist.
func LoadFile(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrNoConfigFile, path)
		}
		return Config{}, err
	}
	return Load(path)
}
