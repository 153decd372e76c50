package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fabfab/corpscribe/ragerr"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate reports every problem in the configuration. It never touches the network.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if strings.TrimSpace(c.DocumentPath) == "" {
		add("document_path", "document store path is required")
	}
	if c.ProviderTimeout <= 0 {
		add("provider_timeout", "provider_timeout must be positive")
	}

	switch c.Index.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.IndexPath) == "" {
			add("index_path", "index path is required for the local backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			add("postgres_dsn", "POSTGRES_DSN must be set for the postgres index backend")
		}
	default:
		add("index.backend", fmt.Sprintf("unknown index backend %q (use local or postgres)", c.Index.Backend))
	}

	if c.Chunking.Size < 1 {
		add("chunking.size", "chunk size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		add("chunking.overlap", "chunk overlap must be non-negative and less than chunk size")
	}

	if c.Retrieval.K < 1 {
		add("retrieval.k", "k must be positive")
	}
	switch c.Retrieval.Strategy {
	case StrategySimilarity:
	case StrategyMMR:
		if c.Retrieval.FetchK < c.Retrieval.K {
			add("retrieval.fetch_k", "fetch_k must be at least k")
		}
		if c.Retrieval.MMRLambda < 0 || c.Retrieval.MMRLambda > 1 {
			add("retrieval.mmr_lambda", "mmr_lambda must be between 0 and 1")
		}
	default:
		add("retrieval.strategy", fmt.Sprintf("unknown search strategy %q (use similarity or mmr)", c.Retrieval.Strategy))
	}

	switch c.Rerank.Provider {
	case RerankNone:
	case RerankCrossEncoder:
		if c.Rerank.URL == "" {
			add("rerank.url", "RERANK_URL is required for the cross-encoder reranker")
		} else if u, err := url.Parse(c.Rerank.URL); err != nil || u.Scheme == "" || u.Host == "" {
			add("rerank.url", "invalid reranker URL")
		}
	default:
		add("rerank.provider", fmt.Sprintf("unknown rerank provider %q (use none or cross-encoder)", c.Rerank.Provider))
	}
	if c.Rerank.Keep < 1 {
		add("rerank.keep", "keep must be positive")
	}

	errs = append(errs, c.validateProvider("embeddings", c.Embeddings.Provider, c.Embeddings.Model)...)
	errs = append(errs, c.validateProvider("llm", c.LLM.Provider, c.LLM.Model)...)
	if c.Embeddings.Dimension < 0 {
		add("embeddings.dimension", "dimension must not be negative")
	}
	if c.Embeddings.BatchSize < 1 {
		add("embeddings.batch_size", "batch_size must be positive")
	}
	if c.Embeddings.RequestsPerSecond < 0 {
		add("embeddings.requests_per_second", "requests_per_second must not be negative")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature", "temperature must be between 0 and 2")
	}

	if c.Answer.PreviewChars < 1 {
		add("answer.preview_chars", "preview_chars must be positive")
	}
	if c.Answer.MaxContextChars < c.Chunking.Size {
		add("answer.max_context_chars", "max_context_chars must fit at least one chunk")
	}

	if c.Neo4j.Enabled && c.Neo4j.URI == "" {
		add("neo4j.uri", "NEO4J_URI is required when the catalog is enabled")
	}

	return errs
}

func (c *Config) validateProvider(prefix, provider, model string) []ValidationError {
	var errs []ValidationError
	switch provider {
	case ProviderOllama:
		if u, err := url.Parse(c.OllamaHost); err != nil || u.Scheme == "" {
			errs = append(errs, ValidationError{Field: "ollama_host", Message: "invalid Ollama host URL"})
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, ValidationError{Field: prefix + ".provider", Message: "openai provider selected but OPENAI_API_KEY not set"})
		}
	default:
		errs = append(errs, ValidationError{Field: prefix + ".provider", Message: fmt.Sprintf("unknown provider %q", provider)})
	}
	if strings.TrimSpace(model) == "" {
		errs = append(errs, ValidationError{Field: prefix + ".model", Message: "model name is required"})
	}
	return errs
}

// Check folds Validate into a single config error, or nil when valid.
func (c *Config) Check() error {
	errs := c.Validate()
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return ragerr.Errorf(ragerr.KindConfig, "validate config", "%s", strings.Join(msgs, "; "))
}
