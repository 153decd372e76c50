package embeddings

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/fabfab/corpscribe/config"
	"github.com/fabfab/corpscribe/ragerr"
)

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name identifies the provider and model, e.g. "ollama/mistral". It is recorded in
	// the index manifest so queries can detect a model change.
	Name() string
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Timeout           time.Duration
	RequestsPerSecond float64
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:          cfg.Embeddings.Provider,
		Model:             cfg.Embeddings.Model,
		Dimension:         cfg.Embeddings.Dimension,
		OllamaHost:        cfg.OllamaHost,
		OpenAIAPIKey:      cfg.OpenAIAPIKey,
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		Timeout:           cfg.ProviderTimeout,
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
	}
}

// NewEmbedder builds the configured provider wrapped with the timeout, rate limit and
// dimension checks every embedding call goes through.
func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := OptionsFromConfig(cfg)

	var (
		inner Embedder
		err   error
	)
	switch opts.Provider {
	case config.ProviderOllama:
		inner, err = NewOllamaEmbedder(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, ragerr.Errorf(ragerr.KindConfig, "new embedder", "openai provider selected but OPENAI_API_KEY not set")
		}
		inner = NewOpenAIEmbedder(opts)
	default:
		return nil, ragerr.Errorf(ragerr.KindConfig, "new embedder", "unknown embedding provider: %s", opts.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Guard(inner, opts), nil
}

type guarded struct {
	inner     Embedder
	timeout   time.Duration
	dimension int
	limiter   *rate.Limiter
}

// Guard wraps e so each call is rate limited, bounded by opts.Timeout and checked for
// vector count and dimension. Failures are reported as provider errors.
func Guard(e Embedder, opts Options) Embedder {
	g := &guarded{inner: e, timeout: opts.Timeout, dimension: opts.Dimension}
	if opts.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return g
}

func (g *guarded) Name() string { return g.inner.Name() }

func (g *guarded) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	op := "embed with " + g.inner.Name()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, ragerr.New(ragerr.KindProvider, op, err)
		}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	vectors, err := g.inner.Embed(ctx, texts)
	if err != nil {
		return nil, ragerr.Provider(op, err)
	}
	if len(vectors) != len(texts) {
		return nil, ragerr.Errorf(ragerr.KindProvider, op, "expected %d vectors, got %d", len(texts), len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) == 0 {
			return nil, ragerr.Errorf(ragerr.KindProvider, op, "empty vector for input %d", i)
		}
		if g.dimension > 0 && len(vec) != g.dimension {
			return nil, ragerr.Errorf(ragerr.KindDimensionMismatch, op, "expected dimension %d, got %d", g.dimension, len(vec))
		}
	}
	return vectors, nil
}

func modelName(provider, model string) string {
	return fmt.Sprintf("%s/%s", provider, model)
}
