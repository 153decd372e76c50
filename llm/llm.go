package llm

import (
	"context"
	"strings"
	"time"

	"github.com/fabfab/corpscribe/config"
	"github.com/fabfab/corpscribe/ragerr"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Options struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Timeout time.Duration
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		Timeout:       cfg.ProviderTimeout,
	}

	var (
		client Client
		err    error
	)
	switch opts.Provider {
	case config.ProviderOllama:
		client, err = NewOllamaClient(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, ragerr.Errorf(ragerr.KindConfig, "new llm client", "openai provider selected but OPENAI_API_KEY not set")
		}
		client = NewOpenAIClient(opts)
	default:
		return nil, ragerr.Errorf(ragerr.KindConfig, "new llm client", "unknown llm provider: %s", opts.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(client, opts.Provider+"/"+opts.Model, opts.Timeout), nil
}

type guarded struct {
	inner   Client
	name    string
	timeout time.Duration
}

// WithTimeout bounds each Generate call and reports failures, including an empty
// completion, as provider errors.
func WithTimeout(c Client, name string, timeout time.Duration) Client {
	return &guarded{inner: c, name: name, timeout: timeout}
}

func (g *guarded) Generate(ctx context.Context, messages []Message) (string, error) {
	op := "generate with " + g.name
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	out, err := g.inner.Generate(ctx, messages)
	if err != nil {
		return "", ragerr.Provider(op, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", ragerr.Errorf(ragerr.KindProvider, op, "model returned an empty completion")
	}
	return out, nil
}
