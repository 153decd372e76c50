package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/fabfab/corpscribe/config"
)

type ollamaEmbedder struct {
	model string
	llm   *ollama.LLM
}

func NewOllamaEmbedder(opts Options) (Embedder, error) {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	llm, err := ollama.New(ollama.WithModel(opts.Model), ollama.WithServerURL(host))
	if err != nil {
		return nil, fmt.Errorf("initialize ollama embedder: %w", err)
	}
	return &ollamaEmbedder{model: opts.Model, llm: llm}, nil
}

func (e *ollamaEmbedder) Name() string { return modelName(config.ProviderOllama, e.model) }

func (e *ollamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("call ollama embeddings API: %w", err)
	}
	return vectors, nil
}
