package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
)

type ollamaClient struct {
	llm         llms.Model
	temperature float64
	maxTokens   int
}

func NewOllamaClient(opts Options) (Client, error) {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	model, err := ollama.New(ollama.WithModel(opts.Model), ollama.WithServerURL(host))
	if err != nil {
		return nil, fmt.Errorf("initialize ollama client: %w", err)
	}
	return &ollamaClient{llm: model, temperature: opts.Temperature, maxTokens: opts.MaxTokens}, nil
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	callOpts := []llms.CallOption{llms.WithTemperature(c.temperature)}
	if c.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(c.maxTokens))
	}

	resp, err := c.llm.GenerateContent(ctx, toMessageContent(messages), callOpts...)
	if err != nil {
		return "", fmt.Errorf("call ollama chat API: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("ollama chat returned no choices")
	}
	return resp.Choices[0].Content, nil
}

func toMessageContent(messages []Message) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		role := schema.ChatMessageTypeHuman
		switch msg.Role {
		case RoleSystem:
			role = schema.ChatMessageTypeSystem
		case RoleAssistant:
			role = schema.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, msg.Content))
	}
	return content
}
