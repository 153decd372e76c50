package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/prompts"
	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/llm"
	"github.com/fabfab/corpscribe/logger"
	"github.com/fabfab/corpscribe/ragerr"
	"github.com/fabfab/corpscribe/rerank"
)

const (
	DefaultSystemPrompt = "You are a smart and polite company assistant. Answer the question using EXCLUSIVELY the provided context. " +
		"If the context does not contain the answer, politely say that you cannot answer from the available documents. " +
		"Do not invent facts. Answer in the language of the question."

	DefaultPreviewChars    = 100
	DefaultMaxContextChars = 8000

	userTemplate = "Context:\n{{.context}}\n\nQuestion: {{.question}}\n\nAnswer:"
)

type ComposerOptions struct {
	SystemPrompt    string
	PreviewChars    int
	MaxContextChars int
}

// Composer turns the final passages and the question into one model call.
type Composer struct {
	llm             llm.Client
	systemPrompt    string
	previewChars    int
	maxContextChars int
	template        prompts.PromptTemplate
	logger          *zap.SugaredLogger
}

func NewComposer(client llm.Client, opts ComposerOptions, log *zap.SugaredLogger) *Composer {
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = DefaultPreviewChars
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = DefaultMaxContextChars
	}
	return &Composer{
		llm:             client,
		systemPrompt:    opts.SystemPrompt,
		previewChars:    opts.PreviewChars,
		maxContextChars: opts.MaxContextChars,
		template:        prompts.NewPromptTemplate(userTemplate, []string{"context", "question"}),
		logger:          logger.OrNop(log),
	}
}

// Compose answers question from passages. An empty passage list is a NoContext error,
// so a missing context is never confused with a provider outage.
func (c *Composer) Compose(ctx context.Context, question string, passages []rerank.Result) (Answer, error) {
	if c.llm == nil {
		return Answer{}, ragerr.Errorf(ragerr.KindConfig, "compose answer", "llm client is not configured")
	}
	if len(passages) == 0 {
		return Answer{}, ragerr.Errorf(ragerr.KindNoContext, "compose answer", "no passages matched the question")
	}

	contextText, used := c.buildContext(passages)
	userPrompt, err := c.template.Format(map[string]any{
		"context":  contextText,
		"question": strings.TrimSpace(question),
	})
	if err != nil {
		return Answer{}, fmt.Errorf("render prompt: %w", err)
	}

	generated, err := c.llm.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: c.systemPrompt},
		{Role: llm.RoleUser, Content: userPrompt},
	})
	if err != nil {
		return Answer{}, ragerr.Provider("compose answer", err)
	}
	generated = strings.TrimSpace(generated)
	if generated == "" {
		return Answer{}, ragerr.Errorf(ragerr.KindProvider, "compose answer", "model returned an empty answer")
	}

	sources := make([]Source, 0, len(used))
	for _, p := range used {
		sources = append(sources, Source{
			Source:  p.Chunk.Source,
			Title:   p.Chunk.Title,
			Preview: Preview(p.Chunk.Text, c.previewChars),
			Score:   p.Score,
		})
	}
	c.logger.Debugw("composed answer", "passages", len(used), "context_chars", utf8.RuneCountInString(contextText))
	return Answer{Answer: generated, Sources: sources, IndexReady: true}, nil
}

// buildContext concatenates passages in order until the next one would exceed the
// context budget. The first passage is always included.
func (c *Composer) buildContext(passages []rerank.Result) (string, []rerank.Result) {
	var (
		sb    strings.Builder
		used  = make([]rerank.Result, 0, len(passages))
		total int
	)
	for i, p := range passages {
		block := fmt.Sprintf("Source: %s\n%s", p.Chunk.Source, strings.TrimSpace(p.Chunk.Text))
		size := utf8.RuneCountInString(block)
		if i > 0 {
			size += 2
		}
		if i > 0 && total+size > c.maxContextChars {
			break
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block)
		total += size
		used = append(used, p)
	}
	return sb.String(), used
}

// Preview returns the first n runes of text, with "..." appended when it was cut.
func Preview(text string, n int) string {
	text = strings.TrimSpace(text)
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "..."
}
