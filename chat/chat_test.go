package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/corpscribe/index"
	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/llm"
	"github.com/fabfab/corpscribe/ragerr"
	"github.com/fabfab/corpscribe/rerank"
)

type stubEmbedder struct {
	vectors [][]float32
	err     error
	calls   int
}

func (s *stubEmbedder) Name() string { return "stub/embed" }

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors, nil
}

type stubSearcher struct {
	results []index.Candidate
	err     error
	opts    index.SearchOptions
}

func (s *stubSearcher) Search(_ context.Context, _ []float32, opts index.SearchOptions) ([]index.Candidate, error) {
	s.opts = opts
	return s.results, s.err
}

type stubLLM struct {
	answer   string
	err      error
	calls    int
	messages []llm.Message
}

func (s *stubLLM) Generate(_ context.Context, messages []llm.Message) (string, error) {
	s.calls++
	s.messages = messages
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func passage(source, text string, score float64) rerank.Result {
	return rerank.Result{Chunk: ingestion.Chunk{ID: source + "-0", Source: source, Text: text}, Score: score}
}

func TestRetrieverUsesDefaultsAndPinsModel(t *testing.T) {
	searcher := &stubSearcher{results: []index.Candidate{{}, {}, {}}}
	r := NewRetriever(&stubEmbedder{vectors: [][]float32{{1, 0}}}, searcher,
		index.SearchOptions{K: 4, Strategy: index.MMR, FetchK: 20}, nil)

	out, err := r.Retrieve(context.Background(), "where is the wiki?", 0)
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, 4, searcher.opts.K)
	assert.Equal(t, index.MMR, searcher.opts.Strategy)
	assert.Equal(t, "stub/embed", searcher.opts.EmbeddingModel)

	_, err = r.Retrieve(context.Background(), "where is the wiki?", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, searcher.opts.K)
}

func TestRetrieverNeverExceedsK(t *testing.T) {
	searcher := &stubSearcher{results: make([]index.Candidate, 10)}
	r := NewRetriever(&stubEmbedder{vectors: [][]float32{{1}}}, searcher, index.SearchOptions{K: 4}, nil)

	out, err := r.Retrieve(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestRetrieverNotReadyReturnsEmpty(t *testing.T) {
	searcher := &stubSearcher{err: ragerr.Errorf(ragerr.KindIndexNotReady, "search", "index has not been built")}
	r := NewRetriever(&stubEmbedder{vectors: [][]float32{{1}}}, searcher, index.SearchOptions{K: 4}, nil)

	out, err := r.Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRetrieverErrors(t *testing.T) {
	embedder := &stubEmbedder{err: ragerr.New(ragerr.KindProvider, "embed", errors.New("timeout"))}
	r := NewRetriever(embedder, &stubSearcher{}, index.SearchOptions{K: 4}, nil)

	_, err := r.Retrieve(context.Background(), "   ", 0)
	assert.ErrorIs(t, err, ragerr.ErrInvalid)
	assert.Zero(t, embedder.calls)

	_, err = r.Retrieve(context.Background(), "q", 0)
	assert.ErrorIs(t, err, ragerr.ErrProvider)

	searcher := &stubSearcher{err: ragerr.Errorf(ragerr.KindDimensionMismatch, "search", "model changed")}
	r = NewRetriever(&stubEmbedder{vectors: [][]float32{{1}}}, searcher, index.SearchOptions{K: 4}, nil)
	_, err = r.Retrieve(context.Background(), "q", 0)
	assert.ErrorIs(t, err, ragerr.ErrDimensionMismatch)
}

func TestComposerBuildsSinglePrompt(t *testing.T) {
	model := &stubLLM{answer: "  Documentation lives in Confluence.  "}
	c := NewComposer(model, ComposerOptions{}, nil)

	long := strings.Repeat("я", 150)
	answer, err := c.Compose(context.Background(), "Где ведется документация?", []rerank.Result{
		passage("wiki.txt", "Документация ведётся в Confluence.", 0.9),
		passage("long.txt", long, 0.5),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, model.calls)
	assert.Equal(t, "Documentation lives in Confluence.", answer.Answer)
	assert.True(t, answer.IndexReady)

	require.Len(t, model.messages, 2)
	assert.Equal(t, llm.RoleSystem, model.messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, model.messages[0].Content)
	user := model.messages[1].Content
	assert.Contains(t, user, "Source: wiki.txt\nДокументация ведётся в Confluence.")
	assert.Contains(t, user, "Question: Где ведется документация?")

	require.Len(t, answer.Sources, 2)
	assert.Equal(t, "wiki.txt", answer.Sources[0].Source)
	assert.Equal(t, "Документация ведётся в Confluence.", answer.Sources[0].Preview)
	assert.Equal(t, strings.Repeat("я", 100)+"...", answer.Sources[1].Preview)
}

func TestComposerBoundsContext(t *testing.T) {
	model := &stubLLM{answer: "ok"}
	c := NewComposer(model, ComposerOptions{MaxContextChars: 60}, nil)

	answer, err := c.Compose(context.Background(), "q", []rerank.Result{
		passage("a.txt", strings.Repeat("a", 30), 0.9),
		passage("b.txt", strings.Repeat("b", 30), 0.8),
	})
	require.NoError(t, err)
	require.Len(t, answer.Sources, 1, "second passage does not fit the budget")
	assert.Equal(t, "a.txt", answer.Sources[0].Source)
	assert.NotContains(t, model.messages[1].Content, "bbb")
}

func TestComposerFailures(t *testing.T) {
	c := NewComposer(&stubLLM{err: errors.New("connection reset")}, ComposerOptions{}, nil)
	_, err := c.Compose(context.Background(), "q", []rerank.Result{passage("a.txt", "text", 1)})
	assert.ErrorIs(t, err, ragerr.ErrProvider)

	c = NewComposer(&stubLLM{answer: " "}, ComposerOptions{}, nil)
	_, err = c.Compose(context.Background(), "q", []rerank.Result{passage("a.txt", "text", 1)})
	assert.ErrorIs(t, err, ragerr.ErrProvider)

	model := &stubLLM{answer: "made up"}
	c = NewComposer(model, ComposerOptions{}, nil)
	_, err = c.Compose(context.Background(), "q", nil)
	assert.ErrorIs(t, err, ragerr.ErrNoContext)
	assert.Zero(t, model.calls)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("  short \n", 100))
	assert.Equal(t, "abc...", Preview("abcdef", 3))
	assert.Equal(t, "Доку...", Preview("Документация", 4))
}

func TestNotBuilt(t *testing.T) {
	a := NotBuilt()
	assert.False(t, a.IndexReady)
	assert.Equal(t, NotBuiltMessage, a.Answer)
	assert.NotNil(t, a.Sources)
	assert.Empty(t, a.Sources)
}
