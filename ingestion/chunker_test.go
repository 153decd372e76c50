package ingestion

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func longDocument() string {
	paragraph := "Команда поддержки отвечает на обращения в течение рабочего дня. " +
		"Документация ведётся в Confluence, а задачи отслеживаются в Jira. " +
		"Релизы выходят каждые две недели после ревью и прогона тестов."
	parts := make([]string, 12)
	for i := range parts {
		parts[i] = paragraph
	}
	return strings.Join(parts, "\n\n")
}

func TestSplitIsDeterministic(t *testing.T) {
	chunker := NewChunker(200, 40)
	sections := []Section{{Source: "handbook.txt", Text: longDocument()}}

	first, err := chunker.Split(sections)
	require.NoError(t, err)
	second, err := chunker.Split(sections)
	require.NoError(t, err)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestSplitRespectsSizeBound(t *testing.T) {
	chunker := NewChunker(120, 20)
	chunks, err := chunker.Split([]Section{{Source: "handbook.txt", Text: longDocument()}})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk.Text), 120, "chunk %d", i)
		assert.Equal(t, i, chunk.Ordinal)
		assert.Equal(t, "handbook.txt", chunk.Source)
		assert.NotEmpty(t, chunk.ID)
	}
}

func TestSplitSharesOverlapBetweenNeighbours(t *testing.T) {
	words := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta ", 20)
	chunker := NewChunker(50, 20)

	chunks, err := chunker.Split([]Section{{Source: "greek.txt", Text: words}})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	assert.Zero(t, chunks[0].Overlap)
	overlapped := 0
	for _, chunk := range chunks[1:] {
		assert.LessOrEqual(t, chunk.Overlap, 20)
		if chunk.Overlap > 0 {
			overlapped++
		}
	}
	assert.Positive(t, overlapped)
}

func TestSplitEmptyDocument(t *testing.T) {
	chunker := NewChunker(100, 10)

	chunks, err := chunker.Split([]Section{{Source: "empty.txt", Text: "  \n\n \t"}})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = chunker.Split(nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplitOversizedTokenTerminates(t *testing.T) {
	chunker := NewChunker(100, 10)
	token := strings.Repeat("x", 2050)

	chunks, err := chunker.Split([]Section{{Source: "blob.txt", Text: token}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 21)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk.Text), 100)
	}
}

func TestSplitShortDocumentIsSingleChunk(t *testing.T) {
	chunker := NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	text := "Документация ведётся в Confluence."

	chunks, err := chunker.Split([]Section{{Source: "wiki.txt", Title: "wiki", Text: text + "\n"}})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, "wiki", chunks[0].Title)
	assert.Equal(t, chunkID("wiki.txt", 0, text), chunks[0].ID)
}

func TestChunkIDsDifferAcrossSources(t *testing.T) {
	assert.NotEqual(t, chunkID("a.txt", 0, "same"), chunkID("b.txt", 0, "same"))
	assert.Equal(t, chunkID("a.txt", 0, "same"), chunkID("a.txt", 0, "same"))
}

func TestSharedRunes(t *testing.T) {
	assert.Equal(t, 5, sharedRunes("hello world", "world peace", 10))
	assert.Equal(t, 0, sharedRunes("hello world", "peace", 10))
	assert.Equal(t, 3, sharedRunes("abcabc", "abcabc", 3))
	assert.Equal(t, 0, sharedRunes("", "abc", 3))
}
