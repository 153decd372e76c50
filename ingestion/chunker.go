package ingestion

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// Separators are tried in order: paragraph, line, sentence, word, character.
var Separators = []string{"\n\n", "\n", ". ", " ", ""}

var chunkNamespace = uuid.MustParse("6f1c1a52-4d3b-4c0e-9a51-3b7f3e0c2a11")

// Chunk is a bounded slice of one document's text.
type Chunk struct {
	ID      string
	Source  string
	Title   string
	Ordinal int
	Text    string
	// Overlap is the number of leading runes shared with the previous chunk of the same document.
	Overlap int
}

type Chunker struct {
	size     int
	overlap  int
	splitter textsplitter.RecursiveCharacter
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{
		size:    size,
		overlap: overlap,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(Separators),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
	}
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split chunks the sections of one document in order. Ordinals run across sections.
// Whitespace-only input yields an empty result.
func (c *Chunker) Split(sections []Section) ([]Chunk, error) {
	chunks := make([]Chunk, 0)
	for _, section := range sections {
		if strings.TrimSpace(section.Text) == "" {
			continue
		}

		parts, err := c.splitter.SplitText(section.Text)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", section.Source, err)
		}

		var prev string
		for _, part := range parts {
			for _, text := range c.enforceBound(part) {
				text = strings.TrimSpace(text)
				if text == "" {
					continue
				}
				ordinal := len(chunks)
				chunks = append(chunks, Chunk{
					ID:      chunkID(section.Source, ordinal, text),
					Source:  section.Source,
					Title:   section.Title,
					Ordinal: ordinal,
					Text:    text,
					Overlap: sharedRunes(prev, text, c.overlap),
				})
				prev = text
			}
		}
	}
	return chunks, nil
}

// enforceBound hard-cuts a part that still exceeds the size after splitting.
func (c *Chunker) enforceBound(part string) []string {
	if utf8.RuneCountInString(part) <= c.size {
		return []string{part}
	}
	runes := []rune(part)
	step := c.size - c.overlap
	out := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := min(start+c.size, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

func chunkID(source string, ordinal int, text string) string {
	return uuid.NewSHA1(chunkNamespace, fmt.Appendf(nil, "%s#%d#%s", source, ordinal, text)).String()
}

// sharedRunes returns the longest suffix of prev, at most limit runes, that prefixes next.
func sharedRunes(prev, next string, limit int) int {
	if prev == "" || limit <= 0 {
		return 0
	}
	p := []rune(prev)
	n := []rune(next)
	longest := min(limit, len(p), len(n))
	for size := longest; size > 0; size-- {
		if string(p[len(p)-size:]) == string(n[:size]) {
			return size
		}
	}
	return 0
}
