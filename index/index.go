// Package index holds the persisted vector index. A rebuild writes a complete new
// generation and then swaps the in-memory snapshot pointer, so readers always see
// either the previous generation or the new one in full.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/logger"
	"github.com/fabfab/corpscribe/ragerr"
)

type Strategy string

const (
	Similarity Strategy = "similarity"
	MMR        Strategy = "mmr"

	DefaultLambda = 0.5
)

// ParseStrategy maps a configuration value onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Similarity:
		return Similarity, nil
	case MMR, "":
		return MMR, nil
	default:
		return "", ragerr.Errorf(ragerr.KindConfig, "search strategy", "unknown strategy %q", s)
	}
}

// Entry pairs a chunk with its embedding.
type Entry struct {
	Chunk  ingestion.Chunk
	Vector []float32
}

// Manifest describes one index generation.
type Manifest struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Dimension      int       `json:"dimension"`
	EmbeddingModel string    `json:"embedding_model"`
	ChunkCount     int       `json:"chunk_count"`
	DocumentCount  int       `json:"document_count"`
	Sources        []string  `json:"sources"`
}

type Generation struct {
	Manifest Manifest
	Entries  []Entry
}

// NewGeneration validates entries and derives the manifest. Every vector must share
// the dimension of the first one.
func NewGeneration(model string, entries []Entry) (Generation, error) {
	if len(entries) == 0 {
		return Generation{}, ragerr.Errorf(ragerr.KindInvalid, "new generation", "no entries to index")
	}
	dim := len(entries[0].Vector)
	if dim == 0 {
		return Generation{}, ragerr.Errorf(ragerr.KindDimensionMismatch, "new generation", "embedding provider returned an empty vector")
	}

	seen := make(map[string]struct{})
	sources := make([]string, 0)
	for i := range entries {
		if got := len(entries[i].Vector); got != dim {
			return Generation{}, ragerr.Errorf(ragerr.KindDimensionMismatch, "new generation",
				"chunk %s of %s has dimension %d, expected %d", entries[i].Chunk.ID, entries[i].Chunk.Source, got, dim)
		}
		if _, ok := seen[entries[i].Chunk.Source]; !ok {
			seen[entries[i].Chunk.Source] = struct{}{}
			sources = append(sources, entries[i].Chunk.Source)
		}
	}
	sort.Strings(sources)

	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].Chunk.Source != ordered[b].Chunk.Source {
			return ordered[a].Chunk.Source < ordered[b].Chunk.Source
		}
		return ordered[a].Chunk.Ordinal < ordered[b].Chunk.Ordinal
	})

	return Generation{
		Manifest: Manifest{
			ID:             NewGenerationID(),
			CreatedAt:      time.Now().UTC(),
			Dimension:      dim,
			EmbeddingModel: model,
			ChunkCount:     len(entries),
			DocumentCount:  len(sources),
			Sources:        sources,
		},
		Entries: ordered,
	}, nil
}

// NewGenerationID returns a time-ordered 32 character hex identifier.
func NewGenerationID() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// Candidate is a chunk scored against a query vector.
type Candidate struct {
	Chunk  ingestion.Chunk
	Score  float64
	Vector []float32
}

// Snapshot is one immutable, fully written generation.
type Snapshot interface {
	Manifest() Manifest
	// Nearest returns up to n entries ordered by descending cosine similarity.
	Nearest(ctx context.Context, query []float32, n int) ([]Candidate, error)
}

// Backend persists generations. Commit must leave the previous generation current
// when it fails.
type Backend interface {
	Name() string
	Load(ctx context.Context) (Snapshot, error)
	Commit(ctx context.Context, gen Generation) (Snapshot, error)
	Drop(ctx context.Context) error
	Close() error
}

type SearchOptions struct {
	K        int
	Strategy Strategy
	FetchK   int
	Lambda   float64
	// EmbeddingModel, when set, must match the model the generation was built with.
	EmbeddingModel string
}

type holder struct {
	snap Snapshot
}

type Index struct {
	backend Backend
	current atomic.Pointer[holder]
	logger  *zap.SugaredLogger
}

func New(backend Backend, log *zap.SugaredLogger) *Index {
	return &Index{backend: backend, logger: logger.OrNop(log)}
}

// Open loads the current generation, if any.
func (i *Index) Open(ctx context.Context) error {
	snap, err := i.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s index: %w", i.backend.Name(), err)
	}
	i.swap(snap)
	if snap != nil {
		m := snap.Manifest()
		i.logger.Infow("index loaded", "backend", i.backend.Name(), "generation", m.ID, "chunks", m.ChunkCount, "model", m.EmbeddingModel)
	} else {
		i.logger.Infow("no index generation found", "backend", i.backend.Name())
	}
	return nil
}

// Ready reports whether the index holds at least one entry.
func (i *Index) Ready() bool {
	_, ok := i.Manifest()
	return ok
}

func (i *Index) Manifest() (Manifest, bool) {
	h := i.current.Load()
	if h == nil || h.snap == nil {
		return Manifest{}, false
	}
	m := h.snap.Manifest()
	return m, m.ChunkCount > 0
}

// Rebuild commits gen and makes it current. On failure the previous generation stays current.
func (i *Index) Rebuild(ctx context.Context, gen Generation) (Manifest, error) {
	if len(gen.Entries) == 0 {
		return Manifest{}, ragerr.Errorf(ragerr.KindInvalid, "rebuild index", "generation has no entries")
	}
	started := time.Now()
	snap, err := i.backend.Commit(ctx, gen)
	if err != nil {
		return Manifest{}, fmt.Errorf("commit %s generation %s: %w", i.backend.Name(), gen.Manifest.ID, err)
	}
	i.swap(snap)
	i.logger.Infow("index generation committed",
		"backend", i.backend.Name(),
		"generation", gen.Manifest.ID,
		"chunks", gen.Manifest.ChunkCount,
		"documents", gen.Manifest.DocumentCount,
		"elapsed", time.Since(started),
	)
	return snap.Manifest(), nil
}

// Drop removes every persisted generation.
func (i *Index) Drop(ctx context.Context) error {
	if err := i.backend.Drop(ctx); err != nil {
		return fmt.Errorf("drop %s index: %w", i.backend.Name(), err)
	}
	i.swap(nil)
	return nil
}

func (i *Index) Close() error {
	return i.backend.Close()
}

// Search reads the generation current at call time; a concurrent rebuild does not
// affect an in-flight search.
func (i *Index) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Candidate, error) {
	h := i.current.Load()
	if h == nil || h.snap == nil || h.snap.Manifest().ChunkCount == 0 {
		return nil, ragerr.Errorf(ragerr.KindIndexNotReady, "search", "index has not been built")
	}
	return SearchSnapshot(ctx, h.snap, query, opts)
}

// SearchSnapshot runs opts against a pinned snapshot.
func SearchSnapshot(ctx context.Context, snap Snapshot, query []float32, opts SearchOptions) ([]Candidate, error) {
	m := snap.Manifest()
	if opts.EmbeddingModel != "" && m.EmbeddingModel != "" && opts.EmbeddingModel != m.EmbeddingModel {
		return nil, ragerr.Errorf(ragerr.KindDimensionMismatch, "search",
			"index generation %s was built with %s but queries use %s; rebuild the index", m.ID, m.EmbeddingModel, opts.EmbeddingModel)
	}
	if len(query) != m.Dimension {
		return nil, ragerr.Errorf(ragerr.KindDimensionMismatch, "search",
			"query vector has dimension %d, index generation %s has %d", len(query), m.ID, m.Dimension)
	}
	if opts.K <= 0 {
		return nil, ragerr.Errorf(ragerr.KindInvalid, "search", "k must be positive")
	}

	switch opts.Strategy {
	case Similarity:
		return snap.Nearest(ctx, query, opts.K)
	case MMR, "":
		fetch := max(opts.FetchK, opts.K)
		candidates, err := snap.Nearest(ctx, query, fetch)
		if err != nil {
			return nil, err
		}
		lambda := opts.Lambda
		if lambda <= 0 || lambda > 1 {
			lambda = DefaultLambda
		}
		return mmrSelect(candidates, opts.K, lambda), nil
	default:
		return nil, ragerr.Errorf(ragerr.KindInvalid, "search", "unknown strategy %q", opts.Strategy)
	}
}

func (i *Index) swap(snap Snapshot) {
	if snap == nil {
		i.current.Store(nil)
		return
	}
	i.current.Store(&holder{snap: snap})
}

// IsNotReady reports whether err means the index has no current generation.
func IsNotReady(err error) bool {
	return errors.Is(err, ragerr.ErrIndexNotReady)
}
