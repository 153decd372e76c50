package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/embeddings"
	"github.com/fabfab/corpscribe/index"
	"github.com/fabfab/corpscribe/logger"
	"github.com/fabfab/corpscribe/ragerr"
)

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(ctx context.Context, query []float32, opts index.SearchOptions) ([]index.Candidate, error)
}

type Retriever struct {
	embedder embeddings.Embedder
	index    Searcher
	opts     index.SearchOptions
	logger   *zap.SugaredLogger
}

// NewRetriever searches idx with opts. opts.K is the default k and the embedder's
// name is pinned as the expected index model.
func NewRetriever(embedder embeddings.Embedder, idx Searcher, opts index.SearchOptions, log *zap.SugaredLogger) *Retriever {
	if embedder != nil {
		opts.EmbeddingModel = embedder.Name()
	}
	return &Retriever{embedder: embedder, index: idx, opts: opts, logger: logger.OrNop(log)}
}

// Retrieve returns at most k candidates for question, or none when the index has not
// been built. k <= 0 uses the configured default.
func (r *Retriever) Retrieve(ctx context.Context, question string, k int) ([]index.Candidate, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ragerr.Errorf(ragerr.KindInvalid, "retrieve", "question cannot be empty")
	}
	if r.embedder == nil || r.index == nil {
		return nil, ragerr.Errorf(ragerr.KindConfig, "retrieve", "retriever is not configured")
	}

	opts := r.opts
	if k > 0 {
		opts.K = k
	}

	vectors, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, ragerr.Errorf(ragerr.KindProvider, "retrieve", "embedder returned no vectors")
	}

	candidates, err := r.index.Search(ctx, vectors[0], opts)
	if err != nil {
		if index.IsNotReady(err) {
			r.logger.Debugw("retrieve on unbuilt index")
			return []index.Candidate{}, nil
		}
		return nil, err
	}
	if len(candidates) > opts.K {
		candidates = candidates[:opts.K]
	}
	r.logger.Debugw("retrieved candidates", "k", opts.K, "strategy", opts.Strategy, "found", len(candidates))
	return candidates, nil
}
