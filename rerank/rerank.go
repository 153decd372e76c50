// Package rerank reorders retrieved candidates by relevance to the question.
package rerank

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/config"
	"github.com/fabfab/corpscribe/index"
	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/ragerr"
)

const DefaultKeep = 3

// Result is a candidate chunk with the score the reranker assigned it.
type Result struct {
	Chunk ingestion.Chunk
	Score float64
}

// Reranker returns at most keep results, best first. Results are always a subset of
// candidates and equal scores keep their candidate order.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []index.Candidate, keep int) ([]Result, error)
}

// New builds the reranker selected by cfg.Rerank.Provider.
func New(cfg config.Config, log *zap.SugaredLogger) (Reranker, error) {
	switch cfg.Rerank.Provider {
	case config.RerankNone, "":
		return Passthrough{}, nil
	case config.RerankCrossEncoder:
		if cfg.Rerank.URL == "" {
			return nil, ragerr.Errorf(ragerr.KindConfig, "new reranker", "cross-encoder reranker requires rerank.url")
		}
		return NewCrossEncoder(CrossEncoderOptions{
			URL:     cfg.Rerank.URL,
			Model:   cfg.Rerank.Model,
			APIKey:  cfg.Rerank.APIKey,
			Timeout: cfg.ProviderTimeout,
		}, log), nil
	default:
		return nil, ragerr.Errorf(ragerr.KindConfig, "new reranker", "unknown rerank provider: %s", cfg.Rerank.Provider)
	}
}

// Passthrough keeps the first keep candidates in retrieval order.
type Passthrough struct{}

func (Passthrough) Rerank(_ context.Context, _ string, candidates []index.Candidate, keep int) ([]Result, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	n := min(keep, len(candidates))
	out := make([]Result, n)
	for i := 0; i < n; i++ {
		out[i] = Result{Chunk: candidates[i].Chunk, Score: candidates[i].Score}
	}
	return out, nil
}

func defaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

var (
	_ Reranker = Passthrough{}
	_ Reranker = (*CrossEncoder)(nil)
)
