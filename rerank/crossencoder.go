package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/index"
	"github.com/fabfab/corpscribe/logger"
	"github.com/fabfab/corpscribe/ragerr"
)

type CrossEncoderOptions struct {
	// URL is the full rerank endpoint, e.g. http://localhost:8080/v1/rerank.
	URL     string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// CrossEncoder scores (query, passage) pairs with a hosted cross-encoder that speaks
// the Jina/Cohere rerank protocol.
type CrossEncoder struct {
	url     string
	model   string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	logger  *zap.SugaredLogger
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func NewCrossEncoder(opts CrossEncoderOptions, log *zap.SugaredLogger) *CrossEncoder {
	return &CrossEncoder{
		url:     opts.URL,
		model:   opts.Model,
		apiKey:  opts.APIKey,
		timeout: opts.Timeout,
		client:  defaultHTTPClient(opts.Timeout),
		logger:  logger.OrNop(log),
	}
}

func (c *CrossEncoder) Rerank(ctx context.Context, query string, candidates []index.Candidate, keep int) ([]Result, error) {
	if len(candidates) == 0 {
		return []Result{}, nil
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	docs := make([]string, len(candidates))
	for i := range candidates {
		docs[i] = candidates[i].Chunk.Text
	}
	scores, err := c.score(ctx, query, docs)
	if err != nil {
		return nil, ragerr.Provider("rerank", err)
	}

	// Only passages the service scored are eligible; some services cap top_n.
	order := make([]int, 0, len(candidates))
	for i, ok := range scores.scored {
		if ok {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return scores.value[order[a]] > scores.value[order[b]] })

	n := min(keep, len(order))
	out := make([]Result, n)
	for i := 0; i < n; i++ {
		out[i] = Result{Chunk: candidates[order[i]].Chunk, Score: scores.value[order[i]]}
	}
	c.logger.Debugw("reranked candidates", "candidates", len(candidates), "scored", len(order), "kept", n)
	return out, nil
}

type docScores struct {
	value  []float64
	scored []bool
}

// score returns the relevance scores indexed by document position.
func (c *CrossEncoder) score(ctx context.Context, query string, docs []string) (docScores, error) {
	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: docs, TopN: len(docs)})
	if err != nil {
		return docScores{}, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return docScores{}, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return docScores{}, fmt.Errorf("call rerank API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(data) > 0 {
			return docScores{}, fmt.Errorf("rerank API error: %s: %s", resp.Status, bytes.TrimSpace(data))
		}
		return docScores{}, fmt.Errorf("rerank API returned status %s", resp.Status)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return docScores{}, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return docScores{}, fmt.Errorf("rerank API returned no results")
	}

	scores := docScores{value: make([]float64, len(docs)), scored: make([]bool, len(docs))}
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			return docScores{}, fmt.Errorf("rerank API returned out of range index %d", r.Index)
		}
		if math.IsNaN(r.RelevanceScore) || math.IsInf(r.RelevanceScore, 0) {
			return docScores{}, fmt.Errorf("rerank API returned non-finite score for index %d", r.Index)
		}
		scores.value[r.Index] = r.RelevanceScore
		scores.scored[r.Index] = true
	}
	return scores, nil
}
