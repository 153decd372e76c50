package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/corpscribe/config"
	"github.com/fabfab/corpscribe/index"
	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/ragerr"
)

func candidates(texts ...string) []index.Candidate {
	out := make([]index.Candidate, len(texts))
	for i, text := range texts {
		out[i] = index.Candidate{
			Chunk: ingestion.Chunk{ID: fmt.Sprintf("c%d", i), Source: "doc.txt", Ordinal: i, Text: text},
			Score: 1 - float64(i)/10,
		}
	}
	return out
}

// rerankServer scores each document with scoreFn, returning results in document order.
func rerankServer(t *testing.T, scoreFn func(query, doc string) float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, len(req.Documents), req.TopN)

		type item struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		}
		results := make([]item, 0, len(req.Documents))
		for i, doc := range req.Documents {
			results = append(results, item{Index: i, RelevanceScore: scoreFn(req.Query, doc)})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
}

func TestCrossEncoderOrdersByScore(t *testing.T) {
	scores := map[string]float64{"vacation policy": 0.2, "expense report": 0.9, "holiday calendar": 0.5, "parking": 0.1}
	srv := rerankServer(t, func(_, doc string) float64 { return scores[doc] })
	defer srv.Close()

	rr := NewCrossEncoder(CrossEncoderOptions{URL: srv.URL, Model: "bge-reranker"}, nil)
	in := candidates("vacation policy", "expense report", "holiday calendar", "parking")
	out, err := rr.Rerank(context.Background(), "how do I file expenses", in, 3)
	require.NoError(t, err)

	require.Len(t, out, 3)
	assert.Equal(t, "expense report", out[0].Chunk.Text)
	assert.Equal(t, "holiday calendar", out[1].Chunk.Text)
	assert.Equal(t, "vacation policy", out[2].Chunk.Text)
	assert.InDelta(t, 0.9, out[0].Score, 1e-9)

	ids := map[string]bool{}
	for _, c := range in {
		ids[c.Chunk.ID] = true
	}
	for _, r := range out {
		assert.True(t, ids[r.Chunk.ID], "result must come from the candidates")
	}
}

func TestCrossEncoderTiesKeepCandidateOrder(t *testing.T) {
	srv := rerankServer(t, func(_, _ string) float64 { return 0.5 })
	defer srv.Close()

	rr := NewCrossEncoder(CrossEncoderOptions{URL: srv.URL}, nil)
	out, err := rr.Rerank(context.Background(), "q", candidates("one", "two", "three", "four"), 4)
	require.NoError(t, err)
	require.Len(t, out, 4)
	for i, want := range []string{"one", "two", "three", "four"} {
		assert.Equal(t, want, out[i].Chunk.Text)
	}
}

func TestCrossEncoderSingleCandidate(t *testing.T) {
	srv := rerankServer(t, func(_, _ string) float64 { return 0.7 })
	defer srv.Close()

	rr := NewCrossEncoder(CrossEncoderOptions{URL: srv.URL}, nil)
	in := candidates("only passage")
	out, err := rr.Rerank(context.Background(), "q", in, 3)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, in[0].Chunk, out[0].Chunk)
}

func TestCrossEncoderEmptyInputSkipsCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	rr := NewCrossEncoder(CrossEncoderOptions{URL: srv.URL}, nil)
	out, err := rr.Rerank(context.Background(), "q", nil, 3)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.False(t, called)
}

func TestCrossEncoderFailureIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rr := NewCrossEncoder(CrossEncoderOptions{URL: srv.URL, APIKey: "secret"}, nil)
	_, err := rr.Rerank(context.Background(), "q", candidates("a", "b"), 3)
	assert.ErrorIs(t, err, ragerr.ErrProvider)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestCrossEncoderRejectsOutOfRangeIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"index":7,"relevance_score":0.9}]}`))
	}))
	defer srv.Close()

	rr := NewCrossEncoder(CrossEncoderOptions{URL: srv.URL}, nil)
	_, err := rr.Rerank(context.Background(), "q", candidates("a"), 3)
	assert.ErrorIs(t, err, ragerr.ErrProvider)
}

func TestCrossEncoderDropsUnscoredCandidates(t *testing.T) {
	// The service scores only two of five documents, as services that cap top_n do.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"index":2,"relevance_score":0.9},{"index":0,"relevance_score":0.4}]}`))
	}))
	defer srv.Close()

	rr := NewCrossEncoder(CrossEncoderOptions{URL: srv.URL}, nil)
	in := candidates("a", "b", "c", "d", "e")
	out, err := rr.Rerank(context.Background(), "q", in, 3)
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].Chunk.Text)
	assert.Equal(t, "a", out[1].Chunk.Text)

	_, err = json.Marshal(out)
	assert.NoError(t, err)
}

func TestPassthroughKeepsRetrievalOrder(t *testing.T) {
	out, err := Passthrough{}.Rerank(context.Background(), "q", candidates("a", "b", "c", "d"), 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Chunk.Text)
	assert.Equal(t, "b", out[1].Chunk.Text)

	out, err = Passthrough{}.Rerank(context.Background(), "q", nil, 2)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNewSelectsProvider(t *testing.T) {
	rr, err := New(config.Config{Rerank: config.RerankConfig{Provider: config.RerankNone}}, nil)
	require.NoError(t, err)
	assert.IsType(t, Passthrough{}, rr)

	rr, err = New(config.Config{Rerank: config.RerankConfig{Provider: config.RerankCrossEncoder, URL: "http://localhost:8080/v1/rerank"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &CrossEncoder{}, rr)

	_, err = New(config.Config{Rerank: config.RerankConfig{Provider: config.RerankCrossEncoder}}, nil)
	assert.ErrorIs(t, err, ragerr.ErrConfig)

	_, err = New(config.Config{Rerank: config.RerankConfig{Provider: "colbert"}}, nil)
	assert.ErrorIs(t, err, ragerr.ErrConfig)
}
