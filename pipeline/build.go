package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fabfab/corpscribe/index"
	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/ragerr"
)

// ProgressFunc receives the number of embedded chunks after each batch.
type ProgressFunc func(done, total int)

type SkippedDocument struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// BuildReport summarizes one rebuild. Built is false when the document store held
// nothing indexable, in which case the index was left untouched.
type BuildReport struct {
	Built      bool              `json:"built"`
	Documents  int               `json:"documents"`
	Chunks     int               `json:"chunks"`
	Skipped    []SkippedDocument `json:"skipped"`
	Generation string            `json:"generation,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
}

func (p *Pipeline) BuildIndex(ctx context.Context) (BuildReport, error) {
	return p.BuildIndexWithProgress(ctx, nil)
}

// BuildIndexWithProgress reloads every document, embeds all chunks and swaps in a new
// generation. Any failure leaves the previous generation current and queryable.
func (p *Pipeline) BuildIndexWithProgress(ctx context.Context, progress ProgressFunc) (BuildReport, error) {
	if err := p.Init(ctx); err != nil {
		return BuildReport{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	previous := p.State()
	p.setState(StateStale, nil)
	started := time.Now()

	report, err := p.build(ctx, progress)
	report.Elapsed = time.Since(started)
	switch {
	case err != nil:
		p.setState(StateFailed, err)
		p.logger.Errorw("index rebuild failed", "error", err, "elapsed", report.Elapsed)
		return report, err
	case !report.Built:
		if previous == StateFailed {
			p.setState(StateFailed, nil)
		} else {
			p.setState(StateReady, nil)
		}
	default:
		p.setState(StateReady, nil)
	}
	return report, nil
}

func (p *Pipeline) build(ctx context.Context, progress ProgressFunc) (BuildReport, error) {
	report := BuildReport{Skipped: []SkippedDocument{}}

	batch, err := p.ingest.IngestDirectory(ctx)
	if err != nil {
		return report, err
	}
	for _, s := range batch.Skipped {
		report.Skipped = append(report.Skipped, SkippedDocument{Source: s.Source, Error: s.Err.Error()})
	}
	chunks := batch.Chunks()
	if len(chunks) == 0 {
		p.logger.Warnw("rebuild skipped: no documents to index", "dir", p.store.Root())
		return report, nil
	}

	entries, err := p.embedChunks(ctx, chunks, progress)
	if err != nil {
		return report, err
	}
	gen, err := index.NewGeneration(p.embedder.Name(), entries)
	if err != nil {
		return report, err
	}
	manifest, err := p.index.Rebuild(ctx, gen)
	if err != nil {
		return report, err
	}

	if p.catalog != nil {
		if err := p.catalog.SyncGeneration(ctx, manifest, batch.Documents); err != nil {
			p.logger.Warnw("catalog sync failed", "generation", manifest.ID, "error", err)
		}
	}

	report.Built = true
	report.Documents = manifest.DocumentCount
	report.Chunks = manifest.ChunkCount
	report.Generation = manifest.ID
	return report, nil
}

// embedChunks embeds chunks in batches of Embeddings.BatchSize with at most
// Embeddings.Concurrency batches in flight. The first failure cancels the rest.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []ingestion.Chunk, progress ProgressFunc) ([]index.Entry, error) {
	batchSize := p.cfg.Embeddings.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	entries := make([]index.Entry, len(chunks))

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Embeddings.Concurrency, 1))
	for start := 0; start < len(chunks); start += batchSize {
		start := start
		end := min(start+batchSize, len(chunks))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for i := start; i < end; i++ {
				texts = append(texts, chunks[i].Text)
			}
			vectors, err := p.embedder.Embed(gctx, texts)
			if err != nil {
				return err
			}
			if len(vectors) != len(texts) {
				return ragerr.Errorf(ragerr.KindProvider, "embed chunks", "expected %d vectors, got %d", len(texts), len(vectors))
			}
			for i := range vectors {
				entries[start+i] = index.Entry{Chunk: chunks[start+i], Vector: vectors[i]}
			}

			mu.Lock()
			done += len(texts)
			if progress != nil {
				progress(done, len(chunks))
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}
