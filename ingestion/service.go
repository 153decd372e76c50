package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	stdpath "path"

	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/logger"
)

// Document is one loaded and chunked file.
type Document struct {
	Source string
	Title  string
	SHA256 string
	Folder string
	Format DocumentFormat
	Chunks []Chunk
}

// Skipped records a document that failed to load.
type Skipped struct {
	Source string
	Err    error
}

// Batch is the result of one pass over the document store.
type Batch struct {
	Documents []Document
	Skipped   []Skipped
}

// Chunks returns all chunks of the batch in document order.
func (b *Batch) Chunks() []Chunk {
	total := 0
	for i := range b.Documents {
		total += len(b.Documents[i].Chunks)
	}
	out := make([]Chunk, 0, total)
	for i := range b.Documents {
		out = append(out, b.Documents[i].Chunks...)
	}
	return out
}

type Service struct {
	store   *DocumentStore
	loader  Loader
	chunker *Chunker
	logger  *zap.SugaredLogger
}

func NewService(store *DocumentStore, loader Loader, chunker *Chunker, log *zap.SugaredLogger) *Service {
	if loader == nil {
		loader = NewFileLoader()
	}
	if chunker == nil {
		chunker = NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	}
	return &Service{
		store:   store,
		loader:  loader,
		chunker: chunker,
		logger:  logger.OrNop(log),
	}
}

// IngestDirectory loads and chunks every supported document in the store. Documents
// that fail to load are logged and skipped; only store-level failures abort the run.
func (s *Service) IngestDirectory(ctx context.Context) (*Batch, error) {
	if s.store == nil {
		return nil, fmt.Errorf("document store not configured")
	}
	if err := s.store.Ensure(); err != nil {
		return nil, err
	}

	files, err := s.store.Files()
	if err != nil {
		return nil, err
	}

	batch := &Batch{}
	if len(files) == 0 {
		s.logger.Infow("no documents found", "dir", s.store.Root())
		return batch, nil
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.ingestFile(ctx, path)
		if err != nil {
			source := sourceName(s.store.Root(), path)
			s.logger.Warnw("skip document", "source", source, "error", err)
			batch.Skipped = append(batch.Skipped, Skipped{Source: source, Err: err})
			continue
		}
		if len(doc.Chunks) == 0 {
			s.logger.Infow("skip empty document", "source", doc.Source)
			continue
		}
		batch.Documents = append(batch.Documents, doc)
	}

	s.logger.Infow("documents chunked",
		"documents", len(batch.Documents),
		"skipped", len(batch.Skipped),
		"chunks", len(batch.Chunks()),
	)
	return batch, nil
}

func (s *Service) ingestFile(ctx context.Context, path string) (Document, error) {
	sections, err := s.loader.Load(ctx, s.store.Root(), path)
	if err != nil {
		return Document{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read file: %w", err)
	}
	hash := sha256.Sum256(data)

	source := sourceName(s.store.Root(), path)
	folder := stdpath.Dir(source)
	if folder == "." || folder == "/" {
		folder = ""
	}

	title := baseTitle(path)
	if len(sections) > 0 && sections[0].Title != "" {
		title = sections[0].Title
	}

	chunks, err := s.chunker.Split(sections)
	if err != nil {
		return Document{}, err
	}

	return Document{
		Source: source,
		Title:  title,
		SHA256: hex.EncodeToString(hash[:]),
		Folder: folder,
		Format: DetectFormat(path),
		Chunks: chunks,
	}, nil
}
