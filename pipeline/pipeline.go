// Package pipeline wires ingestion, the vector index, retrieval, reranking and answer
// composition into one object owned by the HTTP server or CLI.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/chat"
	"github.com/fabfab/corpscribe/config"
	"github.com/fabfab/corpscribe/database"
	"github.com/fabfab/corpscribe/embeddings"
	"github.com/fabfab/corpscribe/index"
	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/knowledge"
	"github.com/fabfab/corpscribe/llm"
	"github.com/fabfab/corpscribe/logger"
	"github.com/fabfab/corpscribe/ragerr"
	"github.com/fabfab/corpscribe/rerank"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateStale         State = "stale"
	StateFailed        State = "failed"
)

type Option func(*Pipeline)

func WithEmbedder(e embeddings.Embedder) Option { return func(p *Pipeline) { p.embedder = e } }
func WithLLM(c llm.Client) Option               { return func(p *Pipeline) { p.llm = c } }
func WithReranker(r rerank.Reranker) Option     { return func(p *Pipeline) { p.reranker = r } }
func WithBackend(b index.Backend) Option        { return func(p *Pipeline) { p.backend = b } }
func WithCatalog(c *knowledge.Catalog) Option   { return func(p *Pipeline) { p.catalog = c } }
func WithLogger(l *zap.SugaredLogger) Option    { return func(p *Pipeline) { p.logger = logger.OrNop(l) } }

// Pipeline is safe for concurrent use. Queries run in parallel against the current
// index snapshot; mutations are serialized.
type Pipeline struct {
	cfg    config.Config
	logger *zap.SugaredLogger

	initMu      sync.Mutex
	initialized bool

	// mu serializes BuildIndex, UploadDocument, DeleteDocument and ClearIndex.
	mu sync.Mutex

	stateMu sync.RWMutex
	state   State
	lastErr error

	embedder embeddings.Embedder
	llm      llm.Client
	reranker rerank.Reranker
	backend  index.Backend
	catalog  *knowledge.Catalog

	store     *ingestion.DocumentStore
	ingest    *ingestion.Service
	index     *index.Index
	retriever *chat.Retriever
	composer  *chat.Composer
}

// New returns an uninitialized pipeline. Nothing is validated or dialed until the
// first call that needs the components.
func New(cfg config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg, logger: zap.NewNop().Sugar(), state: StateUninitialized}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init runs initialization once. Concurrent callers wait for the same run; a failed
// run is retried by the next caller.
func (p *Pipeline) Init(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.initialized {
		return nil
	}
	if err := p.init(ctx); err != nil {
		return err
	}
	p.initialized = true
	p.setState(StateReady, nil)
	return nil
}

func (p *Pipeline) init(ctx context.Context) error {
	if err := p.cfg.Check(); err != nil {
		return err
	}
	strategy, err := index.ParseStrategy(p.cfg.Retrieval.Strategy)
	if err != nil {
		return err
	}

	if p.embedder == nil {
		if p.embedder, err = embeddings.NewEmbedder(p.cfg); err != nil {
			return err
		}
	}
	if p.llm == nil {
		if p.llm, err = llm.NewClient(p.cfg); err != nil {
			return err
		}
	}
	if p.reranker == nil {
		if p.reranker, err = rerank.New(p.cfg, p.logger); err != nil {
			return err
		}
	}
	if p.backend == nil {
		if p.backend, err = p.openBackend(ctx); err != nil {
			return err
		}
	}
	if p.catalog == nil && p.cfg.Neo4j.Enabled {
		driver, err := database.NewNeo4jDriver(ctx, p.cfg.Neo4j.URI, p.cfg.Neo4j.User, p.cfg.Neo4j.Password)
		if err != nil {
			p.logger.Warnw("neo4j catalog disabled", "uri", p.cfg.Neo4j.URI, "error", err)
		} else {
			p.catalog = knowledge.NewCatalog(driver, p.logger)
		}
	}

	idx := index.New(p.backend, p.logger)
	if err := idx.Open(ctx); err != nil {
		return err
	}

	p.store = ingestion.NewDocumentStore(p.cfg.DocumentPath)
	chunker := ingestion.NewChunker(p.cfg.Chunking.Size, p.cfg.Chunking.Overlap)
	p.ingest = ingestion.NewService(p.store, ingestion.NewFileLoader(), chunker, p.logger)
	p.index = idx
	p.retriever = chat.NewRetriever(p.embedder, idx, index.SearchOptions{
		K:        p.cfg.Retrieval.K,
		Strategy: strategy,
		FetchK:   p.cfg.Retrieval.FetchK,
		Lambda:   p.cfg.Retrieval.MMRLambda,
	}, p.logger)
	p.composer = chat.NewComposer(p.llm, chat.ComposerOptions{
		SystemPrompt:    p.cfg.Answer.SystemPrompt,
		PreviewChars:    p.cfg.Answer.PreviewChars,
		MaxContextChars: p.cfg.Answer.MaxContextChars,
	}, p.logger)

	p.logger.Infow("pipeline initialized",
		"backend", p.backend.Name(),
		"embedder", p.embedder.Name(),
		"strategy", strategy,
		"k", p.cfg.Retrieval.K,
		"rerank", p.cfg.Rerank.Provider,
		"chunk_size", chunker.Size(),
		"chunk_overlap", chunker.Overlap(),
		"openai_key", logger.Redact(p.cfg.OpenAIAPIKey),
		"index_ready", idx.Ready(),
	)
	return nil
}

func (p *Pipeline) openBackend(ctx context.Context) (index.Backend, error) {
	switch p.cfg.Index.Backend {
	case config.BackendLocal, "":
		return index.NewLocalBackend(p.cfg.IndexPath, p.logger), nil
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, p.cfg.PostgresDSN)
		if err != nil {
			return nil, ragerr.New(ragerr.KindConfig, "open postgres index", err)
		}
		return index.NewPostgresBackend(pool, p.logger), nil
	default:
		return nil, ragerr.Errorf(ragerr.KindConfig, "open index", "unknown index backend %q", p.cfg.Index.Backend)
	}
}

func (p *Pipeline) setState(s State, err error) {
	p.stateMu.Lock()
	p.state = s
	p.lastErr = err
	p.stateMu.Unlock()
}

func (p *Pipeline) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// Status is a point-in-time view of the pipeline for health and index endpoints.
type Status struct {
	State      State           `json:"state"`
	IndexReady bool            `json:"index_ready"`
	Backend    string          `json:"backend,omitempty"`
	Embedder   string          `json:"embedder,omitempty"`
	Generation *index.Manifest `json:"generation,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	if err := p.Init(ctx); err != nil {
		return Status{State: p.State()}, err
	}
	p.stateMu.RLock()
	st := Status{State: p.state, Backend: p.backend.Name(), Embedder: p.embedder.Name()}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	p.stateMu.RUnlock()

	if m, ok := p.index.Manifest(); ok {
		st.IndexReady = true
		st.Generation = &m
	}
	return st, nil
}

// IsIndexPresent reports whether a built generation is queryable.
func (p *Pipeline) IsIndexPresent(ctx context.Context) bool {
	if err := p.Init(ctx); err != nil {
		return false
	}
	return p.index.Ready()
}

// Query answers question from the current index. Before the first rebuild it returns
// the not-built answer instead of an error.
func (p *Pipeline) Query(ctx context.Context, question string) (chat.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return chat.Answer{}, ragerr.Errorf(ragerr.KindInvalid, "query", "question cannot be empty")
	}
	if err := p.Init(ctx); err != nil {
		return chat.Answer{}, err
	}
	if !p.index.Ready() {
		return chat.NotBuilt(), nil
	}

	started := time.Now()
	candidates, err := p.retriever.Retrieve(ctx, question, 0)
	if err != nil {
		return chat.Answer{}, err
	}
	if len(candidates) == 0 {
		if !p.index.Ready() {
			return chat.NotBuilt(), nil
		}
		return chat.Answer{}, ragerr.Errorf(ragerr.KindNoContext, "query", "no passages matched the question")
	}

	passages, err := p.reranker.Rerank(ctx, question, candidates, p.cfg.Rerank.Keep)
	if err != nil {
		return chat.Answer{}, err
	}

	answer, err := p.composer.Compose(ctx, question, passages)
	if err != nil {
		return chat.Answer{}, err
	}
	p.logger.Infow("question answered",
		"candidates", len(candidates),
		"passages", len(passages),
		"elapsed", time.Since(started),
	)
	return answer, nil
}

// Retrieval is the first two stages of a query, without the model call.
type Retrieval struct {
	IndexReady bool
	Candidates []index.Candidate
	Passages   []rerank.Result
}

// Retrieve runs retrieval and reranking for question, for debugging relevance.
func (p *Pipeline) Retrieve(ctx context.Context, question string, k int) (Retrieval, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Retrieval{}, ragerr.Errorf(ragerr.KindInvalid, "retrieve", "question cannot be empty")
	}
	if err := p.Init(ctx); err != nil {
		return Retrieval{}, err
	}
	if !p.index.Ready() {
		return Retrieval{Candidates: []index.Candidate{}, Passages: []rerank.Result{}}, nil
	}

	candidates, err := p.retriever.Retrieve(ctx, question, k)
	if err != nil {
		return Retrieval{}, err
	}
	passages, err := p.reranker.Rerank(ctx, question, candidates, p.cfg.Rerank.Keep)
	if err != nil {
		return Retrieval{}, err
	}
	return Retrieval{IndexReady: true, Candidates: candidates, Passages: passages}, nil
}

// UploadDocument stores a document. The index is not rebuilt.
func (p *Pipeline) UploadDocument(ctx context.Context, name string, r io.Reader) (ingestion.DocumentInfo, error) {
	if err := p.Init(ctx); err != nil {
		return ingestion.DocumentInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.store.Save(name, r, p.cfg.Server.MaxUploadBytes)
	if err != nil {
		return ingestion.DocumentInfo{}, err
	}
	p.logger.Infow("document uploaded", "name", info.Name, "bytes", info.Size)
	return info, nil
}

// DeleteDocument removes a document. The index keeps serving it until the next rebuild.
func (p *Pipeline) DeleteDocument(ctx context.Context, name string) error {
	if err := p.Init(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.Delete(name); err != nil {
		return err
	}
	p.logger.Infow("document deleted", "name", name)
	return nil
}

func (p *Pipeline) ListDocuments(ctx context.Context) ([]ingestion.DocumentInfo, error) {
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	return p.store.List()
}

// ClearIndex drops every index generation and the catalog. Documents are kept.
func (p *Pipeline) ClearIndex(ctx context.Context) error {
	if err := p.Init(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.index.Drop(ctx); err != nil {
		return err
	}
	if p.catalog != nil {
		if err := p.catalog.Purge(ctx); err != nil {
			p.logger.Warnw("purge catalog", "error", err)
		}
	}
	p.setState(StateReady, nil)
	p.logger.Infow("index cleared")
	return nil
}

func (p *Pipeline) Close() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	var err error
	if p.catalog != nil {
		if cerr := p.catalog.Close(context.Background()); cerr != nil {
			err = fmt.Errorf("close catalog: %w", cerr)
		}
	}
	if p.index != nil {
		if cerr := p.index.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close index: %w", cerr)
		}
	}
	return err
}
