package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/database"
	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/logger"
)

// PostgresBackend stores each generation in its own rag_chunks_<id> pgvector table.
// The table is filled and the active flag in rag_index_generations flipped inside one
// transaction. The previous table is kept so searches pinned to it can finish.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

func NewPostgresBackend(pool *pgxpool.Pool, log *zap.SugaredLogger) *PostgresBackend {
	return &PostgresBackend{pool: pool, logger: logger.OrNop(log)}
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Load(ctx context.Context) (Snapshot, error) {
	if b.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if err := b.ensureSchema(ctx); err != nil {
		return nil, err
	}

	var (
		m       Manifest
		table   string
		sources string
	)
	err := b.pool.QueryRow(ctx, `
		SELECT id, chunk_table, dimension, embedding_model, chunk_count, document_count, sources::text, created_at
		FROM rag_index_generations
		WHERE active
	`).Scan(&m.ID, &table, &m.Dimension, &m.EmbeddingModel, &m.ChunkCount, &m.DocumentCount, &sources, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query active generation: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
		return nil, fmt.Errorf("decode generation sources: %w", err)
	}
	if !database.ValidChunkTable(table) {
		return nil, fmt.Errorf("active generation %s references invalid table %q", m.ID, table)
	}
	return &pgSnapshot{pool: b.pool, table: table, manifest: m}, nil
}

func (b *PostgresBackend) Commit(ctx context.Context, gen Generation) (snap Snapshot, err error) {
	if b.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	table := "rag_chunks_" + gen.Manifest.ID
	ddl, err := database.ChunkTableDDL(table, gen.Manifest.Dimension)
	if err != nil {
		return nil, err
	}

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				b.logger.Warnw("rollback error", "error", rbErr)
			}
		}
	}()

	if err = database.EnsureGenerationSchema(ctx, tx); err != nil {
		return nil, err
	}
	for _, stmt := range ddl {
		if _, err = tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create chunk table: %w", err)
		}
	}

	batch := &pgx.Batch{}
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, source_path, title, chunk_index, overlap, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, table)
	for i := range gen.Entries {
		c := gen.Entries[i].Chunk
		batch.Queue(insert, c.ID, c.Source, c.Title, c.Ordinal, c.Overlap, c.Text, pgvector.NewVector(gen.Entries[i].Vector))
	}
	results := tx.SendBatch(ctx, batch)
	for i := range gen.Entries {
		if _, err = results.Exec(); err != nil {
			results.Close()
			return nil, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	if err = results.Close(); err != nil {
		return nil, fmt.Errorf("close insert batch: %w", err)
	}

	if _, err = tx.Exec(ctx, database.ChunkTableIndexDDL(table, len(gen.Entries))); err != nil {
		return nil, fmt.Errorf("create vector index: %w", err)
	}

	sources, err := json.Marshal(gen.Manifest.Sources)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}
	if _, err = tx.Exec(ctx, "UPDATE rag_index_generations SET active = FALSE WHERE active"); err != nil {
		return nil, fmt.Errorf("deactivate generation: %w", err)
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO rag_index_generations (id, chunk_table, dimension, embedding_model, chunk_count, document_count, sources, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, TRUE, $8)
	`, gen.Manifest.ID, table, gen.Manifest.Dimension, gen.Manifest.EmbeddingModel,
		gen.Manifest.ChunkCount, gen.Manifest.DocumentCount, string(sources), gen.Manifest.CreatedAt); err != nil {
		return nil, fmt.Errorf("register generation: %w", err)
	}

	if err = pruneGenerations(ctx, tx); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &pgSnapshot{pool: b.pool, table: table, manifest: gen.Manifest}, nil
}

func (b *PostgresBackend) Drop(ctx context.Context) (err error) {
	if b.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = database.EnsureGenerationSchema(ctx, tx); err != nil {
		return err
	}
	tables, err := collectTables(ctx, tx, "SELECT chunk_table FROM rag_index_generations")
	if err != nil {
		return err
	}
	for _, table := range tables {
		if _, err = tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize()); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	if _, err = tx.Exec(ctx, "DELETE FROM rag_index_generations"); err != nil {
		return fmt.Errorf("clear generations: %w", err)
	}
	return tx.Commit(ctx)
}

func (b *PostgresBackend) Close() error {
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}

func (b *PostgresBackend) ensureSchema(ctx context.Context) (err error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = database.EnsureGenerationSchema(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pruneGenerations drops every inactive generation except the most recent one.
func pruneGenerations(ctx context.Context, tx pgx.Tx) error {
	tables, err := collectTables(ctx, tx, `
		SELECT chunk_table FROM rag_index_generations
		WHERE NOT active
		ORDER BY created_at DESC
		OFFSET 1
	`)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize()); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM rag_index_generations WHERE chunk_table = $1", table); err != nil {
			return fmt.Errorf("unregister %s: %w", table, err)
		}
	}
	return nil
}

func collectTables(ctx context.Context, tx pgx.Tx, query string) ([]string, error) {
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan generations: %w", err)
	}
	valid := tables[:0]
	for _, t := range tables {
		if database.ValidChunkTable(t) {
			valid = append(valid, t)
		}
	}
	return valid, nil
}

type pgSnapshot struct {
	pool     *pgxpool.Pool
	table    string
	manifest Manifest
}

func (s *pgSnapshot) Manifest() Manifest { return s.manifest }

func (s *pgSnapshot) Nearest(ctx context.Context, query []float32, n int) ([]Candidate, error) {
	if n <= 0 {
		return nil, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := max(n, 10)
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT id::text, source_path, COALESCE(title, ''), chunk_index, overlap, content, embedding,
		       1 - (embedding <=> $1::vector) AS score
		FROM %s
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, pgx.Identifier{s.table}.Sanitize()), pgvector.NewVector(query), n)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Candidate, 0, n)
	for rows.Next() {
		var (
			c     ingestion.Chunk
			vec   pgvector.Vector
			score float64
		)
		if err := rows.Scan(&c.ID, &c.Source, &c.Title, &c.Ordinal, &c.Overlap, &c.Text, &vec, &score); err != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", err)
		}
		results = append(results, Candidate{Chunk: c, Score: score, Vector: vec.Slice()})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

var (
	_ Backend  = (*PostgresBackend)(nil)
	_ Snapshot = (*pgSnapshot)(nil)
)
