package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

var chunkTableName = regexp.MustCompile(`^rag_chunks_[0-9a-f]{32}$`)

// EnsureGenerationSchema creates the pgvector extension and the generation registry.
func EnsureGenerationSchema(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS rag_index_generations (
			id TEXT PRIMARY KEY,
			chunk_table TEXT NOT NULL,
			dimension INT NOT NULL,
			embedding_model TEXT NOT NULL,
			chunk_count INT NOT NULL,
			document_count INT NOT NULL,
			sources JSONB NOT NULL DEFAULT '[]',
			active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_rag_index_generations_active ON rag_index_generations(active) WHERE active",
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// ChunkTableDDL returns the statements creating one generation's chunk table.
func ChunkTableDDL(table string, dimension int) ([]string, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if !chunkTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid chunk table name %q", table)
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
			id UUID PRIMARY KEY,
			source_path TEXT NOT NULL,
			title TEXT,
			chunk_index INT NOT NULL,
			overlap INT NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL
		)`, table, dimension),
		fmt.Sprintf("CREATE INDEX %s_source ON %s(source_path, chunk_index)", table, table),
	}, nil
}

// ChunkTableIndexDDL builds the approximate index once the table is filled.
func ChunkTableIndexDDL(table string, rows int) string {
	lists := max(rows/1000, 1)
	return fmt.Sprintf("CREATE INDEX %s_embedding ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)", table, table, lists)
}

// ValidChunkTable reports whether name was produced by this package.
func ValidChunkTable(name string) bool {
	return chunkTableName.MatchString(name)
}

// EnsureSQLiteSchema creates the tables of a local index generation file.
func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS manifest (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			source_path TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			chunk_index INTEGER NOT NULL,
			overlap INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_path, chunk_index)",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute sqlite schema statement: %w", err)
		}
	}
	return nil
}
