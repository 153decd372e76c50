package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTableDDLRejectsInvalidDimension(t *testing.T) {
	_, err := ChunkTableDDL("rag_chunks_0123456789abcdef0123456789abcdef", 0)
	assert.Error(t, err)
}

func TestChunkTableDDLRejectsForeignNames(t *testing.T) {
	_, err := ChunkTableDDL("rag_chunks; DROP TABLE users", 3)
	assert.Error(t, err)
	assert.False(t, ValidChunkTable("rag_documents"))
}

func TestChunkTableDDL(t *testing.T) {
	table := "rag_chunks_0123456789abcdef0123456789abcdef"
	stmts, err := ChunkTableDDL(table, 768)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "VECTOR(768)")
	assert.Contains(t, ChunkTableIndexDDL(table, 10), "lists = 1")
	assert.Contains(t, ChunkTableIndexDDL(table, 25000), "lists = 25")
}

func TestEnsureSQLiteSchema(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "index.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, EnsureSQLiteSchema(ctx, db))
	require.NoError(t, EnsureSQLiteSchema(ctx, db))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count))
	assert.Zero(t, count)
}
