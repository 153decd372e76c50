package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/database"
	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/logger"
)

const (
	currentFile    = "CURRENT"
	generationsDir = "generations"
	indexFile      = "index.db"
	manifestKey    = "manifest"
)

// LocalBackend stores each generation as a SQLite file under
// <dir>/generations/<id>/index.db. The CURRENT file names the live generation and is
// replaced by rename, so a crash mid-build leaves the previous generation current.
type LocalBackend struct {
	dir    string
	logger *zap.SugaredLogger
}

func NewLocalBackend(dir string, log *zap.SugaredLogger) *LocalBackend {
	return &LocalBackend{dir: dir, logger: logger.OrNop(log)}
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) Load(ctx context.Context) (Snapshot, error) {
	id, err := b.currentID()
	if err != nil || id == "" {
		return nil, err
	}

	db, err := database.OpenSQLite(b.generationPath(id))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	manifest, err := readManifest(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("generation %s: %w", id, err)
	}
	entries, err := readEntries(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("generation %s: %w", id, err)
	}
	if len(entries) != manifest.ChunkCount {
		return nil, fmt.Errorf("generation %s is incomplete: manifest lists %d chunks, found %d", id, manifest.ChunkCount, len(entries))
	}
	return NewMemorySnapshot(manifest, entries), nil
}

func (b *LocalBackend) Commit(ctx context.Context, gen Generation) (snap Snapshot, err error) {
	previous, err := b.currentID()
	if err != nil {
		return nil, err
	}

	genDir := filepath.Join(b.dir, generationsDir, gen.Manifest.ID)
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(genDir); rmErr != nil {
				b.logger.Warnw("remove failed generation", "generation", gen.Manifest.ID, "error", rmErr)
			}
		}
	}()

	if err = b.writeGeneration(ctx, gen); err != nil {
		return nil, err
	}
	if err = b.writeCurrent(gen.Manifest.ID); err != nil {
		return nil, err
	}

	b.prune(gen.Manifest.ID, previous)
	return NewMemorySnapshot(gen.Manifest, gen.Entries), nil
}

// Drop removes the pointer first so a partial removal never leaves a dangling generation current.
func (b *LocalBackend) Drop(context.Context) error {
	if err := os.Remove(filepath.Join(b.dir, currentFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove current pointer: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(b.dir, generationsDir)); err != nil {
		return fmt.Errorf("remove generations: %w", err)
	}
	return nil
}

func (b *LocalBackend) Close() error { return nil }

func (b *LocalBackend) generationPath(id string) string {
	return filepath.Join(b.dir, generationsDir, id, indexFile)
}

func (b *LocalBackend) currentID() (string, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, currentFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read current pointer: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return "", fmt.Errorf("corrupt current pointer %q", id)
	}
	return id, nil
}

func (b *LocalBackend) writeGeneration(ctx context.Context, gen Generation) error {
	db, err := database.OpenSQLite(b.generationPath(gen.Manifest.ID))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.EnsureSQLiteSchema(ctx, db); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, source_path, title, chunk_index, overlap, content, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for i := range gen.Entries {
		c := gen.Entries[i].Chunk
		if _, err := stmt.ExecContext(ctx, c.ID, c.Source, c.Title, c.Ordinal, c.Overlap, c.Text, float32SliceToBytes(gen.Entries[i].Vector)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	manifest, err := json.Marshal(gen.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO manifest (key, value) VALUES (?, ?)", manifestKey, string(manifest)); err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit generation: %w", err)
	}

	// Fold the WAL back into the main file so the generation is a single self-contained file.
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint generation: %w", err)
	}
	return nil
}

func (b *LocalBackend) writeCurrent(id string) error {
	tmp, err := os.CreateTemp(b.dir, currentFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create pointer temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write pointer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close pointer: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(b.dir, currentFile)); err != nil {
		return fmt.Errorf("swap current pointer: %w", err)
	}
	return nil
}

// prune keeps the current and previous generations and removes the rest.
func (b *LocalBackend) prune(current, previous string) {
	entries, err := os.ReadDir(filepath.Join(b.dir, generationsDir))
	if err != nil {
		b.logger.Warnw("list generations", "error", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && e.Name() != current && e.Name() != previous {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(b.dir, generationsDir, name)); err != nil {
			b.logger.Warnw("prune generation", "generation", name, "error", err)
			continue
		}
		b.logger.Debugw("pruned generation", "generation", name)
	}
}

func readManifest(ctx context.Context, db *sql.DB) (Manifest, error) {
	var raw string
	if err := db.QueryRowContext(ctx, "SELECT value FROM manifest WHERE key = ?", manifestKey).Scan(&raw); err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

func readEntries(ctx context.Context, db *sql.DB) ([]Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, source_path, title, chunk_index, overlap, content, embedding
		FROM chunks
		ORDER BY source_path, chunk_index
	`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			c    ingestion.Chunk
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.Source, &c.Title, &c.Ordinal, &c.Overlap, &c.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		entries = append(entries, Entry{Chunk: c, Vector: bytesToFloat32Slice(blob)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return entries, nil
}

func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}

var _ Backend = (*LocalBackend)(nil)
