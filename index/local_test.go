package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitLocal(t *testing.T, idx *Index, entries []Entry) Manifest {
	t.Helper()
	gen, err := NewGeneration("test/model", entries)
	require.NoError(t, err)
	m, err := idx.Rebuild(context.Background(), gen)
	require.NoError(t, err)
	return m
}

func TestLocalBackendSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx := New(NewLocalBackend(dir, nil), nil)
	require.NoError(t, idx.Open(ctx))
	assert.False(t, idx.Ready())

	built := commitLocal(t, idx, sampleEntries())
	require.NoError(t, idx.Close())

	reopened := New(NewLocalBackend(dir, nil), nil)
	require.NoError(t, reopened.Open(ctx))
	m, ok := reopened.Manifest()
	require.True(t, ok)
	assert.Equal(t, built.ID, m.ID)
	assert.Equal(t, built.Sources, m.Sources)
	assert.Equal(t, 4, m.ChunkCount)

	results, err := reopened.Search(ctx, []float32{1, 0, 0}, SearchOptions{K: 2, Strategy: Similarity})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Chunk.Text)
	assert.Equal(t, []float32{0.9, 0.1, 0}, results[0].Vector)
}

func TestLocalBackendKeepsTwoGenerations(t *testing.T) {
	dir := t.TempDir()
	idx := New(NewLocalBackend(dir, nil), nil)

	commitLocal(t, idx, sampleEntries())
	second := commitLocal(t, idx, sampleEntries())
	third := commitLocal(t, idx, sampleEntries())

	entries, err := os.ReadDir(filepath.Join(dir, generationsDir))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{second.ID, third.ID}, names)

	current, err := os.ReadFile(filepath.Join(dir, currentFile))
	require.NoError(t, err)
	assert.Equal(t, third.ID+"\n", string(current))
}

func TestLocalBackendFailedCommitKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	idx := New(NewLocalBackend(dir, nil), nil)
	first := commitLocal(t, idx, sampleEntries())

	gen, err := NewGeneration("test/model", sampleEntries()[:1])
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = idx.Rebuild(ctx, gen)
	require.Error(t, err)

	m, ok := idx.Manifest()
	require.True(t, ok)
	assert.Equal(t, first.ID, m.ID)
	assert.NoDirExists(t, filepath.Join(dir, generationsDir, gen.Manifest.ID))

	reopened := New(NewLocalBackend(dir, nil), nil)
	require.NoError(t, reopened.Open(context.Background()))
	m, ok = reopened.Manifest()
	require.True(t, ok)
	assert.Equal(t, first.ID, m.ID)
	assert.Equal(t, 4, m.ChunkCount)
}

func TestLocalBackendDrop(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	idx := New(NewLocalBackend(dir, nil), nil)
	commitLocal(t, idx, sampleEntries())

	require.NoError(t, idx.Drop(ctx))
	assert.False(t, idx.Ready())
	assert.NoFileExists(t, filepath.Join(dir, currentFile))
	assert.NoDirExists(t, filepath.Join(dir, generationsDir))

	reopened := New(NewLocalBackend(dir, nil), nil)
	require.NoError(t, reopened.Open(ctx))
	assert.False(t, reopened.Ready())
}

func TestLocalBackendRejectsCorruptPointer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, currentFile), []byte("../escape\n"), 0o644))

	idx := New(NewLocalBackend(dir, nil), nil)
	assert.Error(t, idx.Open(context.Background()))
}

func TestFloat32BlobEncoding(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3.4028235e38}
	assert.Equal(t, in, bytesToFloat32Slice(float32SliceToBytes(in)))
	assert.Nil(t, float32SliceToBytes(nil))
	assert.Nil(t, bytesToFloat32Slice(nil))
}
