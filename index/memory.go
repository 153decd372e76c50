package index

import (
	"context"
	"sort"
	"sync"
)

type memorySnapshot struct {
	manifest Manifest
	entries  []Entry
}

// NewMemorySnapshot serves brute-force cosine search over entries.
func NewMemorySnapshot(m Manifest, entries []Entry) Snapshot {
	return &memorySnapshot{manifest: m, entries: entries}
}

func (s *memorySnapshot) Manifest() Manifest { return s.manifest }

func (s *memorySnapshot) Nearest(ctx context.Context, query []float32, n int) ([]Candidate, error) {
	if n <= 0 {
		return nil, nil
	}
	scored := make([]Candidate, len(s.entries))
	for i := range s.entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		scored[i] = Candidate{
			Chunk:  s.entries[i].Chunk,
			Score:  cosine(query, s.entries[i].Vector),
			Vector: s.entries[i].Vector,
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > n {
		scored = scored[:n]
	}
	return scored, nil
}

// MemoryBackend keeps generations in process memory only.
type MemoryBackend struct {
	mu      sync.Mutex
	current Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Load(context.Context) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, nil
}

func (b *MemoryBackend) Commit(ctx context.Context, gen Generation) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := NewMemorySnapshot(gen.Manifest, gen.Entries)
	b.mu.Lock()
	b.current = snap
	b.mu.Unlock()
	return snap, nil
}

func (b *MemoryBackend) Drop(context.Context) error {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

var (
	_ Backend  = (*MemoryBackend)(nil)
	_ Snapshot = (*memorySnapshot)(nil)
)
