package knowledge

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSearchOrdersByDistanceWithUnscoredLast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		{ID: "doc_0", Source: "doc", Content: "far", ChunkIndex: 0, Embedding: []float64{0, 1, 0}},
		{ID: "doc_1", Source: "doc", Content: "near", ChunkIndex: 1, Embedding: []float64{1, 0, 0}},
		{ID: "doc_2", Source: "doc", Content: "unscored", ChunkIndex: 2}, // no embedding
	}
	if err := s.ReplaceSource(ctx, CollectionMain, "doc", "h1", chunks); err != nil {
		t.Fatalf("replace source: %v", err)
	}

	hits, err := s.Search(ctx, []string{CollectionMain}, []float64{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d, want 3", len(hits))
	}
	if hits[0].Content != "near" {
		t.Fatalf("closest hit = %q", hits[0].Content)
	}
	if hits[2].Content != "unscored" || hits[2].Distance != nil {
		t.Fatalf("unscored chunk must sort last without a distance, got %q", hits[2].Content)
	}
}

func TestReplaceSourceSwapsChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []Chunk{
		{ID: "doc_0", Source: "doc", Content: "v1 a", ChunkIndex: 0, Embedding: []float64{1, 0}},
		{ID: "doc_1", Source: "doc", Content: "v1 b", ChunkIndex: 1, Embedding: []float64{1, 0}},
	}
	if err := s.ReplaceSource(ctx, CollectionMain, "doc", "h1", first); err != nil {
		t.Fatal(err)
	}

	second := []Chunk{
		{ID: "doc_0", Source: "doc", Content: "v2 only", ChunkIndex: 0, Embedding: []float64{1, 0}},
	}
	if err := s.ReplaceSource(ctx, CollectionMain, "doc", "h2", second); err != nil {
		t.Fatal(err)
	}

	n, err := s.Count(ctx, CollectionMain)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count after replace = %d, want 1", n)
	}

	hash, err := s.SourceHash(ctx, CollectionMain, "doc")
	if err != nil || hash != "h2" {
		t.Fatalf("hash = %q err = %v, want h2", hash, err)
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ReplaceSource(ctx, CollectionMain, "a", "h", []Chunk{
		{ID: "a_0", Source: "a", Content: "main", ChunkIndex: 0, Embedding: []float64{1}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceSource(ctx, CollectionWebCache, "b", "h", []Chunk{
		{ID: "b_0", Source: "b", Content: "cache", ChunkIndex: 0, Embedding: []float64{1}},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClearCollection(ctx, CollectionWebCache); err != nil {
		t.Fatal(err)
	}

	mainCount, err := s.Count(ctx, CollectionMain)
	if err != nil || mainCount != 1 {
		t.Fatalf("main count = %d err = %v, want 1", mainCount, err)
	}
	webCount, err := s.Count(ctx, CollectionWebCache)
	if err != nil || webCount != 0 {
		t.Fatalf("web count = %d err = %v, want 0", webCount, err)
	}
}
