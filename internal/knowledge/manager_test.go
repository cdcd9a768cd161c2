package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// stubEmbedder maps texts to fixed 4-dim vectors by keyword so search
// relevance is deterministic.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v := []float64{0.1, 0.1, 0.1, 0.1}
		if strings.Contains(t, "pricing") {
			v = []float64{1, 0, 0, 0}
		} else if strings.Contains(t, "shipping") {
			v = []float64{0, 1, 0, 0}
		}
		out[i] = v
	}
	return out, nil
}

func newTestManager(t *testing.T) (*Manager, *Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "knowledge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store, stubEmbedder{}, dir, 100, 20, 5, 7), store
}

func TestIngestAndSearch(t *testing.T) {
	m, _ := newTestManager(t)

	mustWrite(t, filepath.Join(m.Root(), "pricing.md"), "Our pricing starts at $10 per seat per month.")
	mustWrite(t, filepath.Join(m.Root(), "shipping.md"), "Standard shipping takes 3-5 business days.")

	res := m.Ingest(context.Background(), ".")
	if len(res.Errors) > 0 {
		t.Fatalf("ingest errors: %v", res.Errors)
	}
	if res.Added != 2 {
		t.Fatalf("added = %d, want 2", res.Added)
	}

	hits, err := m.Search(context.Background(), "what is your pricing", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if hits[0].Source != "pricing.md" {
		t.Fatalf("top hit source = %q, want pricing.md", hits[0].Source)
	}
	if hits[0].Distance == nil {
		t.Fatal("embedded hit must carry a distance")
	}
}

func TestIngestIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	mustWrite(t, filepath.Join(m.Root(), "doc.txt"), "some stable content")

	first := m.Ingest(context.Background(), "doc.txt")
	if first.Added != 1 || first.Skipped != 0 {
		t.Fatalf("first run = %+v", first)
	}

	second := m.Ingest(context.Background(), "doc.txt")
	if second.Added != 0 || second.Skipped != 1 {
		t.Fatalf("unchanged re-ingest = %+v, want skipped", second)
	}

	mustWrite(t, filepath.Join(m.Root(), "doc.txt"), "updated content now")
	third := m.Ingest(context.Background(), "doc.txt")
	if third.Added != 1 {
		t.Fatalf("changed re-ingest = %+v, want re-added", third)
	}
}

func TestIngestReportsErrorsPerFile(t *testing.T) {
	m, _ := newTestManager(t)
	res := m.Ingest(context.Background(), "missing.txt")
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want one", res.Errors)
	}
	if res.Added != 0 {
		t.Fatalf("added = %d, want 0", res.Added)
	}
}

func TestWebCacheEvictionAfterRetention(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	if err := m.CacheWebDocument(ctx, "https://example.com/page", "shipping info from the web"); err != nil {
		t.Fatalf("cache web document: %v", err)
	}
	_, webCount, err := m.Status(ctx)
	if err != nil || webCount == 0 {
		t.Fatalf("web count = %d err = %v", webCount, err)
	}

	// Nothing should expire inside the retention window.
	n, err := store.DeleteOlderThan(ctx, CollectionWebCache, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("premature eviction: n=%d err=%v", n, err)
	}

	// A cutoff in the future expires everything, modeling elapsed retention.
	n, err = store.DeleteOlderThan(ctx, CollectionWebCache, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n == 0 {
		t.Fatal("expected chunks to be evicted")
	}
	_, webCount, _ = m.Status(ctx)
	if webCount != 0 {
		t.Fatalf("web count after eviction = %d", webCount)
	}
}

func TestClearWebCacheMarker(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if !m.ShouldClearWebCache() {
		t.Fatal("missing marker must report clear due")
	}
	if _, err := m.ClearWebCache(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if m.ShouldClearWebCache() {
		t.Fatal("fresh marker must report clear not due")
	}
}

func TestClearWebCacheRemovesCachedFiles(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	cacheDir := filepath.Join(m.Root(), "short_term", "_cache_web")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, filepath.Join(cacheDir, "page.md"), "cached page body")
	if err := m.CacheWebDocument(ctx, "https://example.com/page", "cached page body"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ClearWebCache(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		t.Fatalf("cache dir must survive, only its contents go: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("cache dir entries after clear = %d, want 0", len(entries))
	}
	_, webCount, err := m.Status(ctx)
	if err != nil || webCount != 0 {
		t.Fatalf("web count = %d err = %v", webCount, err)
	}
}

func TestGetDocumentReassembles(t *testing.T) {
	m, _ := newTestManager(t)
	long := strings.Repeat("pricing details line\n", 50)
	mustWrite(t, filepath.Join(m.Root(), "long.txt"), long)

	res := m.Ingest(context.Background(), "long.txt")
	if res.Added < 2 {
		t.Fatalf("expected multiple chunks, got %d", res.Added)
	}

	text, err := m.GetDocument(context.Background(), "long.txt")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if !strings.Contains(text, "pricing details line") {
		t.Fatal("document text missing content")
	}
}

func TestListSourcesBothCollections(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	mustWrite(t, filepath.Join(m.Root(), "a.md"), "curated content")
	m.Ingest(ctx, "a.md")
	if err := m.CacheWebDocument(ctx, "https://example.com/b", "web content"); err != nil {
		t.Fatal(err)
	}

	sources, err := m.ListSources(ctx)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("sources = %v, want 2 entries", sources)
	}
}

func TestCleanupShortTermEvictsExpired(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	stDir := filepath.Join(m.Root(), "short_term")
	if err := os.MkdirAll(stDir, 0755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, filepath.Join(stDir, "a.md"), "pricing notes that should expire")
	mustWrite(t, filepath.Join(stDir, "fresh.md"), "shipping notes still in use")
	m.Ingest(ctx, "short_term")

	before, _, err := m.Status(ctx)
	if err != nil || before == 0 {
		t.Fatalf("main count before = %d err = %v", before, err)
	}

	// Retention is 7 days; age one file past it.
	old := time.Now().Add(-10 * 24 * time.Hour)
	if err := os.Chtimes(filepath.Join(stDir, "a.md"), old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := m.CleanupShortTerm(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(stDir, "a.md")); !os.IsNotExist(err) {
		t.Fatal("expired file must be unlinked")
	}
	if _, err := os.Stat(filepath.Join(stDir, "fresh.md")); err != nil {
		t.Fatalf("fresh file must survive: %v", err)
	}

	after, _, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after >= before {
		t.Fatalf("main count = %d, want fewer than %d", after, before)
	}
	sources, err := m.ListSources(ctx)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	for _, s := range sources {
		if s == "short_term/a.md" {
			t.Fatal("expired source must be dropped from the index")
		}
	}
}

func TestCleanupShortTermMissingDirectory(t *testing.T) {
	m, _ := newTestManager(t)

	removed, err := m.CleanupShortTerm(context.Background())
	if err != nil {
		t.Fatalf("cleanup without directory: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}

func TestCleanupShortTermSkipsWebCache(t *testing.T) {
	m, _ := newTestManager(t)

	cacheDir := filepath.Join(m.Root(), "short_term", "_cache_web")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		t.Fatal(err)
	}
	cached := filepath.Join(cacheDir, "page.md")
	mustWrite(t, cached, "cached web page")
	old := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(cached, old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := m.CleanupShortTerm(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	if _, err := os.Stat(cached); err != nil {
		t.Fatalf("_cache_web contents must be left to TTL eviction: %v", err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
