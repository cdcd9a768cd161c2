package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openweaver/wisp/internal/providers"
)

// clearMarkerFile records when the web cache was last cleared, as a unix
// timestamp in the knowledge directory.
const clearMarkerFile = ".web_cache_cleared_at"

// IngestResult summarizes one ingest run.
type IngestResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Manager ties the store, the embedder and the on-disk knowledge directory
// together. Curated documents live under the knowledge directory and land in
// the main collection; fetched web content lands in the web cache collection
// and expires after the retention window.
type Manager struct {
	store    *Store
	embedder providers.Embedder
	root     string

	chunkSize    int
	chunkOverlap int
	topK         int
	retention    time.Duration
}

// NewManager creates a Manager rooted at the knowledge directory root.
func NewManager(store *Store, embedder providers.Embedder, root string, chunkSizeTokens, chunkOverlapTokens, topK, retentionDays int) *Manager {
	if chunkSizeTokens <= 0 {
		chunkSizeTokens = 512
	}
	if topK <= 0 {
		topK = 5
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Manager{
		store:        store,
		embedder:     embedder,
		root:         root,
		chunkSize:    chunkSizeTokens,
		chunkOverlap: chunkOverlapTokens,
		topK:         topK,
		retention:    time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Root returns the knowledge directory.
func (m *Manager) Root() string { return m.root }

// Search embeds the query and returns the closest chunks across both
// collections.
func (m *Manager) Search(ctx context.Context, query string, topK int) ([]SearchHit, error) {
	if topK <= 0 {
		topK = m.topK
	}
	vectors, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	return m.store.Search(ctx, []string{CollectionMain, CollectionWebCache}, vectors[0], topK)
}

// ListSources lists every known source across both collections.
func (m *Manager) ListSources(ctx context.Context) ([]string, error) {
	return m.store.Sources(ctx, CollectionMain, CollectionWebCache)
}

// GetDocument returns the reassembled text of an ingested document.
func (m *Manager) GetDocument(ctx context.Context, source string) (string, error) {
	return m.store.DocumentText(ctx, source)
}

// Ingest processes a file or directory. Relative paths resolve against the
// knowledge directory. Unchanged files (by content hash) are skipped.
func (m *Manager) Ingest(ctx context.Context, path string) IngestResult {
	var res IngestResult

	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(m.root, p)
	}

	info, err := os.Stat(p)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", path, err))
		return res
	}

	if !info.IsDir() {
		m.ingestFile(ctx, p, &res)
		return res
	}

	err = filepath.WalkDir(p, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", fp, err))
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && fp != p {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !SupportedExtension(filepath.Ext(fp)) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.ingestFile(ctx, fp, &res)
		return nil
	})
	if err != nil && err != ctx.Err() {
		res.Errors = append(res.Errors, err.Error())
	}
	return res
}

func (m *Manager) ingestFile(ctx context.Context, path string, res *IngestResult) {
	source := m.sourceName(path)

	text, err := ExtractText(path)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", source, err))
		return
	}
	if strings.TrimSpace(text) == "" {
		res.Skipped++
		return
	}

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])

	prev, err := m.store.SourceHash(ctx, CollectionMain, source)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", source, err))
		return
	}
	if prev == hash {
		res.Skipped++
		return
	}

	added, err := m.indexDocument(ctx, CollectionMain, source, hash, text)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", source, err))
		return
	}
	res.Added += added
	slog.Info("knowledge: ingested", "source", source, "chunks", added)
}

// CacheWebDocument stores fetched web content in the web cache collection,
// keyed by URL.
func (m *Manager) CacheWebDocument(ctx context.Context, url, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])

	prev, err := m.store.SourceHash(ctx, CollectionWebCache, url)
	if err != nil {
		return err
	}
	if prev == hash {
		return nil
	}
	_, err = m.indexDocument(ctx, CollectionWebCache, url, hash, text)
	return err
}

func (m *Manager) indexDocument(ctx context.Context, collection, source, hash, text string) (int, error) {
	chunks := ChunkDocument(source, text, m.chunkSize, m.chunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	for i := range chunks {
		if i < len(vectors) {
			chunks[i].Embedding = vectors[i]
		}
	}

	if err := m.store.ReplaceSource(ctx, collection, source, hash, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// sourceName is the path relative to the knowledge directory when possible,
// with forward slashes, so chunk IDs stay stable across machines.
func (m *Manager) sourceName(path string) string {
	if rel, err := filepath.Rel(m.root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(path)
}

// ClearWebCache drops the web cache collection, empties the on-disk cache
// directory, and stamps the clear marker.
func (m *Manager) ClearWebCache(ctx context.Context) (int, error) {
	n, err := m.store.ClearCollection(ctx, CollectionWebCache)
	if err != nil {
		return 0, err
	}

	cacheDir := filepath.Join(m.root, "short_term", "_cache_web")
	if entries, err := os.ReadDir(cacheDir); err == nil {
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(cacheDir, e.Name())); err != nil {
				slog.Warn("knowledge: failed to remove cached file", "name", e.Name(), "error", err)
			}
		}
	}

	marker := filepath.Join(m.root, clearMarkerFile)
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.WriteFile(marker, []byte(stamp+"\n"), 0644); err != nil {
		slog.Warn("knowledge: failed to write clear marker", "error", err)
	}
	slog.Info("knowledge: web cache cleared", "chunks", n)
	return n, nil
}

// ShouldClearWebCache reports whether the retention window has elapsed since
// the last full clear. A missing or unreadable marker counts as elapsed.
func (m *Manager) ShouldClearWebCache() bool {
	data, err := os.ReadFile(filepath.Join(m.root, clearMarkerFile))
	if err != nil {
		return true
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return true
	}
	return time.Since(time.Unix(ts, 0)) >= m.retention
}

// CleanupShortTerm sweeps files under short_term/ (excluding _cache_web)
// whose mtime is older than the retention window: their main-collection
// chunks are deleted by source prefix, then the file is unlinked. The sweep
// is best-effort; a failing file is logged and skipped. A missing short_term
// directory removes nothing.
func (m *Manager) CleanupShortTerm(ctx context.Context) (int, error) {
	dir := filepath.Join(m.root, "short_term")
	cutoff := time.Now().Add(-m.retention)

	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && os.IsNotExist(err) {
				return fs.SkipAll
			}
			slog.Warn("knowledge: short_term sweep error", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if d.Name() == "_cache_web" {
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}

		source := m.sourceName(path)
		n, err := m.store.DeleteBySourcePrefix(ctx, CollectionMain, source)
		if err != nil {
			slog.Warn("knowledge: failed to drop expired chunks", "source", source, "error", err)
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("knowledge: failed to unlink expired file", "path", path, "error", err)
			return nil
		}
		removed++
		slog.Info("knowledge: expired short-term document", "source", source, "chunks", n)
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep short_term: %w", err)
	}
	return removed, nil
}

// Maintain runs periodic eviction: the short-term file sweep and expired
// web cache chunks on every call, plus a full web cache clear once per
// retention window.
func (m *Manager) Maintain(ctx context.Context) error {
	if _, err := m.CleanupShortTerm(ctx); err != nil {
		return err
	}

	cutoff := time.Now().Add(-m.retention)
	n, err := m.store.DeleteOlderThan(ctx, CollectionWebCache, cutoff)
	if err != nil {
		return fmt.Errorf("evict expired web cache: %w", err)
	}
	if n > 0 {
		slog.Info("knowledge: evicted expired web cache chunks", "count", n)
	}

	if m.ShouldClearWebCache() {
		if _, err := m.ClearWebCache(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Status reports chunk counts per collection.
func (m *Manager) Status(ctx context.Context) (mainCount, webCount int, err error) {
	mainCount, err = m.store.Count(ctx, CollectionMain)
	if err != nil {
		return 0, 0, err
	}
	webCount, err = m.store.Count(ctx, CollectionWebCache)
	if err != nil {
		return 0, 0, err
	}
	return mainCount, webCount, nil
}
