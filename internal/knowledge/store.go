// Package knowledge implements the local RAG store: document extraction,
// chunking, embedding, and brute-force vector search over a pure-Go SQLite
// file. No CGO required.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Collection names. Main holds curated long-term documents; web cache holds
// fetched web content that expires after the retention window.
const (
	CollectionMain     = "main"
	CollectionWebCache = "web_cache"
)

// Chunk is one embedded slice of a source document.
type Chunk struct {
	ID         string
	Source     string
	Content    string
	ChunkIndex int
	Embedding  []float64
}

// SearchHit is one search result. Distance is nil for chunks that were
// stored without an embedding.
type SearchHit struct {
	Content    string
	Source     string
	Collection string
	ChunkIndex int
	Distance   *float64
}

// Store persists chunks in a local SQLite file. Embeddings are stored as
// JSON text and vector search runs in-process with brute-force cosine
// distance.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the store at dbPath and initializes the
// schema. All goroutines serialize through one connection so concurrent
// writers never hit SQLITE_BUSY.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	ddls := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT NOT NULL,
			collection TEXT NOT NULL,
			source TEXT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			embedding TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sources (
			collection TEXT NOT NULL,
			source TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			ingested_at INTEGER NOT NULL,
			PRIMARY KEY (collection, source)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(collection, source)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_created ON chunks(collection, created_at)`,
	}
	for _, ddl := range ddls {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// ReplaceSource atomically swaps all chunks for a source within a collection
// and records its content hash.
func (s *Store) ReplaceSource(ctx context.Context, collection, source, contentHash string, chunks []Chunk) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE collection = ? AND source = ?`, collection, source); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}

	now := time.Now().Unix()
	for _, c := range chunks {
		var embJSON *string
		if len(c.Embedding) > 0 {
			v := serializeEmbedding(c.Embedding)
			embJSON = &v
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO chunks (id, collection, source, content, chunk_index, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, collection, source, c.Content, c.ChunkIndex, embJSON, now); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sources (collection, source, content_hash, ingested_at)
		 VALUES (?, ?, ?, ?)`, collection, source, contentHash, now); err != nil {
		return fmt.Errorf("record source: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	slog.Debug("knowledge: replaced source", "collection", collection, "source", source, "chunks", len(chunks), "duration", time.Since(start))
	return nil
}

// SourceHash returns the recorded content hash for a source, or "" when the
// source has never been ingested.
func (s *Store) SourceHash(ctx context.Context, collection, source string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM sources WHERE collection = ? AND source = ?`,
		collection, source).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("source hash: %w", err)
	}
	return hash, nil
}

// Search runs brute-force cosine search over the given collections. Chunks
// stored without an embedding are returned after all scored chunks.
func (s *Store) Search(ctx context.Context, collections []string, embedding []float64, topK int) ([]SearchHit, error) {
	if len(collections) == 0 || topK <= 0 {
		return nil, nil
	}
	start := time.Now()

	placeholders := make([]string, len(collections))
	args := make([]any, len(collections))
	for i, c := range collections {
		placeholders[i] = "?"
		args[i] = c
	}
	query := fmt.Sprintf(
		`SELECT content, source, collection, chunk_index, embedding
		 FROM chunks WHERE collection IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	scanned := 0
	for rows.Next() {
		var h SearchHit
		var embJSON sql.NullString
		if err := rows.Scan(&h.Content, &h.Source, &h.Collection, &h.ChunkIndex, &embJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		scanned++
		if embJSON.Valid {
			if stored, err := deserializeEmbedding(embJSON.String); err == nil {
				d := 1 - cosineSimilarity(embedding, stored)
				h.Distance = &d
			}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	// Scored hits sort by ascending distance; unscored hits keep their
	// relative order behind every scored one.
	sort.SliceStable(hits, func(i, j int) bool {
		di, dj := hits[i].Distance, hits[j].Distance
		switch {
		case di != nil && dj != nil:
			return *di < *dj
		case di != nil:
			return true
		default:
			return false
		}
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	slog.Debug("knowledge: search", "scanned", scanned, "returned", len(hits), "duration", time.Since(start))
	return hits, nil
}

// Sources returns the distinct source paths across the given collections,
// sorted.
func (s *Store) Sources(ctx context.Context, collections ...string) ([]string, error) {
	if len(collections) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(collections))
	args := make([]any, len(collections))
	for i, c := range collections {
		placeholders[i] = "?"
		args[i] = c
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT source FROM chunks WHERE collection IN (%s) ORDER BY source`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// DocumentText reassembles a document's full text from its chunks in index
// order. Returns "" when the source is unknown.
func (s *Store) DocumentText(ctx context.Context, source string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM chunks WHERE source = ? ORDER BY collection, chunk_index`, source)
	if err != nil {
		return "", fmt.Errorf("document text: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", fmt.Errorf("scan chunk: %w", err)
		}
		parts = append(parts, content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, "\n"), nil
}

// Count returns the number of chunks in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// ClearCollection removes every chunk and source record in a collection.
func (s *Store) ClearCollection(ctx context.Context, collection string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE collection = ?`, collection)
	if err != nil {
		return 0, fmt.Errorf("clear collection: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE collection = ?`, collection); err != nil {
		return 0, fmt.Errorf("clear sources: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteBySourcePrefix removes every chunk and source record in a collection
// whose source starts with prefix. substr comparison instead of LIKE so that
// underscores in paths are not treated as wildcards.
func (s *Store) DeleteBySourcePrefix(ctx context.Context, collection, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE collection = ? AND substr(source, 1, length(?)) = ?`,
		collection, prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("delete chunks by source: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sources WHERE collection = ? AND substr(source, 1, length(?)) = ?`,
		collection, prefix, prefix); err != nil {
		return 0, fmt.Errorf("delete source records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteOlderThan removes chunks in a collection created before cutoff, and
// prunes source records left without chunks.
func (s *Store) DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE collection = ? AND created_at < ?`,
		collection, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired chunks: %w", err)
	}
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM sources WHERE collection = ? AND source NOT IN
		 (SELECT DISTINCT source FROM chunks WHERE collection = ?)`,
		collection, collection)
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func serializeEmbedding(embedding []float64) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

func deserializeEmbedding(s string) ([]float64, error) {
	var v []float64
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
