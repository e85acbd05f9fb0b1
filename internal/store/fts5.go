package store

import (
	"context"
	"database/sql"
	"strings"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

// FTS5Index implements SparseIndex on the SQLite FTS5 virtual table
// that shares the relational database. Row maintenance happens through
// triggers inside the chunk commit transaction, which keeps the lexical
// index atomic with the chunk rows.
type FTS5Index struct {
	db *sql.DB
}

// NewFTS5Index wraps the relational store's database handle.
func NewFTS5Index(s *SQLiteStore) *FTS5Index {
	return &FTS5Index{db: s.DB()}
}

// Index is a no-op: FTS rows are written by triggers when chunks commit.
func (f *FTS5Index) Index(ctx context.Context, chunks []*Chunk) error { return nil }

// Remove is a no-op: FTS rows are dropped by triggers on chunk delete.
func (f *FTS5Index) Remove(ctx context.Context, chunkIDs []string) error { return nil }

// Search runs a BM25 match scoped to (container, modality). Results are
// ordered by descending score with ties broken by ascending chunk id.
// An empty or unmatchable query returns no hits.
func (f *FTS5Index) Search(ctx context.Context, containerID string, modality Modality, query string, limit int) ([]SparseHit, error) {
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	// bm25() returns negative, lower-is-better ranks; negate for a
	// descending positive score.
	rows, err := f.db.QueryContext(ctx, `
		SELECT c.id, -bm25(chunk_fts) AS score
		FROM chunk_fts
		JOIN chunks c ON c.rowid = chunk_fts.rowid
		WHERE chunk_fts MATCH ?
		  AND c.container_id = ?
		  AND c.modality = ?
		  AND c.deleted = 0
		ORDER BY score DESC, c.id ASC
		LIMIT ?`,
		match, containerID, string(modality), limit)
	if err != nil {
		// Malformed MATCH expressions surface as query errors; treat
		// everything else as the index being down.
		if strings.Contains(err.Error(), "fts5: syntax error") {
			return nil, nil
		}
		return nil, llcerrors.Wrap(llcerrors.CodeBM25Down, err)
	}
	defer rows.Close()

	var hits []SparseHit
	for rows.Next() {
		var h SparseHit
		if err := rows.Scan(&h.ChunkID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Close is a no-op: the shared database is owned by the relational store.
func (f *FTS5Index) Close() error { return nil }

// buildMatchQuery quotes each term as an FTS5 phrase so user input
// cannot inject MATCH operators. Returns "" for queries with no
// indexable terms.
func buildMatchQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}
