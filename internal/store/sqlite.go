package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

// schemaVersion is bumped on incompatible schema changes.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS containers (
	id               TEXT PRIMARY KEY,
	slug             TEXT NOT NULL UNIQUE,
	name             TEXT NOT NULL,
	theme            TEXT NOT NULL DEFAULT '',
	parent_id        TEXT NOT NULL DEFAULT '',
	modalities       TEXT NOT NULL DEFAULT '[]',
	embedder         TEXT NOT NULL,
	embedder_version TEXT NOT NULL,
	dims             INTEGER NOT NULL,
	state            TEXT NOT NULL DEFAULT 'active',
	policy           TEXT NOT NULL DEFAULT '{}',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS container_stats (
	container_id TEXT PRIMARY KEY REFERENCES containers(id),
	documents    INTEGER NOT NULL DEFAULT 0,
	chunks       INTEGER NOT NULL DEFAULT 0,
	bytes        INTEGER NOT NULL DEFAULT 0,
	last_ingest  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	container_id TEXT NOT NULL REFERENCES containers(id),
	source_uri   TEXT NOT NULL,
	modality     TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	hash         TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE (container_id, hash)
);
CREATE INDEX IF NOT EXISTS idx_documents_container ON documents(container_id);

CREATE TABLE IF NOT EXISTS chunks (
	id                     TEXT PRIMARY KEY,
	document_id            TEXT NOT NULL REFERENCES documents(id),
	container_id           TEXT NOT NULL REFERENCES containers(id),
	modality               TEXT NOT NULL,
	seq                    INTEGER NOT NULL,
	content                TEXT NOT NULL,
	content_hash           TEXT NOT NULL,
	source_uri             TEXT NOT NULL DEFAULT '',
	page                   INTEGER NOT NULL DEFAULT 0,
	start_byte             INTEGER NOT NULL DEFAULT 0,
	end_byte               INTEGER NOT NULL DEFAULT 0,
	blob_path              TEXT NOT NULL DEFAULT '',
	embedder_version       TEXT NOT NULL DEFAULT '',
	dedup_of               TEXT NOT NULL DEFAULT '',
	needs_vector_reconcile INTEGER NOT NULL DEFAULT 0,
	reconcile_attempts     INTEGER NOT NULL DEFAULT 0,
	deleted                INTEGER NOT NULL DEFAULT 0,
	ingested_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_container_modality ON chunks(container_id, modality);
CREATE INDEX IF NOT EXISTS idx_chunks_reconcile ON chunks(needs_vector_reconcile) WHERE needs_vector_reconcile = 1;

CREATE VIRTUAL TABLE IF NOT EXISTS chunk_fts USING fts5(
	content,
	content='chunks',
	content_rowid='rowid',
	tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS chunks_fts_insert AFTER INSERT ON chunks BEGIN
	INSERT INTO chunk_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_fts_delete AFTER DELETE ON chunks BEGIN
	INSERT INTO chunk_fts(chunk_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_fts_update AFTER UPDATE OF content ON chunks BEGIN
	INSERT INTO chunk_fts(chunk_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO chunk_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	container_id TEXT NOT NULL DEFAULT '',
	payload      BLOB NOT NULL,
	state        TEXT NOT NULL DEFAULT 'queued',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 3,
	claimed_by   TEXT NOT NULL DEFAULT '',
	visible_at   INTEGER NOT NULL,
	heartbeat_at INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, visible_at, created_at);

CREATE TABLE IF NOT EXISTS job_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	state      TEXT NOT NULL,
	worker     TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);

CREATE TABLE IF NOT EXISTS embedding_cache (
	key         TEXT PRIMARY KEY,
	vector      BLOB NOT NULL,
	dims        INTEGER NOT NULL,
	model       TEXT NOT NULL,
	version     TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS diagnostics (
	request_id TEXT PRIMARY KEY,
	query      TEXT NOT NULL,
	payload    BLOB NOT NULL,
	partial    INTEGER NOT NULL DEFAULT 0,
	took_ms    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
`

// SQLiteStore implements RelationalStore on a single SQLite database.
// The pool is capped at one connection: SQLite allows one writer, and a
// single connection avoids SQLITE_BUSY churn under WAL.
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path
// and applies the schema.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=cache_size(-%d)&_pragma=mmap_size(%d)",
		cfg.Path, cfg.BusyTimeout.Milliseconds(), cfg.CacheSizeKB, cfg.MmapSize,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return llcerrors.Newf(llcerrors.CodeStoreUnavailable,
			"database schema version %d is newer than supported %d", version, schemaVersion)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for the FTS5 sparse index, which
// shares this database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- time and vector encoding helpers ---

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// encodeVector packs float32s little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// --- containers ---

func (s *SQLiteStore) CreateContainer(ctx context.Context, c *Container) error {
	if c.State == "" {
		c.State = ContainerActive
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	mods, err := json.Marshal(c.Modalities)
	if err != nil {
		return fmt.Errorf("marshal modalities: %w", err)
	}
	policy, err := json.Marshal(c.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO containers (id, slug, name, theme, parent_id, modalities, embedder, embedder_version, dims, state, policy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Slug, c.Name, c.Theme, c.ParentID, string(mods),
		c.Embedder, c.EmbedderVer, c.Dims, string(c.State), string(policy),
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return llcerrors.Newf(llcerrors.CodeInvalidParams, "container slug %q already exists", c.Slug)
		}
		return fmt.Errorf("insert container: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO container_stats (container_id) VALUES (?)", c.ID); err != nil {
		return fmt.Errorf("insert container stats: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) scanContainer(row interface{ Scan(...any) error }) (*Container, error) {
	var c Container
	var mods, state, policy string
	var created, updated int64
	err := row.Scan(&c.ID, &c.Slug, &c.Name, &c.Theme, &c.ParentID, &mods,
		&c.Embedder, &c.EmbedderVer, &c.Dims, &state, &policy, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mods), &c.Modalities); err != nil {
		return nil, fmt.Errorf("unmarshal modalities: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &c.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	c.State = ContainerState(state)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

const containerCols = "id, slug, name, theme, parent_id, modalities, embedder, embedder_version, dims, state, policy, created_at, updated_at"

func (s *SQLiteStore) GetContainer(ctx context.Context, id string) (*Container, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+containerCols+" FROM containers WHERE id = ?", id)
	c, err := s.scanContainer(row)
	if err == sql.ErrNoRows {
		return nil, llcerrors.Newf(llcerrors.CodeContainerNotFound, "container %q not found", id)
	}
	return c, err
}

func (s *SQLiteStore) GetContainerBySlug(ctx context.Context, slug string) (*Container, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+containerCols+" FROM containers WHERE slug = ?", slug)
	c, err := s.scanContainer(row)
	if err == sql.ErrNoRows {
		return nil, llcerrors.Newf(llcerrors.CodeContainerNotFound, "container %q not found", slug)
	}
	return c, err
}

func (s *SQLiteStore) ListContainers(ctx context.Context) ([]*Container, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+containerCols+" FROM containers ORDER BY slug")
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Container
	for rows.Next() {
		c, err := s.scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateContainer(ctx context.Context, c *Container) error {
	c.UpdatedAt = time.Now().UTC()
	mods, err := json.Marshal(c.Modalities)
	if err != nil {
		return fmt.Errorf("marshal modalities: %w", err)
	}
	policy, err := json.Marshal(c.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE containers SET name = ?, theme = ?, parent_id = ?, modalities = ?, state = ?, policy = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Theme, c.ParentID, string(mods), string(c.State), string(policy), toMillis(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update container: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return llcerrors.Newf(llcerrors.CodeContainerNotFound, "container %q not found", c.ID)
	}
	return nil
}

func (s *SQLiteStore) ArchiveContainer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE containers SET state = ?, updated_at = ? WHERE id = ?",
		string(ContainerArchived), toMillis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("archive container: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return llcerrors.Newf(llcerrors.CodeContainerNotFound, "container %q not found", id)
	}
	return nil
}

// ContainerSubtree returns the container and all descendants via a
// recursive CTE, used for subtree-scoped search.
func (s *SQLiteStore) ContainerSubtree(ctx context.Context, id string) ([]*Container, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM containers WHERE id = ?
			UNION ALL
			SELECT c.id FROM containers c JOIN subtree s ON c.parent_id = s.id
		)
		SELECT `+containerCols+` FROM containers WHERE id IN (SELECT id FROM subtree) ORDER BY slug`, id)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Container
	for rows.Next() {
		c, err := s.scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, llcerrors.Newf(llcerrors.CodeContainerNotFound, "container %q not found", id)
	}
	return out, nil
}

func (s *SQLiteStore) GetContainerStats(ctx context.Context, id string) (*ContainerStats, error) {
	var st ContainerStats
	var last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT container_id, documents, chunks, bytes, last_ingest FROM container_stats WHERE container_id = ?", id).
		Scan(&st.ContainerID, &st.Documents, &st.Chunks, &st.Bytes, &last)
	if err == sql.ErrNoRows {
		return nil, llcerrors.Newf(llcerrors.CodeContainerNotFound, "container %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	st.LastIngest = fromMillis(last)
	return &st, nil
}

// --- documents ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, d *Document) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, container_id, source_uri, modality, title, hash, size_bytes, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ContainerID, d.SourceURI, string(d.Modality), d.Title, d.Hash,
		d.SizeBytes, string(meta), toMillis(d.CreatedAt), toMillis(d.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return llcerrors.Newf(llcerrors.CodeDuplicateSource,
				"identical content already ingested in container %s", d.ContainerID)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE container_stats SET documents = documents + 1, bytes = bytes + ?, last_ingest = ?
		WHERE container_id = ?`,
		d.SizeBytes, toMillis(now), d.ContainerID)
	if err != nil {
		return fmt.Errorf("bump container stats: %w", err)
	}
	return tx.Commit()
}

const documentCols = "id, container_id, source_uri, modality, title, hash, size_bytes, metadata, created_at, updated_at"

func (s *SQLiteStore) scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var modality, meta string
	var created, updated int64
	err := row.Scan(&d.ID, &d.ContainerID, &d.SourceURI, &modality, &d.Title,
		&d.Hash, &d.SizeBytes, &meta, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.Modality = Modality(modality)
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+documentCols+" FROM documents WHERE id = ?", id)
	d, err := s.scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, llcerrors.Newf(llcerrors.CodeInvalidParams, "document %q not found", id)
	}
	return d, err
}

// FindDocumentByHash returns nil, nil when no document matches.
func (s *SQLiteStore) FindDocumentByHash(ctx context.Context, containerID, hash string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+documentCols+" FROM documents WHERE container_id = ? AND hash = ?", containerID, hash)
	d, err := s.scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, containerID string, limit, offset int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+documentCols+" FROM documents WHERE container_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?",
		containerID, limit, offset)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := s.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	var containerID string
	var size int64
	err = tx.QueryRowContext(ctx,
		"SELECT container_id, size_bytes FROM documents WHERE id = ?", id).Scan(&containerID, &size)
	if err == sql.ErrNoRows {
		return llcerrors.Newf(llcerrors.CodeInvalidParams, "document %q not found", id)
	}
	if err != nil {
		return err
	}

	var chunks int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE document_id = ? AND deleted = 0", id).Scan(&chunks); err != nil {
		return err
	}
	// FTS rows follow via the delete trigger.
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE container_stats SET documents = documents - 1, chunks = chunks - ?, bytes = bytes - ?
		WHERE container_id = ?`, chunks, size, containerID); err != nil {
		return fmt.Errorf("bump container stats: %w", err)
	}
	return tx.Commit()
}

// --- chunks ---

// CommitChunks inserts chunk rows in one transaction. The FTS5 rows are
// maintained by triggers in the same transaction, so a committed chunk
// always has its BM25 row.
func (s *SQLiteStore) CommitChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, container_id, modality, seq, content, content_hash,
			source_uri, page, start_byte, end_byte, blob_path, embedder_version, dedup_of,
			needs_vector_reconcile, reconcile_attempts, deleted, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	counts := map[string]int{}
	for _, c := range chunks {
		if c.IngestedAt.IsZero() {
			c.IngestedAt = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx,
			c.ID, c.DocumentID, c.ContainerID, string(c.Modality), c.Seq,
			c.Content, c.ContentHash, c.SourceURI, c.Page, c.StartByte, c.EndByte,
			c.BlobPath, c.EmbedderVer, c.DedupOf,
			boolToInt(c.NeedsVectorReconcile), c.ReconcileAttempts,
			boolToInt(c.Deleted), toMillis(c.IngestedAt))
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		counts[c.ContainerID]++
	}
	for containerID, n := range counts {
		if _, err := tx.ExecContext(ctx,
			"UPDATE container_stats SET chunks = chunks + ? WHERE container_id = ?",
			n, containerID); err != nil {
			return fmt.Errorf("bump container stats: %w", err)
		}
	}
	return tx.Commit()
}

const chunkCols = `id, document_id, container_id, modality, seq, content, content_hash,
	source_uri, page, start_byte, end_byte, blob_path, embedder_version, dedup_of,
	needs_vector_reconcile, reconcile_attempts, deleted, ingested_at`

func scanChunk(row interface{ Scan(...any) error }) (*Chunk, error) {
	var c Chunk
	var modality string
	var reconcile, deleted int
	var ingested int64
	err := row.Scan(&c.ID, &c.DocumentID, &c.ContainerID, &modality, &c.Seq,
		&c.Content, &c.ContentHash, &c.SourceURI, &c.Page, &c.StartByte, &c.EndByte,
		&c.BlobPath, &c.EmbedderVer, &c.DedupOf, &reconcile, &c.ReconcileAttempts,
		&deleted, &ingested)
	if err != nil {
		return nil, err
	}
	c.Modality = Modality(modality)
	c.NeedsVectorReconcile = reconcile == 1
	c.Deleted = deleted == 1
	c.IngestedAt = fromMillis(ingested)
	return &c, nil
}

func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+chunkCols+" FROM chunks WHERE id = ?", id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, llcerrors.Newf(llcerrors.CodeInvalidParams, "chunk %q not found", id)
	}
	return c, err
}

// GetChunks batch-loads chunks by id. Missing ids are absent from the
// result rather than errors.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) (map[string]*Chunk, error) {
	out := make(map[string]*Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chunkCols+" FROM chunks WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListChunksByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chunkCols+" FROM chunks WHERE document_id = ? ORDER BY seq", documentID)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkChunkReconcile(ctx context.Context, id string, needs bool) error {
	var query string
	if needs {
		query = "UPDATE chunks SET needs_vector_reconcile = 1, reconcile_attempts = reconcile_attempts + 1 WHERE id = ?"
	} else {
		query = "UPDATE chunks SET needs_vector_reconcile = 0, reconcile_attempts = 0 WHERE id = ?"
	}
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *SQLiteStore) ListReconcilePending(ctx context.Context, limit int) ([]*Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chunkCols+" FROM chunks WHERE needs_vector_reconcile = 1 AND deleted = 0 ORDER BY ingested_at LIMIT ?",
		limit)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SoftDeleteChunk tombstones a chunk and removes its FTS row so it
// stops surfacing in retrieval.
func (s *SQLiteStore) SoftDeleteChunk(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	// Blank the content so the update trigger drops the FTS row text.
	_, err = tx.ExecContext(ctx,
		"UPDATE chunks SET deleted = 1, needs_vector_reconcile = 0, content = '' WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("soft delete chunk: %w", err)
	}
	return tx.Commit()
}

// --- jobs ---

func (s *SQLiteStore) EnqueueJob(ctx context.Context, j *Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.State == "" {
		j.State = JobQueued
	}
	if j.VisibleAt.IsZero() {
		j.VisibleAt = now
	}
	if j.Payload == nil {
		j.Payload = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, container_id, payload, state, attempts, max_retries, claimed_by, visible_at, heartbeat_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Kind), j.ContainerID, j.Payload, string(j.State),
		j.Attempts, j.MaxRetries, j.ClaimedBy, toMillis(j.VisibleAt),
		toMillis(j.HeartbeatAt), j.LastError, toMillis(j.CreatedAt), toMillis(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if err := insertJobEvent(ctx, tx, j.ID, JobQueued, "", "enqueued"); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimJob atomically claims the oldest visible queued job. The DSN
// opens transactions with BEGIN IMMEDIATE, so the select-then-update is
// exclusive against concurrent claimers. Returns nil, nil when the
// queue is empty.
func (s *SQLiteStore) ClaimJob(ctx context.Context, worker string, visibility time.Duration) (*Job, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE state = ? AND visible_at <= ?
		ORDER BY created_at
		LIMIT 1`, string(JobQueued), toMillis(now)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, claimed_by = ?, attempts = attempts + 1,
			visible_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(JobRunning), worker, toMillis(now.Add(visibility)), toMillis(now),
		toMillis(now), id, string(JobQueued))
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced by another claimer; treat as empty poll.
		return nil, nil
	}
	if err := insertJobEvent(ctx, tx, id, JobRunning, worker, "claimed"); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, "SELECT "+jobCols+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// HeartbeatJob extends the visibility window for a running job. Fails
// if the claim was lost to the reaper.
func (s *SQLiteStore) HeartbeatJob(ctx context.Context, jobID, worker string, visibility time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = ?, visible_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND claimed_by = ?`,
		toMillis(now), toMillis(now.Add(visibility)), toMillis(now),
		jobID, string(JobRunning), worker)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return llcerrors.Newf(llcerrors.CodeInvariantViolation,
			"job %s is no longer claimed by %s", jobID, worker)
	}
	return nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID, worker string) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ?
		WHERE id = ? AND state = ? AND claimed_by = ?`,
		string(JobDone), toMillis(now), jobID, string(JobRunning), worker)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return llcerrors.Newf(llcerrors.CodeInvariantViolation,
			"job %s is no longer claimed by %s", jobID, worker)
	}
	if err := insertJobEvent(ctx, tx, jobID, JobDone, worker, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// FailJob records a failure. With requeue set the job returns to queued
// after retryIn, unless attempts have reached max_retries; otherwise it
// lands in the terminal failed state.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID, worker, reason string, retryIn time.Duration, requeue bool) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	var attempts, maxRetries int
	err = tx.QueryRowContext(ctx,
		"SELECT attempts, max_retries FROM jobs WHERE id = ? AND claimed_by = ? AND state = ?",
		jobID, worker, string(JobRunning)).Scan(&attempts, &maxRetries)
	if err == sql.ErrNoRows {
		return llcerrors.Newf(llcerrors.CodeInvariantViolation,
			"job %s is no longer claimed by %s", jobID, worker)
	}
	if err != nil {
		return err
	}

	next := JobFailed
	visibleAt := now
	detail := reason
	if requeue {
		if attempts > maxRetries {
			detail = "retries exhausted: " + reason
		} else {
			next = JobQueued
			visibleAt = now.Add(retryIn)
			detail = "requeued: " + reason
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, claimed_by = '', visible_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(next), toMillis(visibleAt), reason, toMillis(now), jobID)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if err := insertJobEvent(ctx, tx, jobID, next, worker, detail); err != nil {
		return err
	}
	return tx.Commit()
}

const jobCols = "id, kind, container_id, payload, state, attempts, max_retries, claimed_by, visible_at, heartbeat_at, last_error, created_at, updated_at"

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var kind, state string
	var visible, heartbeat, created, updated int64
	err := row.Scan(&j.ID, &kind, &j.ContainerID, &j.Payload, &state,
		&j.Attempts, &j.MaxRetries, &j.ClaimedBy, &visible, &heartbeat,
		&j.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.Kind = JobKind(kind)
	j.State = JobState(state)
	j.VisibleAt = fromMillis(visible)
	j.HeartbeatAt = fromMillis(heartbeat)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobCols+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, llcerrors.Newf(llcerrors.CodeInvalidParams, "job %q not found", id)
	}
	return j, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, states []JobState, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + jobCols + " FROM jobs"
	var args []any
	if len(states) > 0 {
		placeholders := strings.Repeat("?,", len(states)-1) + "?"
		query += " WHERE state IN (" + placeholders + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ReapExpiredJobs requeues running jobs whose visibility window lapsed
// without a heartbeat, failing retry-exhausted ones for good.
func (s *SQLiteStore) ReapExpiredJobs(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id, attempts, max_retries, claimed_by FROM jobs WHERE state = ? AND visible_at <= ?",
		string(JobRunning), toMillis(now))
	if err != nil {
		return 0, err
	}
	type expired struct {
		id        string
		exhausted bool
		claimedBy string
	}
	var found []expired
	for rows.Next() {
		var e expired
		var attempts, maxRetries int
		if err := rows.Scan(&e.id, &attempts, &maxRetries, &e.claimedBy); err != nil {
			rows.Close()
			return 0, err
		}
		e.exhausted = attempts > maxRetries
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range found {
		next := JobQueued
		detail := "visibility timeout expired, requeued"
		if e.exhausted {
			next = JobFailed
			detail = "visibility timeout expired, retries exhausted"
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, claimed_by = '', visible_at = ?, updated_at = ?
			WHERE id = ?`,
			string(next), toMillis(now), toMillis(now), e.id)
		if err != nil {
			return 0, fmt.Errorf("reap job %s: %w", e.id, err)
		}
		if err := insertJobEvent(ctx, tx, e.id, next, e.claimedBy, detail); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(found), nil
}

func (s *SQLiteStore) JobEvents(ctx context.Context, jobID string) ([]*JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, state, worker, detail, created_at FROM job_events WHERE job_id = ? ORDER BY id",
		jobID)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*JobEvent
	for rows.Next() {
		var e JobEvent
		var state string
		var created int64
		if err := rows.Scan(&e.ID, &e.JobID, &state, &e.Worker, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.State = JobState(state)
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func insertJobEvent(ctx context.Context, tx *sql.Tx, jobID string, state JobState, worker, detail string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO job_events (job_id, state, worker, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		jobID, string(state), worker, detail, toMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// --- embedding cache ---

// GetEmbedding returns nil, nil on a cache miss and touches the access
// time on a hit.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, key string) (*EmbeddingEntry, error) {
	var e EmbeddingEntry
	var blob []byte
	var created, accessed int64
	err := s.db.QueryRowContext(ctx,
		"SELECT key, vector, dims, model, version, created_at, accessed_at FROM embedding_cache WHERE key = ?",
		key).Scan(&e.Key, &blob, &e.Dims, &e.Model, &e.Version, &created, &accessed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	e.Vector = decodeVector(blob)
	e.CreatedAt = fromMillis(created)
	e.AccessedAt = fromMillis(accessed)

	_, _ = s.db.ExecContext(ctx,
		"UPDATE embedding_cache SET accessed_at = ? WHERE key = ?",
		toMillis(time.Now().UTC()), key)
	return &e, nil
}

func (s *SQLiteStore) PutEmbedding(ctx context.Context, e *EmbeddingEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.AccessedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (key, vector, dims, model, version, created_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET vector = excluded.vector, dims = excluded.dims,
			model = excluded.model, version = excluded.version, accessed_at = excluded.accessed_at`,
		e.Key, encodeVector(e.Vector), e.Dims, e.Model, e.Version,
		toMillis(e.CreatedAt), toMillis(e.AccessedAt))
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	return nil
}

// PruneEmbeddings evicts entries not accessed within olderThan.
func (s *SQLiteStore) PruneEmbeddings(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM embedding_cache WHERE accessed_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- diagnostics ---

func (s *SQLiteStore) SaveDiagnostics(ctx context.Context, d *DiagnosticsRecord) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO diagnostics (request_id, query, payload, partial, took_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.Query, d.Payload, boolToInt(d.Partial), d.TookMS, toMillis(d.CreatedAt))
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetDiagnostics(ctx context.Context, requestID string) (*DiagnosticsRecord, error) {
	var d DiagnosticsRecord
	var partial int
	var created int64
	err := s.db.QueryRowContext(ctx,
		"SELECT request_id, query, payload, partial, took_ms, created_at FROM diagnostics WHERE request_id = ?",
		requestID).Scan(&d.RequestID, &d.Query, &d.Payload, &partial, &d.TookMS, &created)
	if err == sql.ErrNoRows {
		return nil, llcerrors.Newf(llcerrors.CodeInvalidParams, "no diagnostics for request %q", requestID)
	}
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	d.Partial = partial == 1
	d.CreatedAt = fromMillis(created)
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
