// Package pgvector stores chunk embeddings in PostgreSQL with the vector
// extension and cosine distance.
package pgvector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/kailas-cloud/docqa/internal/db"
	"github.com/kailas-cloud/docqa/internal/domain"
)

// Compile-time check: Repo implements domain.VectorStore.
var _ domain.VectorStore = (*Repo)(nil)

// Pool is the subset of *pgxpool.Pool the repository needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Config describes the table.
type Config struct {
	Table      string
	Dimensions int
	// Lists is the ivfflat list count; zero skips the ANN index and searches exactly.
	Lists int
}

// Repo implements domain.VectorStore.
type Repo struct {
	pool       Pool
	dimensions int
	lists      int
	tableIdent string
	indexIdent string
	docIdent   string
}

// Connect opens a pgx pool for dsn.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: connect: %w", err)
	}
	return pool, nil
}

// New creates a repository on pool.
func New(pool Pool, cfg Config) (*Repo, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("pgvector: dimensions must be positive: %w", domain.ErrInvalidConfiguration)
	}
	table := cfg.Table
	if table == "" {
		table = "docqa_chunks"
	}
	return &Repo{
		pool:       pool,
		dimensions: cfg.Dimensions,
		lists:      cfg.Lists,
		tableIdent: pgx.Identifier{table}.Sanitize(),
		indexIdent: pgx.Identifier{table + "_embedding_idx"}.Sanitize(),
		docIdent:   pgx.Identifier{table + "_document_idx"}.Sanitize(),
	}, nil
}

// EnsureSchema enables the extension and creates the table and indexes.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	content TEXT NOT NULL,
	token_count INTEGER NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	ingested_at TIMESTAMPTZ NOT NULL,
	embedding vector(%d) NOT NULL
)`, r.tableIdent, r.dimensions),
		// Tables created before metadata was stored.
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS metadata JSONB NOT NULL DEFAULT '{}'", r.tableIdent),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (document_id)", r.docIdent, r.tableIdent),
	}
	if r.lists > 0 {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)",
			r.indexIdent, r.tableIdent, r.lists))
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return &db.Error{Op: db.OpSQLSchema, Err: err}
		}
	}
	return nil
}

// Upsert writes the chunk row; an existing chunk ID is overwritten.
func (r *Repo) Upsert(ctx context.Context, rec domain.ChunkRecord) error {
	if len(rec.Embedding) != r.dimensions {
		return fmt.Errorf("pgvector: chunk %q got %d want %d: %w",
			rec.ID, len(rec.Embedding), r.dimensions, domain.ErrDimensionMismatch)
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("pgvector: chunk %q: %w", rec.ID, err)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, document_id, seq, content, token_count, source, metadata, ingested_at, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	document_id = excluded.document_id,
	seq = excluded.seq,
	content = excluded.content,
	token_count = excluded.token_count,
	source = excluded.source,
	metadata = excluded.metadata,
	ingested_at = excluded.ingested_at,
	embedding = excluded.embedding`, r.tableIdent)

	_, err = r.pool.Exec(ctx, stmt,
		rec.ID, rec.DocumentID, rec.Seq, rec.Text, rec.TokenCount, rec.Source, meta,
		rec.IngestedAt.UTC(), pgv.NewVector(rec.Embedding))
	if err != nil {
		return &db.Error{Op: db.OpSQLUpsert, Err: fmt.Errorf("chunk %q: %w", rec.ID, err)}
	}
	return nil
}

// Search returns up to topK chunks by descending cosine similarity.
func (r *Repo) Search(ctx context.Context, query []float32, topK int, f domain.Filter) ([]domain.Match, error) {
	if len(query) != r.dimensions {
		return nil, fmt.Errorf("pgvector: query got %d want %d: %w",
			len(query), r.dimensions, domain.ErrDimensionMismatch)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("pgvector: top-k must be positive: %w", domain.ErrInvalidInput)
	}

	var b strings.Builder
	b.WriteString("SELECT id, document_id, seq, content, token_count, source, metadata::text, ingested_at, ")
	b.WriteString("1 - (embedding <=> $1) AS score FROM ")
	b.WriteString(r.tableIdent)
	b.WriteString(" WHERE 1=1")
	args := []any{pgv.NewVector(query)}
	if len(f.DocumentIDs) > 0 {
		args = append(args, f.DocumentIDs)
		b.WriteString(" AND document_id = ANY($" + strconv.Itoa(len(args)) + ")")
	}
	if f.Source != "" {
		args = append(args, f.Source)
		b.WriteString(" AND source = $" + strconv.Itoa(len(args)))
	}
	args = append(args, topK)
	b.WriteString(" ORDER BY embedding <=> $1 ASC, seq ASC, ingested_at ASC, id ASC LIMIT $" + strconv.Itoa(len(args)))

	rows, err := r.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, &db.Error{Op: db.OpSQLSearch, Err: err}
	}
	defer rows.Close()

	matches := make([]domain.Match, 0, topK)
	for rows.Next() {
		var (
			m    domain.Match
			meta string
		)
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.Seq, &m.Text, &m.TokenCount,
			&m.Source, &meta, &m.IngestedAt, &m.Score); err != nil {
			return nil, &db.Error{Op: db.OpSQLSearch, Err: fmt.Errorf("scan: %w", err)}
		}
		if m.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, &db.Error{Op: db.OpSQLSearch, Err: fmt.Errorf("chunk %q: %w", m.ChunkID, err)}
		}
		m.IngestedAt = m.IngestedAt.UTC()
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &db.Error{Op: db.OpSQLSearch, Err: err}
	}

	domain.SortMatches(matches)
	return matches, nil
}

// DeleteDocument removes every chunk of documentID.
func (r *Repo) DeleteDocument(ctx context.Context, documentID string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", r.tableIdent)
	if _, err := r.pool.Exec(ctx, stmt, documentID); err != nil {
		return &db.Error{Op: db.OpSQLDelete, Err: fmt.Errorf("document %q: %w", documentID, err)}
	}
	return nil
}

// Ping checks connectivity.
func (r *Repo) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return &db.Error{Op: db.OpSQLPing, Err: err}
	}
	return nil
}

// Close releases the pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
