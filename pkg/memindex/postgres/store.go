// Package postgres provides a PostgreSQL/pgvector-backed implementation of
// the Parley memory index.
//
// All agents share a single [pgxpool.Pool]; each [Index] instance scopes its
// rows by agent ID, so different agents never see each other's memory. The
// pgvector extension must be available in the target database; [NewStore]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//	idx := store.ForAgent("agent-42")
//	_ = idx.Add(ctx, "From User: hello", memindex.NamespaceDynamic)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/hollowmere/parley/pkg/memindex"
	"github.com/hollowmere/parley/pkg/provider/embeddings"
)

// ddlMemoryEntries creates the shared memory table. The vector dimension is
// interpolated from the embeddings provider at migration time; mixing
// providers with different dimensions against one table is rejected by
// Postgres itself.
const ddlMemoryEntries = `
CREATE TABLE IF NOT EXISTS memory_entries (
    id         BIGSERIAL    PRIMARY KEY,
    agent_id   TEXT         NOT NULL,
    namespace  TEXT         NOT NULL DEFAULT 'dynamic',
    content    TEXT         NOT NULL,
    embedding  vector(%d)   NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_entries_agent
    ON memory_entries (agent_id, namespace);

CREATE INDEX IF NOT EXISTS idx_memory_entries_embedding
    ON memory_entries USING hnsw (embedding vector_cosine_ops);
`

// Store owns the connection pool shared by all per-agent [Index] views.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore connects to the PostgreSQL database at dsn, installs the pgvector
// extension, and migrates the memory schema. The embedder determines the
// vector column dimension.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("postgres memindex: embedder must not be nil")
	}
	dims := embedder.Dimensions()
	if dims <= 0 {
		return nil, fmt.Errorf("postgres memindex: embedder reports invalid dimensions %d", dims)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres memindex: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres memindex: connect: %w", err)
	}

	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres memindex: install pgvector: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlMemoryEntries, dims)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres memindex: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// ForAgent returns an [Index] view scoped to the given agent ID.
func (s *Store) ForAgent(agentID string) *Index {
	return &Index{pool: s.pool, embedder: s.embedder, agentID: agentID}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ensure Index implements the memindex.Index interface.
var _ memindex.Index = (*Index)(nil)

// Index is a memindex.Index backed by the shared memory_entries table,
// scoped to one agent. Obtain one via [Store.ForAgent].
//
// All methods are safe for concurrent use.
type Index struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	agentID  string
}

// Add implements memindex.Index.
func (ix *Index) Add(ctx context.Context, text string, namespace string) error {
	if text == "" {
		return errors.New("postgres memindex: text must not be empty")
	}
	if namespace == "" {
		namespace = memindex.NamespaceDynamic
	}

	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("postgres memindex: embed: %w", err)
	}

	const q = `
		INSERT INTO memory_entries (agent_id, namespace, content, embedding)
		VALUES ($1, $2, $3, $4)`
	if _, err := ix.pool.Exec(ctx, q, ix.agentID, namespace, text, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("postgres memindex: insert: %w", err)
	}
	return nil
}

// Search implements memindex.Index using pgvector cosine distance, scoped to
// this index's agent.
func (ix *Index) Search(ctx context.Context, query string, k int, namespaces ...string) ([]memindex.Result, error) {
	if k <= 0 {
		return []memindex.Result{}, nil
	}

	qvec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres memindex: embed query: %w", err)
	}

	args := []any{pgvector.NewVector(qvec), ix.agentID}
	nsClause := ""
	if len(namespaces) > 0 {
		placeholders := make([]string, len(namespaces))
		for i, ns := range namespaces {
			args = append(args, ns)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		nsClause = " AND namespace IN (" + strings.Join(placeholders, ", ") + ")"
	}
	args = append(args, k)

	q := fmt.Sprintf(`
		SELECT content, namespace, embedding <=> $1 AS distance
		FROM memory_entries
		WHERE agent_id = $2%s
		ORDER BY distance
		LIMIT $%d`, nsClause, len(args))

	rows, err := ix.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres memindex: search: %w", err)
	}
	defer rows.Close()

	results := []memindex.Result{}
	for rows.Next() {
		var r memindex.Result
		if err := rows.Scan(&r.Text, &r.Namespace, &r.Distance); err != nil {
			return nil, fmt.Errorf("postgres memindex: scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres memindex: iterate results: %w", err)
	}
	return results, nil
}

// Save implements memindex.Index. The Postgres backend is durable on every
// Add, so Save is a no-op kept only to satisfy the contract.
func (ix *Index) Save(ctx context.Context, path string) error {
	return nil
}

// Load implements memindex.Index. Contents are already in the database; Load
// is a no-op kept only to satisfy the contract.
func (ix *Index) Load(ctx context.Context, path string) error {
	return nil
}

// Clear implements memindex.Index by deleting this agent's rows in every
// namespace.
func (ix *Index) Clear(ctx context.Context) error {
	if _, err := ix.pool.Exec(ctx, `DELETE FROM memory_entries WHERE agent_id = $1`, ix.agentID); err != nil {
		return fmt.Errorf("postgres memindex: clear: %w", err)
	}
	return nil
}
