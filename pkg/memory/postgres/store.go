// Package postgres provides a PostgreSQL-backed implementation of
// [memory.Store] using the pgvector extension for cosine similarity search.
//
// The blended similarity + recency ranking is computed server-side so that
// the HNSW index can drive the similarity term while the recency decay is an
// exact expression over created_at.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, mem)
//	results, _ := store.QueryTopK(ctx, campaignID, vec, 8)
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/loomworks/loreweaver/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store implements [memory.Store] on a pgxpool connection pool.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	pins *memory.PinSet
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the memories table and vector extension exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [memory.Memory.Embedding] values (e.g., 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory postgres: migrate: %w", err)
	}

	return &Store{pool: pool, pins: memory.NewPinSet()}, nil
}

// Ping probes the connection pool. Intended for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Append implements [memory.Store].
func (s *Store) Append(ctx context.Context, mem memory.Memory) error {
	const q = `
		INSERT INTO memories
		    (id, campaign_id, content, embedding, model_id, salience, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	vec := pgvector.NewVector(mem.Embedding)
	_, err := s.pool.Exec(ctx, q,
		mem.ID,
		mem.CampaignID,
		mem.Content,
		vec,
		mem.ModelID,
		mem.Salience,
		mem.Tags,
		mem.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("memory postgres: append %s: %w: %w", mem.ID, memory.ErrStorageUnavailable, err)
	}
	return nil
}

// QueryTopK implements [memory.Store]. The blended score is computed in SQL:
//
//	alpha * (1 - (embedding <=> $vec)) + (1-alpha) * 2^(-age_hours/halflife_hours)
//
// When queryVector is empty, the similarity term is 0 and the ranking is
// pure recency.
func (s *Store) QueryTopK(ctx context.Context, campaignID uuid.UUID, queryVector []float32, k int, opts ...memory.QueryOpt) ([]memory.ScoredMemory, error) {
	if k <= 0 {
		return []memory.ScoredMemory{}, nil
	}
	alpha, halfLife, now := memory.ResolveQueryOptions(opts)

	var (
		rows pgx.Rows
		err  error
	)
	if len(queryVector) == 0 {
		const q = `
			SELECT id, campaign_id, content, embedding, model_id, salience, tags, created_at,
			       0::float8 AS similarity,
			       power(2, -extract(epoch FROM ($2::timestamptz - created_at)) / 3600.0 / $3::float8) AS recency
			FROM   memories
			WHERE  campaign_id = $1
			ORDER  BY recency DESC, created_at DESC
			LIMIT  $4`
		rows, err = s.pool.Query(ctx, q, campaignID, now, halfLife.Hours(), k)
	} else {
		const q = `
			SELECT id, campaign_id, content, embedding, model_id, salience, tags, created_at,
			       1 - (embedding <=> $2) AS similarity,
			       power(2, -extract(epoch FROM ($3::timestamptz - created_at)) / 3600.0 / $4::float8) AS recency
			FROM   memories
			WHERE  campaign_id = $1
			ORDER  BY $5::float8 * (1 - (embedding <=> $2))
			          + (1 - $5::float8) * power(2, -extract(epoch FROM ($3::timestamptz - created_at)) / 3600.0 / $4::float8) DESC,
			          created_at DESC
			LIMIT  $6`
		rows, err = s.pool.Query(ctx, q,
			campaignID, pgvector.NewVector(queryVector), now, halfLife.Hours(), alpha, k)
	}
	if err != nil {
		return nil, fmt.Errorf("memory postgres: query top-k: %w: %w", memory.ErrStorageUnavailable, err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ScoredMemory, error) {
		var (
			sm  memory.ScoredMemory
			vec pgvector.Vector
		)
		if err := row.Scan(
			&sm.Memory.ID,
			&sm.Memory.CampaignID,
			&sm.Memory.Content,
			&vec,
			&sm.Memory.ModelID,
			&sm.Memory.Salience,
			&sm.Memory.Tags,
			&sm.Memory.CreatedAt,
			&sm.Similarity,
			&sm.Recency,
		); err != nil {
			return memory.ScoredMemory{}, err
		}
		sm.Memory.Embedding = vec.Slice()
		sm.Score = alpha*sm.Similarity + (1-alpha)*sm.Recency
		return sm, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory postgres: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.ScoredMemory{}
	}
	return results, nil
}

// Pin implements [memory.Store]. Pins are held in-process; they protect
// memories from the Prune calls issued by this process, which is sufficient
// because each campaign is owned by exactly one engine instance at a time.
func (s *Store) Pin(ids []uuid.UUID) func() {
	return s.pins.Pin(ids)
}

// Prune implements [memory.Store].
func (s *Store) Prune(ctx context.Context, campaignID uuid.UUID, policy memory.RetentionPolicy) (int, error) {
	pinned := s.pins.Snapshot()
	removed := 0

	if policy.MaxAge > 0 {
		const q = `
			DELETE FROM memories
			WHERE  campaign_id = $1
			  AND  created_at < now() - $2::interval
			  AND  NOT (id = ANY($3))`
		tag, err := s.pool.Exec(ctx, q, campaignID, policy.MaxAge, pinned)
		if err != nil {
			return removed, fmt.Errorf("memory postgres: prune by age: %w: %w", memory.ErrStorageUnavailable, err)
		}
		removed += int(tag.RowsAffected())
	}

	if policy.MaxCount > 0 {
		const q = `
			DELETE FROM memories
			WHERE  id IN (
			    SELECT id FROM memories
			    WHERE  campaign_id = $1
			      AND  NOT (id = ANY($3))
			    ORDER  BY created_at ASC
			    OFFSET 0
			    LIMIT  GREATEST(0, (SELECT count(*) FROM memories WHERE campaign_id = $1) - $2)
			)`
		tag, err := s.pool.Exec(ctx, q, campaignID, policy.MaxCount, pinned)
		if err != nil {
			return removed, fmt.Errorf("memory postgres: prune by count: %w: %w", memory.ErrStorageUnavailable, err)
		}
		removed += int(tag.RowsAffected())
	}

	return removed, nil
}
