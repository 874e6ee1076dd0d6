// Package memory defines the long-term narrative memory layer of the
// Loreweaver turn engine.
//
// A [Memory] is an immutable, embedded record of past narrative judged
// significant enough to influence future turns. Memories are appended by the
// state mutation applier after a successful turn and retrieved by the context
// assembler through blended similarity + recency ranking.
//
// The [Store] interface is public so that external packages can supply
// alternative backends (Postgres/pgvector, in-memory, …) without depending on
// loreweaver internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStorageUnavailable wraps persistent-storage failures from Store
// operations. Callers treat it as retryable with backoff.
var ErrStorageUnavailable = errors.New("memory storage unavailable")

// DefaultAlpha is the default blend weight between semantic similarity and
// recency in [Store.QueryTopK]. The exact value is a tuning knob; 0.7 favours
// similarity while still letting fresh memories surface.
const DefaultAlpha = 0.7

// DefaultRecencyHalfLife is the default half-life of the exponential recency
// decay used by [Store.QueryTopK].
const DefaultRecencyHalfLife = 24 * time.Hour

// Memory is a single immutable narrative memory. Never mutated after
// creation; only removable through [Store.Prune].
type Memory struct {
	// ID is the unique memory identifier.
	ID uuid.UUID

	// CampaignID scopes the memory to one campaign. Queries never cross
	// campaign boundaries.
	CampaignID uuid.UUID

	// Content is the free-text narrative content.
	Content string

	// Embedding is the vector representation of Content. Dimension must
	// match the store configuration.
	Embedding []float32

	// ModelID tags the embedding model version that produced Embedding.
	// Vectors from different model versions must not be compared.
	ModelID string

	// Salience is the significance score assigned at creation (0.0–1.0).
	Salience float64

	// Tags are optional structured labels (e.g., participant NPC ids,
	// "combat", "irreversible").
	Tags []string

	// CreatedAt is when the memory was recorded.
	CreatedAt time.Time
}

// ScoredMemory pairs a retrieved memory with its ranking breakdown.
type ScoredMemory struct {
	// Memory is the retrieved record.
	Memory Memory

	// Score is the blended ranking score:
	// alpha*Similarity + (1-alpha)*Recency. Higher is better.
	Score float64

	// Similarity is the cosine similarity to the query vector (0 when the
	// query carried no vector).
	Similarity float64

	// Recency is the exponential decay term in (0, 1], 1 meaning "just now".
	Recency float64
}

// RetentionPolicy bounds how many memories a campaign retains.
// Zero-value fields disable the corresponding bound.
type RetentionPolicy struct {
	// MaxCount caps the number of memories per campaign; the oldest memories
	// beyond the cap are pruned first.
	MaxCount int

	// MaxAge removes memories older than this duration.
	MaxAge time.Duration
}

// queryOptions accumulates options for [Store.QueryTopK].
// Unexported — callers configure it via [QueryOpt] functional options.
type queryOptions struct {
	alpha    float64
	halfLife time.Duration
	now      time.Time
}

// QueryOpt is a functional option for [Store.QueryTopK].
type QueryOpt func(*queryOptions)

// WithAlpha sets the blend weight alpha in [0, 1]. 1 ranks by pure cosine
// similarity, 0 by pure recency. Default: [DefaultAlpha].
func WithAlpha(alpha float64) QueryOpt {
	return func(o *queryOptions) { o.alpha = alpha }
}

// WithHalfLife sets the recency decay half-life.
// Default: [DefaultRecencyHalfLife].
func WithHalfLife(d time.Duration) QueryOpt {
	return func(o *queryOptions) { o.halfLife = d }
}

// WithNow fixes the reference instant for recency decay. Intended for tests;
// the default is the current time at query execution.
func WithNow(now time.Time) QueryOpt {
	return func(o *queryOptions) { o.now = now }
}

// ResolveQueryOptions applies opts over the documented defaults. Exported for
// use by Store implementations in sub-packages.
func ResolveQueryOptions(opts []QueryOpt) (alpha float64, halfLife time.Duration, now time.Time) {
	o := queryOptions{
		alpha:    DefaultAlpha,
		halfLife: DefaultRecencyHalfLife,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.alpha < 0 {
		o.alpha = 0
	}
	if o.alpha > 1 {
		o.alpha = 1
	}
	if o.halfLife <= 0 {
		o.halfLife = DefaultRecencyHalfLife
	}
	if o.now.IsZero() {
		o.now = time.Now()
	}
	return o.alpha, o.halfLife, o.now
}

// Store is the durable, append-mostly memory store.
//
// Implementations must be safe for concurrent use and must guarantee that
// query results for one campaign are never contaminated by another campaign's
// memories, even under concurrent writes.
type Store interface {
	// Append inserts a new immutable memory record. It never rejects on
	// content — only on storage failure, which is reported wrapped in
	// [ErrStorageUnavailable] and is retryable.
	Append(ctx context.Context, mem Memory) error

	// QueryTopK returns up to k memories for the campaign ranked by the
	// blended score alpha*cosineSimilarity + (1-alpha)*recencyDecay,
	// descending. Ties break most-recent first.
	//
	// An empty queryVector yields a similarity of 0 for every memory, so the
	// ranking degrades to pure recency regardless of alpha. Returns an empty
	// (non-nil) slice for a campaign with no memories.
	QueryTopK(ctx context.Context, campaignID uuid.UUID, queryVector []float32, k int, opts ...QueryOpt) ([]ScoredMemory, error)

	// Pin marks the given memories as referenced by an in-flight turn,
	// protecting them from [Store.Prune] until the returned release function
	// is called. Release is idempotent.
	Pin(ids []uuid.UUID) (release func())

	// Prune removes memories exceeding the retention policy bounds, skipping
	// pinned memories. Returns the number of memories removed.
	Prune(ctx context.Context, campaignID uuid.UUID, policy RetentionPolicy) (int, error)
}
