// Package storage defines the vector store contract for Memory Records and the types shared
// by its backends (sqlite, postgres, oceanbase, chromem).
//
// A Memory Record carries three independent embeddings of the same turn, one per named
// projection. Backends search one projection at a time and always scope by (user, agent).
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

// Projection names one of the embeddings stored on a record.
type Projection string

const (
	// ProjectionContent embeds the raw turn text.
	ProjectionContent Projection = "content"

	// ProjectionAffect embeds a description of the turn's emotion signal.
	ProjectionAffect Projection = "affect"

	// ProjectionMeaning embeds the polarity-free proposition of the turn.
	ProjectionMeaning Projection = "meaning"
)

// Projections lists every projection in search order.
var Projections = []Projection{ProjectionContent, ProjectionAffect, ProjectionMeaning}

// Column returns the embedding column name of a projection.
func (p Projection) Column() string {
	return string(p) + "_embedding"
}

// Valid reports whether p is a known projection.
func (p Projection) Valid() bool {
	switch p {
	case ProjectionContent, ProjectionAffect, ProjectionMeaning:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a record does not exist in the caller's scope.
	ErrNotFound = errors.New("record not found")

	// ErrDimensionMismatch is returned when a vector does not match the store's fixed dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidProjection is returned for an unknown projection name.
	ErrInvalidProjection = errors.New("invalid projection")

	// ErrScopeRequired is returned when a search is missing its user or agent id.
	ErrScopeRequired = errors.New("user and agent scope required")
)

// Record is one stored conversational turn.
//
// Records are append-only: no backend exposes an update.
type Record struct {
	// ID is the unique identifier of the record (snowflake).
	ID int64 `json:"id"`

	// UserID and AgentID scope the record.
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`

	// Content is the raw turn text.
	Content string `json:"content"`

	// Reply is the agent's answer to the turn. It is not part of the dedup hash.
	Reply string `json:"reply,omitempty"`

	// ContentHash is the dedup key; see HashContent.
	ContentHash string `json:"content_hash"`

	// Embeddings per projection.
	ContentEmbedding []float64 `json:"content_embedding,omitempty"`
	AffectEmbedding  []float64 `json:"affect_embedding,omitempty"`
	MeaningEmbedding []float64 `json:"meaning_embedding,omitempty"`

	// Emotion is the classification payload of the turn.
	Emotion signal.Signal `json:"emotion"`

	// TurnID is the originating turn, when known.
	TurnID string `json:"turn_id,omitempty"`

	// CreatedAt is the creation time (UTC).
	CreatedAt time.Time `json:"created_at"`

	// Similarity is filled by Search: cosine similarity on the searched projection.
	Similarity float64 `json:"-"`
}

// Embedding returns the vector of a projection.
func (r *Record) Embedding(p Projection) []float64 {
	switch p {
	case ProjectionContent:
		return r.ContentEmbedding
	case ProjectionAffect:
		return r.AffectEmbedding
	case ProjectionMeaning:
		return r.MeaningEmbedding
	}
	return nil
}

// CheckDimensions verifies that every embedding has exactly dims components.
func (r *Record) CheckDimensions(dims int) error {
	if dims <= 0 {
		return nil
	}
	for _, p := range Projections {
		if len(r.Embedding(p)) != dims {
			return ErrDimensionMismatch
		}
	}
	return nil
}

// HashContent returns the dedup hash of a turn text: SHA-256 of the whitespace-normalized,
// lowercased text.
func HashContent(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// SearchOptions scopes a similarity search.
type SearchOptions struct {
	// UserID and AgentID are required; searches never cross agents.
	UserID  string
	AgentID string

	// Limit is the maximum number of results (default 10).
	Limit int

	// MinSimilarity drops results below this cosine similarity.
	MinSimilarity float64
}

// Scope identifies a (user, agent) pair.
type Scope struct {
	UserID  string
	AgentID string
}

// Key returns a stable string key for the pair.
func (s Scope) Key() string {
	return s.UserID + "\x00" + s.AgentID
}

// VectorStore is the persistence contract of the vector memory store.
type VectorStore interface {
	// InsertIfAbsent inserts rec unless a record with the same content hash exists for the
	// same (user, agent) created at or after since, or a record of the same non-empty
	// TurnID exists for the pair at any time. The check and the insert are atomic with
	// respect to other InsertIfAbsent calls on the same backend.
	//
	// Returns inserted=false and the existing record's ID when a duplicate was found.
	InsertIfAbsent(ctx context.Context, rec *Record, since time.Time) (inserted bool, existingID int64, err error)

	// Search returns the records of the scope most similar to embedding on the projection,
	// ordered by descending similarity, with Similarity set.
	Search(ctx context.Context, projection Projection, embedding []float64, opts *SearchOptions) ([]*Record, error)

	// Get returns one record within the scope.
	Get(ctx context.Context, scope Scope, id int64) (*Record, error)

	// Count returns the number of records of the scope.
	Count(ctx context.Context, scope Scope) (int, error)

	// ListOlderThan returns up to limit records created before cutoff, oldest first,
	// across all scopes. Used by cold archival.
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)

	// Delete removes records by id. Used by cold archival only.
	Delete(ctx context.Context, ids ...int64) error

	// Dimensions returns the fixed embedding dimension of the store.
	Dimensions() int

	// Close releases the backend.
	Close() error
}

// DefaultSearchLimit applies when SearchOptions.Limit is not positive.
const DefaultSearchLimit = 10

// Validate checks the scope and fills zero-valued options.
func (o *SearchOptions) Validate() error {
	if o.UserID == "" || o.AgentID == "" {
		return ErrScopeRequired
	}
	if o.Limit <= 0 {
		o.Limit = DefaultSearchLimit
	}
	return nil
}
