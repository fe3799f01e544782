package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Collection names. Each is one document per user on disk.
const (
	CollectionProfile    = "profile"
	CollectionMessages   = "messages"
	CollectionFacts      = "facts"
	CollectionMemories   = "permanent_memories"
	CollectionMetrics    = "metrics"
	CollectionState      = "relationship_state"
	CollectionTraits     = "traits"
	CollectionMoodWindow = "mood_window"
)

// Record is one keyed entry within a user's collection. List returns
// records in insertion order; replacing an existing key keeps its
// position.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the persistence capability: per-user namespaces holding named
// collections of keyed records. Namespaces are created lazily on first
// write. A write to a (user, collection) is atomic: fully visible or not
// visible at all, even across a crash. Writes to the same user are
// serialized by the store; different users never block each other.
//
// Get returns ErrNotFound for a missing user, collection, or key. List of
// a missing collection returns an empty slice. Unreadable on-disk content
// surfaces as CorruptDataError and is left in place.
type Store interface {
	Put(ctx context.Context, userID, collection, key string, value json.RawMessage) error
	Get(ctx context.Context, userID, collection, key string) (json.RawMessage, error)
	List(ctx context.Context, userID, collection string) ([]Record, error)
	Delete(ctx context.Context, userID, collection, key string) error

	// RegisterUser adds a user to the index; registering an existing ID
	// is a no-op. ListUsers returns the index sorted by ID.
	RegisterUser(ctx context.Context, ref UserRef) error
	ListUsers(ctx context.Context) ([]UserRef, error)

	// Global context: key/value state shared across users.
	PutGlobal(ctx context.Context, key string, value json.RawMessage) error
	GetGlobal(ctx context.Context, key string) (json.RawMessage, error)
	DeleteGlobal(ctx context.Context, key string) error

	Close() error
}
