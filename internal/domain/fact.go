package domain

import "time"

// Fact sources.
const (
	SourceUserStated = "user_stated"
	SourceInferred   = "inferred"
)

// FactCategories is the permitted set of fact categories. Entries outside
// this set are rejected at the boundary with a ValidationError.
var FactCategories = []string{
	"identity",
	"preference",
	"interest",
	"relationship",
	"date",
	"instruction",
	"context",
}

// Fact is a keyed piece of long-term knowledge about a user. A later fact
// with the same key overwrites value, confidence, and timestamps unless
// its confidence is strictly lower than the stored one.
type Fact struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"` // 0.0 - 1.0
	Source     string    `json:"source"`     // user_stated | inferred
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PermanentMemory is an append-only free-text entry. Only explicit user
// action creates one; nothing evicts or overwrites it.
type PermanentMemory struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
