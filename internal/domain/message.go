package domain

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleCompanion = "companion"
)

// Message is one conversation turn. Immutable once written; retained up
// to the configured history bound, oldest evicted first.
type Message struct {
	Seq       int64             `json:"seq"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	WordCount int               `json:"word_count"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
