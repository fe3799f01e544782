package domain

import "time"

// User is the owner of every other per-user entity. Created on first
// contact, never implicitly deleted.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	CompanionName string    `json:"companion_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserRef is a users-index entry (id plus display metadata).
type UserRef struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Metrics holds aggregate per-user counters. They are updated
// incrementally on each write, never by replaying history.
type Metrics struct {
	MessageCount        int64     `json:"message_count"`
	UserMessageCount    int64     `json:"user_message_count"`
	TotalWords          int64     `json:"total_words"`
	ActiveDays          int64     `json:"active_days"`
	StreakDays          int       `json:"streak_days"`
	LongestStreak       int       `json:"longest_streak"`
	FirstInteraction    time.Time `json:"first_interaction,omitzero"`
	LastInteraction     time.Time `json:"last_interaction,omitzero"`
	LastInteractionDate string    `json:"last_interaction_date,omitempty"` // YYYY-MM-DD

	// NextSeq is the next message sequence number for this user.
	// Sequence numbers are strictly increasing and never reused, so the
	// oldest retained message is always NextSeq - historyLimit.
	NextSeq int64 `json:"next_seq"`
}
