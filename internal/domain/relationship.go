package domain

import "time"

// Milestone names recorded by the relationship engine. Each is recorded
// at most once per user.
const (
	MilestoneFirstConversation = "first_conversation"
	MilestoneFirstDisclosure   = "first_emotional_disclosure"
	MilestoneStreak7           = "streak_7"
	MilestoneStreak30          = "streak_30"
)

// Milestone is a one-time relationship event.
type Milestone struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RelationshipState tracks where a user sits in the staged relationship
// progression. Stage is monotonically non-decreasing; milestones are
// append-only.
type RelationshipState struct {
	Stage                  string      `json:"stage"`
	InteractionCount       int64       `json:"interaction_count"`
	MeaningfulInteractions int64       `json:"meaningful_interactions"`
	DepthScore             float64     `json:"depth_score"` // cumulative
	Milestones             []Milestone `json:"milestones,omitempty"`
	LastInteraction        time.Time   `json:"last_interaction,omitzero"`
	LastStageAdvance       time.Time   `json:"last_stage_advance,omitzero"`
}

// HasMilestone reports whether a milestone with the given name was
// already recorded.
func (rs *RelationshipState) HasMilestone(name string) bool {
	for _, m := range rs.Milestones {
		if m.Name == name {
			return true
		}
	}
	return false
}

// Trait value bounds. Every mutation clamps into this range.
const (
	TraitMin = 0.0
	TraitMax = 100.0
)

// TraitVector maps trait name to a bounded numeric value.
type TraitVector map[string]float64

// Clone returns an independent copy.
func (tv TraitVector) Clone() TraitVector {
	out := make(TraitVector, len(tv))
	for k, v := range tv {
		out[k] = v
	}
	return out
}

// Mood trend classifications.
const (
	TrendStable     = "stable"
	TrendImproving  = "improving"
	TrendEscalating = "escalating_negative"
)

// MoodSample is one emotion observation feeding trend detection.
type MoodSample struct {
	Emotion   string    `json:"emotion"`
	Intensity float64   `json:"intensity"` // 0.0 - 1.0
	Timestamp time.Time `json:"timestamp"`
}

// MoodWindow is the bounded rolling window of recent mood samples plus
// the trend-tracker state that must survive restarts.
type MoodWindow struct {
	Samples []MoodSample `json:"samples"`

	// LastTrend is the previous classification result; a support
	// escalation fires only when TrendEscalating repeats.
	LastTrend string `json:"last_trend,omitempty"`
}
