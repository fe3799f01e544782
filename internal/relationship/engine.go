// Package relationship implements the staged relationship progression:
// a finite-state machine driven by interaction counts, conversation
// depth, and elapsed calendar time.
package relationship

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"kindred/internal/domain"
	"kindred/internal/personality"
)

// disclosureDepth is the per-message depth score treated as a first
// emotional disclosure.
const disclosureDepth = 0.8

// Engine advances relationship state. Stages only move forward, at most
// one step per calendar day.
type Engine struct {
	stages          []personality.StageDef
	meaningfulDepth float64
	logger          *slog.Logger
}

func NewEngine(profile *personality.Profile, logger *slog.Logger) *Engine {
	return &Engine{
		stages:          profile.Stages,
		meaningfulDepth: profile.MeaningfulDepth,
		logger:          logger,
	}
}

// InitialState returns the state of a brand-new relationship.
func (e *Engine) InitialState() domain.RelationshipState {
	return domain.RelationshipState{Stage: e.stages[0].Name}
}

// Observe folds one interaction into the state: counters, depth, and a
// possible single-stage advance. It returns the milestones newly
// recorded by this interaction.
func (e *Engine) Observe(state *domain.RelationshipState, depth float64, at time.Time) []domain.Milestone {
	state.InteractionCount++
	state.DepthScore += depth
	state.LastInteraction = at
	if depth > e.meaningfulDepth {
		state.MeaningfulInteractions++
	}

	var recorded []domain.Milestone
	if state.InteractionCount == 1 {
		recorded = appendMilestone(state, recorded, domain.MilestoneFirstConversation, at)
	}
	if depth >= disclosureDepth {
		recorded = appendMilestone(state, recorded, domain.MilestoneFirstDisclosure, at)
	}

	if next, ok := e.nextStage(state.Stage); ok && e.mayAdvance(state, next, at) {
		e.logger.Info("relationship stage advanced",
			"from", state.Stage,
			"to", next.Name,
			"meaningful", state.MeaningfulInteractions,
		)
		state.Stage = next.Name
		state.LastStageAdvance = at
		recorded = appendMilestone(state, recorded, "stage_"+next.Name, at)
	}

	return recorded
}

// RecordStreak records streak milestones (7 and 30 consecutive days).
// Re-detection of an already recorded milestone is a no-op.
func (e *Engine) RecordStreak(state *domain.RelationshipState, streakDays int, at time.Time) []domain.Milestone {
	var recorded []domain.Milestone
	if streakDays >= 7 {
		recorded = appendMilestone(state, recorded, domain.MilestoneStreak7, at)
	}
	if streakDays >= 30 {
		recorded = appendMilestone(state, recorded, domain.MilestoneStreak30, at)
	}
	return recorded
}

// nextStage returns the stage after the current one. The terminal stage
// has no successor; its counters keep accumulating for reporting only.
func (e *Engine) nextStage(current string) (personality.StageDef, bool) {
	for i, st := range e.stages {
		if st.Name == current {
			if i+1 < len(e.stages) {
				return e.stages[i+1], true
			}
			return personality.StageDef{}, false
		}
	}
	// Unknown stage (profile changed under stored data): never regress,
	// never advance.
	e.logger.Warn("relationship state holds unknown stage", "stage", current)
	return personality.StageDef{}, false
}

// mayAdvance checks all transition conditions: both thresholds passed and
// at least one calendar day since the previous advance.
func (e *Engine) mayAdvance(state *domain.RelationshipState, next personality.StageDef, at time.Time) bool {
	if state.MeaningfulInteractions < next.Meaningful {
		return false
	}
	if state.DepthScore < next.Depth {
		return false
	}
	if !state.LastStageAdvance.IsZero() && sameOrLaterDay(state.LastStageAdvance, at) {
		return false
	}
	return true
}

// sameOrLaterDay reports whether at falls on the same calendar day as
// last, or earlier for clock skew. Either case blocks advancing.
func sameOrLaterDay(last, at time.Time) bool {
	ly, lm, ld := last.Date()
	ay, am, ad := at.Date()
	if ay != ly {
		return ay < ly
	}
	if am != lm {
		return am < lm
	}
	return ad <= ld
}

func appendMilestone(state *domain.RelationshipState, recorded []domain.Milestone, name string, at time.Time) []domain.Milestone {
	if state.HasMilestone(name) {
		return recorded
	}
	m := domain.Milestone{ID: uuid.NewString(), Name: name, OccurredAt: at}
	state.Milestones = append(state.Milestones, m)
	return append(recorded, m)
}
