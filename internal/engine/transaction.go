package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"kindred/internal/domain"
	"kindred/internal/extract"
	"kindred/internal/personality"
	"kindred/internal/streak"
)

// TurnResult reports what one recorded message changed.
type TurnResult struct {
	Seq       int64
	WordCount int
	Depth     float64

	// Facts that were accepted and stored from this turn.
	Facts []domain.Fact

	// Mood is the sample derived from this turn, nil when none was
	// detected. Trend and SupportEscalation are only meaningful when a
	// sample was classified.
	Mood              *domain.MoodSample
	Trend             string
	SupportEscalation bool

	Milestones []domain.Milestone
	Stage      string
}

// RecordMessage runs the write transaction for one conversation turn.
// Steps execute in a fixed order so a crash mid-transaction leaves the
// message persisted and all derived state at its prior value: message
// append and eviction first, then facts, mood, usage metrics, the
// relationship state, and finally traits. A malformed derived entry is
// skipped with a warning; it never aborts the surrounding transaction.
func (e *Engine) RecordMessage(ctx context.Context, userID, role, content string, meta map[string]string) (*TurnResult, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	if role != domain.RoleUser && role != domain.RoleCompanion {
		return nil, &domain.ValidationError{Field: "role", Reason: "must be user or companion"}
	}
	content = sanitizeText(content)
	if content == "" {
		return nil, &domain.ValidationError{Field: "content", Reason: "must not be empty"}
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	now := start.UTC()

	m, err := e.loadMetrics(ctx, userID)
	if err != nil {
		return nil, err
	}
	state, err := e.loadState(ctx, userID)
	if err != nil {
		return nil, err
	}

	// The seq cursor in Metrics is committed after the message append, so
	// a crash between the two leaves it behind. Skip past any turn
	// already stored at the cursor rather than overwrite it: persisted
	// messages are immutable and sequence numbers are never reused.
	seq := m.NextSeq
	for {
		_, err := e.store.Get(ctx, userID, domain.CollectionMessages, seqKey(seq))
		if isNotFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		seq++
	}

	words := len(strings.Fields(content))
	msg := domain.Message{
		Seq:       seq,
		Role:      role,
		Content:   content,
		WordCount: words,
		Timestamp: now,
		Metadata:  meta,
	}

	// 1. Message append, then eviction of the oldest retained entry.
	if err := e.putDoc(ctx, userID, domain.CollectionMessages, seqKey(seq), &msg); err != nil {
		return nil, err
	}
	if old := seq - int64(e.historyLimit); old >= 0 {
		if err := e.store.Delete(ctx, userID, domain.CollectionMessages, seqKey(old)); err != nil {
			e.logger.Warn("evicting old message failed", "user", userID, "seq", old, "error", err)
		}
	}

	result := &TurnResult{Seq: seq, WordCount: words}

	// 2. Facts and 3. mood, derived from user turns only.
	var analysis extract.Analysis
	if role == domain.RoleUser {
		analysis = e.extractor.Analyze(content, now)
		result.Depth = analysis.Depth

		for _, f := range analysis.Facts {
			applied, err := e.upsertFactLocked(ctx, userID, f, now)
			if err != nil {
				var verr *domain.ValidationError
				if errors.As(err, &verr) {
					e.metrics.FactsRejectedTotal.Inc()
					e.logger.Warn("rejected extracted fact", "user", userID, "key", f.Key, "error", err)
					continue
				}
				return nil, err
			}
			if applied {
				result.Facts = append(result.Facts, f)
			}
		}

		if analysis.Mood != nil {
			trend, escalate, err := e.appendMoodLocked(ctx, userID, *analysis.Mood)
			if err != nil {
				return nil, err
			}
			result.Mood = analysis.Mood
			result.Trend = trend
			result.SupportEscalation = escalate
			if escalate {
				e.metrics.Escalations.Inc()
				e.logger.Info("support escalation", "user", userID, "trend", trend)
			}
		}
	}

	// 4. Usage metrics and streak.
	streak.Update(&m, role, words, now)
	m.NextSeq = seq + 1
	if err := e.putDoc(ctx, userID, domain.CollectionMetrics, keyMetrics, &m); err != nil {
		return nil, err
	}

	// 5. Relationship state. Only user turns count as interactions.
	if role == domain.RoleUser {
		before := state.Stage
		result.Milestones = e.rel.Observe(&state, analysis.Depth, now)
		result.Milestones = append(result.Milestones, e.rel.RecordStreak(&state, m.StreakDays, now)...)
		if state.Stage != before {
			e.metrics.StageAdvances.Inc()
		}
		if err := e.putDoc(ctx, userID, domain.CollectionState, keyState, &state); err != nil {
			return nil, err
		}
	}
	result.Stage = state.Stage

	// 6. Trait adaptation: explicit requests plus mood-trend drift.
	if role == domain.RoleUser {
		signals := e.adapter.DetectSignals(content)
		signals = append(signals, e.adapter.MoodSignals(result.Trend)...)
		if len(signals) > 0 {
			if err := e.applyTraitsLocked(ctx, userID, signals); err != nil {
				return nil, err
			}
		}
	}

	e.metrics.MessagesTotal.Inc()
	e.metrics.FactsUpsertedTotal.Add(int64(len(result.Facts)))
	e.metrics.WriteLatency.Observe(time.Since(start).Seconds())
	return result, nil
}

// upsertFactLocked validates, merges, and stores one fact. The caller
// holds the user lock. The returned bool reports whether the fact was
// applied (a lower-confidence duplicate is silently kept out).
func (e *Engine) upsertFactLocked(ctx context.Context, userID string, f domain.Fact, now time.Time) (bool, error) {
	if err := extract.ValidateFact(f); err != nil {
		return false, err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	var existing domain.Fact
	err := e.getDoc(ctx, userID, domain.CollectionFacts, f.Key, &existing)
	switch {
	case err == nil:
		merged, applied := extract.MergeFact(existing, f, now)
		if !applied {
			return false, nil
		}
		f = merged
	case !isNotFound(err):
		return false, err
	}

	return true, e.putFact(ctx, userID, f)
}

// putFact stores a fact, sealing its value when the fact key matches a
// sensitive pattern (an "email" or "phone" fact holds contact data even
// though the struct field is just "value").
func (e *Engine) putFact(ctx context.Context, userID string, f domain.Fact) error {
	if e.cipher == nil || !e.cipher.Sensitive(f.Key) {
		return e.putDoc(ctx, userID, domain.CollectionFacts, f.Key, &f)
	}

	doc := map[string]any{
		"key":        f.Key,
		"category":   f.Category,
		"confidence": f.Confidence,
		"source":     f.Source,
		"created_at": f.CreatedAt,
		"updated_at": f.UpdatedAt,
	}
	sealed, err := e.cipher.EncryptValue(f.Value)
	if err != nil {
		return err
	}
	doc["value"] = sealed
	return e.putDoc(ctx, userID, domain.CollectionFacts, f.Key, doc)
}

// appendMoodLocked folds one sample into the rolling window and persists
// the new classification. The caller holds the user lock.
func (e *Engine) appendMoodLocked(ctx context.Context, userID string, sample domain.MoodSample) (string, bool, error) {
	if err := extract.ValidateMood(sample); err != nil {
		return "", false, err
	}

	var window domain.MoodWindow
	if err := e.getDoc(ctx, userID, domain.CollectionMoodWindow, keyWindow, &window); err != nil && !isNotFound(err) {
		return "", false, err
	}

	e.tracker.Append(&window, sample)
	trend, escalate := e.tracker.Classify(&window)

	if err := e.putDoc(ctx, userID, domain.CollectionMoodWindow, keyWindow, &window); err != nil {
		return "", false, err
	}
	return trend, escalate, nil
}

// applyTraitsLocked nudges the trait vector and persists it if anything
// moved. The caller holds the user lock.
func (e *Engine) applyTraitsLocked(ctx context.Context, userID string, signals []personality.Signal) error {
	traits, err := e.loadTraits(ctx, userID)
	if err != nil {
		return err
	}
	if !e.adapter.Apply(traits, signals) {
		return nil
	}
	return e.putDoc(ctx, userID, domain.CollectionTraits, keyTraits, traits)
}

func (e *Engine) loadMetrics(ctx context.Context, userID string) (domain.Metrics, error) {
	var m domain.Metrics
	err := e.getDoc(ctx, userID, domain.CollectionMetrics, keyMetrics, &m)
	if err != nil && !isNotFound(err) {
		return m, err
	}
	return m, nil
}

func (e *Engine) loadState(ctx context.Context, userID string) (domain.RelationshipState, error) {
	var state domain.RelationshipState
	err := e.getDoc(ctx, userID, domain.CollectionState, keyState, &state)
	if isNotFound(err) {
		return e.rel.InitialState(), nil
	}
	if err != nil {
		return state, err
	}
	return state, nil
}

func (e *Engine) loadTraits(ctx context.Context, userID string) (domain.TraitVector, error) {
	var traits domain.TraitVector
	err := e.getDoc(ctx, userID, domain.CollectionTraits, keyTraits, &traits)
	if isNotFound(err) {
		return e.profile.InitialTraits(), nil
	}
	if err != nil {
		return nil, err
	}
	return traits, nil
}

func seqKey(seq int64) string {
	return strconv.FormatInt(seq, 10)
}
