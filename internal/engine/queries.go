package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"kindred/internal/domain"
	"kindred/internal/extract"
)

// GetHistory returns the most recent messages in chronological order, up
// to limit (0 means all retained).
func (e *Engine) GetHistory(ctx context.Context, userID string, limit int) ([]domain.Message, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}

	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()

	records, err := e.store.List(ctx, userID, domain.CollectionMessages)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(records))
	for _, rec := range records {
		var msg domain.Message
		if err := e.decodeDoc(rec.Value, &msg); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Seq < messages[j].Seq })

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// UpsertFact stores a collaborator-supplied fact under the merge policy.
// The returned bool reports whether the fact was applied.
func (e *Engine) UpsertFact(ctx context.Context, userID string, f domain.Fact) (bool, error) {
	if err := checkUserID(userID); err != nil {
		return false, err
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	applied, err := e.upsertFactLocked(ctx, userID, f, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if applied {
		e.metrics.FactsUpsertedTotal.Inc()
	} else {
		e.metrics.FactsRejectedTotal.Inc()
	}
	return applied, nil
}

// GetFacts returns all stored facts in insertion order.
func (e *Engine) GetFacts(ctx context.Context, userID string) ([]domain.Fact, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}

	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()

	records, err := e.store.List(ctx, userID, domain.CollectionFacts)
	if err != nil {
		return nil, err
	}
	facts := make([]domain.Fact, 0, len(records))
	for _, rec := range records {
		var f domain.Fact
		if err := e.decodeDoc(rec.Value, &f); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// GetFact returns one fact by key.
func (e *Engine) GetFact(ctx context.Context, userID, key string) (domain.Fact, error) {
	var f domain.Fact
	if err := checkUserID(userID); err != nil {
		return f, err
	}
	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()
	err := e.getDoc(ctx, userID, domain.CollectionFacts, key, &f)
	return f, err
}

// DeleteFact removes a fact. Deleting a missing key is a no-op.
func (e *Engine) DeleteFact(ctx context.Context, userID, key string) error {
	if err := checkUserID(userID); err != nil {
		return err
	}
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return e.store.Delete(ctx, userID, domain.CollectionFacts, key)
}

// AddPermanentMemory appends an explicit, never-evicted memory entry.
func (e *Engine) AddPermanentMemory(ctx context.Context, userID, content, tag string) (domain.PermanentMemory, error) {
	var mem domain.PermanentMemory
	if err := checkUserID(userID); err != nil {
		return mem, err
	}
	content = sanitizeText(content)
	if content == "" {
		return mem, &domain.ValidationError{Field: "content", Reason: "must not be empty"}
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	mem = domain.PermanentMemory{
		ID:        uuid.NewString(),
		Content:   content,
		Tag:       tag,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.putDoc(ctx, userID, domain.CollectionMemories, mem.ID, &mem); err != nil {
		return domain.PermanentMemory{}, err
	}
	return mem, nil
}

// GetPermanentMemories returns all permanent memories in insertion order.
func (e *Engine) GetPermanentMemories(ctx context.Context, userID string) ([]domain.PermanentMemory, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}

	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()

	records, err := e.store.List(ctx, userID, domain.CollectionMemories)
	if err != nil {
		return nil, err
	}
	memories := make([]domain.PermanentMemory, 0, len(records))
	for _, rec := range records {
		var mem domain.PermanentMemory
		if err := e.decodeDoc(rec.Value, &mem); err != nil {
			return nil, err
		}
		memories = append(memories, mem)
	}
	return memories, nil
}

// AddMoodSample records a collaborator-supplied mood observation and
// returns the resulting trend classification.
func (e *Engine) AddMoodSample(ctx context.Context, userID string, sample domain.MoodSample) (trend string, escalate bool, err error) {
	if err := checkUserID(userID); err != nil {
		return "", false, err
	}
	if err := extract.ValidateMood(sample); err != nil {
		return "", false, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	trend, escalate, err = e.appendMoodLocked(ctx, userID, sample)
	if escalate {
		e.metrics.Escalations.Inc()
	}
	return trend, escalate, err
}

// GetMoodWindow returns the current rolling mood window.
func (e *Engine) GetMoodWindow(ctx context.Context, userID string) (domain.MoodWindow, error) {
	var window domain.MoodWindow
	if err := checkUserID(userID); err != nil {
		return window, err
	}
	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()
	err := e.getDoc(ctx, userID, domain.CollectionMoodWindow, keyWindow, &window)
	if isNotFound(err) {
		return window, nil
	}
	return window, err
}

// GetRelationshipState returns the current relationship state, which is
// the initial state for a user with no interactions yet.
func (e *Engine) GetRelationshipState(ctx context.Context, userID string) (domain.RelationshipState, error) {
	if err := checkUserID(userID); err != nil {
		return domain.RelationshipState{}, err
	}
	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()
	return e.loadState(ctx, userID)
}

// GetTraits returns the current trait vector, seeded from the profile for
// users with no stored adaptations.
func (e *Engine) GetTraits(ctx context.Context, userID string) (domain.TraitVector, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()
	return e.loadTraits(ctx, userID)
}

// GetMetrics returns the aggregate usage counters.
func (e *Engine) GetMetrics(ctx context.Context, userID string) (domain.Metrics, error) {
	if err := checkUserID(userID); err != nil {
		return domain.Metrics{}, err
	}
	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()
	return e.loadMetrics(ctx, userID)
}

// SetGlobalContext stores a cross-user context value.
func (e *Engine) SetGlobalContext(ctx context.Context, key, value string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return e.store.PutGlobal(ctx, key, data)
}

// GetGlobalContext reads a cross-user context value.
func (e *Engine) GetGlobalContext(ctx context.Context, key string) (string, error) {
	data, err := e.store.GetGlobal(ctx, key)
	if err != nil {
		return "", err
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return "", err
	}
	return value, nil
}

// DeleteGlobalContext removes a cross-user context value.
func (e *Engine) DeleteGlobalContext(ctx context.Context, key string) error {
	return e.store.DeleteGlobal(ctx, key)
}
