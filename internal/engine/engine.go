// Package engine is the façade over the whole memory and relationship
// state machine: it owns the store, the field cipher, the personality
// profile, and the per-user locks, and exposes the operations callers
// use (record a turn, query history and facts, manage memories).
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"kindred/internal/config"
	"kindred/internal/crypto"
	"kindred/internal/domain"
	"kindred/internal/emotion"
	"kindred/internal/extract"
	"kindred/internal/metrics"
	"kindred/internal/personality"
	"kindred/internal/relationship"
)

// Singleton-document keys within their collections.
const (
	keyProfile = "profile"
	keyMetrics = "metrics"
	keyState   = "state"
	keyTraits  = "traits"
	keyWindow  = "window"
)

var (
	validUserID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	htmlTag     = regexp.MustCompile(`<[^>]*>`)
)

// Engine coordinates all per-user state. Writes to the same user are
// serialized by a per-user lock and reads wait behind an in-flight write
// so they never observe a half-applied multi-collection transaction;
// different users proceed concurrently.
type Engine struct {
	store  domain.Store
	logger *slog.Logger

	historyLimit  int
	companionName string

	profile   *personality.Profile
	adapter   *personality.Adapter
	tracker   *emotion.Tracker
	rel       *relationship.Engine
	extractor *extract.Extractor
	cipher    *crypto.FieldCipher

	metrics *metrics.EngineMetrics

	mu    sync.RWMutex
	locks map[string]*sync.RWMutex
}

// New wires an engine from configuration and an opened store.
func New(cfg *config.Config, st domain.Store, collector *metrics.Collector, logger *slog.Logger) (*Engine, error) {
	profile, err := personality.LoadProfile(cfg.Personality.ProfilePath, logger)
	if err != nil {
		return nil, err
	}

	var fieldCipher *crypto.FieldCipher
	if cfg.Encryption.Enabled {
		key := crypto.DeriveKey(cfg.Encryption.Secret, []byte(cfg.Encryption.Salt))
		cipher, err := crypto.NewCipher(key)
		if err != nil {
			return nil, err
		}
		classifier, err := crypto.NewClassifier(cfg.Encryption.SensitivePatterns)
		if err != nil {
			return nil, err
		}
		fieldCipher = crypto.NewFieldCipher(cipher, classifier)
		logger.Info("field encryption enabled")
	}

	if collector == nil {
		collector = metrics.NewCollector()
	}

	return &Engine{
		store:         st,
		logger:        logger,
		historyLimit:  cfg.Memory.HistoryLimit,
		companionName: cfg.General.CompanionName,
		profile:       profile,
		adapter:       personality.NewAdapter(),
		tracker:       emotion.NewTracker(cfg.Memory.MoodWindow, cfg.Memory.TrendThreshold),
		rel:           relationship.NewEngine(profile, logger),
		extractor:     extract.NewExtractor(),
		cipher:        fieldCipher,
		metrics:       metrics.NewEngineMetrics(collector),
		locks:         make(map[string]*sync.RWMutex),
	}, nil
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// userLock returns the lock for a user, creating it on first use.
// Mutating operations take the write side, queries the read side.
func (e *Engine) userLock(userID string) *sync.RWMutex {
	e.mu.RLock()
	lock, ok := e.locks[userID]
	e.mu.RUnlock()
	if ok {
		return lock
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if lock, ok := e.locks[userID]; ok {
		return lock
	}
	lock = &sync.RWMutex{}
	e.locks[userID] = lock
	return lock
}

// checkUserID rejects identifiers that cannot serve as storage namespaces.
func checkUserID(userID string) error {
	if !validUserID.MatchString(userID) {
		return &domain.ValidationError{Field: "user_id", Reason: "must match [A-Za-z0-9_-]{1,64}"}
	}
	return nil
}

// sanitizeText strips markup and trims whitespace from free-form input.
func sanitizeText(s string) string {
	return strings.TrimSpace(htmlTag.ReplaceAllString(s, ""))
}

// putDoc marshals a value, applies field-selective encryption, and writes
// it to the store.
func (e *Engine) putDoc(ctx context.Context, userID, collection, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	if e.cipher != nil {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err == nil {
			sealed, err := e.cipher.EncryptDocument(doc)
			if err != nil {
				return err
			}
			if data, err = json.Marshal(sealed); err != nil {
				return fmt.Errorf("marshal sealed %s/%s: %w", collection, key, err)
			}
		}
	}
	return e.store.Put(ctx, userID, collection, key, data)
}

// getDoc reads a stored value, reversing field encryption before decoding
// into out.
func (e *Engine) getDoc(ctx context.Context, userID, collection, key string, out any) error {
	data, err := e.store.Get(ctx, userID, collection, key)
	if err != nil {
		return err
	}
	return e.decodeDoc(data, out)
}

func (e *Engine) decodeDoc(data json.RawMessage, out any) error {
	if e.cipher != nil {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err == nil {
			opened, err := e.cipher.DecryptDocument(doc)
			if err != nil {
				return err
			}
			if data, err = json.Marshal(opened); err != nil {
				return fmt.Errorf("re-marshal opened document: %w", err)
			}
		}
	}
	return json.Unmarshal(data, out)
}

// GetOrCreateUser returns the user's profile, creating and seeding it on
// first contact.
func (e *Engine) GetOrCreateUser(ctx context.Context, userID, name string) (*domain.User, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	var user domain.User
	err := e.getDoc(ctx, userID, domain.CollectionProfile, keyProfile, &user)
	if err == nil {
		return &user, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	user = domain.User{
		ID:            userID,
		Name:          sanitizeText(name),
		CompanionName: e.companionName,
		CreatedAt:     now,
	}
	if err := e.store.RegisterUser(ctx, domain.UserRef{ID: userID, Name: user.Name, CreatedAt: now}); err != nil {
		return nil, err
	}
	if err := e.putDoc(ctx, userID, domain.CollectionProfile, keyProfile, &user); err != nil {
		return nil, err
	}
	if err := e.putDoc(ctx, userID, domain.CollectionTraits, keyTraits, e.profile.InitialTraits()); err != nil {
		return nil, err
	}
	if err := e.putDoc(ctx, userID, domain.CollectionState, keyState, e.rel.InitialState()); err != nil {
		return nil, err
	}

	if refs, err := e.store.ListUsers(ctx); err == nil {
		e.metrics.ActiveUsers.Set(int64(len(refs)))
	}
	e.logger.Info("created user", "user", userID)
	return &user, nil
}

// ListUsers returns the registered users sorted by ID.
func (e *Engine) ListUsers(ctx context.Context) ([]domain.UserRef, error) {
	return e.store.ListUsers(ctx)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
