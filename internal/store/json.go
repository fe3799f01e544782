package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"kindred/internal/domain"
)

const (
	usersIndexFile    = "users_index.json"
	globalContextFile = "global_context.json"
)

var validUserID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// JSONStore implements domain.Store on a directory of JSON documents:
// one sub-directory per user, one file per collection. Every write goes
// through a temporary file followed by an atomic rename, so a reader (or
// a crash) never observes a partially written document.
type JSONStore struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-user write serialization

	rootMu sync.Mutex // users index + global context
}

func NewJSONStore(root string, logger *slog.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, &domain.StorageError{Op: "mkdir", Path: root, Err: err}
	}

	s := &JSONStore{
		root:   root,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}

	indexPath := filepath.Join(root, usersIndexFile)
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		if err := s.writeDoc(indexPath, &collectionDoc{Records: []domain.Record{}}); err != nil {
			return nil, err
		}
	}

	logger.Info("json store initialized", "root", root)
	return s, nil
}

// collectionDoc is the on-disk shape of one collection file.
type collectionDoc struct {
	Records []domain.Record `json:"records"`
}

func (d *collectionDoc) find(key string) int {
	for i := range d.Records {
		if d.Records[i].Key == key {
			return i
		}
	}
	return -1
}

// userLock returns the mutex serializing writes for one user, creating
// it on first use. Different users hold different mutexes and proceed
// independently.
func (s *JSONStore) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *JSONStore) collectionPath(userID, collection string) (string, error) {
	if !validUserID.MatchString(userID) {
		return "", &domain.ValidationError{Field: "user_id", Reason: "must match [A-Za-z0-9_-]+"}
	}
	// filepath.Base guards against traversal in collection names.
	return filepath.Join(s.root, userID, filepath.Base(collection)+".json"), nil
}

// readDoc loads a collection file. A missing file yields (nil, os.ErrNotExist)
// wrapped in domain.ErrNotFound semantics at the call sites; corrupt JSON
// surfaces as CorruptDataError and the file is left untouched.
func (s *JSONStore) readDoc(path string) (*collectionDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrNotFound
		}
		return nil, &domain.StorageError{Op: "read", Path: path, Err: err}
	}

	var doc collectionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &domain.CorruptDataError{Path: path, Err: err}
	}
	return &doc, nil
}

func (s *JSONStore) writeDoc(path string, doc *collectionDoc) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &domain.StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &domain.StorageError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &domain.StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (s *JSONStore) Put(ctx context.Context, userID, collection, key string, value json.RawMessage) error {
	path, err := s.collectionPath(userID, collection)
	if err != nil {
		return err
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.readDoc(path)
	if errors.Is(err, domain.ErrNotFound) {
		doc = &collectionDoc{}
	} else if err != nil {
		return err
	}

	rec := domain.Record{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if i := doc.find(key); i >= 0 {
		doc.Records[i] = rec
	} else {
		doc.Records = append(doc.Records, rec)
	}

	return s.writeDoc(path, doc)
}

func (s *JSONStore) Get(ctx context.Context, userID, collection, key string) (json.RawMessage, error) {
	path, err := s.collectionPath(userID, collection)
	if err != nil {
		return nil, err
	}

	doc, err := s.readDoc(path)
	if err != nil {
		return nil, err
	}
	if i := doc.find(key); i >= 0 {
		return doc.Records[i].Value, nil
	}
	return nil, domain.ErrNotFound
}

func (s *JSONStore) List(ctx context.Context, userID, collection string) ([]domain.Record, error) {
	path, err := s.collectionPath(userID, collection)
	if err != nil {
		return nil, err
	}

	doc, err := s.readDoc(path)
	if errors.Is(err, domain.ErrNotFound) {
		return []domain.Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Records, nil
}

func (s *JSONStore) Delete(ctx context.Context, userID, collection, key string) error {
	path, err := s.collectionPath(userID, collection)
	if err != nil {
		return err
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.readDoc(path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil // already gone
	}
	if err != nil {
		return err
	}

	i := doc.find(key)
	if i < 0 {
		return nil
	}
	doc.Records = append(doc.Records[:i], doc.Records[i+1:]...)
	return s.writeDoc(path, doc)
}

func (s *JSONStore) RegisterUser(ctx context.Context, ref domain.UserRef) error {
	if !validUserID.MatchString(ref.ID) {
		return &domain.ValidationError{Field: "user_id", Reason: "must match [A-Za-z0-9_-]+"}
	}

	s.rootMu.Lock()
	defer s.rootMu.Unlock()

	path := filepath.Join(s.root, usersIndexFile)
	doc, err := s.readDoc(path)
	if errors.Is(err, domain.ErrNotFound) {
		doc = &collectionDoc{}
	} else if err != nil {
		return err
	}

	if doc.find(ref.ID) >= 0 {
		return nil
	}

	value, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal user ref: %w", err)
	}
	doc.Records = append(doc.Records, domain.Record{Key: ref.ID, Value: value, UpdatedAt: time.Now().UTC()})
	sort.Slice(doc.Records, func(i, j int) bool { return doc.Records[i].Key < doc.Records[j].Key })

	if err := s.writeDoc(path, doc); err != nil {
		return err
	}
	s.logger.Info("registered user", "user", ref.ID)
	return nil
}

func (s *JSONStore) ListUsers(ctx context.Context) ([]domain.UserRef, error) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()

	path := filepath.Join(s.root, usersIndexFile)
	doc, err := s.readDoc(path)
	if errors.Is(err, domain.ErrNotFound) {
		return []domain.UserRef{}, nil
	}
	if err != nil {
		return nil, err
	}

	refs := make([]domain.UserRef, 0, len(doc.Records))
	for _, rec := range doc.Records {
		var ref domain.UserRef
		if err := json.Unmarshal(rec.Value, &ref); err != nil {
			return nil, &domain.CorruptDataError{Path: path, Err: err}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *JSONStore) PutGlobal(ctx context.Context, key string, value json.RawMessage) error {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()

	path := filepath.Join(s.root, globalContextFile)
	doc, err := s.readDoc(path)
	if errors.Is(err, domain.ErrNotFound) {
		doc = &collectionDoc{}
	} else if err != nil {
		return err
	}

	rec := domain.Record{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if i := doc.find(key); i >= 0 {
		doc.Records[i] = rec
	} else {
		doc.Records = append(doc.Records, rec)
	}
	return s.writeDoc(path, doc)
}

func (s *JSONStore) GetGlobal(ctx context.Context, key string) (json.RawMessage, error) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()

	doc, err := s.readDoc(filepath.Join(s.root, globalContextFile))
	if err != nil {
		return nil, err
	}
	if i := doc.find(key); i >= 0 {
		return doc.Records[i].Value, nil
	}
	return nil, domain.ErrNotFound
}

func (s *JSONStore) DeleteGlobal(ctx context.Context, key string) error {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()

	path := filepath.Join(s.root, globalContextFile)
	doc, err := s.readDoc(path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	i := doc.find(key)
	if i < 0 {
		return nil
	}
	doc.Records = append(doc.Records[:i], doc.Records[i+1:]...)
	return s.writeDoc(path, doc)
}

func (s *JSONStore) Close() error { return nil }
