package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a user, collection, or key does not exist.
// It is an expected result, not a failure: callers check it with errors.Is
// and must not log it as an error.
var ErrNotFound = errors.New("not found")

// ErrAuthenticationFailed is returned when a ciphertext cannot be
// authenticated (wrong key, tampered or truncated data). Decryption fails
// closed: no plaintext is ever returned alongside this error.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ValidationError reports malformed input from a collaborator (missing
// fact key, out-of-range confidence, unknown category). The offending
// entry is rejected; the surrounding write transaction continues.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// CorruptDataError reports on-disk content that failed to parse. The store
// surfaces it and leaves the bad file untouched for diagnosis; it never
// overwrites corrupt data with empty defaults.
type CorruptDataError struct {
	Path string
	Err  error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt data in %s: %v", e.Path, e.Err)
}

func (e *CorruptDataError) Unwrap() error { return e.Err }

// StorageError reports a filesystem or database failure (permissions, disk
// full). It is fatal for the current operation; retry policy belongs to
// the caller, not the store.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
