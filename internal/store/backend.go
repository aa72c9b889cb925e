// Package store implements the pluggable backend contract behind a
// layer: a uniform set/get/unset/list operations over a
// per-layer key-value store.
package store

import (
	"errors"

	"github.com/buxton-project/buxton/internal/model"
)

// ErrNotFound indicates the key has no entry in the backend.
var ErrNotFound = errors.New("key not found in backend")

// Backend is the uniform contract every storage implementation honours.
// Failure is opaque to the caller; callers check the
// returned error only for ErrNotFound, everything else is surfaced to
// the client as StatusBackend.
type Backend interface {
	// Set stores entry under key, replacing any existing entry.
	Set(key model.Key, entry model.Entry) error
	// Get retrieves the entry stored under key.
	Get(key model.Key) (model.Entry, error)
	// Unset removes the entry stored under key.
	Unset(key model.Key) error
	// List enumerates every key stored in the backend, in an order
	// stable for a given backend instance's lifetime.
	List() ([]model.Key, error)
	// Close releases any resources held by the backend (open files,
	// locks). Close is called once at daemon shutdown.
	Close() error
}
