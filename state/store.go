// Package state defines the durable record store consumed by the alloy engine
// and ships three implementations: an in-memory store for tests, a local
// file-based store, and an S3-backed store with optional DynamoDB locking.
package state

import (
	"context"
	"errors"
	"time"
)

// Status describes the outcome of the last provider invocation for a resource.
type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"

	// StatusFailed marks a record whose last update did not complete. The
	// record keeps the previous props and output so the next run can diff
	// against them instead of assuming the update landed.
	StatusFailed Status = "failed"
)

// ErrNotFound is returned by Get when no record exists for the given id.
var ErrNotFound = errors.New("state: record not found")

// Record is the persisted trace of one resource: what it was built from,
// what the provider returned, and which resources it depended on.
// A record exists if and only if the resource's last create or update
// completed (possibly in StatusFailed if a later update broke).
type Record struct {
	Type      string    `json:"type"`
	Props     any       `json:"props,omitempty"`
	Output    any       `json:"output,omitempty"`
	Deps      []string  `json:"deps,omitempty"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the durable key-value mapping from (scope path, resource id) to
// the last-known record. Implementations must serialize writes per scope;
// concurrent runs against the same scope from different processes are the
// caller's problem (single writer per scope).
type Store interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, scopePath, id string) (*Record, error)

	// Put writes or replaces the record for id.
	Put(ctx context.Context, scopePath, id string, rec *Record) error

	// Delete removes the record for id. Deleting an absent id is not an error.
	Delete(ctx context.Context, scopePath, id string) error

	// List returns the ids of every record under the scope path.
	List(ctx context.Context, scopePath string) ([]string, error)
}

// Locker is implemented by stores that support advisory locking of a scope.
type Locker interface {
	Lock(scopePath string) error
	Unlock(scopePath string) error
}

// ScopeLister is implemented by stores that can enumerate the scope paths
// holding records. Prefix "myapp/prod" matches that scope and everything
// nested under it.
type ScopeLister interface {
	ScopePaths(ctx context.Context, prefix string) ([]string, error)
}
