// Package store defines the narrow persistence interfaces the orchestration
// core depends on: a versioned document store, the expiration schedule
// store, and a key/value cache with TTL semantics. Concurrency resolution
// for versioned writes stays with the implementing collaborator.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record or version does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict indicates a concurrent writer created the version
	// this write expected to create. Conflicts are retry-eligible.
	ErrVersionConflict = errors.New("version conflict")
)

// Document collections managed by the versioned store.
const (
	CollectionCardStatus    = "card_status"
	CollectionSecondaryCard = "secondary_card"
)

// DocumentStore is a versioned key-value store keyed by user id. Writes
// always append a new version; the last version is the current record.
type DocumentStore interface {
	// FindLastVersion returns the newest version body for the user, or
	// ErrNotFound when no versions exist.
	FindLastVersion(ctx context.Context, collection, userID string) (json.RawMessage, int64, error)
	// FindAllVersions returns every stored version number for the user,
	// oldest first. An empty slice is returned when none exist.
	FindAllVersions(ctx context.Context, collection, userID string) ([]int64, error)
	// CreateNewVersion writes body as the version following expectedLast.
	// ErrVersionConflict is returned when another writer got there first.
	CreateNewVersion(ctx context.Context, collection, userID string, body json.RawMessage, expectedLast int64) (int64, error)
	// DeleteVersion removes a single version. Deleting a version that no
	// longer exists is success, not an error.
	DeleteVersion(ctx context.Context, collection, userID string, version int64) error
}

// ExpirationRecord schedules a user's entitlement for expiration on a
// calendar day (format YYYY-MM-DD).
type ExpirationRecord struct {
	UserID         string `json:"userId"`
	ExpirationDate string `json:"expirationDate"`
}

// ExpirationStore persists expiration schedules, queried by exact date.
type ExpirationStore interface {
	Insert(ctx context.Context, rec ExpirationRecord) error
	FindByDate(ctx context.Context, date string) ([]ExpirationRecord, error)
	// Delete removes the user's schedule row; missing rows are success.
	Delete(ctx context.Context, userID string) error
}

// Cache is a key/value store with write-with-TTL, read, and existence
// semantics (SET key value EX seconds / GET / EXISTS).
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}
