// Package memory provides in-process implementations of the store
// interfaces. They back tests and serve as the cache fallback when no
// Redis address is configured.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openbenefits/cardlife/internal/store"
)

type versionedDoc struct {
	versions map[int64]json.RawMessage
	last     int64
}

// DocumentStore is an in-memory versioned document store.
type DocumentStore struct {
	mu   sync.Mutex
	docs map[string]*versionedDoc
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]*versionedDoc)}
}

func docKey(collection, userID string) string {
	return collection + "/" + userID
}

func (s *DocumentStore) FindLastVersion(_ context.Context, collection, userID string) (json.RawMessage, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docKey(collection, userID)]
	if !ok || len(doc.versions) == 0 {
		return nil, 0, store.ErrNotFound
	}
	body := doc.versions[doc.last]
	out := make(json.RawMessage, len(body))
	copy(out, body)
	return out, doc.last, nil
}

func (s *DocumentStore) FindAllVersions(_ context.Context, collection, userID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docKey(collection, userID)]
	if !ok {
		return nil, nil
	}
	versions := make([]int64, 0, len(doc.versions))
	for v := int64(1); v <= doc.last; v++ {
		if _, exists := doc.versions[v]; exists {
			versions = append(versions, v)
		}
	}
	return versions, nil
}

func (s *DocumentStore) CreateNewVersion(_ context.Context, collection, userID string, body json.RawMessage, expectedLast int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(collection, userID)
	doc, ok := s.docs[key]
	if !ok {
		doc = &versionedDoc{versions: make(map[int64]json.RawMessage)}
		s.docs[key] = doc
	}
	if doc.last != expectedLast {
		return 0, store.ErrVersionConflict
	}
	stored := make(json.RawMessage, len(body))
	copy(stored, body)
	doc.last++
	doc.versions[doc.last] = stored
	return doc.last, nil
}

func (s *DocumentStore) DeleteVersion(_ context.Context, collection, userID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[docKey(collection, userID)]; ok {
		delete(doc.versions, version)
	}
	return nil
}

// ExpirationStore is an in-memory expiration schedule store.
type ExpirationStore struct {
	mu      sync.Mutex
	records map[string]string // userID -> date
}

func NewExpirationStore() *ExpirationStore {
	return &ExpirationStore{records: make(map[string]string)}
}

func (s *ExpirationStore) Insert(_ context.Context, rec store.ExpirationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec.ExpirationDate
	return nil
}

func (s *ExpirationStore) FindByDate(_ context.Context, date string) ([]store.ExpirationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ExpirationRecord
	for userID, d := range s.records {
		if d == date {
			out = append(out, store.ExpirationRecord{UserID: userID, ExpirationDate: d})
		}
	}
	return out, nil
}

func (s *ExpirationStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	return nil
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Cache is an in-memory TTL cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *Cache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *Cache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}
